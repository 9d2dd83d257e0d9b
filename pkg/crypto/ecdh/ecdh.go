// Package ecdh implements the P-256 session-key derivation described in
// the confidential-session handshake: a fresh server key pair, a shared
// point with the client's public key, and a channel key bound to the
// session id.
package ecdh

import (
	stdecdh "crypto/ecdh"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
)

// ErrInvalidPoint is returned when a client-supplied public key does not
// decode to a valid point on P-256, or decodes to the point at infinity.
var ErrInvalidPoint = errors.New("ecdh: invalid or infinite public key point")

// KeyPair is a freshly generated P-256 key pair, retained only for the
// lifetime of a single handshake.
type KeyPair struct {
	private *stdecdh.PrivateKey
}

// Generate produces a fresh P-256 key pair using the process CSPRNG.
func Generate() (KeyPair, error) {
	priv, err := stdecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("ecdh: generate key pair: %w", err)
	}
	return KeyPair{private: priv}, nil
}

// PublicCompressed returns the SEC1 compressed encoding of the public key
// (33 bytes), the wire format the handshake response publishes.
func (k KeyPair) PublicCompressed() []byte {
	x, y := k.pointXY()
	return elliptic.MarshalCompressed(elliptic.P256(), x, y)
}

// PublicUncompressed returns the SEC1 uncompressed encoding (65 bytes).
func (k KeyPair) PublicUncompressed() []byte {
	return k.private.PublicKey().Bytes()
}

func (k KeyPair) pointXY() (x, y *big.Int) {
	raw := k.private.PublicKey().Bytes() // uncompressed: 0x04 || X || Y
	size := (len(raw) - 1) / 2
	x = new(big.Int).SetBytes(raw[1 : 1+size])
	y = new(big.Int).SetBytes(raw[1+size:])
	return x, y
}

// ParsePeerPublicKey accepts either a 33-byte compressed or 65-byte
// uncompressed SEC1 P-256 public key and returns the point on the curve,
// rejecting invalid encodings and the point at infinity.
func ParsePeerPublicKey(raw []byte) (*stdecdh.PublicKey, error) {
	curve := elliptic.P256()

	var uncompressed []byte
	switch len(raw) {
	case 33:
		x, y := elliptic.UnmarshalCompressed(curve, raw)
		if x == nil {
			return nil, ErrInvalidPoint
		}
		uncompressed = elliptic.Marshal(curve, x, y)
	case 65:
		uncompressed = raw
	default:
		return nil, ErrInvalidPoint
	}

	pub, err := stdecdh.P256().NewPublicKey(uncompressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	return pub, nil
}

// DeriveChannelKey computes channel_key = SHA-256(x || sid) where x is the
// 32-byte big-endian X coordinate of the ECDH shared point and sid is the
// 16-byte session id. It is the single operation both the client and the
// server perform (each with their own private scalar) to arrive at the same
// symmetric key.
func DeriveChannelKey(priv KeyPair, peer *stdecdh.PublicKey, sessionID [16]byte) ([32]byte, error) {
	shared, err := priv.private.ECDH(peer)
	if err != nil {
		return [32]byte{}, fmt.Errorf("ecdh: shared secret: %w", err)
	}
	h := sha256.New()
	h.Write(shared)
	h.Write(sessionID[:])
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key, nil
}

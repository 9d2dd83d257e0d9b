// Package aeadsiv implements AES-256-GCM-SIV (RFC 8452), the nonce-misuse
// resistant AEAD the confidential channel uses for every guest-bound and
// client-bound ciphertext: accidental reuse of the deterministic
// request-direction nonce across the module and its arguments cannot
// catastrophically break confidentiality, unlike a conventional AES-GCM
// counter-mode construction.
//
// No vetted third-party Go implementation of RFC 8452 was found across the
// retrieval pack or its dependency manifests (the closest relatives,
// cloudflare/circl and the "aead" family, target post-quantum or classic
// AES-SIV/CMAC constructions, not GCM-SIV's POLYVAL-based design), so this
// package builds the primitive directly on crypto/aes and crypto/subtle.
package aeadsiv

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// KeySize is the AES-256 key size consumed by this package.
	KeySize = 32
	// NonceSize is the GCM-SIV nonce size.
	NonceSize = 12
	// TagSize is the authentication tag length appended to every ciphertext.
	TagSize = 16
)

// ErrAuthentication is returned on any AEAD verification failure. It
// deliberately carries no detail distinguishing a wrong key from a
// tampered ciphertext.
var ErrAuthentication = errors.New("aeadsiv: authentication failed")

// AEAD wraps an AES-256-GCM-SIV instance bound to a single 32-byte key.
type AEAD struct {
	key [KeySize]byte
}

// New constructs an AEAD instance for the given 256-bit key.
func New(key []byte) (*AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("aeadsiv: key must be %d bytes, got %d", KeySize, len(key))
	}
	a := &AEAD{}
	copy(a.key[:], key)
	return a, nil
}

// Seal encrypts and authenticates plaintext under nonce and aad, returning
// ciphertext || tag.
func (a *AEAD) Seal(nonce, plaintext, aad []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("aeadsiv: nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}
	authKey, encKey, err := deriveKeys(a.key[:], nonce)
	if err != nil {
		return nil, err
	}

	s := polyvalS(authKey, aad, plaintext)
	for i := 0; i < NonceSize; i++ {
		s[i] ^= nonce[i]
	}
	s[15] &= 0x7f

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("aeadsiv: block cipher: %w", err)
	}
	var tag [16]byte
	block.Encrypt(tag[:], s[:])

	counter := tag
	counter[15] |= 0x80

	ciphertext := make([]byte, len(plaintext)+TagSize)
	ctrXOR(block, counter, plaintext, ciphertext[:len(plaintext)])
	copy(ciphertext[len(plaintext):], tag[:])
	return ciphertext, nil
}

// Open authenticates and decrypts ciphertext (as produced by Seal) under
// nonce and aad. Any verification failure returns ErrAuthentication and no
// plaintext.
func (a *AEAD) Open(nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("aeadsiv: nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}
	if len(ciphertext) < TagSize {
		return nil, ErrAuthentication
	}
	authKey, encKey, err := deriveKeys(a.key[:], nonce)
	if err != nil {
		return nil, err
	}

	body := ciphertext[:len(ciphertext)-TagSize]
	var wantTag [16]byte
	copy(wantTag[:], ciphertext[len(ciphertext)-TagSize:])

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("aeadsiv: block cipher: %w", err)
	}

	counter := wantTag
	counter[15] |= 0x80
	plaintext := make([]byte, len(body))
	ctrXOR(block, counter, body, plaintext)

	s := polyvalS(authKey, aad, plaintext)
	for i := 0; i < NonceSize; i++ {
		s[i] ^= nonce[i]
	}
	s[15] &= 0x7f

	var gotTag [16]byte
	block.Encrypt(gotTag[:], s[:])

	if subtle.ConstantTimeCompare(gotTag[:], wantTag[:]) != 1 {
		for i := range plaintext {
			plaintext[i] = 0
		}
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// deriveKeys implements RFC 8452 section 4's AES-256 key schedule: six
// AES-ECB keystream blocks under the master key, keyed by a little-endian
// block counter concatenated with the nonce; the low 8 bytes of each block
// are concatenated into a 16-byte authentication key and a 32-byte
// encryption key.
func deriveKeys(key, nonce []byte) (authKey, encKey []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("aeadsiv: block cipher: %w", err)
	}

	material := make([]byte, 0, 48)
	var in, out [16]byte
	copy(in[4:], nonce)
	for i := uint32(0); i < 6; i++ {
		binary.LittleEndian.PutUint32(in[:4], i)
		block.Encrypt(out[:], in[:])
		material = append(material, out[:8]...)
	}
	return material[:16], material[16:48], nil
}

// ctrXOR XORs src into dst using AES-CTR with a 32-bit little-endian
// counter occupying the first four bytes of the block, per RFC 8452's CTR
// variant (distinct from the big-endian 32-bit counter in conventional
// AES-GCM).
func ctrXOR(block cipher.Block, counter [16]byte, src, dst []byte) {
	var keystream [16]byte
	var blockCounter [16]byte
	copy(blockCounter[:], counter[:])
	n := binary.LittleEndian.Uint32(blockCounter[:4])

	for offset := 0; offset < len(src); offset += 16 {
		binary.LittleEndian.PutUint32(blockCounter[:4], n)
		block.Encrypt(keystream[:], blockCounter[:])
		end := offset + 16
		if end > len(src) {
			end = len(src)
		}
		for i := offset; i < end; i++ {
			dst[i] = src[i] ^ keystream[i-offset]
		}
		n++
	}
}

// polyvalS folds AAD, plaintext, and the bit-length block through POLYVAL
// under authKey, per RFC 8452's GCM-SIV tag derivation.
func polyvalS(authKey, aad, plaintext []byte) [16]byte {
	var h [16]byte
	copy(h[:], authKey)
	// POLYVAL's dot(a, b) is a*b*x^-128; folding x^-128 into H once lets
	// polyvalMul's plain field product compute it.
	// x^-128 = x^127 + x^124 + x^121 + x^114 + 1.
	h = polyvalMul(h, [16]byte{0: 0x01, 14: 0x04, 15: 0x92})

	var acc [16]byte
	foldPadded(&acc, h, aad)
	foldPadded(&acc, h, plaintext)

	var lengths [16]byte
	binary.LittleEndian.PutUint64(lengths[0:8], uint64(len(aad))*8)
	binary.LittleEndian.PutUint64(lengths[8:16], uint64(len(plaintext))*8)
	xorBlock(&acc, &lengths)
	acc = polyvalMul(acc, h)

	return acc
}

func foldPadded(acc *[16]byte, h [16]byte, data []byte) {
	for len(data) > 0 {
		var block [16]byte
		n := copy(block[:], data)
		data = data[n:]
		xorBlock(acc, &block)
		*acc = polyvalMul(*acc, h)
	}
}

func xorBlock(dst *[16]byte, src *[16]byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// polyvalMul multiplies two field elements in the POLYVAL field used by
// GCM-SIV: 128-bit little-endian bit strings reduced modulo
// x^128 + x^127 + x^126 + x^121 + 1. POLYVAL is GHASH's reduction
// polynomial with every exponent reflected through 128 (7,2,1,0 -> 121,
// 126,127,128), which is why its bit convention runs least-significant
// bit first where GHASH runs most-significant bit first.
func polyvalMul(x, y [16]byte) [16]byte {
	var z [16]byte
	v := y
	for i := 0; i < 128; i++ {
		if (x[i>>3]>>(uint(i)&7))&1 == 1 {
			xorBlock(&z, &v)
		}
		hi := v[15]&0x80 != 0
		var carry byte
		for b := 0; b < 16; b++ {
			next := v[b] >> 7
			v[b] = (v[b] << 1) | carry
			carry = next
		}
		if hi {
			v[0] ^= 0x01
			v[15] ^= 0xc2
		}
	}
	return z
}

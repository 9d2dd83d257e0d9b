// Package envelope wraps AES-256-GCM-SIV with the nonce-derivation and
// commitment rules a confidential session uses: a deterministic
// request-direction nonce seeded from the session id, a fresh
// response-direction nonce per reply, and SHA-256 commitments over
// plaintext results.
package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/example/enclavegate/pkg/crypto/aeadsiv"
)

// RequestNonce derives the deterministic client-to-server nonce:
// SHA-256(session_id)[0:12]. Every ciphertext within one request (module
// or script, and each argument) reuses this nonce; GCM-SIV's
// misuse-resistance is what makes that safe.
func RequestNonce(sessionID [16]byte) [aeadsiv.NonceSize]byte {
	sum := sha256.Sum256(sessionID[:])
	var nonce [aeadsiv.NonceSize]byte
	copy(nonce[:], sum[:aeadsiv.NonceSize])
	return nonce
}

// ResponseNonce draws a fresh random nonce for one server-to-client
// ciphertext.
func ResponseNonce() ([aeadsiv.NonceSize]byte, error) {
	var nonce [aeadsiv.NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("envelope: draw response nonce: %w", err)
	}
	return nonce, nil
}

// Commitment computes the SHA-256 commitment over a plaintext blob.
func Commitment(plaintext []byte) [sha256.Size]byte {
	return sha256.Sum256(plaintext)
}

// Seal encrypts plaintext under the channel key and nonce, with no
// associated data: the protocol binds context through nonce derivation
// and session lookup rather than an AAD field.
func Seal(channelKey [32]byte, nonce [aeadsiv.NonceSize]byte, plaintext []byte) ([]byte, error) {
	aead, err := aeadsiv.New(channelKey[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nonce[:], plaintext, nil)
}

// Open decrypts ciphertext under the channel key and nonce. Any
// authentication failure returns aeadsiv.ErrAuthentication, indistinguishable
// between a wrong key and a tampered ciphertext.
func Open(channelKey [32]byte, nonce [aeadsiv.NonceSize]byte, ciphertext []byte) ([]byte, error) {
	aead, err := aeadsiv.New(channelKey[:])
	if err != nil {
		return nil, err
	}
	return aead.Open(nonce[:], ciphertext, nil)
}

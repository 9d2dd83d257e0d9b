package envelope

import (
	"bytes"
	"testing"
)

func TestRequestNonceIsDeterministic(t *testing.T) {
	var sid [16]byte
	copy(sid[:], []byte("session-id-12345"))
	a := RequestNonce(sid)
	b := RequestNonce(sid)
	if a != b {
		t.Fatal("request nonce is not deterministic for the same session id")
	}
}

func TestRequestNonceVariesBySession(t *testing.T) {
	var sidA, sidB [16]byte
	copy(sidA[:], []byte("session-id-aaaaa"))
	copy(sidB[:], []byte("session-id-bbbbb"))
	if RequestNonce(sidA) == RequestNonce(sidB) {
		t.Fatal("request nonce collided across different session ids")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], bytes.Repeat([]byte{0x7a}, 32))
	var sid [16]byte
	copy(sid[:], []byte("session-id-99999"))
	nonce := RequestNonce(sid)

	plaintext := []byte("guest module bytes")
	ciphertext, err := Seal(key, nonce, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := Open(key, nonce, ciphertext)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("open = %q, want %q", got, plaintext)
	}
}

func TestReusedRequestNonceAcrossFieldsDoesNotLeakEquality(t *testing.T) {
	// Module and each argument share RequestNonce within one request; GCM-SIV
	// must still distinguish their ciphertexts from one another.
	var key [32]byte
	copy(key[:], bytes.Repeat([]byte{0x11}, 32))
	var sid [16]byte
	copy(sid[:], []byte("session-id-abcde"))
	nonce := RequestNonce(sid)

	moduleCiphertext, err := Seal(key, nonce, []byte("module bytes"))
	if err != nil {
		t.Fatalf("seal module: %v", err)
	}
	argCiphertext, err := Seal(key, nonce, []byte("argument bytes"))
	if err != nil {
		t.Fatalf("seal arg: %v", err)
	}
	if bytes.Equal(moduleCiphertext, argCiphertext) {
		t.Fatal("module and argument ciphertexts collided under the shared request nonce")
	}
}

func TestResponseNonceIsRandomized(t *testing.T) {
	a, err := ResponseNonce()
	if err != nil {
		t.Fatalf("response nonce a: %v", err)
	}
	b, err := ResponseNonce()
	if err != nil {
		t.Fatalf("response nonce b: %v", err)
	}
	if a == b {
		t.Fatal("two response nonces collided (extremely unlikely unless draw is broken)")
	}
}

func TestCommitmentIsStableForSamePlaintext(t *testing.T) {
	p := []byte("result bytes")
	if Commitment(p) != Commitment(p) {
		t.Fatal("commitment is not stable for identical plaintext")
	}
}

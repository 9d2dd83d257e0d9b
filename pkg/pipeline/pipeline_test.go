package pipeline

import (
	"context"
	"testing"

	"github.com/example/enclavegate/pkg/attestation"
	"github.com/example/enclavegate/pkg/crypto/ecdh"
	"github.com/example/enclavegate/pkg/session/envelope"
	"github.com/example/enclavegate/pkg/session/store"
)

// fakeRunner lets pipeline tests exercise the decrypt/validate/commit
// sequence without a real wasm or policy engine.
type fakeRunner struct {
	stdout []byte
	err    error
}

func (r fakeRunner) Run(context.Context, []byte, []string) ([]byte, error) {
	return r.stdout, r.err
}

func newTestSession(t *testing.T) (*store.Store, store.Record) {
	t.Helper()
	s := store.New(0, 0)
	sid, err := store.NewSessionID()
	if err != nil {
		t.Fatalf("new session id: %v", err)
	}
	kp, err := ecdh.Generate()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	peer, err := ecdh.Generate()
	if err != nil {
		t.Fatalf("generate peer key: %v", err)
	}
	peerPub, err := ecdh.ParsePeerPublicKey(peer.PublicCompressed())
	if err != nil {
		t.Fatalf("parse peer pubkey: %v", err)
	}
	channelKey, err := ecdh.DeriveChannelKey(kp, peerPub, sid)
	if err != nil {
		t.Fatalf("derive channel key: %v", err)
	}
	rec := store.Record{SessionID: sid, ChannelKey: channelKey}
	s.Insert(rec)
	return s, rec
}

// wasmModule is a minimal valid WASM header: the validate step only
// checks the four-byte magic number.
var wasmModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func sealArg(t *testing.T, rec store.Record, plaintext []byte) []byte {
	t.Helper()
	nonce := envelope.RequestNonce(rec.SessionID)
	ciphertext, err := envelope.Seal(rec.ChannelKey, nonce, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	return ciphertext
}

func TestExecuteWasmRoundTrip(t *testing.T) {
	sessions, rec := newTestSession(t)
	pl := New(sessions, fakeRunner{stdout: []byte("guest output")}, fakeRunner{}, attestation.NewStubProvider(0))

	req := Request{
		Kind:               GuestWasm,
		SessionID:          rec.SessionID,
		EncryptedGuest:     sealArg(t, rec, wasmModule),
		EncryptedArguments: [][]byte{sealArg(t, rec, []byte("arg0"))},
	}
	result, err := pl.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	plaintext, err := envelope.Open(rec.ChannelKey, result.ResultNonce, result.EncryptedResult)
	if err != nil {
		t.Fatalf("open result: %v", err)
	}
	if string(plaintext) != "guest output" {
		t.Fatalf("result = %q, want %q", plaintext, "guest output")
	}
	if result.ResultQuote != nil {
		t.Fatal("non-verifiable execution should not carry a quote")
	}
}

func TestExecuteVerifiableAttachesQuote(t *testing.T) {
	sessions, rec := newTestSession(t)
	pl := New(sessions, fakeRunner{stdout: []byte("out")}, fakeRunner{}, attestation.NewStubProvider(0))

	req := Request{
		Kind:           GuestWasm,
		SessionID:      rec.SessionID,
		EncryptedGuest: sealArg(t, rec, wasmModule),
		Verifiable:     true,
	}
	result, err := pl.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.ResultQuote == nil {
		t.Fatal("verifiable execution should carry a quote")
	}
}

func TestExecuteUnknownSessionFails(t *testing.T) {
	sessions := store.New(0, 0)
	pl := New(sessions, fakeRunner{}, fakeRunner{}, attestation.NewStubProvider(0))

	var sid [16]byte
	_, err := pl.Execute(context.Background(), Request{Kind: GuestWasm, SessionID: sid})
	pe, ok := err.(*Error)
	if !ok || pe.Kind != KindUnknownSession {
		t.Fatalf("err = %v, want KindUnknownSession", err)
	}
}

func TestExecuteRejectsTamperedCiphertext(t *testing.T) {
	sessions, rec := newTestSession(t)
	pl := New(sessions, fakeRunner{}, fakeRunner{}, attestation.NewStubProvider(0))

	guest := sealArg(t, rec, wasmModule)
	guest[0] ^= 0xff

	_, err := pl.Execute(context.Background(), Request{
		Kind:           GuestWasm,
		SessionID:      rec.SessionID,
		EncryptedGuest: guest,
	})
	pe, ok := err.(*Error)
	if !ok || pe.Kind != KindBadCiphertext {
		t.Fatalf("err = %v, want KindBadCiphertext", err)
	}
}

func TestExecuteRejectsInvalidWasmMagic(t *testing.T) {
	sessions, rec := newTestSession(t)
	pl := New(sessions, fakeRunner{stdout: []byte("unused")}, fakeRunner{}, attestation.NewStubProvider(0))

	_, err := pl.Execute(context.Background(), Request{
		Kind:           GuestWasm,
		SessionID:      rec.SessionID,
		EncryptedGuest: sealArg(t, rec, []byte("not a wasm module")),
	})
	pe, ok := err.(*Error)
	if !ok || pe.Kind != KindInvalidGuest {
		t.Fatalf("err = %v, want KindInvalidGuest", err)
	}
}

func TestExecutePolicyAcceptsUTF8Script(t *testing.T) {
	sessions, rec := newTestSession(t)
	pl := New(sessions, fakeRunner{}, fakeRunner{stdout: []byte("policy output")}, attestation.NewStubProvider(0))

	req := Request{
		Kind:           GuestPolicy,
		SessionID:      rec.SessionID,
		EncryptedGuest: sealArg(t, rec, []byte("default allow = true")),
	}
	result, err := pl.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	plaintext, err := envelope.Open(rec.ChannelKey, result.ResultNonce, result.EncryptedResult)
	if err != nil {
		t.Fatalf("open result: %v", err)
	}
	if string(plaintext) != "policy output" {
		t.Fatalf("result = %q", plaintext)
	}
}

func TestExecuteVerifiableWithoutProviderFails(t *testing.T) {
	sessions, rec := newTestSession(t)
	pl := New(sessions, fakeRunner{stdout: []byte("out")}, fakeRunner{}, nil)

	_, err := pl.Execute(context.Background(), Request{
		Kind:           GuestWasm,
		SessionID:      rec.SessionID,
		EncryptedGuest: sealArg(t, rec, wasmModule),
		Verifiable:     true,
	})
	pe, ok := err.(*Error)
	if !ok || pe.Kind != KindAttestationUnavailable {
		t.Fatalf("err = %v, want KindAttestationUnavailable", err)
	}
}

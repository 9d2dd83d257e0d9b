package handshake

import (
	"context"
	"testing"

	"github.com/example/enclavegate/pkg/attestation"
	"github.com/example/enclavegate/pkg/crypto/ecdh"
	"github.com/example/enclavegate/pkg/session/store"
)

func clientPubkey(t *testing.T) []byte {
	t.Helper()
	kp, err := ecdh.Generate()
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	return kp.PublicCompressed()
}

func TestCreateSessionInsertsRecord(t *testing.T) {
	st := store.New(0, 0)
	svc := New(st, attestation.NewStubProvider(0))

	out, err := svc.CreateSession(context.Background(), Input{ClientPubkey: clientPubkey(t)})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if out.Quote != nil {
		t.Fatal("non-verifiable session should not carry a quote")
	}
	if len(out.SessionPubkeyCompressed) != 33 {
		t.Fatalf("session pubkey length = %d, want 33", len(out.SessionPubkeyCompressed))
	}

	if _, err := st.Lookup(out.SessionID); err != nil {
		t.Fatalf("session not inserted into store: %v", err)
	}
}

func TestCreateSessionVerifiableAttachesQuote(t *testing.T) {
	st := store.New(0, 0)
	svc := New(st, attestation.NewStubProvider(0))

	out, err := svc.CreateSession(context.Background(), Input{
		ClientPubkey: clientPubkey(t),
		Verifiable:   true,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if out.Quote == nil {
		t.Fatal("verifiable session should carry a quote")
	}
}

func TestCreateSessionVerifiableWithoutProviderFails(t *testing.T) {
	st := store.New(0, 0)
	svc := New(st, nil)

	_, err := svc.CreateSession(context.Background(), Input{
		ClientPubkey: clientPubkey(t),
		Verifiable:   true,
	})
	if err != attestation.ErrUnavailable {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestCreateSessionRejectsInvalidPubkey(t *testing.T) {
	st := store.New(0, 0)
	svc := New(st, attestation.NewStubProvider(0))

	if _, err := svc.CreateSession(context.Background(), Input{ClientPubkey: []byte("not a key")}); err == nil {
		t.Fatal("expected error for invalid client pubkey")
	}
}

func TestCreateSessionProducesFreshSessionPerCall(t *testing.T) {
	st := store.New(0, 0)
	svc := New(st, attestation.NewStubProvider(0))
	pubkey := clientPubkey(t)

	first, err := svc.CreateSession(context.Background(), Input{ClientPubkey: pubkey})
	if err != nil {
		t.Fatalf("first create session: %v", err)
	}
	second, err := svc.CreateSession(context.Background(), Input{ClientPubkey: pubkey})
	if err != nil {
		t.Fatalf("second create session: %v", err)
	}
	if first.SessionID == second.SessionID {
		t.Fatal("repeated handshake with the same client pubkey reused a session id")
	}
}

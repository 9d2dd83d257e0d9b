// Package handshake implements the confidential-session creation
// operation: parse the client's public key, generate a server key pair,
// derive the shared channel key, and optionally bind the result to an
// attestation quote.
package handshake

import (
	"context"
	"fmt"

	"github.com/example/enclavegate/pkg/attestation"
	"github.com/example/enclavegate/pkg/crypto/digest"
	"github.com/example/enclavegate/pkg/crypto/ecdh"
	"github.com/example/enclavegate/pkg/session/store"
)

// Input carries the client's P-256 public key, parsed from hex at the
// transport boundary.
type Input struct {
	ClientPubkey []byte
	Verifiable   bool
}

// Output is the data returned to the client for a new session.
type Output struct {
	SessionPubkeyCompressed []byte
	SessionID               [16]byte
	Quote                   []byte // nil unless Input.Verifiable
}

// Service creates sessions against a session store and an attestation
// provider. It holds no per-call state; every field is safe for
// concurrent use.
type Service struct {
	store       *store.Store
	attestation attestation.Provider
}

// New constructs a handshake service.
func New(sessionStore *store.Store, provider attestation.Provider) *Service {
	return &Service{store: sessionStore, attestation: provider}
}

// CreateSession implements the create_session operation: every call
// produces a brand new session, even if the same client public key was
// used for a previous call. A client that loses its channel key has no
// recovery path other than repeating this call.
func (s *Service) CreateSession(ctx context.Context, in Input) (Output, error) {
	peerPub, err := ecdh.ParsePeerPublicKey(in.ClientPubkey)
	if err != nil {
		return Output{}, fmt.Errorf("handshake: %w", err)
	}

	serverKeys, err := ecdh.Generate()
	if err != nil {
		return Output{}, fmt.Errorf("handshake: %w", err)
	}

	sessionID, err := store.NewSessionID()
	if err != nil {
		return Output{}, fmt.Errorf("handshake: session id: %w", err)
	}

	channelKey, err := ecdh.DeriveChannelKey(serverKeys, peerPub, sessionID)
	if err != nil {
		return Output{}, fmt.Errorf("handshake: %w", err)
	}

	sessionPub := serverKeys.PublicCompressed()

	out := Output{
		SessionPubkeyCompressed: sessionPub,
		SessionID:               sessionID,
	}

	if in.Verifiable {
		if s.attestation == nil {
			return Output{}, attestation.ErrUnavailable
		}
		report := digest.Pad64(sessionPub)
		quote, err := s.attestation.Quote(ctx, report)
		if err != nil {
			return Output{}, err
		}
		out.Quote = quote
	}

	s.store.Insert(store.Record{
		SessionID:    sessionID,
		ChannelKey:   channelKey,
		ClientPubkey: append([]byte(nil), in.ClientPubkey...),
	})

	return out, nil
}

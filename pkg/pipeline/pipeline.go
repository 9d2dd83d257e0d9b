// Package pipeline orchestrates the decrypt -> execute -> commit ->
// encrypt sequence shared by every execution endpoint, free or paid, WASM
// or policy script.
package pipeline

import (
	"context"
	"unicode/utf8"

	"github.com/example/enclavegate/pkg/attestation"
	"github.com/example/enclavegate/pkg/crypto/aeadsiv"
	"github.com/example/enclavegate/pkg/crypto/digest"
	"github.com/example/enclavegate/pkg/executor/policy"
	"github.com/example/enclavegate/pkg/executor/wasm"
	"github.com/example/enclavegate/pkg/session/envelope"
	"github.com/example/enclavegate/pkg/session/store"
)

// GuestKind distinguishes which executor a request targets.
type GuestKind int

const (
	GuestWasm GuestKind = iota
	GuestPolicy
)

// Runner is the contract both executor packages satisfy at the pipeline's
// call boundary: argv in, stdout bytes out, a classified error on failure.
type Runner interface {
	Run(ctx context.Context, guestBytes []byte, argv []string) ([]byte, error)
}

// Request is one parsed execution request, still holding ciphertext.
type Request struct {
	Kind               GuestKind
	SessionID          [16]byte
	EncryptedGuest     []byte
	EncryptedArguments [][]byte
	Verifiable         bool
}

// Result is the plaintext-adjacent output of one successful execution:
// every field here is already ciphertext or a digest, safe to serialize.
type Result struct {
	SessionID        [16]byte
	EncryptedResult  []byte
	ResultNonce      [aeadsiv.NonceSize]byte
	ResultCommitment [digest.Size]byte
	ResultQuote      []byte // nil unless Request.Verifiable
}

// Pipeline wires a session store, the two guest runners, and an
// attestation provider into the single operation every endpoint calls.
type Pipeline struct {
	sessions     *store.Store
	wasmRunner   Runner
	policyRunner Runner
	attestation  attestation.Provider
}

// New constructs a pipeline.
func New(sessions *store.Store, wasmRunner, policyRunner Runner, provider attestation.Provider) *Pipeline {
	return &Pipeline{
		sessions:     sessions,
		wasmRunner:   wasmRunner,
		policyRunner: policyRunner,
		attestation:  provider,
	}
}

// Execute runs the full §4.8 sequence. On any failure in decrypt/validate,
// no Result is produced. On failure after guest success (commitment,
// encryption, or quote), the caller receives an error and the already-
// computed plaintext is discarded along with this call's stack frame.
func (p *Pipeline) Execute(ctx context.Context, req Request) (Result, error) {
	session, err := p.sessions.Lookup(req.SessionID)
	if err != nil {
		return Result{}, NewError(KindUnknownSession, "no session matches the provided session id")
	}

	nonce := envelope.RequestNonce(req.SessionID)

	guestPlain, err := envelope.Open(session.ChannelKey, nonce, req.EncryptedGuest)
	if err != nil {
		return Result{}, NewError(KindBadCiphertext, "authentication failed")
	}
	defer zero(guestPlain)

	argv := make([]string, len(req.EncryptedArguments))
	argvPlain := make([][]byte, len(req.EncryptedArguments))
	for i, enc := range req.EncryptedArguments {
		plain, err := envelope.Open(session.ChannelKey, nonce, enc)
		if err != nil {
			for _, p := range argvPlain[:i] {
				zero(p)
			}
			return Result{}, NewError(KindBadCiphertext, "authentication failed")
		}
		argvPlain[i] = plain
		argv[i] = string(plain)
	}
	defer func() {
		for _, p := range argvPlain {
			zero(p)
		}
	}()

	if err := p.validate(req.Kind, guestPlain, argv); err != nil {
		return Result{}, err
	}

	var runner Runner
	switch req.Kind {
	case GuestWasm:
		runner = p.wasmRunner
	case GuestPolicy:
		runner = p.policyRunner
	default:
		return Result{}, NewError(KindBadRequest, "unknown guest kind")
	}

	stdout, err := runner.Run(ctx, guestPlain, argv)
	if err != nil {
		return Result{}, classifyGuestError(err)
	}
	defer zero(stdout)

	commitment := envelope.Commitment(stdout)

	resultNonce, err := envelope.ResponseNonce()
	if err != nil {
		return Result{}, NewError(KindInternal, "draw response nonce: %v", err)
	}

	encryptedResult, err := envelope.Seal(session.ChannelKey, resultNonce, stdout)
	if err != nil {
		return Result{}, NewError(KindInternal, "encrypt result: %v", err)
	}

	result := Result{
		SessionID:        req.SessionID,
		EncryptedResult:  encryptedResult,
		ResultNonce:      resultNonce,
		ResultCommitment: commitment,
	}

	if req.Verifiable {
		if p.attestation == nil {
			return Result{}, NewError(KindAttestationUnavailable, "no attestation provider configured")
		}
		report := digest.Pad64(commitment[:])
		quote, err := p.attestation.Quote(ctx, report)
		if err != nil {
			return Result{}, NewError(KindAttestationUnavailable, "%v", err)
		}
		result.ResultQuote = quote
	}

	return result, nil
}

func (p *Pipeline) validate(kind GuestKind, guest []byte, argv []string) error {
	switch kind {
	case GuestWasm:
		if len(guest) < 8 || guest[0] != 0x00 || guest[1] != 0x61 || guest[2] != 0x73 || guest[3] != 0x6d {
			return NewError(KindInvalidGuest, "decrypted bytes are not a valid WebAssembly module")
		}
	case GuestPolicy:
		if !utf8.Valid(guest) {
			return NewError(KindInvalidGuest, "decrypted script is not valid UTF-8")
		}
	}
	for _, a := range argv {
		if !utf8.Valid([]byte(a)) {
			return NewError(KindInvalidGuest, "decrypted argument is not valid UTF-8")
		}
	}
	return nil
}

// classifyGuestError maps the two executor packages' Kind enums onto the
// shared pipeline taxonomy.
func classifyGuestError(err error) error {
	if we, ok := err.(*wasm.Error); ok {
		switch we.Kind {
		case wasm.KindInvalidGuest:
			return NewError(KindInvalidGuest, "%v", we)
		case wasm.KindMemoryExceeded:
			return NewError(KindResourceExceededMemory, "%v", we)
		case wasm.KindFuelExceeded:
			return NewError(KindResourceExceededFuel, "%v", we)
		case wasm.KindTimeout:
			return NewError(KindResourceExceededTimeout, "%v", we)
		case wasm.KindGuestTrap:
			return NewError(KindGuestTrap, "%v", we)
		}
	}
	if pe, ok := err.(*policy.Error); ok {
		switch pe.Kind {
		case policy.KindInvalidGuest:
			return NewError(KindInvalidGuest, "%v", pe)
		case policy.KindTimeout:
			return NewError(KindResourceExceededTimeout, "%v", pe)
		case policy.KindGuestTrap:
			return NewError(KindGuestTrap, "%v", pe)
		}
	}
	return NewError(KindInternal, "%v", err)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// WasmRunner adapts a *wasm.Executor and a fixed resource budget to the
// Runner interface.
type WasmRunner struct {
	Executor *wasm.Executor
	Limits   wasm.Limits
}

func (r WasmRunner) Run(ctx context.Context, guestBytes []byte, argv []string) ([]byte, error) {
	return r.Executor.Run(ctx, guestBytes, argv, r.Limits)
}

// PolicyRunner adapts a *policy.Executor and a fixed resource budget to
// the Runner interface.
type PolicyRunner struct {
	Executor *policy.Executor
	Limits   policy.Limits
}

func (r PolicyRunner) Run(ctx context.Context, guestBytes []byte, argv []string) ([]byte, error) {
	return r.Executor.RunWithLimits(ctx, guestBytes, argv, r.Limits)
}

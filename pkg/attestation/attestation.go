// Package attestation abstracts the single capability the handshake and
// execution pipeline depend on: producing a quote over a 64-byte report
// payload. The pipeline is written against the Provider interface only; it
// never branches on which concrete variant is live.
package attestation

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/enclavegate/pkg/crypto/digest"
	"github.com/example/enclavegate/pkg/crypto/sign"
)

// ErrUnavailable is returned when a verifiable endpoint requires a quote
// and the configured provider cannot produce one. It maps to the
// AttestationUnavailable error kind.
var ErrUnavailable = errors.New("attestation: driver unavailable")

// Provider produces an attestation quote binding the enclave identity to a
// 64-byte report payload. Two call sites use it: the handshake (report_data
// = pad64(server session public key)) and execution (report_data =
// pad64(result commitment)).
type Provider interface {
	Quote(ctx context.Context, reportData [digest.ReportSize]byte) ([]byte, error)
}

// Driver is the narrow contract this package consumes from the hardware TEE
// stack; the actual ioctl/VM-exit plumbing is an external collaborator and
// is out of scope for this repository.
type Driver interface {
	RequestQuote(ctx context.Context, reportData [digest.ReportSize]byte) ([]byte, error)
}

// TEEProvider requests a hardware quote from the enclave driver. Its
// failures are always fatal to the calling endpoint.
type TEEProvider struct {
	driver Driver
}

// NewTEEProvider wraps a hardware attestation driver.
func NewTEEProvider(driver Driver) *TEEProvider {
	return &TEEProvider{driver: driver}
}

func (p *TEEProvider) Quote(ctx context.Context, reportData [digest.ReportSize]byte) ([]byte, error) {
	if p.driver == nil {
		return nil, ErrUnavailable
	}
	quote, err := p.driver.RequestQuote(ctx, reportData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return quote, nil
}

// StubProvider returns a fixed-length block of zeros, for development off a
// TEE host. It never fails.
type StubProvider struct {
	Length int
}

// NewStubProvider constructs a stub returning length zero bytes. A length
// of zero defaults to 64.
func NewStubProvider(length int) *StubProvider {
	if length <= 0 {
		length = digest.ReportSize
	}
	return &StubProvider{Length: length}
}

func (p *StubProvider) Quote(_ context.Context, _ [digest.ReportSize]byte) ([]byte, error) {
	return make([]byte, p.Length), nil
}

// softwareQuoteTag prefixes software-signed quotes so a verifying client
// can never mistake them for a genuine hardware quote.
var softwareQuoteTag = []byte("enclavegate.software-attestation.v1\x00")

// SoftwareProvider signs the report payload with a Dilithium3 key pair,
// standing in for a TEE quote in local development and CI where no
// hardware driver is present. It is a supplemental variant beyond the
// TEE/stub pair: unlike the stub, its output is independently verifiable.
type SoftwareProvider struct {
	scheme  sign.Scheme
	keyPair sign.KeyPair
}

// NewSoftwareProvider generates a fresh Dilithium3 key pair for the
// process lifetime.
func NewSoftwareProvider() (*SoftwareProvider, error) {
	scheme := sign.NewDilithium3()
	keyPair, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("attestation: generate software signing key: %w", err)
	}
	return &SoftwareProvider{scheme: scheme, keyPair: keyPair}, nil
}

// PublicKey exposes the verification key so a client can check the
// signature without a real attestation verifier.
func (p *SoftwareProvider) PublicKey() []byte {
	return append([]byte(nil), p.keyPair.Public...)
}

func (p *SoftwareProvider) Quote(_ context.Context, reportData [digest.ReportSize]byte) ([]byte, error) {
	msg := append(append([]byte(nil), softwareQuoteTag...), reportData[:]...)
	sig, err := p.scheme.Sign(p.keyPair.Private, msg)
	if err != nil {
		return nil, fmt.Errorf("attestation: sign report: %w", err)
	}
	quote := make([]byte, 0, len(softwareQuoteTag)+len(sig))
	quote = append(quote, softwareQuoteTag...)
	quote = append(quote, sig...)
	return quote, nil
}

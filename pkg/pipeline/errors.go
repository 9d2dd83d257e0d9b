package pipeline

import (
	"fmt"
	"net/http"
)

// Kind is the error taxonomy surfaced to clients across every endpoint.
// Bodies carry only the kind and a short message; no plaintext guest
// payload, argument, result, or channel key is ever included.
type Kind string

const (
	KindBadRequest              Kind = "BadRequest"
	KindUnknownSession          Kind = "UnknownSession"
	KindBadCiphertext           Kind = "BadCiphertext"
	KindInvalidGuest            Kind = "InvalidGuest"
	KindResourceExceededMemory  Kind = "ResourceExceeded.Memory"
	KindResourceExceededFuel    Kind = "ResourceExceeded.Fuel"
	KindResourceExceededTimeout Kind = "ResourceExceeded.Timeout"
	KindGuestTrap               Kind = "GuestTrap"
	KindAttestationUnavailable  Kind = "AttestationUnavailable"
	KindPaymentRequired         Kind = "PaymentRequired"
	KindInternal                Kind = "Internal"
)

// Error is the structured error type every pipeline and endpoint
// operation returns on failure.
type Error struct {
	Kind    Kind
	Message string
	// Accepts is attached only to KindPaymentRequired responses.
	Accepts any
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

// NewError constructs a pipeline error of the given kind.
func NewError(kind Kind, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Message: msg}
}

// HTTPStatus maps an error kind to the status code the HTTP boundary
// returns.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadRequest, KindInvalidGuest:
		return http.StatusBadRequest
	case KindUnknownSession:
		return http.StatusNotFound
	case KindBadCiphertext:
		return http.StatusBadRequest
	case KindResourceExceededMemory, KindResourceExceededFuel, KindResourceExceededTimeout:
		return http.StatusUnprocessableEntity
	case KindGuestTrap:
		return http.StatusUnprocessableEntity
	case KindAttestationUnavailable:
		return http.StatusServiceUnavailable
	case KindPaymentRequired:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

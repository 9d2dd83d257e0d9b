package payment

import (
	"context"
	"fmt"
	"time"
)

// SettleOutcome reports whether settlement succeeded, for the caller to
// surface in an X-Payment-Response header without re-running verify.
type SettleOutcome struct {
	Settled bool
	Reason  string
}

// Gate sequences verify -> execute -> settle for one paid endpoint. It
// never executes the guest before verify succeeds.
type Gate struct {
	facilitator  FacilitatorClient
	settleRetry  int
	retryBackoff time.Duration
}

// NewGate constructs a payment gate against a facilitator client. Up to
// three settlement attempts are made after a successful execution, per
// the demo's retry policy.
func NewGate(facilitator FacilitatorClient) *Gate {
	return &Gate{facilitator: facilitator, settleRetry: 3, retryBackoff: 200 * time.Millisecond}
}

// VerifyErr reports that the facilitator refused verification, carrying
// the accepts clause the client should retry against.
type VerifyErr struct {
	Accepts Accepts
	Reason  string
}

func (e *VerifyErr) Error() string { return fmt.Sprintf("payment required: %s", e.Reason) }

// Verify parses the X-Payment header and submits it to the facilitator's
// verify call. On any failure it returns *VerifyErr carrying accepts so
// the HTTP boundary can emit a 402 with the requirements body.
func (g *Gate) Verify(ctx context.Context, xPaymentHeader string, accepts Accepts) (Payload, error) {
	payload, err := ParseHeader(xPaymentHeader)
	if err != nil {
		return Payload{}, &VerifyErr{Accepts: accepts, Reason: err.Error()}
	}

	paymentPayload, paymentRequirements, err := RequirementsJSON(payload, accepts)
	if err != nil {
		return Payload{}, &VerifyErr{Accepts: accepts, Reason: err.Error()}
	}

	if g.facilitator == nil {
		return Payload{}, &VerifyErr{Accepts: accepts, Reason: "no facilitator configured"}
	}

	if _, err := g.facilitator.Verify(ctx, paymentPayload, paymentRequirements); err != nil {
		return Payload{}, &VerifyErr{Accepts: accepts, Reason: err.Error()}
	}

	return payload, nil
}

// Settle submits the payload to the facilitator's settle call, making up
// to three attempts in all. A settlement failure after a successful
// verify never unwinds the already-returned execution result; the caller
// reports the outcome via X-Payment-Response only.
func (g *Gate) Settle(ctx context.Context, payload Payload, accepts Accepts) SettleOutcome {
	_, paymentRequirements, err := RequirementsJSON(payload, accepts)
	if err != nil {
		return SettleOutcome{Settled: false, Reason: err.Error()}
	}

	var lastErr error
	attempts := g.settleRetry
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return SettleOutcome{Settled: false, Reason: ctx.Err().Error()}
			case <-time.After(g.retryBackoff):
			}
		}
		if err := g.facilitator.Settle(ctx, payload.Raw, paymentRequirements); err != nil {
			lastErr = err
			continue
		}
		return SettleOutcome{Settled: true}
	}
	return SettleOutcome{Settled: false, Reason: lastErr.Error()}
}

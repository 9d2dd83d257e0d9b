package payment

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

type fakeFacilitator struct {
	verifyErr error
	settleErr error
	settleErrsRemaining int
}

func (f *fakeFacilitator) Verify(context.Context, []byte, []byte) (*VerifyResult, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return &VerifyResult{Payer: "0xabc"}, nil
}

func (f *fakeFacilitator) Settle(context.Context, []byte, []byte) error {
	if f.settleErrsRemaining > 0 {
		f.settleErrsRemaining--
		return f.settleErr
	}
	return nil
}

func encodedHeader(t *testing.T, raw string) string {
	t.Helper()
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(raw))
}

func TestGateVerifySucceeds(t *testing.T) {
	gate := NewGate(&fakeFacilitator{})
	header := encodedHeader(t, `{"foo":"bar"}`)

	payload, err := gate.Verify(context.Background(), header, Accepts{Scheme: "exact"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if string(payload.Raw) != `{"foo":"bar"}` {
		t.Fatalf("payload = %s", payload.Raw)
	}
}

func TestGateVerifyFailsOnMissingHeader(t *testing.T) {
	gate := NewGate(&fakeFacilitator{})
	accepts := Accepts{Scheme: "exact"}

	_, err := gate.Verify(context.Background(), "", accepts)
	ve, ok := err.(*VerifyErr)
	if !ok {
		t.Fatalf("err = %v, want *VerifyErr", err)
	}
	if ve.Accepts != accepts {
		t.Fatal("VerifyErr did not carry the accepts clause")
	}
}

func TestGateVerifyFailsWhenFacilitatorRejects(t *testing.T) {
	gate := NewGate(&fakeFacilitator{verifyErr: errors.New("signature mismatch")})
	header := encodedHeader(t, `{"foo":"bar"}`)

	_, err := gate.Verify(context.Background(), header, Accepts{})
	if _, ok := err.(*VerifyErr); !ok {
		t.Fatalf("err = %v, want *VerifyErr", err)
	}
}

func TestGateVerifyWithoutFacilitatorFails(t *testing.T) {
	gate := NewGate(nil)
	header := encodedHeader(t, `{"foo":"bar"}`)
	if _, err := gate.Verify(context.Background(), header, Accepts{}); err == nil {
		t.Fatal("expected error with no facilitator configured")
	}
}

func TestGateSettleSucceeds(t *testing.T) {
	gate := NewGate(&fakeFacilitator{})
	payload := Payload{Raw: []byte(`{"foo":"bar"}`)}

	outcome := gate.Settle(context.Background(), payload, Accepts{})
	if !outcome.Settled {
		t.Fatalf("outcome = %+v, want Settled", outcome)
	}
}

func TestGateSettleRetriesThenSucceeds(t *testing.T) {
	gate := NewGate(&fakeFacilitator{settleErr: errors.New("transient"), settleErrsRemaining: 2})
	gate.retryBackoff = time.Millisecond
	payload := Payload{Raw: []byte(`{"foo":"bar"}`)}

	outcome := gate.Settle(context.Background(), payload, Accepts{})
	if !outcome.Settled {
		t.Fatalf("outcome = %+v, want Settled after retries", outcome)
	}
}

func TestGateSettleFailsAfterExhaustingRetries(t *testing.T) {
	gate := NewGate(&fakeFacilitator{settleErr: errors.New("permanent"), settleErrsRemaining: 10})
	gate.retryBackoff = time.Millisecond
	payload := Payload{Raw: []byte(`{"foo":"bar"}`)}

	outcome := gate.Settle(context.Background(), payload, Accepts{})
	if outcome.Settled {
		t.Fatal("expected settlement to fail after exhausting retries")
	}
	if outcome.Reason != "permanent" {
		t.Fatalf("reason = %q, want %q", outcome.Reason, "permanent")
	}
}

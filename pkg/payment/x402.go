// Package payment implements the X402 payment gate: parsing the
// X-Payment request header, describing the accepts clause a paid
// endpoint requires, and sequencing verify -> execute -> settle against
// an external facilitator.
package payment

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Accepts describes the payment requirements a paid endpoint advertises,
// both in a 402 rejection body and as the facilitator's verify input.
type Accepts struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	PayTo             string `json:"payTo"`
	Asset             string `json:"asset"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	ResourcePath      string `json:"resource"`
	MimeType          string `json:"mimeType"`
	Description       string `json:"description"`
}

// Payload is the parsed content of the X-Payment header: a base64url JSON
// envelope whose inner shape is facilitator-defined. The gate treats it
// as an opaque blob past parsing; only the facilitator interprets it.
type Payload struct {
	Raw json.RawMessage
}

// ParseHeader decodes an X-Payment header value into a Payload. A missing
// header, malformed base64, and content that is not JSON each produce a
// distinct error message.
func ParseHeader(value string) (Payload, error) {
	if value == "" {
		return Payload{}, fmt.Errorf("payment: missing X-Payment header")
	}
	decoded, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(value)
	if err != nil {
		decoded, err = base64.URLEncoding.DecodeString(value)
		if err != nil {
			return Payload{}, fmt.Errorf("payment: malformed X-Payment header: %w", err)
		}
	}
	var probe json.RawMessage
	if err := json.Unmarshal(decoded, &probe); err != nil {
		return Payload{}, fmt.Errorf("payment: X-Payment header is not valid JSON: %w", err)
	}
	return Payload{Raw: probe}, nil
}

// RequirementsJSON marshals the parsed payload and an accepts clause into
// the shape the facilitator's verify/settle calls expect:
// { payment_payload, payment_requirements }.
func RequirementsJSON(payload Payload, accepts Accepts) ([]byte, []byte, error) {
	reqBytes, err := json.Marshal(accepts)
	if err != nil {
		return nil, nil, fmt.Errorf("payment: marshal accepts clause: %w", err)
	}
	return payload.Raw, reqBytes, nil
}

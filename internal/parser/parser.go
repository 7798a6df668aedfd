// Package parser extracts a Request from one line-delimited JSON
// payload, defaulting optional fields per spec section 6.1. It also
// recognizes the ISO-8583-flavored alternate keys ("de2", "de4",
// "de42") emitted by gateways that frame on data-element tags instead
// of the canonical names, per SPEC_FULL's supplemented features.
package parser

import (
	"bytes"
	"encoding/json"
)

// Type enumerates the transaction types a Request may carry.
type Type string

const (
	AUTH     Type = "AUTH"
	CAPTURE  Type = "CAPTURE"
	REFUND   Type = "REFUND"
	REVERSAL Type = "REVERSAL"
)

const (
	defaultCurrency = "USD"
	defaultMerchant = "MERCHANT001"
)

// Request is the immutable, parsed shape of one card-authorization
// request. The PAN field holds the unmasked card number; callers are
// responsible for never logging or persisting it directly.
type Request struct {
	RequestID  string
	PAN        string
	Amount     string
	Currency   string
	MerchantID string
	Type       Type
}

// BadRequestError reports why a raw payload could not be parsed into
// a Request. Reason is one of the bad_request reasons in spec.md 6.2.
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string { return "bad_request: " + e.Reason }

// wireRequest mirrors the canonical JSON shape of spec.md 6.1, plus the
// ISO-8583 alternate keys as a fallback only consulted when the
// canonical field is empty.
type wireRequest struct {
	PAN        string `json:"pan"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	MerchantID string `json:"merchant_id"`
	RequestID  string `json:"request_id"`
	Type       string `json:"type"`

	// ISO-8583 data-element aliases (SPEC_FULL supplement).
	DE2  string `json:"de2"`
	DE4  string `json:"de4"`
	DE42 string `json:"de42"`
}

// Parse decodes one JSON object into a Request, applying spec defaults.
// Unknown top-level fields are rejected: the wire contract is small and
// explicit, and a typo in a client's field name should surface as
// bad_request rather than be silently ignored.
func Parse(raw []byte) (Request, error) {
	var dec = json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var w wireRequest
	if err := dec.Decode(&w); err != nil {
		return Request{}, &BadRequestError{Reason: "missing_pan"}
	}

	if w.PAN == "" {
		w.PAN = w.DE2
	}
	if w.Amount == "" {
		w.Amount = w.DE4
	}
	if w.MerchantID == "" {
		w.MerchantID = w.DE42
	}

	if w.PAN == "" {
		return Request{}, &BadRequestError{Reason: "missing_pan"}
	}
	if w.Amount == "" {
		return Request{}, &BadRequestError{Reason: "missing_amount"}
	}

	var r = Request{
		RequestID:  w.RequestID,
		PAN:        w.PAN,
		Amount:     w.Amount,
		Currency:   w.Currency,
		MerchantID: w.MerchantID,
		Type:       Type(w.Type),
	}
	if r.Currency == "" {
		r.Currency = defaultCurrency
	}
	if r.MerchantID == "" {
		r.MerchantID = defaultMerchant
	}
	if r.Type == "" {
		r.Type = AUTH
	}
	return r, nil
}

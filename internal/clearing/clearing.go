// Package clearing speaks the external clearing network's minimal
// prepare|commit|abort verb surface (spec section 6.3). The wire shape
// is intentionally small: the physical protocol is out of scope per
// spec section 1, so this is a plain request/response HTTP client in
// the same idiom as the teacher's webhook driver
// (go/materialize/driver/webhook/driver.go), not a generated RPC stub.
package clearing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Verb is one of the three clearing operations.
type Verb string

const (
	Prepare Verb = "prepare"
	Commit  Verb = "commit"
	Abort   Verb = "abort"
)

// Request is the body sent for every verb.
type Request struct {
	TxnID      string `json:"txn_id"`
	PANMasked  string `json:"pan"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	MerchantID string `json:"merchant_id"`
}

// Response is the body returned for every verb.
type Response struct {
	OK     bool   `json:"ok"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Client issues one clearing verb call. Implementations must treat any
// non-OK response or transport error as a call failure.
type Client interface {
	Call(ctx context.Context, verb Verb, req Request) (Response, error)
}

// HTTPClient calls a remote clearing endpoint over HTTP, addressing each
// verb as a distinct path beneath Base (e.g. Base+"/prepare").
type HTTPClient struct {
	Base       *url.URL
	HTTPClient *http.Client
}

// NewHTTPClient constructs an HTTPClient against base, using http.DefaultClient
// if none is supplied.
func NewHTTPClient(base *url.URL) *HTTPClient {
	return &HTTPClient{Base: base, HTTPClient: http.DefaultClient}
}

// Call issues one verb call and decodes its JSON response.
func (c *HTTPClient) Call(ctx context.Context, verb Verb, req Request) (Response, error) {
	var body, err = json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encoding clearing request: %w", err)
	}

	var target = *c.Base
	target.Path = target.Path + "/" + string(verb)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", target.String(), bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("building clearing request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var client = c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("calling clearing %s: %w", verb, err)
	}
	defer httpResp.Body.Close()

	respBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("reading clearing %s response: %w", verb, err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return Response{}, fmt.Errorf("clearing %s: unexpected status %d: %s", verb, httpResp.StatusCode, string(respBytes))
	}

	var resp Response
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return Response{}, fmt.Errorf("decoding clearing %s response: %w", verb, err)
	}
	return resp, nil
}

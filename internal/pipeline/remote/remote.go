// Package remote is the shared HTTP plumbing for the external services the
// pipeline calls (OCR, medical NLP, terminology, generative model). It keeps
// the status code of a failed call so the orchestrator can tell transient
// failures from permanent ones.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single service call. The orchestrator applies its
// own whole-run deadline on top of this.
const DefaultTimeout = 30 * time.Second

// Error is a non-2xx response from an external service.
type Error struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Service, e.StatusCode, e.Body)
}

// Temporary reports whether the call is worth retrying. Rate limits and
// server-side errors are; client errors are not.
func (e *Error) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// NewClient returns an http.Client with the default per-call timeout.
func NewClient() *http.Client {
	return &http.Client{Timeout: DefaultTimeout}
}

// PostJSON sends in as a JSON body to url and decodes the JSON response into
// out. apiKey, when non-empty, is sent as a bearer token.
func PostJSON(ctx context.Context, hc *http.Client, service, url, apiKey string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", service, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building %s request: %w", service, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Keep a bounded slice of the body for the error message.
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &Error{Service: service, StatusCode: resp.StatusCode, Body: string(b)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", service, err)
	}
	return nil
}

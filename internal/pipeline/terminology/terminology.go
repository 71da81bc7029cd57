// Package terminology validates extracted entities against a medical coding
// service. Output is positionally aligned with the input list: validation i
// always refers to entity i. Validation failure is non-fatal to a processing
// run; callers lower confidence and continue.
package terminology

import (
	"context"
	"fmt"
	"net/http"

	"github.com/medparse/medparse/internal/pipeline/remote"
)

// EntityRef is the subset of an extracted entity the coding service needs.
type EntityRef struct {
	Text     string `json:"text"`
	Category string `json:"category"`
	Type     string `json:"type"`
}

// Code is one standardized code assigned to an entity.
type Code struct {
	System      string `json:"system"` // e.g. RXNORM, ICD10CM, LOINC
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

// Validation is the per-entity result, index-aligned with the request.
type Validation struct {
	NormalizedText string   `json:"normalized_text"`
	Codes          []Code   `json:"codes,omitempty"`
	Confidence     float64  `json:"confidence"`
	IsValid        bool     `json:"is_valid"`
	Suggestions    []string `json:"suggestions,omitempty"`
}

// Summary aggregates a validation batch.
type Summary struct {
	Total          int     `json:"total"`
	Valid          int     `json:"valid"`
	ValidationRate float64 `json:"validation_rate"`
}

// Client calls the terminology service.
type Client struct {
	Endpoint string
	APIKey   string
	HTTP     *http.Client
}

type validateRequest struct {
	Entities []EntityRef `json:"entities"`
}

type validateResponse struct {
	Validations []Validation `json:"validations"`
	Summary     Summary      `json:"summary"`
}

// Validate checks each entity against the coding system. The returned slice
// has exactly one element per input entity, in input order.
func (c *Client) Validate(ctx context.Context, entities []EntityRef) ([]Validation, Summary, error) {
	if len(entities) == 0 {
		return nil, Summary{}, nil
	}

	var resp validateResponse
	if err := remote.PostJSON(ctx, c.httpClient(), "terminology", c.Endpoint, c.APIKey, validateRequest{Entities: entities}, &resp); err != nil {
		return nil, Summary{}, err
	}

	if len(resp.Validations) != len(entities) {
		return nil, Summary{}, fmt.Errorf("terminology returned %d validations for %d entities",
			len(resp.Validations), len(entities))
	}

	return resp.Validations, resp.Summary, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return remote.NewClient()
}

// Package entity extracts typed medical entities (medications, conditions,
// test names and values) and their relationships from plain text via an
// external medical NLP service. The stage is a pure transformation: the same
// input text always yields the same request, and nothing is persisted here.
package entity

import (
	"context"
	"errors"
	"net/http"

	"github.com/medparse/medparse/internal/pipeline/remote"
)

// ErrEmptyText is returned when there is no text to analyze.
var ErrEmptyText = errors.New("no text to extract entities from")

// Entity is a typed span of the source text.
type Entity struct {
	Text        string            `json:"text"`
	Category    string            `json:"category"` // MEDICATION, MEDICAL_CONDITION, TEST_TREATMENT_PROCEDURE, ...
	Type        string            `json:"type"`     // GENERIC_NAME, TEST_NAME, TEST_VALUE, ...
	Confidence  float64           `json:"confidence"`
	BeginOffset int               `json:"begin_offset"`
	EndOffset   int               `json:"end_offset"`
	Attributes  map[string]string `json:"attributes,omitempty"` // e.g. DOSAGE, FREQUENCY
}

// Relationship links two entities by their indexes in the Entities slice.
type Relationship struct {
	FromIndex int     `json:"from_index"`
	ToIndex   int     `json:"to_index"`
	Type      string  `json:"type"` // e.g. DOSAGE_OF, VALUE_OF
	Score     float64 `json:"score"`
}

// Extraction is the stage output for one document.
type Extraction struct {
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`
}

// Client calls the medical NLP service.
type Client struct {
	Endpoint string
	APIKey   string
	HTTP     *http.Client
}

type extractRequest struct {
	Text string `json:"text"`
}

// Extract sends text to the NLP service and returns the detected entities
// and relationships.
func (c *Client) Extract(ctx context.Context, text string) (*Extraction, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	var out Extraction
	if err := remote.PostJSON(ctx, c.httpClient(), "medical-nlp", c.Endpoint, c.APIKey, extractRequest{Text: text}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return remote.NewClient()
}

// Medications returns the entities categorized as medications.
func (e *Extraction) Medications() []Entity {
	return e.byCategory("MEDICATION")
}

// Tests returns the entities categorized as tests, treatments, or procedures.
func (e *Extraction) Tests() []Entity {
	return e.byCategory("TEST_TREATMENT_PROCEDURE")
}

// Conditions returns the entities categorized as medical conditions.
func (e *Extraction) Conditions() []Entity {
	return e.byCategory("MEDICAL_CONDITION")
}

func (e *Extraction) byCategory(category string) []Entity {
	var out []Entity
	for _, ent := range e.Entities {
		if ent.Category == category {
			out = append(out, ent)
		}
	}
	return out
}

// Package llm performs structured extraction from document text with a
// generative model. The document is classified into a report type, a
// type-specific prompt demanding strict JSON is sent, and the response is
// schema-validated into a typed payload. Unparseable responses degrade into
// a raw-text payload instead of failing the run.
package llm

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/medparse/medparse/internal/pipeline/remote"
)

// ReportType classifies the document.
type ReportType string

const (
	ReportLab          ReportType = "lab"
	ReportPrescription ReportType = "prescription"
	ReportRadiology    ReportType = "radiology"
	ReportVitals       ReportType = "vitals"
	ReportGeneral      ReportType = "general"
)

// ---------------------------------------------------------------------------
// Payload variants
// ---------------------------------------------------------------------------

// JSON tags in the payload types are camelCase because they mirror the wire
// schema the model is instructed to produce.

// TestResult is a single lab test row.
type TestResult struct {
	Name             string   `json:"name"`
	Value            string   `json:"value,omitempty"`
	Unit             string   `json:"unit,omitempty"`
	ReferenceRange   string   `json:"referenceRange,omitempty"`
	Status           string   `json:"status,omitempty"` // normal, high, low, abnormal
	Sources          []string `json:"sources,omitempty"`
	SourceConfidence float64  `json:"sourceConfidence,omitempty"`
}

// TestPanel groups related tests.
type TestPanel struct {
	Name  string       `json:"name"`
	Tests []TestResult `json:"tests"`
}

// LabPayload is the lab-report variant.
type LabPayload struct {
	Panels []TestPanel `json:"panels"`
}

// Medication is one prescribed medication.
type Medication struct {
	Name             string   `json:"name"`
	Dosage           string   `json:"dosage,omitempty"`
	Frequency        string   `json:"frequency,omitempty"`
	Duration         string   `json:"duration,omitempty"`
	Instructions     string   `json:"instructions,omitempty"`
	Sources          []string `json:"sources,omitempty"`
	SourceConfidence float64  `json:"sourceConfidence,omitempty"`
}

// PrescriptionPayload is the prescription variant.
type PrescriptionPayload struct {
	Medications []Medication `json:"medications"`
}

// Finding is one radiology finding.
type Finding struct {
	Description      string   `json:"description"`
	Sources          []string `json:"sources,omitempty"`
	SourceConfidence float64  `json:"sourceConfidence,omitempty"`
}

// RadiologyPayload is the radiology-report variant.
type RadiologyPayload struct {
	Modality   string    `json:"modality,omitempty"`
	BodyPart   string    `json:"bodyPart,omitempty"`
	StudyDate  string    `json:"studyDate,omitempty"`
	Findings   []Finding `json:"findings"`
	Impression string    `json:"impression,omitempty"`
}

// VitalReading is one vital-sign measurement.
type VitalReading struct {
	Type             string   `json:"type"`
	Value            string   `json:"value"`
	Unit             string   `json:"unit,omitempty"`
	MeasuredAt       string   `json:"measuredAt,omitempty"`
	Context          string   `json:"context,omitempty"` // e.g. resting, post-exercise
	Sources          []string `json:"sources,omitempty"`
	SourceConfidence float64  `json:"sourceConfidence,omitempty"`
}

// VitalsPayload is the vitals variant.
type VitalsPayload struct {
	Readings []VitalReading `json:"readings"`
}

// Section is a categorized span of a general document.
type Section struct {
	Category string `json:"category"` // subjective, objective, assessment, plan, other
	Content  string `json:"content"`
}

// GeneralPayload is the freeform variant.
type GeneralPayload struct {
	Sections []Section `json:"sections"`
}

// RawPayload is the degraded fallback when the model response cannot be
// parsed or fails schema validation.
type RawPayload struct {
	RawResponse string `json:"rawResponse"`
}

// Payload is a tagged union: Type names the variant and exactly one of the
// variant pointers is non-nil.
type Payload struct {
	Type         ReportType           `json:"type"`
	Lab          *LabPayload          `json:"lab,omitempty"`
	Prescription *PrescriptionPayload `json:"prescription,omitempty"`
	Radiology    *RadiologyPayload    `json:"radiology,omitempty"`
	Vitals       *VitalsPayload       `json:"vitals,omitempty"`
	General      *GeneralPayload      `json:"general,omitempty"`
	Raw          *RawPayload          `json:"raw,omitempty"`
}

// IsRaw reports whether the payload is the degraded raw-text fallback.
func (p Payload) IsRaw() bool { return p.Raw != nil }

// ---------------------------------------------------------------------------
// Result
// ---------------------------------------------------------------------------

// Person identifies a patient or provider mentioned in the document.
type Person struct {
	Name        string `json:"name,omitempty"`
	DateOfBirth string `json:"dateOfBirth,omitempty"`
	Identifier  string `json:"identifier,omitempty"`
}

// Facility identifies the issuing facility.
type Facility struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
}

// Result is the stage output.
type Result struct {
	ReportType    ReportType `json:"report_type"`
	SuggestedName string     `json:"suggested_name"`
	Confidence    float64    `json:"confidence"`
	Patient       *Person    `json:"patient,omitempty"`
	Provider      *Person    `json:"provider,omitempty"`
	Facility      *Facility  `json:"facility,omitempty"`
	DocumentDate  string     `json:"document_date,omitempty"`
	Degraded      bool       `json:"degraded"`
	Payload       Payload    `json:"payload"`
}

// degradedConfidence is assigned when the model response could not be
// parsed. Non-zero: the raw text still carries information.
const degradedConfidence = 0.3

// ---------------------------------------------------------------------------
// Completion client
// ---------------------------------------------------------------------------

// CompletionClient abstracts the generative model for testing.
type CompletionClient interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Client calls an OpenAI-compatible chat-completions endpoint.
type Client struct {
	Endpoint string
	APIKey   string
	Model    string
	HTTP     *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends the prompt and document content and returns the raw model
// output text.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	req := chatRequest{
		Model: c.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0,
	}

	var resp chatResponse
	if err := remote.PostJSON(ctx, c.httpClient(), "llm", c.Endpoint, c.APIKey, req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", &remote.Error{Service: "llm", StatusCode: http.StatusBadGateway, Body: "empty choices"}
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return remote.NewClient()
}

// ---------------------------------------------------------------------------
// Stage
// ---------------------------------------------------------------------------

// Stage classifies, prompts, and parses.
type Stage struct {
	Client CompletionClient
	Logger zerolog.Logger
}

// Extract runs structured extraction over document text. It returns an error
// only when the model call itself fails; malformed model output degrades to
// a raw payload with reduced confidence.
func (s *Stage) Extract(ctx context.Context, text string) (*Result, error) {
	reportType := ClassifyReportType(text)

	raw, err := s.Client.Complete(ctx, promptFor(reportType), text)
	if err != nil {
		return nil, err
	}

	res, parseErr := parseResponse(reportType, raw)
	if parseErr != nil {
		s.Logger.Warn().
			Err(parseErr).
			Str("report_type", string(reportType)).
			Msg("model response failed parsing, storing raw payload")
		return &Result{
			ReportType: reportType,
			Confidence: degradedConfidence,
			Degraded:   true,
			Payload: Payload{
				Type: reportType,
				Raw:  &RawPayload{RawResponse: raw},
			},
		}, nil
	}
	return res, nil
}

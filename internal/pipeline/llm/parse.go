package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var errNoJSON = errors.New("no JSON object in model response")

// extractJSON pulls the JSON object out of a model response, tolerating
// markdown code fences and prose around the object.
func extractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", errNoJSON
	}
	return s[start : end+1], nil
}

// wireResponse is the union of every report-type response shape.
type wireResponse struct {
	SuggestedName string    `json:"suggestedName"`
	Confidence    float64   `json:"confidence"`
	Patient       *Person   `json:"patient"`
	Provider      *Person   `json:"provider"`
	Facility      *Facility `json:"facility"`
	Date          string    `json:"date"`

	Panels      []TestPanel  `json:"panels"`
	Medications []Medication `json:"medications"`
	Study       *struct {
		Modality string `json:"modality"`
		BodyPart string `json:"bodyPart"`
		Date     string `json:"date"`
	} `json:"study"`
	Findings   []Finding      `json:"findings"`
	Impression string         `json:"impression"`
	Readings   []VitalReading `json:"readings"`
	Sections   []Section      `json:"sections"`
}

// parseResponse validates the model output against the report type's schema
// and assembles the typed result. Any failure here means the caller stores
// the raw response instead.
func parseResponse(rt ReportType, raw string) (*Result, error) {
	jsonText, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}

	var generic interface{}
	if err := json.Unmarshal([]byte(jsonText), &generic); err != nil {
		return nil, fmt.Errorf("unmarshaling model response: %w", err)
	}
	if err := schemaFor(rt).Validate(generic); err != nil {
		return nil, fmt.Errorf("model response does not match %s schema: %w", rt, err)
	}

	var wire wireResponse
	if err := json.Unmarshal([]byte(jsonText), &wire); err != nil {
		return nil, fmt.Errorf("decoding model response: %w", err)
	}

	res := &Result{
		ReportType:    rt,
		SuggestedName: wire.SuggestedName,
		Confidence:    clamp01(wire.Confidence),
		Patient:       wire.Patient,
		Provider:      wire.Provider,
		Facility:      wire.Facility,
		DocumentDate:  wire.Date,
		Payload:       Payload{Type: rt},
	}

	switch rt {
	case ReportLab:
		res.Payload.Lab = &LabPayload{Panels: wire.Panels}
	case ReportPrescription:
		res.Payload.Prescription = &PrescriptionPayload{Medications: wire.Medications}
	case ReportRadiology:
		rp := &RadiologyPayload{
			Findings:   wire.Findings,
			Impression: wire.Impression,
		}
		if wire.Study != nil {
			rp.Modality = wire.Study.Modality
			rp.BodyPart = wire.Study.BodyPart
			rp.StudyDate = wire.Study.Date
		}
		res.Payload.Radiology = rp
	case ReportVitals:
		res.Payload.Vitals = &VitalsPayload{Readings: wire.Readings}
	default:
		res.Payload.General = &GeneralPayload{Sections: wire.Sections}
	}

	return res, nil
}

// clamp01 bounds a model-reported confidence to [0, 1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

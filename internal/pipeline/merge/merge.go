// Package merge combines the outputs of the extraction stages into one
// structured record. The LLM payload is the base; entity-stage candidates
// and OCR table rows are fuzzy-matched into it, annotating matches with
// provenance and appending what did not match. Nothing is dropped.
package merge

import (
	"strings"

	"github.com/medparse/medparse/internal/pipeline/entity"
	"github.com/medparse/medparse/internal/pipeline/llm"
	"github.com/medparse/medparse/internal/pipeline/ocr"
	"github.com/medparse/medparse/internal/pipeline/terminology"
)

// Source labels recorded in item provenance.
const (
	SourceLLM      = "llm"
	SourceEntity   = "entity"
	SourceOCRTable = "ocr-table"
)

// Input carries every stage output for one document. Validations are
// index-aligned with Entities.Entities; a nil or short slice means
// validation did not run for those entities.
type Input struct {
	OCR               *ocr.Result
	Entities          *entity.Extraction
	Validations       []terminology.Validation
	ValidationSummary terminology.Summary
	LLM               *llm.Result
}

// Output is the merged record content.
type Output struct {
	Result     llm.Result
	Confidence float64
	// Provenance maps record sections to the stages that contributed.
	Provenance map[string][]string
}

// MatchFunc decides whether an entity-derived candidate name refers to the
// same item as an existing base name.
type MatchFunc func(candidate, base string) bool

// DefaultMatch is case-insensitive substring containment in either
// direction over trimmed names. Candidates shorter than three characters
// never match, which keeps stray OCR fragments from swallowing real items.
// Substring containment both over-merges (overlapping distinct test names)
// and under-merges (synonyms); it is a tunable policy, not a contract.
func DefaultMatch(candidate, base string) bool {
	c := strings.ToLower(strings.TrimSpace(candidate))
	b := strings.ToLower(strings.TrimSpace(base))
	if len(c) < 3 || len(b) < 3 {
		return false
	}
	return strings.Contains(b, c) || strings.Contains(c, b)
}

// Merger merges stage outputs. The zero value is not usable; call New.
type Merger struct {
	Match MatchFunc
}

// New returns a Merger with the default match policy.
func New() *Merger {
	return &Merger{Match: DefaultMatch}
}

// Merge builds the final record content from the stage outputs. in.LLM must
// be non-nil; every other input is optional.
func (m *Merger) Merge(in Input) *Output {
	out := &Output{
		Result:     *in.LLM,
		Provenance: map[string][]string{},
	}

	if in.OCR != nil {
		out.Provenance["text"] = []string{in.OCR.Metadata.ExtractionMethod}
	}
	payloadSources := []string{SourceLLM}

	// The raw fallback payload has no structure to merge into.
	if !in.LLM.Payload.IsRaw() {
		entityUsed, tableUsed := false, false

		switch in.LLM.Payload.Type {
		case llm.ReportLab:
			entityUsed = m.mergeLabEntities(&out.Result, in)
			if in.OCR != nil {
				tableUsed = m.mergeLabTables(&out.Result, in.OCR.Tables)
			}
		case llm.ReportPrescription:
			entityUsed = m.mergeMedications(&out.Result, in)
		case llm.ReportRadiology:
			entityUsed = m.mergeFindings(&out.Result, in)
		}

		if entityUsed {
			payloadSources = append(payloadSources, SourceEntity)
		}
		if tableUsed {
			payloadSources = append(payloadSources, SourceOCRTable)
		}
	}
	out.Provenance["payload"] = payloadSources

	out.Confidence = blendConfidence(in)
	out.Result.Confidence = out.Confidence
	return out
}

// candidate is one entity-derived item to merge.
type candidate struct {
	name       string
	confidence float64
	attributes map[string]string
}

// candidates pairs each entity of the wanted category with its validation,
// preferring the normalized text of valid entities.
func (m *Merger) candidates(in Input, ents []entity.Entity) []candidate {
	var out []candidate
	for _, e := range ents {
		c := candidate{name: e.Text, confidence: e.Confidence, attributes: e.Attributes}
		if v := m.validationFor(in, e); v != nil {
			if v.IsValid && v.NormalizedText != "" {
				c.name = v.NormalizedText
			}
			if v.Confidence > c.confidence {
				c.confidence = v.Confidence
			}
		}
		out = append(out, c)
	}
	return out
}

// validationFor finds the validation aligned with e's position in the full
// entity list.
func (m *Merger) validationFor(in Input, e entity.Entity) *terminology.Validation {
	if in.Entities == nil {
		return nil
	}
	for i, ent := range in.Entities.Entities {
		if ent.Text == e.Text && ent.BeginOffset == e.BeginOffset {
			if i < len(in.Validations) {
				return &in.Validations[i]
			}
			return nil
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Lab
// ---------------------------------------------------------------------------

func (m *Merger) mergeLabEntities(res *llm.Result, in Input) bool {
	if in.Entities == nil || res.Payload.Lab == nil {
		return false
	}
	cands := m.candidates(in, in.Entities.Tests())
	if len(cands) == 0 {
		return false
	}

	for _, c := range cands {
		if t := m.findTest(res.Payload.Lab, c.name); t != nil {
			annotateTest(t, SourceEntity, c.confidence)
			continue
		}
		appendTest(res.Payload.Lab, llm.TestResult{
			Name:             c.name,
			Sources:          []string{SourceEntity},
			SourceConfidence: c.confidence,
		})
	}
	return true
}

func (m *Merger) mergeLabTables(res *llm.Result, tables []ocr.Table) bool {
	if res.Payload.Lab == nil || len(tables) == 0 {
		return false
	}

	used := false
	for _, table := range tables {
		nameIdx, valueIdx, refIdx := classifyHeaders(table.Headers)
		if nameIdx < 0 {
			continue
		}
		for _, row := range table.Rows {
			if nameIdx >= len(row) || strings.TrimSpace(row[nameIdx]) == "" {
				continue
			}
			used = true
			name := strings.TrimSpace(row[nameIdx])
			value := cell(row, valueIdx)
			ref := cell(row, refIdx)

			if t := m.findTest(res.Payload.Lab, name); t != nil {
				annotateTest(t, SourceOCRTable, 0)
				if t.Value == "" {
					t.Value = value
				}
				if t.ReferenceRange == "" {
					t.ReferenceRange = ref
				}
				continue
			}
			appendTest(res.Payload.Lab, llm.TestResult{
				Name:           name,
				Value:          value,
				ReferenceRange: ref,
				Sources:        []string{SourceOCRTable},
			})
		}
	}
	return used
}

// classifyHeaders maps table columns to roles by header-name heuristics.
func classifyHeaders(headers []string) (nameIdx, valueIdx, refIdx int) {
	nameIdx, valueIdx, refIdx = -1, -1, -1
	for i, h := range headers {
		l := strings.ToLower(h)
		switch {
		case nameIdx < 0 && (strings.Contains(l, "test") || strings.Contains(l, "name") || strings.Contains(l, "parameter")):
			nameIdx = i
		case refIdx < 0 && (strings.Contains(l, "range") || strings.Contains(l, "reference")):
			refIdx = i
		case valueIdx < 0 && (strings.Contains(l, "result") || strings.Contains(l, "value")):
			valueIdx = i
		}
	}
	return nameIdx, valueIdx, refIdx
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func (m *Merger) findTest(lab *llm.LabPayload, name string) *llm.TestResult {
	for pi := range lab.Panels {
		for ti := range lab.Panels[pi].Tests {
			if m.Match(name, lab.Panels[pi].Tests[ti].Name) {
				return &lab.Panels[pi].Tests[ti]
			}
		}
	}
	return nil
}

// appendedPanel is where unmatched candidates land.
const appendedPanel = "Additional Findings"

func appendTest(lab *llm.LabPayload, t llm.TestResult) {
	for pi := range lab.Panels {
		if lab.Panels[pi].Name == appendedPanel {
			lab.Panels[pi].Tests = append(lab.Panels[pi].Tests, t)
			return
		}
	}
	lab.Panels = append(lab.Panels, llm.TestPanel{Name: appendedPanel, Tests: []llm.TestResult{t}})
}

func annotateTest(t *llm.TestResult, source string, confidence float64) {
	t.Sources = addSource(t.Sources, source)
	if confidence > t.SourceConfidence {
		t.SourceConfidence = confidence
	}
}

// ---------------------------------------------------------------------------
// Prescription
// ---------------------------------------------------------------------------

func (m *Merger) mergeMedications(res *llm.Result, in Input) bool {
	if in.Entities == nil || res.Payload.Prescription == nil {
		return false
	}
	cands := m.candidates(in, in.Entities.Medications())
	if len(cands) == 0 {
		return false
	}

	meds := res.Payload.Prescription
	for _, c := range cands {
		matched := false
		for i := range meds.Medications {
			if m.Match(c.name, meds.Medications[i].Name) {
				med := &meds.Medications[i]
				med.Sources = addSource(med.Sources, SourceEntity)
				if c.confidence > med.SourceConfidence {
					med.SourceConfidence = c.confidence
				}
				if med.Dosage == "" {
					med.Dosage = c.attributes["DOSAGE"]
				}
				if med.Frequency == "" {
					med.Frequency = c.attributes["FREQUENCY"]
				}
				matched = true
				break
			}
		}
		if !matched {
			meds.Medications = append(meds.Medications, llm.Medication{
				Name:             c.name,
				Dosage:           c.attributes["DOSAGE"],
				Frequency:        c.attributes["FREQUENCY"],
				Sources:          []string{SourceEntity},
				SourceConfidence: c.confidence,
			})
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Radiology
// ---------------------------------------------------------------------------

func (m *Merger) mergeFindings(res *llm.Result, in Input) bool {
	if in.Entities == nil || res.Payload.Radiology == nil {
		return false
	}
	cands := m.candidates(in, in.Entities.Conditions())
	if len(cands) == 0 {
		return false
	}

	rad := res.Payload.Radiology
	for _, c := range cands {
		matched := false
		for i := range rad.Findings {
			if m.Match(c.name, rad.Findings[i].Description) {
				f := &rad.Findings[i]
				f.Sources = addSource(f.Sources, SourceEntity)
				if c.confidence > f.SourceConfidence {
					f.SourceConfidence = c.confidence
				}
				matched = true
				break
			}
		}
		if !matched {
			rad.Findings = append(rad.Findings, llm.Finding{
				Description:      c.name,
				Sources:          []string{SourceEntity},
				SourceConfidence: c.confidence,
			})
		}
	}
	return true
}

func addSource(sources []string, s string) []string {
	for _, existing := range sources {
		if existing == s {
			return sources
		}
	}
	return append(sources, s)
}

// Package records owns the processing-job and structured-record data model,
// its repositories, the service the API surface talks to, and the Echo
// handler.
package records

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/medparse/medparse/internal/pipeline/llm"
)

var (
	ErrJobNotFound    = errors.New("processing job not found")
	ErrRecordNotFound = errors.New("structured record not found")

	// ErrAlreadyProcessing is returned when a run is requested for a
	// document whose lock is held by another run.
	ErrAlreadyProcessing = errors.New("document is already processing")
)

// Phase is the processing state of a document.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseProcessing Phase = "processing"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

// ProcessingJob tracks one document through the pipeline. The lock columns
// double as the per-document mutual exclusion flag: a non-empty unexpired
// token means a run is in flight.
type ProcessingJob struct {
	DocumentID        string     `json:"document_id"`
	Phase             Phase      `json:"phase"`
	RetryCount        int        `json:"retry_count"`
	LockToken         string     `json:"-"`
	LockExpiresAt     *time.Time `json:"-"`
	LastErrorCategory string     `json:"last_error_category,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// NewJob returns a pending job for a document.
func NewJob(documentID string) *ProcessingJob {
	now := time.Now().UTC()
	return &ProcessingJob{
		DocumentID: documentID,
		Phase:      PhasePending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// StructuredRecord is the final output of a successful run. It is written
// all-or-nothing after merge; readers never see a partially merged record.
type StructuredRecord struct {
	ID            uuid.UUID           `json:"id"`
	DocumentID    string              `json:"document_id"`
	ReportType    string              `json:"report_type"`
	SuggestedName string              `json:"suggested_name"`
	Patient       *llm.Person         `json:"patient,omitempty"`
	Provider      *llm.Person         `json:"provider,omitempty"`
	Facility      *llm.Facility       `json:"facility,omitempty"`
	DocumentDate  string              `json:"document_date,omitempty"`
	Payload       llm.Payload         `json:"payload"`
	Confidence    float64             `json:"confidence"`
	Degraded      bool                `json:"degraded"`
	Provenance    map[string][]string `json:"provenance,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

package records

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/medparse/medparse/internal/platform/blobstore"
)

// Runner executes the processing pipeline for one stored document. The
// concrete implementation lives in the processor package; the service only
// needs this surface.
type Runner interface {
	Run(ctx context.Context, documentID string) (*StructuredRecord, error)
	// Rerun discards the prior record and processes from scratch, deferring
	// the discard until the document lock is held.
	Rerun(ctx context.Context, documentID string) (*StructuredRecord, error)
}

type Service struct {
	jobs    JobRepository
	records RecordRepository
	store   blobstore.Store
	runner  Runner
	logger  zerolog.Logger
}

func NewService(jobs JobRepository, records RecordRepository, store blobstore.Store, runner Runner, logger zerolog.Logger) *Service {
	return &Service{jobs: jobs, records: records, store: store, runner: runner, logger: logger}
}

// Upload stores a document and registers its pending job. The stored ID is
// what every other operation keys on.
func (s *Service) Upload(ctx context.Context, meta blobstore.DocumentMeta, content io.Reader) (*blobstore.DocumentMeta, error) {
	meta.ContentType = normalizeContentType(meta.ContentType)

	stored, err := s.store.Put(ctx, meta, content)
	if err != nil {
		return nil, err
	}
	if _, err := s.jobs.Ensure(ctx, stored.ID); err != nil {
		return nil, fmt.Errorf("registering job: %w", err)
	}
	return stored, nil
}

// Process runs the pipeline synchronously for a stored document.
func (s *Service) Process(ctx context.Context, documentID string) (*StructuredRecord, error) {
	if _, err := s.store.Stat(ctx, documentID); err != nil {
		return nil, err
	}
	return s.runner.Run(ctx, documentID)
}

// ProcessAsync kicks off a run in the background. The caller tracks progress
// through the job status endpoint or the websocket feed.
func (s *Service) ProcessAsync(documentID string) {
	go func() {
		if _, err := s.runner.Run(context.Background(), documentID); err != nil {
			s.logger.Warn().Err(err).Str("document_id", documentID).Msg("background processing failed")
		}
	}()
}

// Reprocess discards any prior structured record and runs the pipeline again,
// yielding a fresh record rather than merging into the old one. The discard
// is the runner's responsibility and happens only once the document lock is
// won, so a reprocess racing an active run is rejected with the record and
// the run's job state intact.
func (s *Service) Reprocess(ctx context.Context, documentID string) (*StructuredRecord, error) {
	if _, err := s.store.Stat(ctx, documentID); err != nil {
		return nil, err
	}
	return s.runner.Rerun(ctx, documentID)
}

func (s *Service) GetJob(ctx context.Context, documentID string) (*ProcessingJob, error) {
	return s.jobs.Get(ctx, documentID)
}

func (s *Service) GetRecord(ctx context.Context, documentID string) (*StructuredRecord, error) {
	return s.records.Get(ctx, documentID)
}

func (s *Service) GetDocument(ctx context.Context, documentID string) (*blobstore.DocumentMeta, error) {
	return s.store.Stat(ctx, documentID)
}

func (s *Service) ListDocuments(ctx context.Context, patientID string, limit, offset int) ([]*blobstore.DocumentMeta, int, error) {
	return s.store.ListByPatient(ctx, patientID, limit, offset)
}

// DeleteDocument removes the stored file along with its job's record. Jobs
// are kept for auditability.
func (s *Service) DeleteDocument(ctx context.Context, documentID string) error {
	if err := s.records.Delete(ctx, documentID); err != nil && !errors.Is(err, ErrRecordNotFound) {
		return err
	}
	return s.store.Delete(ctx, documentID)
}

// normalizeContentType strips charset parameters, e.g. "text/plain; charset=utf-8".
func normalizeContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

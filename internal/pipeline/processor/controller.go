package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medparse/medparse/internal/domain/records"
	"github.com/medparse/medparse/internal/pipeline/entity"
	"github.com/medparse/medparse/internal/pipeline/llm"
	"github.com/medparse/medparse/internal/pipeline/merge"
	"github.com/medparse/medparse/internal/pipeline/ocr"
	"github.com/medparse/medparse/internal/pipeline/terminology"
	"github.com/medparse/medparse/internal/platform/blobstore"
	"github.com/medparse/medparse/internal/platform/websocket"
)

// Stage interfaces. The concrete implementations live in the stage packages;
// the controller only sees these, which keeps every stage swappable in tests.

type OCRStage interface {
	Extract(ctx context.Context, in ocr.Input) (*ocr.Result, error)
}

type EntityStage interface {
	Extract(ctx context.Context, text string) (*entity.Extraction, error)
}

type TerminologyStage interface {
	Validate(ctx context.Context, entities []terminology.EntityRef) ([]terminology.Validation, terminology.Summary, error)
}

type LLMStage interface {
	Extract(ctx context.Context, text string) (*llm.Result, error)
}

// Config bounds a run.
type Config struct {
	// RunTimeout caps one attempt end to end.
	RunTimeout time.Duration
	// MaxRetries is how many times a transiently failing run is retried
	// after the first attempt.
	MaxRetries int
	// LockTTL recovers documents whose worker crashed mid-run.
	LockTTL time.Duration
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		RunTimeout: 90 * time.Second,
		MaxRetries: 3,
		LockTTL:    120 * time.Second,
	}
}

// withLockFloor raises LockTTL to at least one attempt plus the longest
// backoff. The lock is re-armed before every retry, so the TTL only has to
// outlive a single attempt, not the whole retry budget.
func (c Config) withLockFloor() Config {
	if floor := c.RunTimeout + backoffCap; c.LockTTL < floor {
		c.LockTTL = floor
	}
	return c
}

// Controller sequences the pipeline for one document at a time per document.
// Multiple documents process concurrently; the lock repository enforces at
// most one active run per document.
type Controller struct {
	Jobs    records.JobRepository
	Records records.RecordRepository
	Locks   records.LockRepository
	Store   blobstore.Store

	OCR         OCRStage
	Entities    EntityStage
	Terminology TerminologyStage
	LLM         LLMStage
	Merger      *merge.Merger

	// Progress is optional; nil disables progress events.
	Progress websocket.ProgressPublisher
	Logger   zerolog.Logger
	Config   Config

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires a Controller.
func New(jobs records.JobRepository, recs records.RecordRepository, locks records.LockRepository,
	store blobstore.Store, ocrStage OCRStage, entities EntityStage, term TerminologyStage,
	llmStage LLMStage, progress websocket.ProgressPublisher, logger zerolog.Logger, cfg Config) *Controller {
	cfg = cfg.withLockFloor()
	return &Controller{
		Jobs:        jobs,
		Records:     recs,
		Locks:       locks,
		Store:       store,
		OCR:         ocrStage,
		Entities:    entities,
		Terminology: term,
		LLM:         llmStage,
		Merger:      merge.New(),
		Progress:    progress,
		Logger:      logger.With().Str("component", "processor").Logger(),
		Config:      cfg,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run processes one document to completion. It acquires the document lock
// (failing fast when held), retries transient failures with backoff, and
// releases the lock on every exit path. On success the persisted record is
// returned.
func (c *Controller) Run(ctx context.Context, documentID string) (*records.StructuredRecord, error) {
	return c.run(ctx, documentID, false)
}

// Rerun discards the document's prior structured record and processes it
// from scratch. The discard happens after the lock is won: a rerun that
// loses to an active run fails fast without touching the record or the
// active run's job state.
func (c *Controller) Rerun(ctx context.Context, documentID string) (*records.StructuredRecord, error) {
	return c.run(ctx, documentID, true)
}

func (c *Controller) run(ctx context.Context, documentID string, fresh bool) (*records.StructuredRecord, error) {
	log := c.Logger.With().Str("document_id", documentID).Logger()

	token := uuid.New().String()
	acquired, err := c.Locks.Acquire(ctx, documentID, token, c.Config.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	if !acquired {
		return nil, ErrAlreadyProcessing
	}
	defer func() {
		if relErr := c.Locks.Release(context.WithoutCancel(ctx), documentID, token); relErr != nil {
			log.Error().Err(relErr).Msg("failed to release document lock")
		}
	}()

	job, err := c.Jobs.Ensure(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}
	if fresh {
		if err := c.Records.Delete(ctx, documentID); err != nil && !errors.Is(err, records.ErrRecordNotFound) {
			return nil, fmt.Errorf("clearing previous record: %w", err)
		}
		job.RetryCount = 0
	}
	job.Phase = records.PhaseProcessing
	job.LastError = ""
	job.LastErrorCategory = ""
	if err := c.Jobs.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("marking job processing: %w", err)
	}
	c.publish(ctx, documentID, "pipeline", "started", job.RetryCount)

	var rec *records.StructuredRecord
	var runErr error

	for attempt := 0; ; attempt++ {
		// Acquire armed the TTL for the first attempt; every retry re-arms
		// it so a long run cannot outlive its own lock.
		if attempt > 0 {
			held, err := c.Locks.Extend(ctx, documentID, token, c.Config.LockTTL)
			if err != nil {
				return nil, fmt.Errorf("extending lock: %w", err)
			}
			if !held {
				// The lock lapsed during backoff and another worker may own
				// the document now. Abandon without touching the job state.
				log.Warn().Int("attempt", attempt+1).Msg("document lock lost during backoff, abandoning run")
				return nil, ErrAlreadyProcessing
			}
		}

		rec, runErr = c.runOnce(ctx, documentID, log)
		if runErr == nil {
			break
		}

		category := Classify(runErr)
		job.LastError = runErr.Error()
		job.LastErrorCategory = string(category)

		if category == CategoryPermanent || attempt >= c.Config.MaxRetries {
			// RetryCount is the number of retries performed, not attempts:
			// a permanent failure on the first attempt records zero.
			job.RetryCount = attempt
			job.Phase = records.PhaseFailed
			if err := c.Jobs.Update(ctx, job); err != nil {
				log.Error().Err(err).Msg("failed to persist failed job state")
			}
			c.publish(ctx, documentID, "pipeline", "failed", job.RetryCount)
			log.Warn().Err(runErr).
				Str("category", string(category)).
				Int("attempts", attempt+1).
				Msg("document processing failed")
			return nil, runErr
		}

		job.RetryCount = attempt + 1
		if err := c.Jobs.Update(ctx, job); err != nil {
			log.Error().Err(err).Msg("failed to persist retry state")
		}
		c.publish(ctx, documentID, "pipeline", "retrying", job.RetryCount)
		log.Info().Err(runErr).
			Int("attempt", attempt+1).
			Dur("backoff", Backoff(attempt+1)).
			Msg("transient failure, backing off before retry")

		if err := c.sleep(ctx, Backoff(attempt+1)); err != nil {
			job.Phase = records.PhaseFailed
			job.LastError = err.Error()
			job.LastErrorCategory = string(CategoryTransient)
			_ = c.Jobs.Update(ctx, job)
			return nil, err
		}
	}

	job.Phase = records.PhaseCompleted
	job.LastError = ""
	job.LastErrorCategory = ""
	if err := c.Jobs.Update(ctx, job); err != nil {
		log.Error().Err(err).Msg("failed to persist completed job state")
	}
	c.publish(ctx, documentID, "pipeline", "completed", job.RetryCount)
	return rec, nil
}

// runOnce is a single bounded attempt: download, OCR, the parallel
// entity/validation and model branches, merge, persist.
func (c *Controller) runOnce(ctx context.Context, documentID string, log zerolog.Logger) (*records.StructuredRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Config.RunTimeout)
	defer cancel()

	// Download.
	rc, meta, err := c.Store.Get(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("downloading document: %w", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("reading document: %w", err)
	}

	// OCR.
	c.publish(ctx, documentID, "ocr", "started", 0)
	ocrRes, err := c.OCR.Extract(ctx, ocr.Input{Data: data, MIMEType: meta.ContentType})
	if err != nil {
		return nil, err
	}
	text := ocr.NormalizeText(ocrRes.Text)
	c.publish(ctx, documentID, "ocr", "completed", 0)

	// The entity/validation branch and the model branch run concurrently;
	// merge waits for both.
	var (
		wg sync.WaitGroup

		extraction  *entity.Extraction
		validations []terminology.Validation
		valSummary  terminology.Summary
		entityErr   error

		llmRes *llm.Result
		llmErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		c.publish(ctx, documentID, "entities", "started", 0)
		extraction, entityErr = c.Entities.Extract(ctx, text)
		if entityErr != nil {
			return
		}
		refs := make([]terminology.EntityRef, len(extraction.Entities))
		for i, e := range extraction.Entities {
			refs[i] = terminology.EntityRef{Text: e.Text, Category: e.Category, Type: e.Type}
		}
		var valErr error
		validations, valSummary, valErr = c.Terminology.Validate(ctx, refs)
		if valErr != nil {
			// Validation is non-fatal: the run continues without it and the
			// confidence blend degrades accordingly.
			log.Warn().Err(valErr).Msg("terminology validation failed, continuing without it")
			validations, valSummary = nil, terminology.Summary{}
		}
		c.publish(ctx, documentID, "entities", "completed", 0)
	}()
	go func() {
		defer wg.Done()
		c.publish(ctx, documentID, "llm", "started", 0)
		llmRes, llmErr = c.LLM.Extract(ctx, text)
		if llmErr == nil && llmRes.Degraded {
			c.publish(ctx, documentID, "llm", "degraded", 0)
		} else {
			c.publish(ctx, documentID, "llm", "completed", 0)
		}
	}()
	wg.Wait()

	if llmErr != nil {
		return nil, llmErr
	}
	if entityErr != nil {
		return nil, entityErr
	}

	// Merge and persist in one atomic upsert.
	c.publish(ctx, documentID, "merge", "started", 0)
	merged := c.Merger.Merge(merge.Input{
		OCR:               ocrRes,
		Entities:          extraction,
		Validations:       validations,
		ValidationSummary: valSummary,
		LLM:               llmRes,
	})

	rec := &records.StructuredRecord{
		DocumentID:    documentID,
		ReportType:    string(merged.Result.ReportType),
		SuggestedName: merged.Result.SuggestedName,
		Patient:       merged.Result.Patient,
		Provider:      merged.Result.Provider,
		Facility:      merged.Result.Facility,
		DocumentDate:  merged.Result.DocumentDate,
		Payload:       merged.Result.Payload,
		Confidence:    merged.Confidence,
		Degraded:      merged.Result.Degraded,
		Provenance:    merged.Provenance,
	}
	if err := c.Records.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("persisting record: %w", err)
	}
	c.publish(ctx, documentID, "merge", "completed", 0)
	return rec, nil
}

func (c *Controller) publish(ctx context.Context, documentID, stage, status string, attempt int) {
	if c.Progress == nil {
		return
	}
	_ = c.Progress.PublishProgress(ctx, websocket.ProgressEvent{
		DocumentID: documentID,
		Stage:      stage,
		Status:     status,
		Attempt:    attempt,
	})
}

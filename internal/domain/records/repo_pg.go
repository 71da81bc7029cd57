package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medparse/medparse/internal/pipeline/llm"
)

// =========== Job repository ===========

type jobRepoPG struct{ pool *pgxpool.Pool }

func NewJobRepoPG(pool *pgxpool.Pool) JobRepository { return &jobRepoPG{pool: pool} }

const jobCols = `document_id, phase, retry_count,
	COALESCE(lock_token, ''), lock_expires_at,
	COALESCE(last_error_category, ''), COALESCE(last_error, ''),
	created_at, updated_at`

func scanJob(row pgx.Row) (*ProcessingJob, error) {
	var j ProcessingJob
	err := row.Scan(&j.DocumentID, &j.Phase, &j.RetryCount,
		&j.LockToken, &j.LockExpiresAt,
		&j.LastErrorCategory, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return &j, err
}

func (r *jobRepoPG) Ensure(ctx context.Context, documentID string) (*ProcessingJob, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO processing_jobs (document_id, phase)
		VALUES ($1, 'pending')
		ON CONFLICT (document_id) DO NOTHING`, documentID)
	if err != nil {
		return nil, fmt.Errorf("ensuring job: %w", err)
	}
	return r.Get(ctx, documentID)
}

func (r *jobRepoPG) Get(ctx context.Context, documentID string) (*ProcessingJob, error) {
	return scanJob(r.pool.QueryRow(ctx,
		`SELECT `+jobCols+` FROM processing_jobs WHERE document_id = $1`, documentID))
}

func (r *jobRepoPG) Update(ctx context.Context, job *ProcessingJob) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE processing_jobs
		SET phase = $2, retry_count = $3,
			last_error_category = NULLIF($4, ''), last_error = NULLIF($5, ''),
			updated_at = NOW()
		WHERE document_id = $1`,
		job.DocumentID, job.Phase, job.RetryCount, job.LastErrorCategory, job.LastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// =========== Lock repository ===========

// lockRepoPG stores the lock on the job row itself. The conditional UPDATE
// is the atomicity guarantee: only one of several concurrent acquirers can
// match the WHERE clause.
type lockRepoPG struct{ pool *pgxpool.Pool }

func NewLockRepoPG(pool *pgxpool.Pool) LockRepository { return &lockRepoPG{pool: pool} }

func (r *lockRepoPG) Acquire(ctx context.Context, documentID, token string, ttl time.Duration) (bool, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO processing_jobs (document_id, phase)
		VALUES ($1, 'pending')
		ON CONFLICT (document_id) DO NOTHING`, documentID)
	if err != nil {
		return false, fmt.Errorf("ensuring job row for lock: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE processing_jobs
		SET lock_token = $2,
			lock_expires_at = NOW() + make_interval(secs => $3),
			updated_at = NOW()
		WHERE document_id = $1
		  AND (lock_token IS NULL OR lock_expires_at <= NOW())`,
		documentID, token, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("acquiring lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *lockRepoPG) Extend(ctx context.Context, documentID, token string, ttl time.Duration) (bool, error) {
	// The expiry guard keeps an already-lapsed lock from coming back to
	// life under a worker that lost it.
	tag, err := r.pool.Exec(ctx, `
		UPDATE processing_jobs
		SET lock_expires_at = NOW() + make_interval(secs => $3),
			updated_at = NOW()
		WHERE document_id = $1 AND lock_token = $2 AND lock_expires_at > NOW()`,
		documentID, token, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("extending lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *lockRepoPG) Release(ctx context.Context, documentID, token string) error {
	// Token match keeps an expired worker from freeing a successor's lock.
	_, err := r.pool.Exec(ctx, `
		UPDATE processing_jobs
		SET lock_token = NULL, lock_expires_at = NULL, updated_at = NOW()
		WHERE document_id = $1 AND lock_token = $2`,
		documentID, token)
	if err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}
	return nil
}

// =========== Record repository ===========

type recordRepoPG struct{ pool *pgxpool.Pool }

func NewRecordRepoPG(pool *pgxpool.Pool) RecordRepository { return &recordRepoPG{pool: pool} }

func (r *recordRepoPG) Upsert(ctx context.Context, rec *StructuredRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	patient, err := marshalNullable(rec.Patient)
	if err != nil {
		return err
	}
	provider, err := marshalNullable(rec.Provider)
	if err != nil {
		return err
	}
	var facility []byte
	if rec.Facility != nil {
		facility, err = json.Marshal(rec.Facility)
		if err != nil {
			return fmt.Errorf("encoding facility: %w", err)
		}
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	provenance, err := json.Marshal(rec.Provenance)
	if err != nil {
		return fmt.Errorf("encoding provenance: %w", err)
	}

	// Single statement: the replacement is atomic, readers see either the
	// old record or the new one.
	_, err = r.pool.Exec(ctx, `
		INSERT INTO structured_records
			(id, document_id, report_type, suggested_name,
			 patient, provider, facility, document_date,
			 payload, confidence, degraded, provenance)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (document_id) DO UPDATE SET
			report_type = EXCLUDED.report_type,
			suggested_name = EXCLUDED.suggested_name,
			patient = EXCLUDED.patient,
			provider = EXCLUDED.provider,
			facility = EXCLUDED.facility,
			document_date = EXCLUDED.document_date,
			payload = EXCLUDED.payload,
			confidence = EXCLUDED.confidence,
			degraded = EXCLUDED.degraded,
			provenance = EXCLUDED.provenance,
			updated_at = NOW()`,
		rec.ID, rec.DocumentID, rec.ReportType, rec.SuggestedName,
		patient, provider, facility, rec.DocumentDate,
		payload, rec.Confidence, rec.Degraded, provenance)
	return err
}

func (r *recordRepoPG) Get(ctx context.Context, documentID string) (*StructuredRecord, error) {
	var (
		rec        StructuredRecord
		patient    []byte
		provider   []byte
		facility   []byte
		payload    []byte
		provenance []byte
	)

	err := r.pool.QueryRow(ctx, `
		SELECT id, document_id, report_type, suggested_name,
			patient, provider, facility, COALESCE(document_date, ''),
			payload, confidence, degraded, provenance,
			created_at, updated_at
		FROM structured_records WHERE document_id = $1`, documentID).
		Scan(&rec.ID, &rec.DocumentID, &rec.ReportType, &rec.SuggestedName,
			&patient, &provider, &facility, &rec.DocumentDate,
			&payload, &rec.Confidence, &rec.Degraded, &provenance,
			&rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := unmarshalNullable(patient, &rec.Patient); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(provider, &rec.Provider); err != nil {
		return nil, err
	}
	if facility != nil {
		var f llm.Facility
		if err := json.Unmarshal(facility, &f); err != nil {
			return nil, fmt.Errorf("decoding facility: %w", err)
		}
		rec.Facility = &f
	}
	if err := json.Unmarshal(payload, &rec.Payload); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	if provenance != nil {
		if err := json.Unmarshal(provenance, &rec.Provenance); err != nil {
			return nil, fmt.Errorf("decoding provenance: %w", err)
		}
	}
	return &rec, nil
}

func (r *recordRepoPG) Delete(ctx context.Context, documentID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM structured_records WHERE document_id = $1`, documentID)
	return err
}

func marshalNullable(p *llm.Person) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding person: %w", err)
	}
	return b, nil
}

func unmarshalNullable(b []byte, out **llm.Person) error {
	if b == nil {
		return nil
	}
	var p llm.Person
	if err := json.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("decoding person: %w", err)
	}
	*out = &p
	return nil
}

package records

import (
	"context"
	"time"
)

// JobRepository persists processing jobs keyed by document ID.
type JobRepository interface {
	// Ensure returns the job for a document, creating a pending one if none
	// exists.
	Ensure(ctx context.Context, documentID string) (*ProcessingJob, error)
	Get(ctx context.Context, documentID string) (*ProcessingJob, error)
	// Update writes phase, retry count, and error fields.
	Update(ctx context.Context, job *ProcessingJob) error
}

// RecordRepository persists structured records keyed by document ID.
type RecordRepository interface {
	// Upsert replaces the document's record in one atomic write.
	Upsert(ctx context.Context, rec *StructuredRecord) error
	Get(ctx context.Context, documentID string) (*StructuredRecord, error)
	Delete(ctx context.Context, documentID string) error
}

// LockRepository is the per-document mutual exclusion. Acquire is atomic at
// the storage layer: given concurrent calls for the same document, exactly
// one succeeds until release or TTL expiry. The token identifies the owner;
// Release with a stale token is a no-op so an expired worker cannot free a
// successor's lock. Extend renews a still-held lock for another TTL and
// reports false once the lock expired or changed hands, so a long run can
// keep its claim alive across retries without ever resurrecting a lost one.
type LockRepository interface {
	Acquire(ctx context.Context, documentID, token string, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, documentID, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, documentID, token string) error
}

package records

import (
	"context"
	"sync"
	"time"
)

// In-memory repositories used in development mode and tests.

// MemoryJobRepo is a thread-safe in-memory JobRepository.
type MemoryJobRepo struct {
	mu   sync.RWMutex
	jobs map[string]*ProcessingJob
}

func NewMemoryJobRepo() *MemoryJobRepo {
	return &MemoryJobRepo{jobs: make(map[string]*ProcessingJob)}
}

func (r *MemoryJobRepo) Ensure(_ context.Context, documentID string) (*ProcessingJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if job, ok := r.jobs[documentID]; ok {
		cp := *job
		return &cp, nil
	}
	job := NewJob(documentID)
	r.jobs[documentID] = job
	cp := *job
	return &cp, nil
}

func (r *MemoryJobRepo) Get(_ context.Context, documentID string) (*ProcessingJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[documentID]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (r *MemoryJobRepo) Update(_ context.Context, job *ProcessingJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.jobs[job.DocumentID]
	if !ok {
		return ErrJobNotFound
	}
	cp := *job
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	r.jobs[job.DocumentID] = &cp
	return nil
}

// MemoryRecordRepo is a thread-safe in-memory RecordRepository.
type MemoryRecordRepo struct {
	mu      sync.RWMutex
	records map[string]*StructuredRecord
}

func NewMemoryRecordRepo() *MemoryRecordRepo {
	return &MemoryRecordRepo{records: make(map[string]*StructuredRecord)}
}

func (r *MemoryRecordRepo) Upsert(_ context.Context, rec *StructuredRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *rec
	now := time.Now().UTC()
	if existing, ok := r.records[rec.DocumentID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	r.records[rec.DocumentID] = &cp
	return nil
}

func (r *MemoryRecordRepo) Get(_ context.Context, documentID string) (*StructuredRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[documentID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *MemoryRecordRepo) Delete(_ context.Context, documentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, documentID)
	return nil
}

// MemoryLockRepo is a thread-safe in-memory LockRepository. A single mutex
// around the map makes acquisition atomic.
type MemoryLockRepo struct {
	mu    sync.Mutex
	locks map[string]memLock
}

type memLock struct {
	token   string
	expires time.Time
}

func NewMemoryLockRepo() *MemoryLockRepo {
	return &MemoryLockRepo{locks: make(map[string]memLock)}
}

func (r *MemoryLockRepo) Acquire(_ context.Context, documentID, token string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.locks[documentID]; ok && time.Now().Before(l.expires) {
		return false, nil
	}
	r.locks[documentID] = memLock{token: token, expires: time.Now().Add(ttl)}
	return true, nil
}

func (r *MemoryLockRepo) Extend(_ context.Context, documentID, token string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// An expired lock is not renewable even with the right token: another
	// worker may already have claimed it.
	l, ok := r.locks[documentID]
	if !ok || l.token != token || !time.Now().Before(l.expires) {
		return false, nil
	}
	r.locks[documentID] = memLock{token: token, expires: time.Now().Add(ttl)}
	return true, nil
}

func (r *MemoryLockRepo) Release(_ context.Context, documentID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.locks[documentID]; ok && l.token == token {
		delete(r.locks, documentID)
	}
	return nil
}

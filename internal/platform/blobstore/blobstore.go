// Package blobstore stores the source documents that feed the processing
// pipeline. It defines the Store interface, an in-memory implementation used
// in development and tests, and the size/content-type policy enforced on
// every upload and download.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrNotFound           = errors.New("document not found")
	ErrFileTooLarge       = errors.New("document exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
)

// ---------------------------------------------------------------------------
// Upload policy
// ---------------------------------------------------------------------------

// SizeLimits caps document size per content type. PDFs get a larger cap
// because multi-page scans routinely exceed the image limit.
type SizeLimits struct {
	Default int64
	PDF     int64
}

// DefaultSizeLimits returns the standard caps: 20 MB for images and text,
// 50 MB for PDFs.
func DefaultSizeLimits() SizeLimits {
	return SizeLimits{
		Default: 20 * 1024 * 1024,
		PDF:     50 * 1024 * 1024,
	}
}

// Max returns the size cap that applies to the given content type.
func (l SizeLimits) Max(contentType string) int64 {
	if contentType == "application/pdf" {
		return l.PDF
	}
	return l.Default
}

// AllowedContentTypes lists the document MIME types the pipeline can process.
var AllowedContentTypes = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"image/tiff":      true,
	"text/plain":      true,
}

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// DocumentMeta describes a stored source document.
type DocumentMeta struct {
	ID          string    `json:"id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	PatientID   string    `json:"patient_id,omitempty"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
	CreatedBy   string    `json:"created_by,omitempty"`
}

// ---------------------------------------------------------------------------
// Store interface
// ---------------------------------------------------------------------------

// Store defines the contract for document storage backends.
type Store interface {
	Put(ctx context.Context, meta DocumentMeta, content io.Reader) (*DocumentMeta, error)
	Get(ctx context.Context, id string) (io.ReadCloser, *DocumentMeta, error)
	Stat(ctx context.Context, id string) (*DocumentMeta, error)
	Delete(ctx context.Context, id string) error
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*DocumentMeta, int, error)
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedDoc struct {
	meta    DocumentMeta
	content []byte
}

// MemStore is a thread-safe, in-memory Store for development and tests.
type MemStore struct {
	mu     sync.RWMutex
	docs   map[string]*storedDoc
	limits SizeLimits
}

// NewMemStore returns a ready-to-use MemStore with the given size limits.
func NewMemStore(limits SizeLimits) *MemStore {
	return &MemStore{
		docs:   make(map[string]*storedDoc),
		limits: limits,
	}
}

// Put validates the upload against the content-type allowlist and size cap,
// computes a SHA-256 hash, and stores the document in memory.
func (s *MemStore) Put(_ context.Context, meta DocumentMeta, content io.Reader) (*DocumentMeta, error) {
	if meta.FileName == "" {
		return nil, ErrMissingFileName
	}
	if !AllowedContentTypes[meta.ContentType] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidContentType, meta.ContentType)
	}

	max := s.limits.Max(meta.ContentType)
	data, err := io.ReadAll(io.LimitReader(content, max+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrFileTooLarge, max)
	}

	h := sha256.Sum256(data)

	meta.ID = uuid.New().String()
	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", h)
	meta.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	s.docs[meta.ID] = &storedDoc{meta: meta, content: data}
	s.mu.Unlock()

	out := meta // copy
	return &out, nil
}

// Get returns a reader over the document content along with its metadata.
// The size cap is re-checked on read so a backend holding an oversized blob
// cannot feed it into the pipeline.
func (s *MemStore) Get(_ context.Context, id string) (io.ReadCloser, *DocumentMeta, error) {
	s.mu.RLock()
	doc, ok := s.docs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrNotFound
	}
	if doc.meta.Size > s.limits.Max(doc.meta.ContentType) {
		return nil, nil, fmt.Errorf("%w: stored size %d bytes", ErrFileTooLarge, doc.meta.Size)
	}

	meta := doc.meta // copy
	return io.NopCloser(bytes.NewReader(doc.content)), &meta, nil
}

// Stat returns document metadata without content.
func (s *MemStore) Stat(_ context.Context, id string) (*DocumentMeta, error) {
	s.mu.RLock()
	doc, ok := s.docs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}

	meta := doc.meta // copy
	return &meta, nil
}

// Delete removes a document by ID.
func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[id]; !ok {
		return ErrNotFound
	}
	delete(s.docs, id)
	return nil
}

// ListByPatient returns documents belonging to a patient, newest first,
// along with the total match count.
func (s *MemStore) ListByPatient(_ context.Context, patientID string, limit, offset int) ([]*DocumentMeta, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*DocumentMeta
	for _, d := range s.docs {
		if d.meta.PatientID != patientID {
			continue
		}
		m := d.meta // copy
		matched = append(matched, &m)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if limit <= 0 {
		limit = 20
	}
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}

	return matched[offset:end], total, nil
}

// Package processor sequences the pipeline stages for one document: lock,
// OCR, parallel entity/validation and model branches, merge, persist. It
// owns the retry policy and the error taxonomy.
package processor

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/medparse/medparse/internal/domain/records"
	"github.com/medparse/medparse/internal/pipeline/entity"
	"github.com/medparse/medparse/internal/pipeline/ocr"
	"github.com/medparse/medparse/internal/pipeline/remote"
	"github.com/medparse/medparse/internal/platform/blobstore"
)

// Category classifies a failure for the retry policy.
type Category string

const (
	// CategoryTransient failures are retried with backoff: network errors,
	// timeouts, rate limits, lock contention, server-side errors.
	CategoryTransient Category = "transient"
	// CategoryPermanent failures short-circuit: unreadable or unsupported
	// files, size violations, bad credentials.
	CategoryPermanent Category = "permanent"
)

// ErrAlreadyProcessing is returned when the document's lock is held.
var ErrAlreadyProcessing = records.ErrAlreadyProcessing

// Classify assigns a failure category to an error.
func Classify(err error) Category {
	switch {
	case errors.Is(err, ErrAlreadyProcessing):
		return CategoryTransient
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CategoryTransient
	case errors.Is(err, ocr.ErrUnreadable), errors.Is(err, ocr.ErrUnsupportedType):
		return CategoryPermanent
	case errors.Is(err, entity.ErrEmptyText):
		// The document's bytes will not grow text on a retry.
		return CategoryPermanent
	case errors.Is(err, blobstore.ErrFileTooLarge),
		errors.Is(err, blobstore.ErrInvalidContentType),
		errors.Is(err, blobstore.ErrNotFound):
		return CategoryPermanent
	}

	var re *remote.Error
	if errors.As(err, &re) {
		if re.Temporary() {
			return CategoryTransient
		}
		// Remaining 4xx: bad credentials or a malformed request. Retrying
		// the same call cannot help.
		return CategoryPermanent
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return CategoryTransient
	}

	// Unknown errors are treated as transient so a flaky dependency gets
	// its retries before the job is declared dead.
	return CategoryTransient
}

// Backoff policy: attempt*3s capped at 15s. Attempt numbering starts at 1.
const (
	backoffStep = 3 * time.Second
	backoffCap  = 15 * time.Second
)

// Backoff returns the delay before the given retry attempt.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(attempt) * backoffStep
	if d > backoffCap {
		return backoffCap
	}
	return d
}

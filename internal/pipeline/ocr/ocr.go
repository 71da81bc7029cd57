// Package ocr extracts text, tables, and form fields from source documents.
// It prefers a structured-extraction engine when one is configured, falls
// back to the PDF text layer for PDFs, and finally to a plain image OCR
// engine. The best result that passes the minimum-text heuristic wins.
package ocr

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrUnreadable means every extraction method failed. This is permanent:
	// retrying the same bytes will not make them readable.
	ErrUnreadable = errors.New("cannot read document")

	// ErrUnsupportedType means the MIME type is outside what any engine accepts.
	ErrUnsupportedType = errors.New("unsupported document type")
)

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

// Input is one document handed to the stage.
type Input struct {
	Data         []byte
	MIMEType     string
	LanguageHint string
}

// Table is a table detected by a structured engine or reconstructed from the
// PDF text layer. The first row of the source table becomes Headers.
type Table struct {
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// FormField is a key/value pair detected by a structured engine.
type FormField struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Metadata records how the text was obtained.
type Metadata struct {
	ExtractionMethod    string `json:"extraction_method"`
	StructuredDataFound bool   `json:"structured_data_found"`
}

// Result is the stage output.
type Result struct {
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	Tables     []Table     `json:"tables,omitempty"`
	Forms      []FormField `json:"forms,omitempty"`
	Metadata   Metadata    `json:"metadata"`
}

// Engine is one extraction backend.
type Engine interface {
	Name() string
	Extract(ctx context.Context, in Input) (*Result, error)
}

// ---------------------------------------------------------------------------
// Stage
// ---------------------------------------------------------------------------

// MinTextLength is the heuristic below which an extraction is considered
// empty and the next engine is tried. Scanned PDFs often carry a text layer
// of a few stray characters.
const MinTextLength = 50

// Stage runs the engine preference chain.
type Stage struct {
	// Structured is optional. When set and the input fits its size cap it is
	// tried first.
	Structured Engine
	// StructuredMaxBytes caps what Structured will accept. Zero means no cap.
	StructuredMaxBytes int64
	// PDFText extracts the embedded text layer of a PDF.
	PDFText Engine
	// Image is the last-resort OCR engine and the first choice for images.
	Image Engine

	Logger zerolog.Logger
}

func isPDF(mime string) bool {
	return mime == "application/pdf"
}

func isImage(mime string) bool {
	switch mime {
	case "image/png", "image/jpeg", "image/tiff":
		return true
	}
	return false
}

// Extract runs the fallback chain for the given input.
//
// PDFs: structured engine, then text layer, then image OCR.
// Images: structured engine, then image OCR.
// Plain text passes through unchanged.
func (s *Stage) Extract(ctx context.Context, in Input) (*Result, error) {
	if in.MIMEType == "text/plain" {
		return &Result{
			Text:       string(in.Data),
			Confidence: 1.0,
			Metadata:   Metadata{ExtractionMethod: "passthrough"},
		}, nil
	}
	if !isPDF(in.MIMEType) && !isImage(in.MIMEType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, in.MIMEType)
	}

	var lastErr error

	if s.Structured != nil && s.withinStructuredCap(in) {
		res, err := s.Structured.Extract(ctx, in)
		if err == nil && acceptable(res) {
			return res, nil
		}
		if err != nil {
			lastErr = err
		}
		s.logFallback(s.Structured.Name(), err, res)
	}

	if isPDF(in.MIMEType) && s.PDFText != nil {
		res, err := s.PDFText.Extract(ctx, in)
		if err == nil && acceptable(res) {
			return res, nil
		}
		if err != nil {
			lastErr = err
		}
		s.logFallback(s.PDFText.Name(), err, res)
	}

	if s.Image != nil {
		res, err := s.Image.Extract(ctx, in)
		if err == nil && acceptable(res) {
			return res, nil
		}
		if err != nil {
			lastErr = err
		}
		s.logFallback(s.Image.Name(), err, res)
	}

	if lastErr != nil {
		// Context errors stay retryable; everything else means the bytes
		// are unreadable by every engine we have.
		if errors.Is(lastErr, context.DeadlineExceeded) || errors.Is(lastErr, context.Canceled) {
			return nil, lastErr
		}
	}
	return nil, fmt.Errorf("%w: all extraction methods exhausted", ErrUnreadable)
}

func (s *Stage) withinStructuredCap(in Input) bool {
	return s.StructuredMaxBytes <= 0 || int64(len(in.Data)) <= s.StructuredMaxBytes
}

func (s *Stage) logFallback(engine string, err error, res *Result) {
	ev := s.Logger.Debug().Str("engine", engine)
	if err != nil {
		ev = ev.Err(err)
	} else if res != nil {
		ev = ev.Int("text_len", len(res.Text))
	}
	ev.Msg("ocr engine did not produce usable text, falling back")
}

// acceptable reports whether an engine result carries enough text to use.
func acceptable(res *Result) bool {
	return res != nil && len(res.Text) >= MinTextLength
}

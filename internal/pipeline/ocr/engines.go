package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/medparse/medparse/internal/pipeline/remote"
)

// ---------------------------------------------------------------------------
// Structured extraction engine (text + tables + forms)
// ---------------------------------------------------------------------------

// StructuredClient talks to a structured-extraction OCR service that returns
// detected tables and key/value form fields alongside the plain text.
type StructuredClient struct {
	Endpoint string
	APIKey   string
	HTTP     *http.Client
}

type structuredRequest struct {
	Document string `json:"document"` // base64
	MIMEType string `json:"mime_type"`
	Language string `json:"language,omitempty"`
	Features []string `json:"features"`
}

type structuredResponse struct {
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	Tables     []Table     `json:"tables"`
	Forms      []FormField `json:"forms"`
}

func (c *StructuredClient) Name() string { return "structured" }

func (c *StructuredClient) Extract(ctx context.Context, in Input) (*Result, error) {
	req := structuredRequest{
		Document: base64.StdEncoding.EncodeToString(in.Data),
		MIMEType: in.MIMEType,
		Language: in.LanguageHint,
		Features: []string{"text", "tables", "forms"},
	}

	var resp structuredResponse
	if err := remote.PostJSON(ctx, c.httpClient(), "structured-ocr", c.Endpoint, c.APIKey, req, &resp); err != nil {
		return nil, err
	}

	return &Result{
		Text:       resp.Text,
		Confidence: resp.Confidence,
		Tables:     resp.Tables,
		Forms:      resp.Forms,
		Metadata: Metadata{
			ExtractionMethod:    "structured",
			StructuredDataFound: len(resp.Tables) > 0 || len(resp.Forms) > 0,
		},
	}, nil
}

func (c *StructuredClient) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return remote.NewClient()
}

// ---------------------------------------------------------------------------
// Image OCR engine
// ---------------------------------------------------------------------------

// ImageClient talks to a plain image OCR service. It is the last resort for
// PDFs and the first choice for images.
type ImageClient struct {
	Endpoint string
	APIKey   string
	HTTP     *http.Client
}

type imageRequest struct {
	Image    string `json:"image"` // base64
	MIMEType string `json:"mime_type"`
	Language string `json:"language,omitempty"`
}

type imageResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func (c *ImageClient) Name() string { return "image-ocr" }

func (c *ImageClient) Extract(ctx context.Context, in Input) (*Result, error) {
	req := imageRequest{
		Image:    base64.StdEncoding.EncodeToString(in.Data),
		MIMEType: in.MIMEType,
		Language: in.LanguageHint,
	}

	var resp imageResponse
	if err := remote.PostJSON(ctx, c.httpClient(), "image-ocr", c.Endpoint, c.APIKey, req, &resp); err != nil {
		return nil, err
	}

	return &Result{
		Text:       resp.Text,
		Confidence: resp.Confidence,
		Metadata:   Metadata{ExtractionMethod: "image-ocr"},
	}, nil
}

func (c *ImageClient) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return remote.NewClient()
}

// ---------------------------------------------------------------------------
// PDF text-layer engine
// ---------------------------------------------------------------------------

// PDFTextEngine extracts the embedded text layer of a PDF without any
// external service. Scanned PDFs with no text layer yield little or no text
// and the stage falls through to image OCR.
type PDFTextEngine struct{}

func (PDFTextEngine) Name() string { return "pdf-text-layer" }

func (PDFTextEngine) Extract(_ context.Context, in Input) (*Result, error) {
	r, err := pdf.NewReader(bytes.NewReader(in.Data), int64(len(in.Data)))
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}

	var sb strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extracting text from page %d: %w", i, err)
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}

	return &Result{
		Text: sb.String(),
		// The text layer is verbatim document content, not a recognition
		// guess, so confidence is high whenever it is present.
		Confidence: 0.95,
		Metadata:   Metadata{ExtractionMethod: "pdf-text-layer"},
	}, nil
}

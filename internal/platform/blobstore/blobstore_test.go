package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func newTestStore() *MemStore {
	return NewMemStore(SizeLimits{Default: 1024, PDF: 4096})
}

func TestMemStore_PutAndGet(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	meta, err := s.Put(ctx, DocumentMeta{
		FileName:    "labs.pdf",
		ContentType: "application/pdf",
		PatientID:   "patient-1",
	}, strings.NewReader("pdf content"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if meta.ID == "" {
		t.Error("expected generated ID")
	}
	if meta.Size != int64(len("pdf content")) {
		t.Errorf("unexpected size %d", meta.Size)
	}
	if meta.Hash == "" {
		t.Error("expected SHA-256 hash")
	}

	rc, got, err := s.Get(ctx, meta.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()

	data, _ := io.ReadAll(rc)
	if string(data) != "pdf content" {
		t.Errorf("unexpected content %q", data)
	}
	if got.FileName != "labs.pdf" {
		t.Errorf("unexpected file name %q", got.FileName)
	}
}

func TestMemStore_Put_RejectsDisallowedContentType(t *testing.T) {
	s := newTestStore()

	_, err := s.Put(context.Background(), DocumentMeta{
		FileName:    "notes.docx",
		ContentType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	}, strings.NewReader("x"))
	if !errors.Is(err, ErrInvalidContentType) {
		t.Errorf("expected ErrInvalidContentType, got %v", err)
	}
}

func TestMemStore_Put_EnforcesPerTypeCaps(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	// 2000 bytes: over the default cap but under the PDF cap.
	payload := bytes.Repeat([]byte("a"), 2000)

	if _, err := s.Put(ctx, DocumentMeta{
		FileName:    "scan.png",
		ContentType: "image/png",
	}, bytes.NewReader(payload)); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge for oversized image, got %v", err)
	}

	if _, err := s.Put(ctx, DocumentMeta{
		FileName:    "scan.pdf",
		ContentType: "application/pdf",
	}, bytes.NewReader(payload)); err != nil {
		t.Errorf("expected PDF under its cap to succeed, got %v", err)
	}
}

func TestMemStore_Put_RequiresFileName(t *testing.T) {
	s := newTestStore()

	_, err := s.Put(context.Background(), DocumentMeta{
		ContentType: "text/plain",
	}, strings.NewReader("x"))
	if !errors.Is(err, ErrMissingFileName) {
		t.Errorf("expected ErrMissingFileName, got %v", err)
	}
}

func TestMemStore_Get_NotFound(t *testing.T) {
	s := newTestStore()

	_, _, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStore_Delete(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	meta, err := s.Put(ctx, DocumentMeta{
		FileName:    "report.txt",
		ContentType: "text/plain",
	}, strings.NewReader("text"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := s.Delete(ctx, meta.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, meta.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestMemStore_ListByPatient(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		if _, err := s.Put(ctx, DocumentMeta{
			FileName:    name,
			ContentType: "text/plain",
			PatientID:   "patient-1",
		}, strings.NewReader("x")); err != nil {
			t.Fatalf("Put %s: %v", name, err)
		}
	}
	if _, err := s.Put(ctx, DocumentMeta{
		FileName:    "other.txt",
		ContentType: "text/plain",
		PatientID:   "patient-2",
	}, strings.NewReader("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	docs, total, err := s.ListByPatient(ctx, "patient-1", 2, 0)
	if err != nil {
		t.Fatalf("ListByPatient: %v", err)
	}
	if total != 3 {
		t.Errorf("expected total 3, got %d", total)
	}
	if len(docs) != 2 {
		t.Errorf("expected page of 2, got %d", len(docs))
	}
}

func TestSizeLimits_Max(t *testing.T) {
	l := DefaultSizeLimits()
	if l.Max("application/pdf") != 50*1024*1024 {
		t.Errorf("unexpected PDF cap %d", l.Max("application/pdf"))
	}
	if l.Max("image/png") != 20*1024*1024 {
		t.Errorf("unexpected default cap %d", l.Max("image/png"))
	}
}

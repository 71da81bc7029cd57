package integration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/medparse/medparse/internal/domain/records"
	"github.com/medparse/medparse/internal/pipeline/llm"
)

func TestJobRepoPG_EnsureAndUpdate(t *testing.T) {
	ctx := context.Background()
	truncateAll(t, ctx)
	repo := records.NewJobRepoPG(globalDB.Pool)

	job, err := repo.Ensure(ctx, "doc-jobs-1")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if job.Phase != records.PhasePending {
		t.Errorf("new job must be pending, got %s", job.Phase)
	}

	job.Phase = records.PhaseFailed
	job.RetryCount = 2
	job.LastErrorCategory = "transient"
	job.LastError = "ocr service unavailable"
	if err := repo.Update(ctx, job); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := repo.Get(ctx, "doc-jobs-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Phase != records.PhaseFailed || got.RetryCount != 2 {
		t.Errorf("update lost: phase=%s retries=%d", got.Phase, got.RetryCount)
	}
	if got.LastErrorCategory != "transient" || got.LastError != "ocr service unavailable" {
		t.Errorf("error fields lost: %q %q", got.LastErrorCategory, got.LastError)
	}

	// Ensure is idempotent and does not reset state.
	again, err := repo.Ensure(ctx, "doc-jobs-1")
	if err != nil {
		t.Fatalf("Ensure again: %v", err)
	}
	if again.Phase != records.PhaseFailed {
		t.Errorf("Ensure reset the job to %s", again.Phase)
	}
}

func TestJobRepoPG_GetMissing(t *testing.T) {
	ctx := context.Background()
	truncateAll(t, ctx)
	repo := records.NewJobRepoPG(globalDB.Pool)

	if _, err := repo.Get(ctx, "ghost"); !errors.Is(err, records.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if err := repo.Update(ctx, records.NewJob("ghost")); !errors.Is(err, records.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound on update, got %v", err)
	}
}

func TestLockRepoPG_Exclusive(t *testing.T) {
	ctx := context.Background()
	truncateAll(t, ctx)
	locks := records.NewLockRepoPG(globalDB.Pool)

	ok, err := locks.Acquire(ctx, "doc-lock-1", "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = locks.Acquire(ctx, "doc-lock-1", "b", time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Error("second acquire must fail while the lock is held")
	}

	// Wrong token does not release.
	if err := locks.Release(ctx, "doc-lock-1", "wrong"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if ok, _ := locks.Acquire(ctx, "doc-lock-1", "b", time.Minute); ok {
		t.Error("release with wrong token must not free the lock")
	}

	if err := locks.Release(ctx, "doc-lock-1", "a"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if ok, _ := locks.Acquire(ctx, "doc-lock-1", "b", time.Minute); !ok {
		t.Error("lock must be free after matching release")
	}
}

func TestLockRepoPG_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	truncateAll(t, ctx)
	locks := records.NewLockRepoPG(globalDB.Pool)

	if ok, _ := locks.Acquire(ctx, "doc-lock-2", "a", time.Second); !ok {
		t.Fatal("acquire failed")
	}
	time.Sleep(1500 * time.Millisecond)

	if ok, _ := locks.Acquire(ctx, "doc-lock-2", "b", time.Minute); !ok {
		t.Error("expired lock must be reclaimable")
	}
}

func TestLockRepoPG_Extend(t *testing.T) {
	ctx := context.Background()
	truncateAll(t, ctx)
	locks := records.NewLockRepoPG(globalDB.Pool)

	if ok, _ := locks.Acquire(ctx, "doc-lock-4", "a", time.Second); !ok {
		t.Fatal("acquire failed")
	}
	if ok, _ := locks.Extend(ctx, "doc-lock-4", "b", time.Minute); ok {
		t.Error("wrong token must not extend the lock")
	}
	if ok, _ := locks.Extend(ctx, "doc-lock-4", "a", time.Minute); !ok {
		t.Fatal("holder must be able to extend its lock")
	}

	// The renewal carries past the original one-second TTL.
	time.Sleep(1500 * time.Millisecond)
	if ok, _ := locks.Acquire(ctx, "doc-lock-4", "c", time.Minute); ok {
		t.Error("extended lock must still be held past the original TTL")
	}

	// A lapsed lock cannot be resurrected.
	if ok, _ := locks.Acquire(ctx, "doc-lock-5", "a", time.Second); !ok {
		t.Fatal("acquire failed")
	}
	time.Sleep(1500 * time.Millisecond)
	if ok, _ := locks.Extend(ctx, "doc-lock-5", "a", time.Minute); ok {
		t.Error("lapsed lock must not be extendable")
	}
}

func TestLockRepoPG_ConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	truncateAll(t, ctx)
	locks := records.NewLockRepoPG(globalDB.Pool)

	const n = 16
	var wg sync.WaitGroup
	wins := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := locks.Acquire(ctx, "doc-lock-3", "t", time.Minute)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			wins[i] = ok
		}(i)
	}
	wg.Wait()

	won := 0
	for _, w := range wins {
		if w {
			won++
		}
	}
	if won != 1 {
		t.Errorf("exactly one acquirer must win, got %d", won)
	}
}

func TestRecordRepoPG_UpsertRoundTrip(t *testing.T) {
	ctx := context.Background()
	truncateAll(t, ctx)

	jobs := records.NewJobRepoPG(globalDB.Pool)
	recs := records.NewRecordRepoPG(globalDB.Pool)
	if _, err := jobs.Ensure(ctx, "doc-rec-1"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	rec := &records.StructuredRecord{
		DocumentID:    "doc-rec-1",
		ReportType:    "lab",
		SuggestedName: "CBC Panel Results",
		Patient:       &llm.Person{Name: "Jane Doe"},
		Facility:      &llm.Facility{Name: "City Hospital"},
		DocumentDate:  "2026-03-14",
		Payload: llm.Payload{
			Type: llm.ReportLab,
			Lab: &llm.LabPayload{Panels: []llm.TestPanel{{
				Name: "CBC",
				Tests: []llm.TestResult{{
					Name: "Hemoglobin", Value: "13.5", Unit: "g/dL",
					ReferenceRange: "12.0-15.5", Status: "normal",
					Sources: []string{"llm", "entity"},
				}},
			}}},
		},
		Confidence: 0.83,
		Provenance: map[string][]string{"payload": {"llm", "entity"}},
	}

	if err := recs.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := recs.Get(ctx, "doc-rec-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ReportType != "lab" || got.SuggestedName != "CBC Panel Results" {
		t.Errorf("header fields lost: %q %q", got.ReportType, got.SuggestedName)
	}
	if got.Patient == nil || got.Patient.Name != "Jane Doe" {
		t.Error("patient JSONB round trip failed")
	}
	if got.Provider != nil {
		t.Error("absent provider must stay nil")
	}
	if got.Facility == nil || got.Facility.Name != "City Hospital" {
		t.Error("facility JSONB round trip failed")
	}
	if got.Payload.Lab == nil || len(got.Payload.Lab.Panels) != 1 {
		t.Fatal("payload JSONB round trip failed")
	}
	test := got.Payload.Lab.Panels[0].Tests[0]
	if test.Name != "Hemoglobin" || test.ReferenceRange != "12.0-15.5" {
		t.Errorf("test result lost: %+v", test)
	}
	if got.Provenance["payload"][0] != "llm" {
		t.Error("provenance JSONB round trip failed")
	}

	// Upsert replaces in place.
	rec.Confidence = 0.91
	rec.Degraded = false
	if err := recs.Upsert(ctx, rec); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	got, err = recs.Get(ctx, "doc-rec-1")
	if err != nil {
		t.Fatalf("Get after upsert: %v", err)
	}
	if got.Confidence != 0.91 {
		t.Errorf("upsert did not replace, confidence %v", got.Confidence)
	}
}

func TestRecordRepoPG_DeleteAndMissing(t *testing.T) {
	ctx := context.Background()
	truncateAll(t, ctx)

	jobs := records.NewJobRepoPG(globalDB.Pool)
	recs := records.NewRecordRepoPG(globalDB.Pool)
	if _, err := jobs.Ensure(ctx, "doc-rec-2"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	rec := &records.StructuredRecord{
		DocumentID: "doc-rec-2",
		ReportType: "general",
		Payload: llm.Payload{
			Type: llm.ReportGeneral,
			Raw:  &llm.RawPayload{RawResponse: "unparseable"},
		},
		Degraded:   true,
		Confidence: 0.3,
	}
	if err := recs.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := recs.Get(ctx, "doc-rec-2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Degraded || got.Payload.Raw == nil {
		t.Error("degraded raw record round trip failed")
	}

	if err := recs.Delete(ctx, "doc-rec-2"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := recs.Get(ctx, "doc-rec-2"); !errors.Is(err, records.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

package annotation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type saveRecorder struct {
	mu    sync.Mutex
	calls int
	last  Draft
	err   error
}

func (r *saveRecorder) save(_ context.Context, d Draft) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.calls++
	r.last = d
	return nil
}

func (r *saveRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func testDraft() Draft {
	return Draft{Version: DraftVersion, Annotations: []Annotation{{ID: "a1", Tag: "[email_1]"}}}
}

func TestAutosaverInertWhileInactive(t *testing.T) {
	rec := &saveRecorder{}
	a := NewAutosaver(time.Millisecond, testDraft, rec.save)
	a.MarkDirty()
	if a.Dirty() {
		t.Fatal("inactive autosaver should ignore MarkDirty")
	}
	if err := a.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if rec.count() != 0 {
		t.Fatalf("saves = %d, want 0", rec.count())
	}
}

func TestAutosaverManualFlush(t *testing.T) {
	rec := &saveRecorder{}
	a := NewAutosaver(time.Hour, testDraft, rec.save)
	a.SetActive(true)
	a.MarkDirty()
	if !a.Dirty() {
		t.Fatal("expected dirty after MarkDirty")
	}
	if err := a.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("saves = %d, want 1", rec.count())
	}
	if a.Dirty() {
		t.Fatal("expected clean after flush")
	}
	// A second flush with nothing new is a no-op.
	if err := a.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("saves = %d, want 1", rec.count())
	}
}

func TestAutosaverDebounceCoalesces(t *testing.T) {
	rec := &saveRecorder{}
	a := NewAutosaver(20*time.Millisecond, testDraft, rec.save)
	a.SetActive(true)
	a.MarkDirty()
	a.MarkDirty()
	a.MarkDirty()

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.count() != 1 {
		t.Fatalf("saves = %d, want 1 coalesced save", rec.count())
	}
	if a.Dirty() {
		t.Fatal("expected clean after debounced save")
	}
}

func TestAutosaverErrorKeepsDirty(t *testing.T) {
	rec := &saveRecorder{err: errors.New("boom")}
	a := NewAutosaver(time.Hour, testDraft, rec.save)
	a.SetActive(true)
	a.MarkDirty()
	if err := a.Flush(context.Background()); err == nil {
		t.Fatal("expected save error")
	}
	if !a.Dirty() {
		t.Fatal("failed save must leave state dirty for retry")
	}
	rec.mu.Lock()
	rec.err = nil
	rec.mu.Unlock()
	if err := a.Flush(context.Background()); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	if a.Dirty() {
		t.Fatal("expected clean after retry")
	}
}

func TestAutosaverStop(t *testing.T) {
	rec := &saveRecorder{}
	a := NewAutosaver(10*time.Millisecond, testDraft, rec.save)
	a.SetActive(true)
	a.MarkDirty()
	a.Stop()
	time.Sleep(50 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("saves after stop = %d, want 0", rec.count())
	}
	a.MarkDirty()
	if a.Dirty() {
		t.Fatal("stopped autosaver should ignore MarkDirty")
	}
}

func TestAutosaverDeactivateCancelsTimer(t *testing.T) {
	rec := &saveRecorder{}
	a := NewAutosaver(10*time.Millisecond, testDraft, rec.save)
	a.SetActive(true)
	a.MarkDirty()
	a.SetActive(false)
	time.Sleep(50 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("saves = %d, want 0 after deactivation", rec.count())
	}
}

package annotation

import (
	"context"
	"sync"
	"time"
)

// SaveFunc persists a draft snapshot.
type SaveFunc func(ctx context.Context, d Draft) error

// Autosaver debounces draft persistence for one session. Every change bumps
// a tick and re-arms the timer; the save that eventually runs snapshots the
// session at that moment, so a quiet period always ends with the latest
// state on disk. Saves are serialized: a timer fire and a manual flush never
// write concurrently.
type Autosaver struct {
	interval time.Duration
	snapshot func() Draft
	save     SaveFunc

	mu        sync.Mutex
	active    bool
	tick      uint64
	savedTick uint64
	timer     *time.Timer
	stopped   bool

	// saveMu serializes the actual save calls.
	saveMu sync.Mutex
}

func NewAutosaver(interval time.Duration, snapshot func() Draft, save SaveFunc) *Autosaver {
	return &Autosaver{interval: interval, snapshot: snapshot, save: save}
}

// SetActive enables or disables autosaving. While inactive (document not in
// a workable status, or already decided) MarkDirty is a no-op, so stray
// change notifications cannot write drafts.
func (a *Autosaver) SetActive(active bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = active
	if !active && a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// MarkDirty records a change and re-arms the debounce timer.
func (a *Autosaver) MarkDirty() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active || a.stopped {
		return
	}
	a.tick++
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.interval, func() {
		// Timer saves run with a background deadline of their own; the
		// originating request is long gone.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Flush(ctx)
	})
}

// Dirty reports whether changes exist that no completed save has covered.
// A stopped autosaver is never dirty: its unsaved work is abandoned, not
// pending.
func (a *Autosaver) Dirty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return false
	}
	return a.tick != a.savedTick
}

// Flush saves immediately, preempting any pending timer. Concurrent flushes
// serialize; each re-checks dirtiness under the lock so a save that already
// covered the latest tick is not repeated.
func (a *Autosaver) Flush(ctx context.Context) error {
	a.saveMu.Lock()
	defer a.saveMu.Unlock()

	a.mu.Lock()
	if !a.active || a.stopped || a.tick == a.savedTick {
		a.mu.Unlock()
		return nil
	}
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	at := a.tick
	a.mu.Unlock()

	d := a.snapshot()
	if err := a.save(ctx, d); err != nil {
		return err
	}

	a.mu.Lock()
	if at > a.savedTick {
		a.savedTick = at
	}
	a.mu.Unlock()
	return nil
}

// Stop permanently disables the autosaver. Pending timers are dropped and
// later flushes become no-ops.
func (a *Autosaver) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	a.active = false
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// Package persist coalesces bursts of conversation mutation into a bounded
// rate of durable snapshot writes.
package persist

import (
	"sync"
	"time"

	"github.com/matheus3301/hostlink/internal/convo"
	"go.uber.org/zap"
)

// Debouncer schedules one snapshot write per conversation after a quiet
// period, replacing any previously scheduled write for the same key. The
// index upsert that follows each write is process-wide single-flight: a
// request arriving while one is in progress is remembered and re-issued
// exactly once after completion.
type Debouncer struct {
	quiet  time.Duration
	logger *zap.Logger

	// flush appends the conversation's snapshot to its durable log;
	// upsert rewrites the snapshot index. Both are supplied by the engine
	// and must tolerate being called for a since-deleted conversation.
	flush  func(key convo.Key)
	upsert func()

	mu             sync.Mutex
	timers         map[convo.Key]*time.Timer
	upsertInFlight bool
	upsertQueued   bool
	closed         bool
}

// New creates a debouncer with the given quiet window.
func New(quiet time.Duration, flush func(key convo.Key), upsert func(), logger *zap.Logger) *Debouncer {
	return &Debouncer{
		quiet:  quiet,
		logger: logger,
		flush:  flush,
		upsert: upsert,
		timers: make(map[convo.Key]*time.Timer),
	}
}

// Touch schedules a snapshot write for key after the quiet window,
// replacing (not queuing behind) any write already scheduled for it.
func (d *Debouncer) Touch(key convo.Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	d.timers[key] = time.AfterFunc(d.quiet, func() { d.fire(key) })
}

func (d *Debouncer) fire(key convo.Key) {
	d.mu.Lock()
	delete(d.timers, key)
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return
	}

	d.flush(key)
	d.RequestIndexUpsert()
}

// RequestIndexUpsert runs the index upsert, single-flight. Concurrent
// requests collapse into at most one follow-up run carrying the latest
// state.
func (d *Debouncer) RequestIndexUpsert() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if d.upsertInFlight {
		d.upsertQueued = true
		d.mu.Unlock()
		return
	}
	d.upsertInFlight = true
	d.mu.Unlock()

	go d.runUpsert()
}

func (d *Debouncer) runUpsert() {
	for {
		d.upsert()

		d.mu.Lock()
		if d.upsertQueued && !d.closed {
			d.upsertQueued = false
			d.mu.Unlock()
			continue
		}
		d.upsertInFlight = false
		d.mu.Unlock()
		return
	}
}

// Close cancels pending timers and, after flushing every conversation that
// still had one scheduled, writes the index one final time.
func (d *Debouncer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	var pending []convo.Key
	for key, t := range d.timers {
		t.Stop()
		pending = append(pending, key)
	}
	d.timers = make(map[convo.Key]*time.Timer)
	d.mu.Unlock()

	for _, key := range pending {
		d.flush(key)
	}
	d.upsert()

	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.logger.Info("persistence debouncer closed", zap.Int("flushed", len(pending)))
}

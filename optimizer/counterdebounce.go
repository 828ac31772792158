package optimizer

import (
	"sync"
	"time"
)

// CounterKey identifies one coalesced counter-flush bucket.
type CounterKey struct {
	DBName     string
	Collection string
	TenantID   string
	Op         string
}

// FlushFunc is called once per DebounceCounters window with the
// aggregated delta for each key touched since the last flush.
type FlushFunc func(key CounterKey, delta int64)

// CounterDebouncer coalesces counter bumps for DebounceCounters before
// calling the registered flush callback, so a burst of writes against the
// same (db, collection, tenant, op) costs one metadata-store round trip
// instead of one per write (spec §4.10).
type CounterDebouncer struct {
	window time.Duration
	flush  FlushFunc

	mu      sync.Mutex
	pending map[CounterKey]int64
	timer   *time.Timer
}

// NewCounterDebouncer builds a CounterDebouncer. window <= 0 means every
// Bump calls flush immediately.
func NewCounterDebouncer(window time.Duration, flush FlushFunc) *CounterDebouncer {
	return &CounterDebouncer{window: window, flush: flush, pending: make(map[CounterKey]int64)}
}

// Bump adds delta to key's pending total, arming the flush timer if one
// isn't already running.
func (d *CounterDebouncer) Bump(key CounterKey, delta int64) {
	if d.window <= 0 {
		d.flush(key, delta)
		return
	}

	d.mu.Lock()
	d.pending[key] += delta
	if d.timer == nil {
		d.timer = time.AfterFunc(d.window, d.fire)
	}
	d.mu.Unlock()
}

func (d *CounterDebouncer) fire() {
	d.mu.Lock()
	batch := d.pending
	d.pending = make(map[CounterKey]int64)
	d.timer = nil
	d.mu.Unlock()

	for key, delta := range batch {
		if delta == 0 {
			continue
		}
		d.flush(key, delta)
	}
}

// Flush forces any pending deltas out immediately, e.g. on graceful
// shutdown. FlushFunc returns no error, so CounterDebouncer never re-queues
// a delta itself; a callback can re-queue one by calling Bump again, which
// is safe because the lock is released before any callback runs. The
// engine's own callback (chronosdb.NewEngine) logs a failed flush and does
// not re-queue it.
func (d *CounterDebouncer) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
	d.fire()
}

func (d *CounterDebouncer) fireLocked() {
	batch := d.pending
	d.pending = make(map[CounterKey]int64)
	d.timer = nil
	for key, delta := range batch {
		if delta == 0 {
			continue
		}
		d.flush(key, delta)
	}
}

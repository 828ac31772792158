// Package fbqueue is the durable fallback queue, worker, and wrapper of
// spec §4.9: when a write can't commit inline, it's persisted as a
// FallbackOp and replayed later with exponential backoff, either
// succeeding, being rescheduled, or being moved to the dead letter table
// once it's classified as permanent.
package fbqueue

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	svcerrors "github.com/nx-intelligence/chronos-db/infrastructure/errors"
	"github.com/nx-intelligence/chronos-db/infrastructure/logging"
	"github.com/nx-intelligence/chronos-db/infrastructure/metrics"
	"github.com/nx-intelligence/chronos-db/metapg"
	"github.com/nx-intelligence/chronos-db/pipeline"
)

// Config tunes backoff and batching. Zero-value Config uses DefaultConfig's
// numbers via NewQueue/NewWorker.
type Config struct {
	MaxAttempts    int
	BaseDelayMs    int64
	MaxDelayMs     int64
	PollInterval   time.Duration
	BatchSize      int
}

// DefaultConfig matches the spec's own numeric defaults for §4.9.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  8,
		BaseDelayMs:  500,
		MaxDelayMs:   5 * 60 * 1000,
		PollInterval: time.Second,
		BatchSize:    20,
	}
}

// delay implements spec §4.9's backoff formula:
// min(2^attempt * baseDelayMs, maxDelayMs) * (1 +/- 10% jitter).
func delay(cfg Config, attempt int) time.Duration {
	backoff := float64(cfg.BaseDelayMs)
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= float64(cfg.MaxDelayMs) {
			backoff = float64(cfg.MaxDelayMs)
			break
		}
	}
	jitter := 1 + (rand.Float64()*0.2 - 0.1)
	return time.Duration(backoff*jitter) * time.Millisecond
}

// isPermanent classifies err by its taxonomy Kind, never by message text
// (spec §7's "tagged error variant" requirement) — these are exactly the
// three kinds spec §4.9 names as permanent.
func isPermanent(err error) bool {
	return svcerrors.Is(err, svcerrors.KindValidation) ||
		svcerrors.Is(err, svcerrors.KindNotFound) ||
		svcerrors.Is(err, svcerrors.KindOptimisticLock)
}

// Queue wraps metapg's fallback repository with ReplayOp JSON
// encode/decode, so callers deal in pipeline.ReplayOp rather than raw
// payload maps.
type Queue struct {
	Store  *metapg.Store
	Notify *Notifier // optional; nil means "rely on poll interval only"
}

// NewQueue builds a Queue.
func NewQueue(store *metapg.Store) *Queue {
	return &Queue{Store: store}
}

// Enqueue persists op under requestID, idempotently — a duplicate enqueue
// of the same requestID (e.g. a retried wrapper call) is a no-op.
func (q *Queue) Enqueue(ctx context.Context, requestID string, op pipeline.ReplayOp) error {
	raw, err := encodeOp(op)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := q.Store.EnqueueFallback(ctx, metapg.FallbackOp{
		RequestID:     requestID,
		Type:          op.Kind,
		DBName:        op.RouteCtx.DBName,
		Collection:    op.RouteCtx.Collection,
		Payload:       raw,
		Attempts:      0,
		NextAttemptAt: now,
		CreatedAt:     now,
	}); err != nil {
		return err
	}
	if q.Notify != nil {
		q.Notify.Publish(ctx, requestID)
	}
	return nil
}

// Depth reports the current queue depth (for the FallbackQueueDepth gauge).
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.Store.QueueDepth(ctx)
}

func encodeOp(op pipeline.ReplayOp) (map[string]interface{}, error) {
	raw, err := json.Marshal(op)
	if err != nil {
		return nil, svcerrors.Internal("marshal replay op", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, svcerrors.Internal("unmarshal replay op", err)
	}
	return m, nil
}

func decodeOp(m map[string]interface{}) (pipeline.ReplayOp, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return pipeline.ReplayOp{}, svcerrors.Internal("marshal fallback payload", err)
	}
	var op pipeline.ReplayOp
	if err := json.Unmarshal(raw, &op); err != nil {
		return pipeline.ReplayOp{}, svcerrors.Internal("unmarshal fallback payload", err)
	}
	return op, nil
}

// Worker is the single-process cooperative replay loop (spec §4.9).
type Worker struct {
	Queue   *Queue
	Adapter pipeline.ReplayAdapter
	Cfg     Config
	log     *logging.Logger
	met     *metrics.Metrics

	activeMu sync.Mutex
	active   map[int64]struct{}
	stopCh   chan struct{}
	doneCh chan struct{}
	wakeCh chan struct{}
}

// NewWorker builds a Worker. cfg's zero value is replaced field-by-field
// with DefaultConfig's numbers where unset.
func NewWorker(q *Queue, adapter pipeline.ReplayAdapter, cfg Config, log *logging.Logger, met *metrics.Metrics) *Worker {
	def := DefaultConfig()
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelayMs == 0 {
		cfg.BaseDelayMs = def.BaseDelayMs
	}
	if cfg.MaxDelayMs == 0 {
		cfg.MaxDelayMs = def.MaxDelayMs
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Worker{
		Queue: q, Adapter: adapter, Cfg: cfg, log: log, met: met,
		active: make(map[int64]struct{}),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		wakeCh: make(chan struct{}, 1),
	}
}

// Run polls every Cfg.PollInterval until ctx is cancelled or Stop is
// called. Stop is cooperative: it waits for the in-flight batch to drain.
// A Notifier's wake() call short-circuits the wait on the next tick.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.Cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.tick(ctx)
		case <-w.wakeCh:
			w.tick(ctx)
		}
	}
}

// Stop signals Run to exit, waits for it to return, then polls every 100ms
// until every replay goroutine it spawned has finished.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
	for {
		w.activeMu.Lock()
		n := len(w.active)
		w.activeMu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// wake nudges Run to poll immediately instead of waiting for the next
// ticker fire. Non-blocking: a wake that arrives mid-tick is coalesced
// with the one already pending.
func (w *Worker) wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

func (w *Worker) tick(ctx context.Context) {
	ops, err := w.Queue.Store.ClaimDue(ctx, w.Cfg.BatchSize)
	if err != nil {
		w.warn(ctx, "claimDue", err)
		return
	}
	for _, op := range ops {
		w.activeMu.Lock()
		_, inFlight := w.active[op.ID]
		if !inFlight {
			w.active[op.ID] = struct{}{}
		}
		w.activeMu.Unlock()
		if inFlight {
			continue
		}
		go func(op metapg.FallbackOp) {
			defer func() {
				w.activeMu.Lock()
				delete(w.active, op.ID)
				w.activeMu.Unlock()
			}()
			w.replay(ctx, op)
		}(op)
	}
}

func (w *Worker) replay(ctx context.Context, op metapg.FallbackOp) {
	replayOp, err := decodeOp(op.Payload)
	if err != nil {
		_ = w.Queue.Store.DeadLetter(ctx, op, "undecodable payload: "+err.Error())
		w.recordAttempt(op, "dead_letter")
		return
	}

	_, replayErr := w.Adapter.Replay(ctx, replayOp)
	if replayErr == nil {
		_ = w.Queue.Store.CompleteFallback(ctx, op.ID)
		w.recordAttempt(op, "ok")
		return
	}

	attempts := op.Attempts + 1
	if attempts >= w.Cfg.MaxAttempts || isPermanent(replayErr) {
		_ = w.Queue.Store.DeadLetter(ctx, op, replayErr.Error())
		w.recordAttempt(op, "dead_letter")
		if w.log != nil {
			w.log.WithContext(ctx).WithFields(map[string]interface{}{"requestId": op.RequestID, "attempts": attempts}).WithError(replayErr).Error("fallback op dead-lettered")
		}
		return
	}

	nextAt := time.Now().Add(delay(w.Cfg, attempts))
	if err := w.Queue.Store.RescheduleFallback(ctx, op.ID, attempts, nextAt); err != nil {
		w.warn(ctx, "rescheduleFallback", err)
	}
	w.recordAttempt(op, "rescheduled")
}

func (w *Worker) recordAttempt(op metapg.FallbackOp, outcome string) {
	if w.met == nil {
		return
	}
	w.met.RecordFallbackAttempt("chronos-db", op.DBName, op.Type, outcome)
	if outcome == "dead_letter" {
		w.met.RecordFallbackDeadLetter("chronos-db", op.DBName, op.Type)
	}
}

func (w *Worker) warn(ctx context.Context, what string, err error) {
	if w.log != nil {
		w.log.WithContext(ctx).WithFields(map[string]interface{}{"what": what}).WithError(err).Warn("fallback worker: step failed")
	}
}

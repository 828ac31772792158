// Package optimizer implements the write optimizer of spec §4.10: two
// independent debouncers (blob-write batching, counter-bump coalescing)
// plus the dev-shadow skip heuristic, all of which trade a small amount of
// write latency for a much lower request rate against the blob store and
// metadata store under bursty load.
package optimizer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nx-intelligence/chronos-db/blobstore"
	"github.com/nx-intelligence/chronos-db/hashing"
	"github.com/nx-intelligence/chronos-db/infrastructure/logging"
)

// bulkOps are tagged operations the dev-shadow skip applies to regardless
// of payload size (spec §4.10).
const (
	OpBulkUpdate = "BULK_UPDATE"
	OpBulkDelete = "BULK_DELETE"
)

// shadowMaxBytes is the per-document size ceiling past which the dev
// shadow is always skipped (spec §4.10: "payloads > 100 KiB").
const shadowMaxBytes = 100 * 1024

// Config tunes both debouncers and the shadow-skip heuristic.
type Config struct {
	BatchWindow        time.Duration
	DebounceCounters   time.Duration
	AllowShadowSkip    bool
	FlushRatePerSecond float64 // blob-batch flush rate limit (flushes per second); 0 disables limiting
}

// ShouldSkipShadow reports whether the dev shadow should be omitted for a
// write of opTag ("" for ordinary writes) carrying payloadBytes bytes.
func (c Config) ShouldSkipShadow(opTag string, payloadBytes int) bool {
	if !c.AllowShadowSkip {
		return false
	}
	if opTag == OpBulkUpdate || opTag == OpBulkDelete {
		return true
	}
	return payloadBytes > shadowMaxBytes
}

// blobWrite is one queued PutJSON/PutRaw call, fanned out on the next
// batch-window fire.
type blobWrite struct {
	bucket      string
	key         string
	data        []byte
	contentType string
	isJSON      bool
	jsonObj     interface{}
	result      chan blobWriteResult
}

type blobWriteResult struct {
	res blobstore.PutResult
	err error
}

// BlobBatcher coalesces PutJSON/PutRaw calls inside one BatchWindow into a
// single fan-out, deduplicating identical bodies within the window via
// hashing.DedupHash so a burst of writes to the same key with the same
// bytes only hits the store once.
// BlobBatcher embeds blobstore.Store so it satisfies the interface in
// full (Get/Head/Del/List/PresignGet/Copy pass straight through) and can
// be dropped into pipeline.Engine.Blobs as a drop-in replacement for the
// unbatched store, with PutJSON/PutRaw overridden to batch.
type BlobBatcher struct {
	blobstore.Store
	store   blobstore.Store
	cfg     Config
	log     *logging.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	pending []blobWrite
	timer   *time.Timer
}

// NewBlobBatcher builds a BlobBatcher. A zero-value cfg.BatchWindow means
// "write immediately, no batching" (spec §4.10's disabled path).
func NewBlobBatcher(store blobstore.Store, cfg Config, log *logging.Logger) *BlobBatcher {
	var limiter *rate.Limiter
	if cfg.FlushRatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.FlushRatePerSecond), int(cfg.FlushRatePerSecond)+1)
	}
	return &BlobBatcher{Store: store, store: store, cfg: cfg, log: log, limiter: limiter}
}

// PutJSON enqueues (or immediately executes, if batching is disabled) a
// JSON write and blocks until its result is available.
func (b *BlobBatcher) PutJSON(ctx context.Context, bucket, key string, obj interface{}) (blobstore.PutResult, error) {
	if b.cfg.BatchWindow <= 0 {
		return b.store.PutJSON(ctx, bucket, key, obj)
	}
	return b.enqueue(ctx, blobWrite{bucket: bucket, key: key, isJSON: true, jsonObj: obj, result: make(chan blobWriteResult, 1)})
}

// PutRaw enqueues (or immediately executes) a raw byte write.
func (b *BlobBatcher) PutRaw(ctx context.Context, bucket, key string, data []byte, contentType string) (blobstore.PutResult, error) {
	if b.cfg.BatchWindow <= 0 {
		return b.store.PutRaw(ctx, bucket, key, data, contentType)
	}
	return b.enqueue(ctx, blobWrite{bucket: bucket, key: key, data: data, contentType: contentType, result: make(chan blobWriteResult, 1)})
}

func (b *BlobBatcher) enqueue(ctx context.Context, w blobWrite) (blobstore.PutResult, error) {
	b.mu.Lock()
	b.pending = append(b.pending, w)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.cfg.BatchWindow, b.flush)
	}
	b.mu.Unlock()

	select {
	case r := <-w.result:
		return r.res, r.err
	case <-ctx.Done():
		return blobstore.PutResult{}, ctx.Err()
	}
}

type dedupKey struct {
	bucket string
	key    string
	hash   [32]byte
}

// flush fires on the batch timer: writes are grouped by (bucket, key,
// content hash) so a burst of identical rewrites to the same key costs
// one round trip, with every caller in the group receiving that one
// call's result.
func (b *BlobBatcher) flush() {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.timer = nil
	b.mu.Unlock()

	groups := make(map[dedupKey][]blobWrite, len(batch))
	order := make([]dedupKey, 0, len(batch))
	for _, w := range batch {
		bytes := w.data
		if w.isJSON {
			bytes = marshalForDedup(w.jsonObj)
		}
		dk := dedupKey{bucket: w.bucket, key: w.key, hash: hashing.DedupHash(bytes)}
		if _, ok := groups[dk]; !ok {
			order = append(order, dk)
		}
		groups[dk] = append(groups[dk], w)
	}

	var wg sync.WaitGroup
	for _, dk := range order {
		members := groups[dk]
		if b.limiter != nil {
			_ = b.limiter.Wait(context.Background())
		}
		wg.Add(1)
		go func(leader blobWrite, members []blobWrite) {
			defer wg.Done()
			var res blobstore.PutResult
			var err error
			if leader.isJSON {
				res, err = b.store.PutJSON(context.Background(), leader.bucket, leader.key, leader.jsonObj)
			} else {
				res, err = b.store.PutRaw(context.Background(), leader.bucket, leader.key, leader.data, leader.contentType)
			}
			out := blobWriteResult{res: res, err: err}
			for _, m := range members {
				m.result <- out
			}
		}(members[0], members)
	}
	wg.Wait()
}

func marshalForDedup(obj interface{}) []byte {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil
	}
	return raw
}

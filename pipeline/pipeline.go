// Package pipeline is the versioned write pipeline (spec §4.6): create,
// update, delete, and enrich, each running the same eight-step commit
// protocol over a (db, collection, storage, buckets) resolved by router —
// validate, lock, externalize, allocate cv, write the blob, commit head+ver,
// bump counters best-effort, release the lock.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/nx-intelligence/chronos-db/blobstore"
	svcerrors "github.com/nx-intelligence/chronos-db/infrastructure/errors"
	"github.com/nx-intelligence/chronos-db/infrastructure/logging"
	"github.com/nx-intelligence/chronos-db/infrastructure/metrics"
	"github.com/nx-intelligence/chronos-db/infrastructure/resilience"
	"github.com/nx-intelligence/chronos-db/metadatamap"
	"github.com/nx-intelligence/chronos-db/metapg"
	"github.com/nx-intelligence/chronos-db/optimizer"
	"github.com/nx-intelligence/chronos-db/router"
	"github.com/nx-intelligence/chronos-db/sysheader"
)

// lockTTL bounds how long a crashed writer can hold a record hostage
// (spec §4.6 step 2).
const lockTTL = 30 * time.Second

// CounterBumper is the narrow slice of the counter engine the pipeline
// needs after a commit (spec §4.6 step 7, best-effort). Implemented by
// *counters.Engine; kept as an interface here so pipeline never imports
// counters directly.
type CounterBumper interface {
	OnCommit(ctx context.Context, evt CommitEvent)
}

// CommitEvent describes one committed write, handed to the counter engine
// and (on the fallback path) to the replay adapter.
type CommitEvent struct {
	Op         string // "create" | "update" | "delete" | "enrich"
	DBName     string
	Collection string
	ID         string
	OV         uint64
	CV         uint64
	Meta       map[string]interface{}
	Payload    map[string]interface{}
	At         time.Time
}

// Result is returned by every write operation.
type Result struct {
	ID         string
	OV         uint64
	CV         uint64
	At         time.Time
	DBName     string
	Collection string
}

// ShadowConfig tunes the dev-shadow fast path (spec §3, §4.10): on every
// commit, mirror the payload onto the head row itself so a later GetLatest
// can skip the blob store entirely, as long as the shadow hasn't expired
// and the payload wasn't too large or part of a bulk op to shadow in the
// first place. The zero value disables the feature, matching the teacher's
// default of "always hit the blob store."
type ShadowConfig struct {
	Enabled        bool
	TTL            time.Duration
	MaxBytesPerDoc int64
	Optimizer      optimizer.Config // supplies ShouldSkipShadow's bulk-op/size heuristic
}

// shouldShadow reports whether a payload of n bytes committed under opTag
// should be mirrored onto the head row.
func (c ShadowConfig) shouldShadow(opTag string, n int) bool {
	if !c.Enabled {
		return false
	}
	if c.Optimizer.ShouldSkipShadow(opTag, n) {
		return false
	}
	if c.MaxBytesPerDoc > 0 && int64(n) > c.MaxBytesPerDoc {
		return false
	}
	return true
}

// fresh reports whether a shadow written at shadowAt is still usable for a
// read happening at now, per the configured TTL. TTL<=0 means no expiry.
func (c ShadowConfig) fresh(shadowAt, now time.Time) bool {
	if shadowAt.IsZero() {
		return false
	}
	if c.TTL <= 0 {
		return true
	}
	return now.Sub(shadowAt) < c.TTL
}

// Engine orchestrates the commit protocol over whatever backend router
// resolves for a given call. Blobs is the single object-storage backend
// every resolved bucket name is interpreted against.
type Engine struct {
	Router   *router.Router
	Blobs    blobstore.Store
	Counters CounterBumper // may be nil
	Shadow   ShadowConfig  // zero value: dev-shadow fast path disabled
	log      *logging.Logger
	met      *metrics.Metrics
	ownerID  string
}

// New builds a pipeline Engine. ownerID identifies this process as a lock
// holder; pass a stable value (hostname, pod name) in production.
func New(r *router.Router, blobs blobstore.Store, log *logging.Logger, met *metrics.Metrics, ownerID string) *Engine {
	if ownerID == "" {
		ownerID = uuid.NewString()
	}
	return &Engine{Router: r, Blobs: blobs, log: log, met: met, ownerID: ownerID}
}

// WriteRequest is the common input to create/update/delete/enrich.
type WriteRequest struct {
	RouteCtx   router.RouteContext
	Collection metadatamap.CollectionMap
}

func (e *Engine) acquireLock(ctx context.Context, ms *metapg.Store, dbName, collection, id string) error {
	cfg := resilience.RetryConfig{MaxAttempts: 5, InitialDelay: 20 * time.Millisecond, MaxDelay: 200 * time.Millisecond, Multiplier: 2.0, Jitter: 0.2}
	return resilience.Retry(ctx, cfg, func() error {
		return ms.AcquireLock(ctx, dbName, collection, id, e.ownerID, time.Now().Add(lockTTL))
	})
}

func (e *Engine) releaseLock(ctx context.Context, ms *metapg.Store, dbName, collection, id string) {
	if err := ms.ReleaseLock(ctx, dbName, collection, id, e.ownerID); err != nil && e.log != nil {
		e.log.WithContext(ctx).WithFields(map[string]interface{}{"id": id, "collection": collection}).Warn("release lock failed")
	}
}

func (e *Engine) bumpCounters(ctx context.Context, evt CommitEvent) {
	if e.Counters == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil && e.log != nil {
			e.log.WithContext(ctx).WithFields(map[string]interface{}{"panic": r}).Error("counter bump panicked")
		}
	}()
	e.Counters.OnCommit(ctx, evt)
}

// buildShadow marshals payload for the head row's dev-shadow column,
// subject to ShadowConfig's size/bulk-op heuristic. Marshal failure just
// disables the shadow for this commit rather than failing the write — the
// shadow is a read optimization, never the write path's source of truth.
func (e *Engine) buildShadow(opTag string, payload map[string]interface{}, now time.Time) ([]byte, time.Time) {
	if !e.Shadow.Enabled {
		return nil, time.Time{}
	}
	raw, err := json.Marshal(payload)
	if err != nil || !e.Shadow.shouldShadow(opTag, len(raw)) {
		return nil, time.Time{}
	}
	return raw, now
}

func (e *Engine) recordWrite(op, dbName, collection string, start time.Time, err error) {
	if e.met == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	e.met.RecordWrite("chronos-db", dbName, collection, op, status, time.Since(start))
}

// Create runs the full commit protocol for a brand-new record (ov=0).
func (e *Engine) Create(ctx context.Context, req WriteRequest, data map[string]interface{}) (res Result, err error) {
	start := time.Now()
	defer func() { e.recordWrite("create", res.DBName, req.RouteCtx.Collection, start, err) }()

	rr, err := e.Router.Route(ctx, req.RouteCtx)
	if err != nil {
		return Result{}, err
	}
	ms := metapg.New(rr.DB)
	id := metapg.NewObjectID()

	if err := metadatamap.CheckRequired(req.Collection, data); err != nil {
		return Result{}, err
	}

	if err := e.acquireLock(ctx, ms, rr.ResolvedDBName, req.RouteCtx.Collection, id); err != nil {
		return Result{}, svcerrors.LockBusy(id, "")
	}
	defer e.releaseLock(ctx, ms, rr.ResolvedDBName, req.RouteCtx.Collection, id)

	externalized, err := metadatamap.Externalize(ctx, req.Collection, e.Blobs, rr.Buckets.Content, req.RouteCtx.Collection, id, 0, data)
	if err != nil {
		return Result{}, err
	}
	indexed, err := metadatamap.ExtractIndexed(req.Collection, externalized)
	if err != nil {
		return Result{}, err
	}

	cv, err := ms.NextCV(ctx, rr.ResolvedDBName, req.RouteCtx.Collection)
	if err != nil {
		return Result{}, err
	}

	now := time.Now().UTC()
	sysMap, err := sysheaderToMap(sysheader.OnCreate(now, "", ""))
	if err != nil {
		return Result{}, err
	}

	jsonKey := blobstore.ItemKey(req.RouteCtx.Collection, id, 0)
	if _, err := e.Blobs.PutJSON(ctx, rr.Buckets.Records, jsonKey, externalized); err != nil {
		return Result{}, err
	}

	shadow, shadowAt := e.buildShadow("", externalized, now)
	head := metapg.HeadRow{ID: id, DBName: rr.ResolvedDBName, Collection: req.RouteCtx.Collection, OV: 0, CV: cv, MetaIndexed: indexed, SystemJSON: sysMap, JSONKey: jsonKey, FullShadow: shadow, ShadowAt: shadowAt}
	if err := ms.InsertHead(ctx, head); err != nil {
		return Result{}, err
	}
	if err := ms.AppendVersion(ctx, metapg.VersionRow{ID: id, DBName: rr.ResolvedDBName, Collection: req.RouteCtx.Collection, OV: 0, CV: cv, CommittedAt: now, JSONKey: jsonKey, MetaIndexed: indexed, SystemJSON: sysMap}); err != nil {
		return Result{}, err
	}

	e.bumpCounters(ctx, CommitEvent{Op: "create", DBName: rr.ResolvedDBName, Collection: req.RouteCtx.Collection, ID: id, OV: 0, CV: cv, Meta: indexed, Payload: externalized, At: now})

	return Result{ID: id, OV: 0, CV: cv, At: now, DBName: rr.ResolvedDBName, Collection: req.RouteCtx.Collection}, nil
}

// Update runs the commit protocol for an existing record, failing with
// OptimisticLockError when expectedOv no longer matches the head.
func (e *Engine) Update(ctx context.Context, req WriteRequest, id string, data map[string]interface{}, expectedOv uint64) (Result, error) {
	return e.writeExisting(ctx, req, id, expectedOv, "update", data)
}

// Delete tombstones a record: the head/version row is marked deleted; the
// last live payload is carried forward unchanged.
func (e *Engine) Delete(ctx context.Context, req WriteRequest, id string, expectedOv uint64) (Result, error) {
	return e.writeExisting(ctx, req, id, expectedOv, "delete", nil)
}

// Enrich deep-merges one or more patches into the current payload
// (sysheader.Merge, spec §4.5) and commits the result as a new version.
func (e *Engine) Enrich(ctx context.Context, req WriteRequest, id string, patches []interface{}, functionID string) (res Result, err error) {
	start := time.Now()
	defer func() { e.recordWrite("enrich", res.DBName, req.RouteCtx.Collection, start, err) }()

	rr, err := e.Router.Route(ctx, req.RouteCtx)
	if err != nil {
		return Result{}, err
	}
	ms := metapg.New(rr.DB)

	if err := e.acquireLock(ctx, ms, rr.ResolvedDBName, req.RouteCtx.Collection, id); err != nil {
		return Result{}, svcerrors.LockBusy(id, "")
	}
	defer e.releaseLock(ctx, ms, rr.ResolvedDBName, req.RouteCtx.Collection, id)

	head, err := ms.GetHead(ctx, rr.ResolvedDBName, req.RouteCtx.Collection, id)
	if err != nil {
		return Result{}, err
	}

	currentBytes, err := e.Blobs.Get(ctx, rr.Buckets.Records, head.JSONKey)
	if err != nil {
		return Result{}, err
	}
	var currentData map[string]interface{}
	if err := json.Unmarshal(currentBytes, &currentData); err != nil {
		return Result{}, svcerrors.Internal("decode current payload", err)
	}

	var merged interface{} = currentData
	for _, p := range patches {
		merged = sysheader.Merge(merged, p)
	}
	mergedMap, ok := merged.(map[string]interface{})
	if !ok {
		return Result{}, svcerrors.Validation("patch", "enrich result is not an object")
	}

	return e.commitExisting(ctx, rr, ms, req, head, "enrich", mergedMap, functionID)
}

func (e *Engine) writeExisting(ctx context.Context, req WriteRequest, id string, expectedOv uint64, op string, data map[string]interface{}) (res Result, err error) {
	start := time.Now()
	defer func() { e.recordWrite(op, res.DBName, req.RouteCtx.Collection, start, err) }()

	rr, err := e.Router.Route(ctx, req.RouteCtx)
	if err != nil {
		return Result{}, err
	}
	ms := metapg.New(rr.DB)

	if err := e.acquireLock(ctx, ms, rr.ResolvedDBName, req.RouteCtx.Collection, id); err != nil {
		return Result{}, svcerrors.LockBusy(id, "")
	}
	defer e.releaseLock(ctx, ms, rr.ResolvedDBName, req.RouteCtx.Collection, id)

	head, err := ms.GetHead(ctx, rr.ResolvedDBName, req.RouteCtx.Collection, id)
	if err != nil {
		return Result{}, err
	}
	if head.OV != expectedOv {
		return Result{}, svcerrors.OptimisticLock(id, expectedOv, head.OV)
	}

	if op == "delete" {
		currentBytes, err := e.Blobs.Get(ctx, rr.Buckets.Records, head.JSONKey)
		if err != nil {
			return Result{}, err
		}
		var currentData map[string]interface{}
		if err := json.Unmarshal(currentBytes, &currentData); err != nil {
			return Result{}, svcerrors.Internal("decode current payload", err)
		}
		data = currentData
	} else if err := metadatamap.CheckRequired(req.Collection, data); err != nil {
		return Result{}, err
	}

	return e.commitExisting(ctx, rr, ms, req, head, op, data, "")
}

func (e *Engine) commitExisting(ctx context.Context, rr router.RouteResult, ms *metapg.Store, req WriteRequest, head metapg.HeadRow, op string, data map[string]interface{}, functionID string) (Result, error) {
	nextOv := head.OV + 1

	externalized, err := metadatamap.Externalize(ctx, req.Collection, e.Blobs, rr.Buckets.Content, req.RouteCtx.Collection, head.ID, nextOv, data)
	if err != nil {
		return Result{}, err
	}
	indexed, err := metadatamap.ExtractIndexed(req.Collection, externalized)
	if err != nil {
		return Result{}, err
	}

	cv, err := ms.NextCV(ctx, rr.ResolvedDBName, req.RouteCtx.Collection)
	if err != nil {
		return Result{}, err
	}

	now := time.Now().UTC()
	prevSys, err := mapToSysheader(head.SystemJSON)
	if err != nil {
		return Result{}, err
	}
	var sys sysheader.System
	switch op {
	case "delete":
		sys = sysheader.OnDelete(prevSys, now)
	case "enrich":
		sys = sysheader.OnUpdate(prevSys, now)
		if functionID != "" {
			sys = sys.WithFunctionID(functionID)
		}
	default:
		sys = sysheader.OnUpdate(prevSys, now)
	}
	sysMap, err := sysheaderToMap(sys)
	if err != nil {
		return Result{}, err
	}

	jsonKey := blobstore.ItemKey(req.RouteCtx.Collection, head.ID, nextOv)
	if _, err := e.Blobs.PutJSON(ctx, rr.Buckets.Records, jsonKey, externalized); err != nil {
		return Result{}, err
	}

	shadow, shadowAt := e.buildShadow(op, externalized, now)
	newHead := metapg.HeadRow{ID: head.ID, DBName: rr.ResolvedDBName, Collection: req.RouteCtx.Collection, OV: nextOv, CV: cv, MetaIndexed: indexed, SystemJSON: sysMap, JSONKey: jsonKey, Deleted: op == "delete", FullShadow: shadow, ShadowAt: shadowAt}
	if err := ms.ConditionalUpdateHead(ctx, newHead, head.OV); err != nil {
		return Result{}, err
	}
	if err := ms.AppendVersion(ctx, metapg.VersionRow{ID: head.ID, DBName: rr.ResolvedDBName, Collection: req.RouteCtx.Collection, OV: nextOv, CV: cv, CommittedAt: now, JSONKey: jsonKey, MetaIndexed: indexed, SystemJSON: sysMap, Deleted: op == "delete"}); err != nil {
		return Result{}, err
	}

	e.bumpCounters(ctx, CommitEvent{Op: op, DBName: rr.ResolvedDBName, Collection: req.RouteCtx.Collection, ID: head.ID, OV: nextOv, CV: cv, Meta: indexed, Payload: externalized, At: now})

	return Result{ID: head.ID, OV: nextOv, CV: cv, At: now, DBName: rr.ResolvedDBName, Collection: req.RouteCtx.Collection}, nil
}

func sysheaderToMap(s sysheader.System) (map[string]interface{}, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, svcerrors.Internal("marshal system header", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, svcerrors.Internal("unmarshal system header", err)
	}
	return m, nil
}

func mapToSysheader(m map[string]interface{}) (sysheader.System, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return sysheader.System{}, svcerrors.Internal("marshal system header", err)
	}
	var s sysheader.System
	if err := json.Unmarshal(raw, &s); err != nil {
		return sysheader.System{}, svcerrors.Internal("unmarshal system header", err)
	}
	return s, nil
}

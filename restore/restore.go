// Package restore implements the restore engine (spec §4.7):
// restoreObject rolls one record back to an ov/cv/instant target by
// appending a new version that copies the target's payload; restoreCollection
// fans that out across every record in a collection that has diverged since
// the target instant.
package restore

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/nx-intelligence/chronos-db/blobstore"
	svcerrors "github.com/nx-intelligence/chronos-db/infrastructure/errors"
	"github.com/nx-intelligence/chronos-db/infrastructure/logging"
	"github.com/nx-intelligence/chronos-db/infrastructure/metrics"
	"github.com/nx-intelligence/chronos-db/infrastructure/transaction"
	"github.com/nx-intelligence/chronos-db/metapg"
	"github.com/nx-intelligence/chronos-db/router"
	"github.com/nx-intelligence/chronos-db/sysheader"
)

// Target names one of ov, cv, or a point in time. Exactly one field is set.
type Target struct {
	OV *uint64
	CV *uint64
	At *time.Time
}

// Result reports the outcome of one restoreObject call.
type Result struct {
	ID     string
	OV     uint64
	CV     uint64
	At     time.Time
}

// CollectionResult aggregates a restoreCollection run: every record
// restored, in id order, and the first failure encountered (if any) — a
// partial failure leaves the already-restored prefix in place.
type CollectionResult struct {
	Restored  []Result
	FirstErr  error
	Failures  int
}

// Engine runs restoreObject/restoreCollection over whatever backend router
// resolves.
type Engine struct {
	Router *router.Router
	Blobs  blobstore.Store
	log    *logging.Logger
	met    *metrics.Metrics
}

// New builds a restore Engine.
func New(r *router.Router, blobs blobstore.Store, log *logging.Logger, met *metrics.Metrics) *Engine {
	return &Engine{Router: r, Blobs: blobs, log: log, met: met}
}

// RestoreObject locates the version matching target, copies its payload
// into a freshly appended version, and commits head+version exactly as the
// write pipeline does (spec §4.6), with `_system` following the restore
// rules of spec §4.5.
func (e *Engine) RestoreObject(ctx context.Context, rc router.RouteContext, id string, target Target) (res Result, err error) {
	start := time.Now()
	defer func() { e.recordRestore(rc.Collection, "object", 1, start, err) }()

	rr, err := e.Router.Route(ctx, rc)
	if err != nil {
		return Result{}, err
	}
	ms := metapg.New(rr.DB)

	targetVersion, err := e.resolveTargetVersion(ctx, ms, rr.ResolvedDBName, rc.Collection, id, target)
	if err != nil {
		return Result{}, err
	}

	head, err := ms.GetHead(ctx, rr.ResolvedDBName, rc.Collection, id)
	if err != nil {
		return Result{}, err
	}

	payload, err := e.Blobs.Get(ctx, rr.Buckets.Records, targetVersion.JSONKey)
	if err != nil {
		return Result{}, err
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return Result{}, svcerrors.Internal("decode restore target payload", err)
	}

	cv, err := ms.NextCV(ctx, rr.ResolvedDBName, rc.Collection)
	if err != nil {
		return Result{}, err
	}

	now := time.Now().UTC()
	nextOv := head.OV + 1

	targetSys, err := mapToSysheader(targetVersion.SystemJSON)
	if err != nil {
		return Result{}, err
	}
	restoredSys, err := sysheaderToMap(sysheader.OnRestore(targetSys, now))
	if err != nil {
		return Result{}, err
	}

	jsonKey := blobstore.ItemKey(rc.Collection, id, nextOv)
	newHead := metapg.HeadRow{
		ID: id, DBName: rr.ResolvedDBName, Collection: rc.Collection,
		OV: nextOv, CV: cv, MetaIndexed: targetVersion.MetaIndexed, SystemJSON: restoredSys,
		JSONKey: jsonKey, Deleted: targetVersion.Deleted,
	}

	// A restore spans two backends that no single database transaction can
	// cover: the blob store and chronos_head/chronos_ver. putBlob and
	// updateHead each get a compensation so a later step's failure unwinds
	// what already landed instead of leaving an orphaned blob or a head
	// that moved without its version row.
	tx := transaction.NewTransaction()
	tx.AddStep("putBlob", func(ctx context.Context) error {
		_, err := e.Blobs.PutJSON(ctx, rr.Buckets.Records, jsonKey, decoded)
		return err
	}, func(ctx context.Context) error {
		return e.Blobs.Del(ctx, rr.Buckets.Records, jsonKey)
	})
	tx.AddStep("updateHead", func(ctx context.Context) error {
		return ms.ConditionalUpdateHead(ctx, newHead, head.OV)
	}, func(ctx context.Context) error {
		return ms.ConditionalUpdateHead(ctx, head, nextOv)
	})
	tx.AddStep("appendVersion", func(ctx context.Context) error {
		return ms.AppendVersion(ctx, metapg.VersionRow{
			ID: id, DBName: rr.ResolvedDBName, Collection: rc.Collection,
			OV: nextOv, CV: cv, CommittedAt: now, JSONKey: jsonKey, MetaIndexed: targetVersion.MetaIndexed, SystemJSON: restoredSys, Deleted: targetVersion.Deleted,
		})
	}, nil)

	if err := tx.Execute(ctx); err != nil {
		return Result{}, err
	}

	return Result{ID: id, OV: nextOv, CV: cv, At: now}, nil
}

// RestoreCollection applies RestoreObject to every record in rc.Collection
// whose latest version's committedAt is strictly after target, in id
// order. A failure on one record is recorded but does not abort the run —
// the already-restored prefix stays restored (spec §4.7).
func (e *Engine) RestoreCollection(ctx context.Context, rc router.RouteContext, target time.Time) (CollectionResult, error) {
	start := time.Now()
	rr, err := e.Router.Route(ctx, rc)
	if err != nil {
		return CollectionResult{}, err
	}
	ms := metapg.New(rr.DB)

	ids, err := ms.ListIDsAsOf(ctx, rr.ResolvedDBName, rc.Collection, target)
	if err != nil {
		return CollectionResult{}, err
	}
	sort.Strings(ids)

	var out CollectionResult
	var merr *multierror.Error
	for _, id := range ids {
		res, err := e.RestoreObject(ctx, rc, id, Target{At: &target})
		if err != nil {
			out.Failures++
			if out.FirstErr == nil {
				out.FirstErr = err
			}
			merr = multierror.Append(merr, err)
			if e.log != nil {
				e.log.WithContext(ctx).WithFields(map[string]interface{}{"id": id, "collection": rc.Collection}).WithError(err).Error("restoreCollection: record failed")
			}
			continue
		}
		out.Restored = append(out.Restored, res)
	}

	e.recordRestore(rc.Collection, "collection", len(out.Restored), start, merr.ErrorOrNil())
	return out, merr.ErrorOrNil()
}

func (e *Engine) resolveTargetVersion(ctx context.Context, ms *metapg.Store, dbName, collection, id string, target Target) (metapg.VersionRow, error) {
	switch {
	case target.OV != nil:
		return ms.GetVersion(ctx, dbName, collection, id, *target.OV)
	case target.At != nil:
		return ms.GetAsOf(ctx, dbName, collection, id, *target.At)
	case target.CV != nil:
		// cv is a per-collection allocator, not indexed on chronos_ver by
		// itself; scan the record's own version history for a match.
		versions, err := ms.ListVersions(ctx, dbName, collection, id)
		if err != nil {
			return metapg.VersionRow{}, err
		}
		for _, v := range versions {
			if v.CV == *target.CV {
				return v, nil
			}
		}
		return metapg.VersionRow{}, svcerrors.NotFound("version", id)
	default:
		return metapg.VersionRow{}, svcerrors.Validation("target", "one of ov, cv, or at must be set")
	}
}

func (e *Engine) recordRestore(collection, scope string, count int, start time.Time, err error) {
	if e.met == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	e.met.RecordRestore("chronos-db", "", collection, scope, status, time.Since(start), count)
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

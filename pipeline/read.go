package pipeline

import (
	"context"
	"encoding/json"
	"time"

	svcerrors "github.com/nx-intelligence/chronos-db/infrastructure/errors"
	"github.com/nx-intelligence/chronos-db/metapg"
	"github.com/nx-intelligence/chronos-db/router"
)

// ReadOptions controls GetLatest/GetVersion/GetAsOf payload fetching.
type ReadOptions struct {
	Presign       bool
	PresignTTL    time.Duration
	SkipPayload   bool // projection: metadata only, no blob fetch
}

// Record is one point-in-time view of a record: metadata plus, unless
// ReadOptions.SkipPayload was set, the decoded payload.
type Record struct {
	ID          string
	DBName      string
	Collection  string
	OV          uint64
	CV          uint64
	Meta        map[string]interface{}
	System      map[string]interface{}
	Deleted     bool
	Payload     map[string]interface{}
	PresignedURL string
}

func (e *Engine) fetchPayload(ctx context.Context, rr router.RouteResult, jsonKey string, opts ReadOptions, rec *Record) error {
	if opts.SkipPayload {
		if opts.Presign {
			ttl := opts.PresignTTL
			if ttl <= 0 {
				ttl = 15 * time.Minute
			}
			url, err := e.Blobs.PresignGet(ctx, rr.Buckets.Records, jsonKey, ttl)
			if err != nil {
				return err
			}
			rec.PresignedURL = url
		}
		return nil
	}
	data, err := e.Blobs.Get(ctx, rr.Buckets.Records, jsonKey)
	if err != nil {
		return err
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return svcerrors.Internal("decode payload", err)
	}
	rec.Payload = payload
	return nil
}

// GetLatest reads the current head and, unless SkipPayload is set, fetches
// its JSON blob.
func (e *Engine) GetLatest(ctx context.Context, rc router.RouteContext, id string, opts ReadOptions) (Record, error) {
	rr, err := e.Router.Route(ctx, rc)
	if err != nil {
		return Record{}, err
	}
	ms := metapg.New(rr.DB)
	head, err := ms.GetHead(ctx, rr.ResolvedDBName, rc.Collection, id)
	if err != nil {
		return Record{}, err
	}
	rec := Record{ID: head.ID, DBName: rr.ResolvedDBName, Collection: rc.Collection, OV: head.OV, CV: head.CV, Meta: head.MetaIndexed, System: head.SystemJSON, Deleted: head.Deleted}

	if !opts.SkipPayload && !opts.Presign && len(head.FullShadow) > 0 && e.Shadow.fresh(head.ShadowAt, time.Now()) {
		var payload map[string]interface{}
		if err := json.Unmarshal(head.FullShadow, &payload); err == nil {
			rec.Payload = payload
			return rec, nil
		}
		// a corrupt shadow falls through to the authoritative blob fetch below
	}

	if err := e.fetchPayload(ctx, rr, head.JSONKey, opts, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// GetVersion reads one exact (id, ov) version and its blob.
func (e *Engine) GetVersion(ctx context.Context, rc router.RouteContext, id string, ov uint64, opts ReadOptions) (Record, error) {
	rr, err := e.Router.Route(ctx, rc)
	if err != nil {
		return Record{}, err
	}
	ms := metapg.New(rr.DB)
	v, err := ms.GetVersion(ctx, rr.ResolvedDBName, rc.Collection, id, ov)
	if err != nil {
		return Record{}, err
	}
	rec := Record{ID: v.ID, DBName: rr.ResolvedDBName, Collection: rc.Collection, OV: v.OV, CV: v.CV, System: v.SystemJSON, Deleted: v.Deleted}
	if err := e.fetchPayload(ctx, rr, v.JSONKey, opts, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// GetAsOf reads the version whose committedAt is the latest at or before
// target.
func (e *Engine) GetAsOf(ctx context.Context, rc router.RouteContext, id string, target time.Time, opts ReadOptions) (Record, error) {
	rr, err := e.Router.Route(ctx, rc)
	if err != nil {
		return Record{}, err
	}
	ms := metapg.New(rr.DB)
	v, err := ms.GetAsOf(ctx, rr.ResolvedDBName, rc.Collection, id, target)
	if err != nil {
		return Record{}, err
	}
	rec := Record{ID: v.ID, DBName: rr.ResolvedDBName, Collection: rc.Collection, OV: v.OV, CV: v.CV, System: v.SystemJSON, Deleted: v.Deleted}
	if err := e.fetchPayload(ctx, rr, v.JSONKey, opts, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// ListByMetaOptions bounds a metadata-filtered listing.
type ListByMetaOptions struct {
	WhereSQL   string
	Args       []any
	AfterID    string
	Limit      int
	Descending bool
}

// ListByMeta is a paginated query over head metaIndexed.
func (e *Engine) ListByMeta(ctx context.Context, rc router.RouteContext, opts ListByMetaOptions) ([]Record, error) {
	rr, err := e.Router.Route(ctx, rc)
	if err != nil {
		return nil, err
	}
	ms := metapg.New(rr.DB)
	rows, err := ms.ListByMeta(ctx, metapg.ListByMetaFilter{
		DBName: rr.ResolvedDBName, Collection: rc.Collection,
		WhereSQL: opts.WhereSQL, Args: opts.Args, AfterID: opts.AfterID, Limit: opts.Limit, Descending: opts.Descending,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, h := range rows {
		out = append(out, Record{ID: h.ID, DBName: rr.ResolvedDBName, Collection: rc.Collection, OV: h.OV, CV: h.CV, Meta: h.MetaIndexed, System: h.SystemJSON, Deleted: h.Deleted})
	}
	return out, nil
}

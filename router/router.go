package router

import (
	"context"
	"database/sql"
	"time"

	"github.com/nx-intelligence/chronos-db/blobstore"
	svcerrors "github.com/nx-intelligence/chronos-db/infrastructure/errors"
	"github.com/nx-intelligence/chronos-db/infrastructure/logging"
	"github.com/nx-intelligence/chronos-db/infrastructure/metrics"
	"github.com/nx-intelligence/chronos-db/hashing"
)

// RouteContext is the input to Route: everything a caller can supply to
// steer resolution.
type RouteContext struct {
	DBName       string
	Collection   string
	ObjectID     string
	ForcedIndex  string
	Key          string
	DatabaseType string
	Tier         string
	TenantID     string
	Domain       string
	TenantTier   string
	TenantMeta   map[string]string
}

// RouteResult is the resolved backend: a pooled DB handle, the bucket
// quadruple, the database name(s) and the routing key stamped on commits.
type RouteResult struct {
	DB              *sql.DB
	Buckets         blobstore.BucketSet
	ResolvedDBName  string
	AnalyticsDBName string
	RoutingKey      string
}

// Router resolves RouteContext values against a static Config, falling back
// to the dynamic-tenant template engine, and caches tenant resolutions.
type Router struct {
	cfg   Config
	pools *poolManager
	cache *tenantCache
	log   *logging.Logger
	met   *metrics.Metrics

	env, region string

	// staticResult, when set (via NewForTest), short-circuits Route for
	// package tests elsewhere in the module.
	staticResult *RouteResult
}

// New builds a Router. env/region feed the {env}/{region} template
// placeholders.
func New(cfg Config, log *logging.Logger, met *metrics.Metrics, env, region string) *Router {
	return &Router{
		cfg:    cfg,
		pools:  newPoolManager(log),
		cache:  newTenantCache(cfg.DynamicTenants.MaxCacheSize, cfg.DynamicTenants.CacheExpiry),
		log:    log,
		met:    met,
		env:    env,
		region: region,
	}
}

// Route resolves ctx to a concrete backend, opening (or reusing) the pooled
// connection and computing the routing key.
func (r *Router) Route(ctx context.Context, rc RouteContext) (RouteResult, error) {
	if r.staticResult != nil {
		return *r.staticResult, nil
	}

	target, source, err := r.resolveTarget(rc)
	if err != nil {
		return RouteResult{}, err
	}
	if r.met != nil {
		r.met.RecordRouteSelection("chronos-db", string(rc.Tier), source)
	}

	connKey, err := r.pickConnKey(rc, target)
	if err != nil {
		return RouteResult{}, err
	}
	dsn, ok := r.cfg.Connections[connKey]
	if !ok {
		return RouteResult{}, svcerrors.Route(rc.TenantID, "connection key "+connKey+" not configured")
	}
	db, err := r.pools.get(ctx, dsn)
	if err != nil {
		return RouteResult{}, svcerrors.Storage("connect", err)
	}

	buckets := r.cfg.Buckets[connKey]
	if buckets.Versions == "" && buckets.Content == "" && buckets.Backups == "" {
		buckets = blobstore.BucketSet{}.Resolve(buckets.Records)
	}
	routingKey := hashing.ResolveKey(r.cfg.ChooseKey, hashing.RouteContext{
		TenantID:   rc.TenantID,
		DBName:     target.DBName,
		Collection: rc.Collection,
		ObjectID:   rc.ObjectID,
		Meta:       rc.TenantMeta,
	})

	return RouteResult{
		DB:              db,
		Buckets:         buckets,
		ResolvedDBName:  target.DBName,
		AnalyticsDBName: target.AnalyticsDBName,
		RoutingKey:      routingKey,
	}, nil
}

// InvalidateTenant drops every cached resolution for a tenant.
func (r *Router) InvalidateTenant(tenantID string) {
	r.cache.invalidate(tenantID)
}

// Close releases every pooled connection.
func (r *Router) Close() error {
	return r.pools.closeAll()
}

func (r *Router) resolveTarget(rc RouteContext) (Target, string, error) {
	// 1. Admin override.
	if rc.ForcedIndex != "" {
		return Target{ConnKeys: []string{rc.ForcedIndex}, DBName: rc.DBName}, "forcedIndex", nil
	}

	// 2. Direct key: exact match in the connection table.
	if rc.Key != "" {
		if _, ok := r.cfg.Connections[rc.Key]; ok {
			return Target{ConnKeys: []string{rc.Key}, DBName: rc.DBName}, "directKey", nil
		}
	}

	dbType := DatabaseType(rc.DatabaseType)

	// Flat (non-tiered) database types.
	if !dbType.tiered() {
		t := r.cfg.flatTarget(dbType)
		if t == nil {
			return Target{}, "", svcerrors.Route(rc.TenantID, "no backend configured for databaseType "+rc.DatabaseType)
		}
		return *t, "flat", nil
	}

	entry := r.cfg.entryFor(dbType)
	tier := Tier(rc.Tier)

	switch tier {
	case TierGeneric:
		if entry.Generic == nil {
			return Target{}, "", svcerrors.Route(rc.TenantID, "no generic backend for databaseType "+rc.DatabaseType)
		}
		return *entry.Generic, "generic", nil

	case TierDomain:
		if t, ok := entry.Domain[rc.Domain]; ok {
			return *t, "domain", nil
		}
		return Target{}, "", svcerrors.Route(rc.TenantID, "no domain backend for "+rc.Domain)

	case TierTenant:
		if t, ok := entry.Tenant[rc.TenantID]; ok {
			return *t, "tenantStatic", nil
		}
		// 4. Dynamic tenant resolution via the template engine.
		if r.cfg.DynamicTenants.Enabled {
			if cached, ok := r.cache.get(rc.TenantID, rc.DatabaseType, rc.Tier); ok {
				return cached, "tenantCached", nil
			}
			target, err := r.resolveDynamicTenant(rc)
			if err != nil {
				return Target{}, "", err
			}
			r.cache.put(rc.TenantID, rc.DatabaseType, rc.Tier, target)
			return target, "tenantTemplate", nil
		}
		return Target{}, "", svcerrors.Route(rc.TenantID, "no tenant backend and dynamic tenants disabled")

	default:
		return Target{}, "", svcerrors.Route(rc.TenantID, "unknown tier "+rc.Tier)
	}
}

func (r *Router) resolveDynamicTenant(rc RouteContext) (Target, error) {
	spec, ok := r.cfg.DynamicTenants.Tiers[rc.TenantTier]
	if !ok {
		spec = r.cfg.DynamicTenants.DefaultSpec
	}

	if err := validateTenantID(rc.TenantID, spec.Validation); err != nil {
		return Target{}, err
	}

	now := time.Now()
	dbName, err := expandTemplate(spec.DBNameTemplate, rc, rc.TenantTier, r.env, r.region, now)
	if err != nil {
		return Target{}, err
	}

	var analyticsDBName string
	if spec.AnalyticsDBNameTemplate != "" {
		analyticsDBName, err = expandTemplate(spec.AnalyticsDBNameTemplate, rc, rc.TenantTier, r.env, r.region, now)
		if err != nil {
			return Target{}, err
		}
	}

	return Target{
		ConnKeys:        []string{spec.ConnKey},
		DBName:          dbName,
		AnalyticsDBName: analyticsDBName,
	}, nil
}

// pickConnKey chooses among a Target's candidate connection keys. A single
// candidate is used directly; multiple candidates are sharded via HRW (or
// jump-consistent hashing when Config.HashAlgo is "jump") keyed on the
// routing-key DSL so the same (tenant, collection, object) always lands on
// the same shard. Under HRW, removing a shard only moves the keys that were
// mapped to it, and adding one only moves the keys that now score highest
// on the new shard.
func (r *Router) pickConnKey(rc RouteContext, target Target) (string, error) {
	switch len(target.ConnKeys) {
	case 0:
		return "", svcerrors.Route(rc.TenantID, "resolved target has no connection key")
	case 1:
		return target.ConnKeys[0], nil
	default:
		key := hashing.ResolveKey(r.cfg.ChooseKey, hashing.RouteContext{
			TenantID:   rc.TenantID,
			DBName:     target.DBName,
			Collection: rc.Collection,
			ObjectID:   rc.ObjectID,
			Meta:       rc.TenantMeta,
		})
		if r.cfg.HashAlgo == "jump" {
			return target.ConnKeys[hashing.JumpHash(hashing.Hash64String(key), int32(len(target.ConnKeys)))], nil
		}
		h := hashing.NewHRW(target.ConnKeys)
		return h.Select(key), nil
	}
}

package chronosdb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nx-intelligence/chronos-db/blobstore"
	"github.com/nx-intelligence/chronos-db/counters"
	svcerrors "github.com/nx-intelligence/chronos-db/infrastructure/errors"
	"github.com/nx-intelligence/chronos-db/infrastructure/logging"
	"github.com/nx-intelligence/chronos-db/infrastructure/metrics"
	"github.com/nx-intelligence/chronos-db/internal/platform/migrations"
	"github.com/nx-intelligence/chronos-db/fbqueue"
	"github.com/nx-intelligence/chronos-db/metadatamap"
	"github.com/nx-intelligence/chronos-db/metapg"
	"github.com/nx-intelligence/chronos-db/optimizer"
	"github.com/nx-intelligence/chronos-db/pipeline"
	"github.com/nx-intelligence/chronos-db/restore"
	"github.com/nx-intelligence/chronos-db/router"
)

// Engine is the engine's single entry point (spec §9's redesign-flag
// replacement for a package-level singleton config): one value, built
// once via NewEngine, threading the same Router/blob store/metadata store
// through every subsystem. Nothing in this module keeps process-global
// state outside of what an *Engine owns.
type Engine struct {
	cfg Config

	Router   *router.Router
	Blobs    blobstore.Store
	Pipeline *pipeline.Engine
	Restore  *restore.Engine
	Counters *counters.Engine
	Batcher  *optimizer.BlobBatcher
	Debounce *optimizer.CounterDebouncer

	Fallback       *fbqueue.Queue
	FallbackWorker *fbqueue.Worker
	FallbackWrap   *fbqueue.Wrapper
	notifier       *fbqueue.Notifier

	log *logging.Logger
	met *metrics.Metrics

	collectionMaps map[string]metadatamap.CollectionMap
}

// CollectionMap looks up a collection's metadata-map configuration,
// falling back to the zero value (index everything, externalize nothing)
// when the caller never declared one.
func (e *Engine) CollectionMap(name string) metadatamap.CollectionMap {
	return e.collectionMaps[name]
}

// NewEngine builds every subsystem in dependency order — blob store,
// metadata schema bootstrap, router, write pipeline, restore engine,
// counter engine, write optimizer, fallback queue and worker — and wires
// the pipeline.ReplayAdapter last, matching spec §9's fix for the
// router → pipeline → fallback import cycle.
func NewEngine(ctx context.Context, cfg Config) (*Engine, error) {
	cfg = cfg.withEnvDefaults()
	log := logging.New("chronos-db", cfg.LogLevel, cfg.LogFormat)
	met := metrics.NewWithRegistry("chronos-db", prometheus.NewRegistry())

	blobs, err := buildBlobStore(cfg)
	if err != nil {
		return nil, err
	}

	if err := bootstrapSchema(ctx, cfg); err != nil {
		return nil, err
	}

	rtr := router.New(cfg.Routing, log, met, cfg.Env, cfg.Region)

	batcher := optimizer.NewBlobBatcher(blobs, cfg.WriteOptimization.toOptimizerConfig(), log)

	// Writes go through the batcher (a no-op pass-through when BatchS3 is
	// unset, since BatchWindow<=0 makes every PutJSON/PutRaw call write
	// immediately); restore reads/writes the raw store directly since
	// restores are administrative and never benefit from batching.
	pl := pipeline.New(rtr, batcher, log, met, cfg.OwnerID)
	pl.Shadow = cfg.DevShadow.toShadowConfig(cfg.WriteOptimization.toOptimizerConfig())
	rs := restore.New(rtr, blobs, log, met)

	cntStore, err := primaryMetadataStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cnt := counters.New(cntStore, cfg.CounterRules, log, met)
	pl.Counters = cnt

	debounce := optimizer.NewCounterDebouncer(
		cfg.WriteOptimization.toOptimizerConfig().DebounceCounters,
		func(key optimizer.CounterKey, delta int64) {
			if _, err := cntStore.IncTotal(ctx, key.DBName, key.Collection, "_ops."+key.Op, delta); err != nil && log != nil {
				log.WithContext(ctx).WithError(err).Warn("debounced counter flush failed")
			}
		},
	)

	e := &Engine{
		cfg:            cfg,
		Router:         rtr,
		Blobs:          blobs,
		Pipeline:       pl,
		Restore:        rs,
		Counters:       cnt,
		Batcher:        batcher,
		Debounce:       debounce,
		log:            log,
		met:            met,
		collectionMaps: cfg.CollectionMaps,
	}

	if cfg.Fallback.Enabled {
		queue := fbqueue.NewQueue(cntStore)
		worker := fbqueue.NewWorker(queue, pl, cfg.Fallback.toQueueConfig(), log, met)
		e.Fallback = queue
		e.FallbackWorker = worker
		e.FallbackWrap = fbqueue.NewWrapper(queue, true)

		if cfg.Fallback.NotifyDSN != "" {
			notifier, err := fbqueue.NewNotifier(cfg.Fallback.NotifyDSN, log)
			if err != nil {
				return nil, svcerrors.Config("fallback.notifyDsn", err.Error())
			}
			if err := notifier.Attach(worker); err != nil {
				return nil, svcerrors.Config("fallback.notifyDsn", err.Error())
			}
			queue.Notify = notifier
			e.notifier = notifier
		}
	} else {
		e.FallbackWrap = fbqueue.NewWrapper(nil, false)
	}

	return e, nil
}

// Run starts the fallback worker's poll loop, if a fallback queue was
// configured. Blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	if e.FallbackWorker != nil {
		e.FallbackWorker.Run(ctx)
	}
}

// Close releases pooled connections and, if running, drains the fallback
// worker and closes its notifier.
func (e *Engine) Close() error {
	if e.FallbackWorker != nil {
		e.FallbackWorker.Stop()
	}
	if e.notifier != nil {
		_ = e.notifier.Close()
	}
	return e.Router.Close()
}

func buildBlobStore(cfg Config) (blobstore.Store, error) {
	if cfg.LocalStorage.Enabled {
		return blobstore.NewLocalStore(cfg.LocalStorage.BasePath)
	}
	return nil, svcerrors.Config("localStorage.enabled", "no blob backend configured: set localStorage.enabled, or build the engine's blobstore.Store yourself (e.g. blobstore.NewS3Store) and assign it to Engine.Blobs after construction — S3 credential discovery is an external collaborator this package does not implement")
}

// bootstrapSchema applies the embedded chronos_* schema to every
// configured connection, since a sharded metadata tier has one physical
// Postgres per connection key and each needs the same tables.
func bootstrapSchema(ctx context.Context, cfg Config) error {
	for connKey, dsn := range cfg.Routing.Connections {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return svcerrors.Config("routing.connections["+connKey+"]", err.Error())
		}
		err = migrations.Apply(ctx, db)
		closeErr := db.Close()
		if err != nil {
			return svcerrors.Storage("bootstrapSchema:"+connKey, err)
		}
		if closeErr != nil {
			return svcerrors.Storage("bootstrapSchema:"+connKey, closeErr)
		}
	}
	return nil
}

// primaryMetadataStore opens a dedicated *metapg.Store against the
// metadata tier's generic target, used by the counter engine and fallback
// queue: both operate on chronos_cnt_*/chronos_fallback_ops rows keyed by
// (dbName, collection), not on a per-tenant-shard basis, so a single
// connection suffices even when record storage itself is sharded.
func primaryMetadataStore(ctx context.Context, cfg Config) (*metapg.Store, error) {
	if cfg.Routing.Metadata.Generic == nil || len(cfg.Routing.Metadata.Generic.ConnKeys) == 0 {
		return nil, svcerrors.Config("routing.metadata.generic", "no generic metadata target configured")
	}
	connKey := cfg.Routing.Metadata.Generic.ConnKeys[0]
	dsn, ok := cfg.Routing.Connections[connKey]
	if !ok {
		return nil, svcerrors.Config("routing.connections", fmt.Sprintf("connection key %q not configured", connKey))
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, svcerrors.Storage("openMetadataStore", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, svcerrors.Storage("pingMetadataStore", err)
	}
	return metapg.New(db), nil
}

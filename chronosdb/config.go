// Package chronosdb is the engine's external surface (spec §6, §9): a
// Config struct that gathers every backend, routing and tuning knob the
// rest of the module exposes, and an Engine that wires them together in
// dependency order, replacing the "global singleton config" the original
// design flagged for redesign (§9) with an explicit, constructible value.
package chronosdb

import (
	"time"

	"github.com/nx-intelligence/chronos-db/counters"
	"github.com/nx-intelligence/chronos-db/fbqueue"
	"github.com/nx-intelligence/chronos-db/infrastructure/runtime"
	"github.com/nx-intelligence/chronos-db/metadatamap"
	"github.com/nx-intelligence/chronos-db/optimizer"
	"github.com/nx-intelligence/chronos-db/pipeline"
	"github.com/nx-intelligence/chronos-db/router"
)

// LocalStorageConfig backs the blob store with the filesystem adapter
// instead of S3, for single-node and test deployments.
type LocalStorageConfig struct {
	Enabled  bool
	BasePath string
}

// S3Config describes the credentials/endpoint an AWS SDK v2 *s3.Client is
// built from. Left to the caller to resolve into an *s3.Client (env vars,
// shared config files, IAM roles) — this repository only consumes the
// narrow blobstore.S3Client interface, never AWS credential discovery.
type S3Config struct {
	Enabled  bool
	Endpoint string // non-empty for S3-compatible services (MinIO, R2, Spaces)
	Region   string
}

// RetentionConfig bounds how long superseded versions and stale counter
// unique-value rows are kept before an external reaper may remove them.
// The reaper itself is the out-of-scope "hard-delete admin utility" of
// spec.md §1; this repository only carries the knob.
type RetentionConfig struct {
	VersionDays  int
	CounterDays  int
}

// DevShadowConfig tunes the Head.fullShadow fast path (spec §3, §4.10).
type DevShadowConfig struct {
	Enabled        bool
	TTLHours       int
	MaxBytesPerDoc int64
}

// FallbackConfig tunes the durable write-replay queue (spec §4.9).
type FallbackConfig struct {
	Enabled        bool
	MaxAttempts    int
	BaseDelayMs    int
	MaxDelayMs     int
	PollIntervalMs int
	BatchSize      int
	// NotifyDSN, when set, wires a LISTEN/NOTIFY wake signal (pkg/pgnotify)
	// on top of the poll loop. Optional: the poll loop alone is correct,
	// NOTIFY only shortens worst-case pickup latency.
	NotifyDSN string
}

// WriteOptimizationConfig tunes the batching/debouncing layer of §4.10.
type WriteOptimizationConfig struct {
	BatchS3            bool
	BatchWindowMs      int
	DebounceCountersMs int
	AllowShadowSkip    bool
	FlushRatePerSecond float64
}

// Config is the full external configuration surface (spec.md §6,
// field-for-field). It holds a router.Config (the Routing field) for
// routing/connections/buckets/dynamic-tenants rather than re-declaring
// that surface.
type Config struct {
	Env    string
	Region string

	Routing router.Config

	LocalStorage LocalStorageConfig
	S3           S3Config

	// OwnerID identifies this process as a record-lock holder. Empty means
	// pipeline.New generates a random one (fine for a single process, not
	// for crash-recovery attribution across restarts).
	OwnerID string

	// CollectionMaps declares the indexed-path/base64 projection for every
	// collection this engine serves (spec §4.4).
	CollectionMaps map[string]metadatamap.CollectionMap

	// CounterRules declares the counter engine's $inc rules (spec §4.8).
	CounterRules []counters.Rule

	Retention         RetentionConfig
	DevShadow         DevShadowConfig
	HardDeleteEnabled bool
	Fallback          FallbackConfig
	WriteOptimization WriteOptimizationConfig

	LogLevel  string
	LogFormat string
}

// withEnvDefaults overlays CHRONOS_*-prefixed environment variables on top
// of whatever Config the caller built programmatically, via
// infrastructure/runtime's cfgValue-then-env-then-fallback Resolve* helpers
// (the same precedence the teacher's own service config layer applies) —
// so for the string and int fields a value set in code wins and an env var
// fills in what code left unset, while the three bool fields take the env
// var whenever it is set. Nothing here requires the caller to read
// os.Getenv itself.
func (c Config) withEnvDefaults() Config {
	c.Env = runtime.ResolveString(c.Env, "CHRONOS_ENV", "")
	c.Region = runtime.ResolveString(c.Region, "CHRONOS_REGION", "")
	c.LogLevel = runtime.ResolveString(c.LogLevel, "CHRONOS_LOG_LEVEL", "info")
	c.LogFormat = runtime.ResolveString(c.LogFormat, "CHRONOS_LOG_FORMAT", "json")
	c.Fallback.Enabled = runtime.ResolveBool(c.Fallback.Enabled, "CHRONOS_FALLBACK_ENABLED")
	c.DevShadow.Enabled = runtime.ResolveBool(c.DevShadow.Enabled, "CHRONOS_DEV_SHADOW_ENABLED")
	c.WriteOptimization.BatchS3 = runtime.ResolveBool(c.WriteOptimization.BatchS3, "CHRONOS_BATCH_S3")
	c.Fallback.MaxAttempts = runtime.ResolveInt(c.Fallback.MaxAttempts, "CHRONOS_FALLBACK_MAX_ATTEMPTS", c.Fallback.MaxAttempts)
	return c
}

// toShadowConfig builds the pipeline's dev-shadow fast path config. optCfg
// supplies the write optimizer's bulk-op/size skip heuristic so the shadow
// respects the same AllowShadowSkip knob the blob batcher/counter
// debouncer already use.
func (c DevShadowConfig) toShadowConfig(optCfg optimizer.Config) pipeline.ShadowConfig {
	return pipeline.ShadowConfig{
		Enabled:        c.Enabled,
		TTL:            time.Duration(c.TTLHours) * time.Hour,
		MaxBytesPerDoc: c.MaxBytesPerDoc,
		Optimizer:      optCfg,
	}
}

func (c WriteOptimizationConfig) toOptimizerConfig() optimizer.Config {
	window := time.Duration(c.BatchWindowMs) * time.Millisecond
	if !c.BatchS3 {
		window = 0
	}
	return optimizer.Config{
		BatchWindow:        window,
		DebounceCounters:   time.Duration(c.DebounceCountersMs) * time.Millisecond,
		AllowShadowSkip:    c.AllowShadowSkip,
		FlushRatePerSecond: c.FlushRatePerSecond,
	}
}

func (c FallbackConfig) toQueueConfig() fbqueue.Config {
	cfg := fbqueue.DefaultConfig()
	if c.MaxAttempts > 0 {
		cfg.MaxAttempts = c.MaxAttempts
	}
	if c.BaseDelayMs > 0 {
		cfg.BaseDelayMs = c.BaseDelayMs
	}
	if c.MaxDelayMs > 0 {
		cfg.MaxDelayMs = c.MaxDelayMs
	}
	if c.PollIntervalMs > 0 {
		cfg.PollInterval = time.Duration(c.PollIntervalMs) * time.Millisecond
	}
	if c.BatchSize > 0 {
		cfg.BatchSize = c.BatchSize
	}
	return cfg
}

// Package router resolves a RouteContext to a concrete backend: a pooled
// Postgres connection, a blob-store bucket quadruple, the database name to
// use, and the routing key the commit path stamps onto version rows. It
// implements the resolution order, template engine and tenant cache of
// spec §4.3.
package router

import (
	"time"

	"github.com/nx-intelligence/chronos-db/blobstore"
)

// DatabaseType is one of the six routed database categories.
type DatabaseType string

const (
	DatabaseTypeMetadata   DatabaseType = "metadata"
	DatabaseTypeKnowledge  DatabaseType = "knowledge"
	DatabaseTypeRuntime    DatabaseType = "runtime"
	DatabaseTypeLogs       DatabaseType = "logs"
	DatabaseTypeMessaging  DatabaseType = "messaging"
	DatabaseTypeIdentities DatabaseType = "identities"
)

// tiered reports whether a DatabaseType has generic/domain/tenant tiers.
// logs, messaging and identities are flat — one target, no tiering.
func (d DatabaseType) tiered() bool {
	switch d {
	case DatabaseTypeLogs, DatabaseTypeMessaging, DatabaseTypeIdentities:
		return false
	default:
		return true
	}
}

// Tier is one of the three resolution tiers for a tiered DatabaseType.
type Tier string

const (
	TierGeneric Tier = "generic"
	TierDomain  Tier = "domain"
	TierTenant  Tier = "tenant"
)

// Target is a resolved connection assignment: one or more candidate
// connection keys (sharded when more than one), a database name and an
// optional analytics database name. The bucket quadruple is not part of a
// Target; Route looks it up in Config.Buckets by the chosen connection key.
type Target struct {
	ConnKeys        []string
	DBName          string
	AnalyticsDBName string
}

// TieredEntry holds a DatabaseType's generic/domain/tenant targets.
type TieredEntry struct {
	Generic *Target
	Domain  map[string]*Target // keyed by domain name
	Tenant  map[string]*Target // keyed by tenantId, static assignments only
}

// TenantValidation constrains acceptable tenant ids.
type TenantValidation struct {
	Pattern      string
	MinLength    int
	MaxLength    int
	AllowedChars string
}

// TenantSpec is a dynamic-tenant template: placeholders are expanded per
// RouteContext to produce a Target on the fly.
type TenantSpec struct {
	ConnKey                  string
	DBNameTemplate           string
	AnalyticsDBNameTemplate  string
	RecordsBucketTemplate    string
	VersionsBucketTemplate   string
	ContentBucketTemplate    string
	BackupsBucketTemplate    string
	BucketTemplate           string // legacy single-bucket template
	Validation               TenantValidation
}

// DynamicTenants configures on-the-fly tenant resolution via TenantSpec
// templates, used when no static tenant entry matches.
type DynamicTenants struct {
	Enabled      bool
	AutoCreate   bool
	CacheExpiry  time.Duration
	MaxCacheSize int
	// Tiers maps a tenantTier name ("starter","enterprise",...) to its
	// template spec; DefaultSpec is used when RouteContext carries no
	// tenantTier or the named tier has no entry.
	Tiers       map[string]TenantSpec
	DefaultSpec TenantSpec
}

// Config is the full static routing configuration.
type Config struct {
	// Connections maps a connection key to its Postgres DSN. Step 2 of
	// resolution ("direct key") matches RouteContext.Key against these
	// keys directly.
	Connections map[string]string

	// Buckets maps a connection key to the bucket quadruple its backend
	// serves. A BucketSet with only Records set is expanded by Route to use
	// that bucket for all four roles.
	Buckets map[string]blobstore.BucketSet

	Metadata   TieredEntry
	Knowledge  TieredEntry
	Runtime    TieredEntry
	Logs       *Target
	Messaging  *Target
	Identities *Target

	DynamicTenants DynamicTenants

	// HashAlgo selects the backend-sharding algorithm used when a Target
	// carries more than one candidate ConnKey: "hrw" (default) or "jump".
	HashAlgo string

	// ChooseKey is the pipe-separated key DSL (hashing.ResolveKey) used to
	// derive the routing key stamped onto commits and used for sharding.
	ChooseKey string
}

func (c Config) entryFor(dbType DatabaseType) TieredEntry {
	switch dbType {
	case DatabaseTypeMetadata:
		return c.Metadata
	case DatabaseTypeKnowledge:
		return c.Knowledge
	case DatabaseTypeRuntime:
		return c.Runtime
	default:
		return TieredEntry{}
	}
}

func (c Config) flatTarget(dbType DatabaseType) *Target {
	switch dbType {
	case DatabaseTypeLogs:
		return c.Logs
	case DatabaseTypeMessaging:
		return c.Messaging
	case DatabaseTypeIdentities:
		return c.Identities
	default:
		return nil
	}
}

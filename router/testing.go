package router

import (
	"context"
	"database/sql"

	"github.com/nx-intelligence/chronos-db/blobstore"
)

// NewForTest returns a Router whose Route always resolves to db/buckets/
// dbName directly, bypassing config resolution entirely. For package tests
// elsewhere in the module that need a Router but want to drive the
// underlying *sql.DB with sqlmock rather than configure a full Config.
func NewForTest(db *sql.DB, buckets blobstore.BucketSet, dbName string) *Router {
	return &Router{
		staticResult: &RouteResult{
			DB:             db,
			Buckets:        buckets,
			ResolvedDBName: dbName,
		},
	}
}

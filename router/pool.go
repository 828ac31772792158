package router

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/nx-intelligence/chronos-db/infrastructure/logging"
)

// poolManager is the process-wide, URI-keyed connection pool. It is the
// sole mutator of the shared *sql.DB set; Router holds one instance.
type poolManager struct {
	mu    sync.Mutex
	pools map[string]*sql.DB
	log   *logging.Logger
}

func newPoolManager(log *logging.Logger) *poolManager {
	return &poolManager{pools: make(map[string]*sql.DB), log: log}
}

// get lazily opens a pooled connection for dsn: max pool 15, max idle 5,
// connection max idle time 60s, with a 5s server-selection (ping) timeout —
// the Postgres-store equivalent of the spec's Mongo pool knobs.
func (m *poolManager) get(ctx context.Context, dsn string) (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if db, ok := m.pools[dsn]; ok {
		return db, nil
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(15)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(60 * time.Second)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	m.pools[dsn] = db
	if m.log != nil {
		m.log.Info(ctx, "opened pooled connection", map[string]interface{}{"dsn_present": dsn != ""})
	}
	return db, nil
}

// closeAll closes every pooled connection. Used on Engine shutdown.
func (m *poolManager) closeAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for dsn, db := range m.pools {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.pools, dsn)
	}
	return firstErr
}

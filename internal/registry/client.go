// Package registry is the durable store of Match/Bet/Fighter/
// CalibrationMatch/FailedUpload rows and their status machines. The Match
// Runner and Event Listener are its two writers for match/bet status
// (spec's cyclic-writer problem, resolved by conditional compare-and-swap
// updates: every transition names the status it expects to observe and
// updates 0 rows, not the wrong row, when another writer got there first).
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Registry wraps a Postgres connection pool.
type Registry struct {
	db *sqlx.DB
}

// Config holds registry connection configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// New opens a connection pool against Postgres.
func New(cfg Config) (*Registry, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect registry: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 20
	}
	db.SetMaxOpenConns(maxOpen)
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return &Registry{db: db}, nil
}

// NewFromDB wraps an already-open *sqlx.DB, used by tests to inject a
// sqlmock-backed connection.
func NewFromDB(db *sqlx.DB) *Registry {
	return &Registry{db: db}
}

// Close releases the connection pool.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Ping checks Postgres reachability, used by the health-check surface.
func (r *Registry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// ErrStatusConflict is returned by a conditional status update when the
// row's current status no longer matches the expected "from" status — some
// other writer (Event Listener, Watchdog, Timeout loop) already moved it.
type ErrStatusConflict struct {
	Table        string
	ID           string
	ExpectStatus string
}

func (e *ErrStatusConflict) Error() string {
	return fmt.Sprintf("registry: %s %s not in expected status %q", e.Table, e.ID, e.ExpectStatus)
}

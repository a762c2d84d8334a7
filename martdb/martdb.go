// Package martdb is the mart database accessor (C2): a dialect-
// parameterized connection pool plus the narrow Querier/Tx surface that
// every upper layer (the pending-delta ledger, the refresh-entity
// handler, the report handler family) is written against. Two concrete
// dialects are provided, martdb/postgres.go (pgxpool) and
// martdb/sqlite.go (database/sql + ncruces/go-sqlite3), so the rest of
// the repository never imports a driver package directly.
package martdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/senzing-garage/data-mart-replicator/errs"
)

// Dialect identifies which SQL backend a DB talks to, so the small set
// of idioms that differ between them (bind placeholders, timestamp
// expressions) can be chosen without upper layers caring.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

func (d Dialect) String() string {
	switch d {
	case DialectPostgres:
		return "postgres"
	case DialectSQLite:
		return "sqlite"
	default:
		return "unknown"
	}
}

// Row is the result of a query expected to return at most one row.
type Row interface {
	Scan(dest ...interface{}) error
}

// Rows is the result of a query expected to return any number of rows.
type Rows interface {
	Row
	Next() bool
	Close() error
	Err() error
}

// Querier is the subset of database operations shared by a DB and a Tx.
type Querier interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
}

// Tx is a mart transaction. Every mutating operation in C3/C6/C7 runs
// inside one of these so a failure rolls back the whole unit of work.
type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// DB is the mart database accessor's public contract: acquire a
// transaction, run statements against it or directly against the pool,
// and know which dialect idioms to use.
type DB interface {
	Querier
	Dialect() Dialect
	// Begin starts a new transaction (spec §4.2's acquire()).
	Begin(ctx context.Context) (Tx, error)
	// Bootstrap creates the mart schema if it is absent. Idempotent.
	Bootstrap(ctx context.Context) error
	// NowExpr returns the dialect's current-timestamp SQL expression.
	// The ledger and the database-table queue bind driver-side time.Time
	// values for their timestamp columns and do not call it.
	NowExpr() string
	Close()
}

// ErrNoRows is returned by QueryRow.Scan when a query expected to find a
// row found none. Both dialects normalize their own driver's no-rows
// error (database/sql's sql.ErrNoRows, pgx's pgx.ErrNoRows) to this
// sentinel via normalizedRow, so callers never need to import either
// driver package to check for it.
var ErrNoRows = errors.New("martdb: no rows in result set")

// normalizedRow wraps a driver Row so Scan translates that driver's own
// no-rows error into the dialect-independent ErrNoRows.
type normalizedRow struct {
	row Row
}

func (r normalizedRow) Scan(dest ...interface{}) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows) {
		return ErrNoRows
	}
	return err
}

// WrapTransient marks err as a retryable mart failure (serialization
// failures, lock timeouts) per the ConfigInvalid/MartTransient/MartFatal
// taxonomy.
func WrapTransient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s", errs.ErrMartTransient, err)
}

// WrapFatal marks err as a non-retryable mart failure (schema/constraint
// violation): the task is dropped and logged, the service continues.
func WrapFatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s", errs.ErrMartFatal, err)
}

// LeaseExpiry computes the absolute lease expiry timestamp for a lease
// minted now with the given duration, used by both dialects' lease
// queries when the driver requires a bound time.Time rather than a SQL
// NOW()-style expression.
func LeaseExpiry(now time.Time, duration time.Duration) time.Time {
	return now.Add(duration)
}

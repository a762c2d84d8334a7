package martdb

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDB is the PostgreSQL dialect of the mart database accessor,
// adapted from the teacher's pgx/pgxpool wrapper: pool size is pgxpool's
// own default unless connString carries a pool_max_conns parameter (the
// caller adds none of its own), and isolation is
// left at the driver default (READ COMMITTED), matching spec §4.2's
// rationale that all mart writes are idempotent upserts.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// NewPostgresDB opens a PostgreSQL connection pool for connString
// (standard `postgres://` libpq DSN, already translated from the
// replicator's own `postgresql://` URI grammar by cli's postgresConnString).
func NewPostgresDB(ctx context.Context, connString string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("martdb: creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("martdb: pinging postgres: %w", err)
	}
	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Dialect() Dialect { return DialectPostgres }
func (db *PostgresDB) NowExpr() string  { return "NOW()" }
func (db *PostgresDB) Close()           { db.pool.Close() }

// rebind rewrites the `?` bind placeholders every caller above martdb
// writes its queries with into pgx's `$1`, `$2`, ... positional syntax —
// the same seam NowExpr already uses to hide a dialect difference from
// the rest of the package. `?` inside a single-quoted string literal is
// left untouched.
func rebind(query string) string {
	if !strings.ContainsRune(query, '?') {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inString := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inString = !inString
			b.WriteByte(c)
		case c == '?' && !inString:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func (db *PostgresDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := db.pool.Exec(ctx, rebind(query), args...)
	return err
}

func (db *PostgresDB) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	rows, err := db.pool.Query(ctx, rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return pgxRows{rows}, nil
}

func (db *PostgresDB) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return normalizedRow{db.pool.QueryRow(ctx, rebind(query), args...)}
}

func (db *PostgresDB) Begin(ctx context.Context) (Tx, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("martdb: beginning postgres tx: %w", err)
	}
	return &postgresTx{tx: tx}, nil
}

func (db *PostgresDB) Bootstrap(ctx context.Context) error {
	for _, stmt := range schemaStatements(DialectPostgres) {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("martdb: bootstrapping schema: %w", err)
		}
	}
	return nil
}

// pgxRows adapts pgx.Rows (whose Scan/Next/Close/Err already match our
// Rows interface structurally) so Close can return an error, which
// pgx.Rows.Close does not.
type pgxRows struct {
	pgx.Rows
}

func (r pgxRows) Close() error {
	r.Rows.Close()
	return r.Rows.Err()
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) Exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := t.tx.Exec(ctx, rebind(query), args...)
	return err
}

func (t *postgresTx) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	rows, err := t.tx.Query(ctx, rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return pgxRows{rows}, nil
}

func (t *postgresTx) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return normalizedRow{t.tx.QueryRow(ctx, rebind(query), args...)}
}

func (t *postgresTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *postgresTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

var _ DB = (*PostgresDB)(nil)
var _ Tx = (*postgresTx)(nil)

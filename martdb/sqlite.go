package martdb

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteDB is the SQLite dialect of the mart database accessor. SQLite
// allows only one writer at a time, so the pool is always clamped to a
// single connection (spec §4.2) rather than letting core-concurrency
// raise it, trading write concurrency for simplicity — the
// database-backed queue backend relies on this same serialization.
type SQLiteDB struct {
	conn *sql.DB
}

// NewSQLiteDB opens dsn (a path, or ":memory:") through the pure-Go
// go-sqlite3 driver and clamps the pool to one connection.
func NewSQLiteDB(dsn string) (*SQLiteDB, error) {
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("martdb: opening sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("martdb: pinging sqlite: %w", err)
	}
	return &SQLiteDB{conn: conn}, nil
}

func (db *SQLiteDB) Dialect() Dialect { return DialectSQLite }
func (db *SQLiteDB) NowExpr() string  { return "CURRENT_TIMESTAMP" }
func (db *SQLiteDB) Close()           { db.conn.Close() }

func (db *SQLiteDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := db.conn.ExecContext(ctx, query, args...)
	return err
}

func (db *SQLiteDB) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	return db.conn.QueryContext(ctx, query, args...)
}

func (db *SQLiteDB) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return normalizedRow{db.conn.QueryRowContext(ctx, query, args...)}
}

func (db *SQLiteDB) Begin(ctx context.Context) (Tx, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("martdb: beginning sqlite tx: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

func (db *SQLiteDB) Bootstrap(ctx context.Context) error {
	for _, stmt := range schemaStatements(DialectSQLite) {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("martdb: bootstrapping schema: %w", err)
		}
	}
	return nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := t.tx.ExecContext(ctx, query, args...)
	return err
}

func (t *sqliteTx) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *sqliteTx) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return normalizedRow{t.tx.QueryRowContext(ctx, query, args...)}
}

func (t *sqliteTx) Commit(ctx context.Context) error   { return t.tx.Commit() }
func (t *sqliteTx) Rollback(ctx context.Context) error { return t.tx.Rollback() }

var _ DB = (*SQLiteDB)(nil)
var _ Tx = (*sqliteTx)(nil)

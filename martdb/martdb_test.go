package martdb

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteBootstrapAndRoundTrip(t *testing.T) {
	db, err := NewSQLiteDB(":memory:")
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.Bootstrap(ctx))
	require.NoError(t, db.Bootstrap(ctx), "bootstrap must be idempotent")

	tx, err := db.Begin(ctx)
	require.NoError(t, err)

	err = tx.Exec(ctx,
		`INSERT INTO sz_dm_entity (entity_id, entity_name, record_count, related_count, entity_hash, creator_id, modifier_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		int64(1), "E1", 2, 0, "hash1", "op1", "op1")
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	var name string
	row := db.QueryRow(ctx, `SELECT entity_name FROM sz_dm_entity WHERE entity_id = ?`, int64(1))
	require.NoError(t, row.Scan(&name))
	assert.Equal(t, "E1", name)
}

func TestSQLiteQueryRowNormalizesNoRows(t *testing.T) {
	db, err := NewSQLiteDB(":memory:")
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.Bootstrap(ctx))

	var name string
	row := db.QueryRow(ctx, `SELECT entity_name FROM sz_dm_entity WHERE entity_id = ?`, int64(999))
	err = row.Scan(&name)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoRows), "dialect-specific no-rows error must normalize to martdb.ErrNoRows")
}

func TestSQLiteDialectNowExpr(t *testing.T) {
	db, err := NewSQLiteDB(":memory:")
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, DialectSQLite, db.Dialect())
	assert.Equal(t, "CURRENT_TIMESTAMP", db.NowExpr())
}

func TestSchemaStatementsBothDialects(t *testing.T) {
	for _, d := range []Dialect{DialectPostgres, DialectSQLite} {
		stmts := schemaStatements(d)
		assert.NotEmpty(t, stmts)
		for _, s := range stmts {
			assert.Contains(t, s, "IF NOT EXISTS")
		}
	}
}

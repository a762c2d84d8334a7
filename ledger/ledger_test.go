package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senzing-garage/data-mart-replicator/martdb"
)

func newTestDB(t *testing.T) martdb.DB {
	t.Helper()
	db, err := martdb.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.Bootstrap(context.Background()))
	return db
}

func TestAppendAndDistinctKeys(t *testing.T) {
	db := newTestDB(t)
	l := New(db)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, db, "DSS:A", 1, nil, 0, 1, 0))
	require.NoError(t, l.Append(ctx, db, "DSS:A", 1, nil, 0, 1, 0))
	require.NoError(t, l.Append(ctx, db, "CSS:A:B", 1, nil, 1, 1, 0))

	keys, err := l.DistinctKeys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"DSS:A", "CSS:A:B"}, keys)
}

func TestLeaseAndDeleteLeased(t *testing.T) {
	db := newTestDB(t)
	l := New(db)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, db, "DSS:A", 1, nil, 0, 1, 0))
	require.NoError(t, l.Append(ctx, db, "DSS:A", 1, nil, 0, 2, 0))

	tx, err := db.Begin(ctx)
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0).UTC()
	leased, err := l.Lease(ctx, tx, "DSS:A", "lease-1", now, 60*time.Second)
	require.NoError(t, err)
	require.Len(t, leased, 2)

	var total int32
	for _, row := range leased {
		total += row.RecordDelta
	}
	assert.Equal(t, int32(3), total)

	deleted, err := l.DeleteLeased(ctx, tx, "DSS:A", "lease-1")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	require.NoError(t, tx.Commit(ctx))

	keys, err := l.DistinctKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLeaseOnlyTakesUnleasedRows(t *testing.T) {
	db := newTestDB(t)
	l := New(db)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, db, "DSS:A", 1, nil, 0, 1, 0))

	tx1, err := db.Begin(ctx)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0).UTC()
	leased1, err := l.Lease(ctx, tx1, "DSS:A", "lease-1", now, 60*time.Second)
	require.NoError(t, err)
	require.Len(t, leased1, 1)
	require.NoError(t, tx1.Commit(ctx))

	tx2, err := db.Begin(ctx)
	require.NoError(t, err)
	leased2, err := l.Lease(ctx, tx2, "DSS:A", "lease-2", now, 60*time.Second)
	require.NoError(t, err)
	assert.Empty(t, leased2)
	require.NoError(t, tx2.Rollback(ctx))
}

func TestExpireStaleLeasesRecoversOldLeases(t *testing.T) {
	db := newTestDB(t)
	l := New(db)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, db, "DSS:A", 1, nil, 0, 1, 0))

	mintTime := time.Unix(1_700_000_000, 0).UTC()
	tx1, err := db.Begin(ctx)
	require.NoError(t, err)
	_, err = l.Lease(ctx, tx1, "DSS:A", "lease-1", mintTime, 60*time.Second)
	require.NoError(t, err)
	require.NoError(t, tx1.Commit(ctx))

	farFuture := mintTime.Add(10 * time.Minute)
	tx2, err := db.Begin(ctx)
	require.NoError(t, err)
	recovered, err := l.ExpireStaleLeases(ctx, tx2, "DSS:A", farFuture, 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	leased2, err := l.Lease(ctx, tx2, "DSS:A", "lease-2", farFuture, 60*time.Second)
	require.NoError(t, err)
	assert.Len(t, leased2, 1)
	require.NoError(t, tx2.Commit(ctx))
}

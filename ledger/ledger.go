// Package ledger is the pending-delta ledger (C3): a durable table of
// not-yet-applied report deltas, keyed by (report_key, entity_id,
// related_id?), with lease columns that let exactly one report-handler
// invocation own a batch of rows at a time.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/senzing-garage/data-mart-replicator/lifecycle"
	"github.com/senzing-garage/data-mart-replicator/martdb"
	"github.com/senzing-garage/data-mart-replicator/model"
)

// Ledger is the C3 capability set: append, recover in-flight keys, and
// lease rows for a report handler to apply.
type Ledger struct {
	db martdb.DB
	// Metrics, if set, is incremented as rows are appended, leased, and
	// deleted, surfaced on the lifecycle component's /readyz endpoint.
	// Nil is valid; it is a plain exported field rather than a New()
	// parameter so every existing call site keeps working unchanged.
	Metrics *lifecycle.Metrics
}

// New builds a Ledger over db.
func New(db martdb.DB) *Ledger {
	return &Ledger{db: db}
}

// Append inserts a new pending-delta row. It never coalesces with an
// existing row at append time — aggregation happens only when a report
// handler leases and sums rows (spec.md §4.7).
func (l *Ledger) Append(ctx context.Context, q martdb.Querier, reportKey string, entityID int64, relatedID *int64, entityDelta, recordDelta, relationDelta int32) error {
	err := q.Exec(ctx,
		`INSERT INTO sz_dm_pending_report (report_key, entity_id, related_id, entity_delta, record_delta, relation_delta)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		reportKey, entityID, relatedID, entityDelta, recordDelta, relationDelta)
	if err != nil {
		return martdb.WrapTransient(fmt.Errorf("appending pending delta for %s: %w", reportKey, err))
	}
	if l.Metrics != nil {
		l.Metrics.LedgerAppended.Inc()
	}
	return nil
}

// DistinctKeys returns every report key with at least one row currently
// in the ledger, used at startup to recover in-flight work (spec.md
// §4.8) — a crashed process leaves pending rows behind, and the
// follow-up scheduler re-enqueues their report keys.
func (l *Ledger) DistinctKeys(ctx context.Context) ([]string, error) {
	rows, err := l.db.Query(ctx, `SELECT DISTINCT report_key FROM sz_dm_pending_report`)
	if err != nil {
		return nil, martdb.WrapTransient(fmt.Errorf("listing distinct pending report keys: %w", err))
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, martdb.WrapTransient(fmt.Errorf("scanning distinct report key: %w", err))
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, martdb.WrapTransient(fmt.Errorf("iterating distinct report keys: %w", err))
	}
	return keys, nil
}

// PendingCount returns the number of ledger rows with no lease held,
// used by the lifecycle component's idle check (spec.md §4.9) alongside
// the scheduler's and follow-up loop's own pending counts.
func (l *Ledger) PendingCount(ctx context.Context) (int, error) {
	var count int
	row := l.db.QueryRow(ctx, `SELECT COUNT(*) FROM sz_dm_pending_report WHERE lease_id IS NULL`)
	if err := row.Scan(&count); err != nil {
		return 0, martdb.WrapTransient(fmt.Errorf("counting unleased pending rows: %w", err))
	}
	return count, nil
}

// ExpireStaleLeases clears lease_id/expire_lease_at on rows for
// reportKey whose expire_lease_at is earlier than now+2*leaseDuration —
// the generous cutoff spec.md §4.7 step 2 asks for, defensive against
// clock skew between the handler that minted the lease and the one
// recovering it. Since a fresh lease expires at now+leaseDuration, the
// cutoff also clears leases that have not yet expired. It returns the number of rows recovered so the caller
// can log a warning when that count is nonzero.
func (l *Ledger) ExpireStaleLeases(ctx context.Context, tx martdb.Tx, reportKey string, now time.Time, leaseDuration time.Duration) (int, error) {
	cutoff := now.Add(2 * leaseDuration)
	rows, err := tx.Query(ctx,
		`SELECT id FROM sz_dm_pending_report WHERE report_key = ? AND lease_id IS NOT NULL AND expire_lease_at < ?`,
		reportKey, cutoff)
	if err != nil {
		return 0, martdb.WrapTransient(fmt.Errorf("finding stale leases for %s: %w", reportKey, err))
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, martdb.WrapTransient(fmt.Errorf("scanning stale lease id: %w", err))
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, martdb.WrapTransient(err)
	}
	rows.Close()

	if len(ids) == 0 {
		return 0, nil
	}
	if err := tx.Exec(ctx,
		`UPDATE sz_dm_pending_report SET lease_id = NULL, expire_lease_at = NULL WHERE report_key = ? AND lease_id IS NOT NULL AND expire_lease_at < ?`,
		reportKey, cutoff); err != nil {
		return 0, martdb.WrapTransient(fmt.Errorf("clearing stale leases for %s: %w", reportKey, err))
	}
	return len(ids), nil
}

// Lease takes ownership of every currently unleased row for reportKey,
// stamping leaseID and an expiry of now+leaseDuration, then reads those
// rows back (spec.md §4.7 steps 3–4).
func (l *Ledger) Lease(ctx context.Context, tx martdb.Tx, reportKey, leaseID string, now time.Time, leaseDuration time.Duration) ([]model.PendingReportRow, error) {
	expiry := martdb.LeaseExpiry(now, leaseDuration)

	if err := tx.Exec(ctx,
		`UPDATE sz_dm_pending_report SET lease_id = ?, expire_lease_at = ? WHERE report_key = ? AND lease_id IS NULL`,
		leaseID, expiry, reportKey); err != nil {
		return nil, martdb.WrapTransient(fmt.Errorf("leasing pending rows for %s: %w", reportKey, err))
	}

	rows, err := tx.Query(ctx,
		`SELECT id, report_key, entity_id, related_id, entity_delta, record_delta, relation_delta, lease_id, expire_lease_at
		 FROM sz_dm_pending_report WHERE report_key = ? AND lease_id = ?`,
		reportKey, leaseID)
	if err != nil {
		return nil, martdb.WrapTransient(fmt.Errorf("reading back leased rows for %s: %w", reportKey, err))
	}
	defer rows.Close()

	var leased []model.PendingReportRow
	for rows.Next() {
		var row model.PendingReportRow
		if err := rows.Scan(&row.ID, &row.ReportKey, &row.EntityID, &row.RelatedID,
			&row.EntityDelta, &row.RecordDelta, &row.RelationDelta, &row.LeaseID, &row.ExpireLeaseAt); err != nil {
			return nil, martdb.WrapTransient(fmt.Errorf("scanning leased row: %w", err))
		}
		leased = append(leased, row)
	}
	if err := rows.Err(); err != nil {
		return nil, martdb.WrapTransient(err)
	}
	if l.Metrics != nil {
		l.Metrics.LedgerLeased.Add(int64(len(leased)))
	}
	return leased, nil
}

// DeleteLeased removes every row owned by leaseID for reportKey and
// returns how many were deleted, so the caller (the report handler) can
// assert it equals the number it leased (spec.md §4.7 step 8).
func (l *Ledger) DeleteLeased(ctx context.Context, tx martdb.Tx, reportKey, leaseID string) (int, error) {
	rows, err := tx.Query(ctx, `SELECT id FROM sz_dm_pending_report WHERE report_key = ? AND lease_id = ?`, reportKey, leaseID)
	if err != nil {
		return 0, martdb.WrapTransient(err)
	}
	var count int
	for rows.Next() {
		count++
	}
	rows.Close()

	if err := tx.Exec(ctx, `DELETE FROM sz_dm_pending_report WHERE report_key = ? AND lease_id = ?`, reportKey, leaseID); err != nil {
		return 0, martdb.WrapTransient(fmt.Errorf("deleting leased rows for %s: %w", reportKey, err))
	}
	if l.Metrics != nil {
		l.Metrics.LedgerDeleted.Add(int64(count))
	}
	return count, nil
}

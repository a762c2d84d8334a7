// Package report implements the report handler family (C7): one
// Handler, registered under the scheduler action of each of the five
// report families (data-source summary, cross-source summary,
// entity-size breakdown, entity-relation breakdown, and the mart-wide
// totals family), running the lease-and-apply algorithm spec.md §4.7
// describes. The Handler carries no family of its own; the algorithm
// does not vary by family because every family's aggregation is "sum the leased
// deltas, upsert the statistic row, upsert/compact the detail rows,
// delete the leased rows".
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/senzing-garage/data-mart-replicator/common"
	"github.com/senzing-garage/data-mart-replicator/errs"
	"github.com/senzing-garage/data-mart-replicator/ids"
	"github.com/senzing-garage/data-mart-replicator/ledger"
	"github.com/senzing-garage/data-mart-replicator/lifecycle"
	"github.com/senzing-garage/data-mart-replicator/martdb"
	"github.com/senzing-garage/data-mart-replicator/model"
	"github.com/senzing-garage/data-mart-replicator/scheduler"
)

// LeaseDuration is the fixed lease length spec.md §4.7 names as the
// reference design's choice.
const LeaseDuration = 60 * time.Second

// Handler applies pending deltas for one report key to sz_dm_report and
// sz_dm_report_detail. One Handler instance is registered under each of
// the five UPDATE_<FAMILY> scheduler actions; the algorithm does not
// depend on which family it is answering for.
type Handler struct {
	DB            martdb.DB
	Ledger        *ledger.Ledger
	LeaseDuration time.Duration
	// Metrics, if set, records one LeasesLost per step-9 abort. Nil is
	// valid.
	Metrics *lifecycle.Metrics

	// now is overridable by tests; defaults to time.Now.
	now func() time.Time
}

// New builds a Handler with the default (fixed) lease duration.
func New(db martdb.DB, l *ledger.Ledger) *Handler {
	return &Handler{DB: db, Ledger: l, LeaseDuration: LeaseDuration, now: time.Now}
}

func (h *Handler) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

// Handle implements scheduler.Handler for any UPDATE_<FAMILY> action.
// It never schedules follow-ups of its own: the only further work a
// report update can cause is more of the same report key's future
// deltas, which arrive either through another refresh or through the
// follow-up loop (C8).
func (h *Handler) Handle(ctx context.Context, task *scheduler.Task, _ *scheduler.Handle) error {
	reportKey, ok := task.Parameters["report_key"].(string)
	if !ok || reportKey == "" {
		return fmt.Errorf("%w: report update task missing report_key parameter", errs.ErrMessageUnparseable)
	}
	return h.apply(ctx, reportKey)
}

func (h *Handler) apply(ctx context.Context, reportKey string) error {
	leaseID := ids.NewOperationID()
	started := h.clock()
	logger := common.NewContextLogger(common.Logger, map[string]interface{}{
		"component": "report", "report_key": reportKey, "lease_id": leaseID,
	})

	tx, err := h.DB.Begin(ctx)
	if err != nil {
		return martdb.WrapTransient(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	// Step 2: expire stale leases with the generous 2x cutoff.
	recovered, err := h.Ledger.ExpireStaleLeases(ctx, tx, reportKey, started, h.LeaseDuration)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logger.Warnf("recovered %d rows from an expired lease before re-leasing", recovered)
	}

	// Steps 3-4: lease every currently unleased row, then read it back.
	leased, err := h.Ledger.Lease(ctx, tx, reportKey, leaseID, started, h.LeaseDuration)
	if err != nil {
		return err
	}
	if len(leased) == 0 {
		return tx.Commit(ctx)
	}

	// Step 5: sum deltas and upsert the statistic row if any are nonzero.
	var entitySum, recordSum, relationSum int64
	for _, row := range leased {
		entitySum += int64(row.EntityDelta)
		recordSum += int64(row.RecordDelta)
		relationSum += int64(row.RelationDelta)
	}
	if entitySum != 0 || recordSum != 0 || relationSum != 0 {
		if err := upsertReportRow(ctx, tx, reportKey, entitySum, recordSum, relationSum); err != nil {
			return err
		}
	}

	// Step 6: build the per-entity / per-relation detail map and upsert
	// every surviving (nonzero cumulative delta) key.
	for key, d := range buildDetailDeltas(leased) {
		if d == 0 {
			continue
		}
		if err := upsertDetailRow(ctx, tx, reportKey, key.entityID, key.relatedID, d, leaseID); err != nil {
			return err
		}
	}

	// Step 7: compact every detail row this lease drove to zero.
	if err := tx.Exec(ctx,
		`DELETE FROM sz_dm_report_detail WHERE report_key = ? AND modifier_id = ? AND stat_count = 0`,
		reportKey, leaseID); err != nil {
		return martdb.WrapFatal(fmt.Errorf("compacting zero detail rows for %s: %w", reportKey, err))
	}

	// Step 8: delete every pending row this lease owns, asserting the
	// count matches what was leased.
	deleted, err := h.Ledger.DeleteLeased(ctx, tx, reportKey, leaseID)
	if err != nil {
		return err
	}
	if deleted != len(leased) {
		return martdb.WrapFatal(fmt.Errorf("report %s: leased %d pending rows but deleted %d", reportKey, len(leased), deleted))
	}

	// Step 9: the lease-duration check. If wall time since minting the
	// lease exceeds LeaseDuration, another worker's stale-lease recovery
	// may already have re-leased and re-applied these rows (the 2x
	// cutoff makes this rare, not impossible under a slow transaction) —
	// abort rather than risk a double application.
	if h.clock().Sub(started) > h.LeaseDuration {
		if h.Metrics != nil {
			h.Metrics.LeasesLost.Inc()
		}
		return fmt.Errorf("%w: report %s lease held %s, exceeding %s", errs.ErrLeaseLost, reportKey, h.clock().Sub(started), h.LeaseDuration)
	}

	if err := tx.Commit(ctx); err != nil {
		return martdb.WrapTransient(fmt.Errorf("committing report update for %s: %w", reportKey, err))
	}
	committed = true
	return nil
}

// detailKey identifies one sz_dm_report_detail row. relatedID is 0 to
// mean "no relation" per spec.md §3's primary-key convention.
type detailKey struct {
	entityID  int64
	relatedID int64
}

// buildDetailDeltas sums each leased row's entity_delta against its
// entity_id and, when related_id is present, its relation_delta against
// the (entity_id, related_id) pair — spec.md §4.7 step 6. A row that
// carries a nonzero entity_delta and a related_id simultaneously
// contributes its entity_delta to the related_id=0 slot and its
// relation_delta to the related_id-specific slot, since those are
// different detail rows by primary key.
func buildDetailDeltas(rows []model.PendingReportRow) map[detailKey]int64 {
	out := make(map[detailKey]int64)
	for _, row := range rows {
		if row.EntityDelta != 0 {
			out[detailKey{entityID: row.EntityID}] += int64(row.EntityDelta)
		}
		if row.RelatedID != nil && row.RelationDelta != 0 {
			out[detailKey{entityID: row.EntityID, relatedID: *row.RelatedID}] += int64(row.RelationDelta)
		}
	}
	return out
}

// upsertReportRow performs the idempotent counter upsert spec.md §4.2(a)
// describes: insert the row if absent, otherwise add the deltas to the
// existing counts.
func upsertReportRow(ctx context.Context, tx martdb.Tx, reportKey string, entityDelta, recordDelta, relationDelta int64) error {
	key, ok := ids.ParseReportKey(reportKey)
	if !ok {
		return martdb.WrapFatal(fmt.Errorf("report key %q does not round-trip through ParseReportKey", reportKey))
	}
	if err := tx.Exec(ctx,
		`INSERT INTO sz_dm_report (report_key, report, statistic, data_source1, data_source2, entity_count, record_count, relation_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (report_key) DO UPDATE SET
		   entity_count = sz_dm_report.entity_count + EXCLUDED.entity_count,
		   record_count = sz_dm_report.record_count + EXCLUDED.record_count,
		   relation_count = sz_dm_report.relation_count + EXCLUDED.relation_count`,
		reportKey, key.Report, key.Statistic, key.DataSource1, key.DataSource2, entityDelta, recordDelta, relationDelta); err != nil {
		return martdb.WrapFatal(fmt.Errorf("upserting report row %s: %w", reportKey, err))
	}
	return nil
}

// upsertDetailRow adds delta to stat_count for (reportKey, entityID,
// relatedID), creating the row with stat_count = delta on first write.
func upsertDetailRow(ctx context.Context, tx martdb.Tx, reportKey string, entityID, relatedID, delta int64, modifierID string) error {
	if err := tx.Exec(ctx,
		`INSERT INTO sz_dm_report_detail (report_key, entity_id, related_id, stat_count, creator_id, modifier_id)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (report_key, entity_id, related_id) DO UPDATE SET
		   stat_count = sz_dm_report_detail.stat_count + EXCLUDED.stat_count,
		   modifier_id = EXCLUDED.modifier_id`,
		reportKey, entityID, relatedID, delta, modifierID, modifierID); err != nil {
		return martdb.WrapFatal(fmt.Errorf("upserting report detail row %s/%d/%d: %w", reportKey, entityID, relatedID, err))
	}
	return nil
}

// Families lists every report family in scheduler-action registration
// order, used by cli's runServe to register one Handler instance under
// every family's action.
var Families = []string{
	ids.FamilyDataSourceSummary,
	ids.FamilyCrossSourceSummary,
	ids.FamilyEntitySizeBreakdown,
	ids.FamilyEntityRelationBreakdown,
	ids.FamilyTotal,
}

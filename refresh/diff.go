package refresh

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/senzing-garage/data-mart-replicator/engine"
	"github.com/senzing-garage/data-mart-replicator/ids"
	"github.com/senzing-garage/data-mart-replicator/martdb"
	"github.com/senzing-garage/data-mart-replicator/model"
)

type recordKey struct {
	dataSource, recordID string
}

type relationKey struct {
	other      int64
	matchLevel int
	matchKey   string
	principle  string
	hash       string
}

// martView is the replicator's last-committed snapshot of one entity.
type martView struct {
	exists    bool
	row       model.EntitySnapshot
	records   map[recordKey]bool
	relations map[int64]relationKey // keyed by the *other* endpoint
}

// diffAndApply runs steps 2-10 of spec.md §4.6 inside tx and returns the
// report keys touched.
func (h *Handler) diffAndApply(ctx context.Context, tx martdb.Tx, opID string, entityID int64) (*diffResult, error) {
	mart, err := h.loadMartView(ctx, tx, entityID)
	if err != nil {
		return nil, err
	}

	engView, engErr := h.Engine.FetchEntity(ctx, entityID)
	engineExists := true
	if engErr != nil {
		if errors.Is(engErr, engine.ErrNotFound) {
			engineExists = false
		} else {
			return nil, wrapEngineErr(engErr)
		}
	}

	result := &diffResult{}

	switch {
	case !mart.exists && !engineExists:
		return result, nil // Case B: no-op

	case mart.exists && !engineExists:
		return result, h.applyRemoval(ctx, tx, opID, entityID, mart, result)

	case !mart.exists && engineExists:
		return result, h.applyUpsert(ctx, tx, opID, entityID, mart, engView, result)

	default: // both present
		if mart.row.EntityHash == engView.Hash {
			return result, nil
		}
		return result, h.applyUpsert(ctx, tx, opID, entityID, mart, engView, result)
	}
}

func (h *Handler) loadMartView(ctx context.Context, tx martdb.Tx, entityID int64) (*martView, error) {
	query := `SELECT entity_name, record_count, related_count, entity_hash, prev_entity_hash, patch_state, creator_id, modifier_id
	          FROM sz_dm_entity WHERE entity_id = ?`
	if h.DB.Dialect() == martdb.DialectPostgres {
		query += ` FOR UPDATE`
	}

	row := tx.QueryRow(ctx, query, entityID)
	var v martView
	v.row.EntityID = entityID
	err := row.Scan(&v.row.EntityName, &v.row.RecordCount, &v.row.RelatedCount, &v.row.EntityHash,
		&v.row.PrevEntityHash, &v.row.PatchState, &v.row.CreatorID, &v.row.ModifierID)
	switch {
	case err == nil:
		v.exists = true
	case errors.Is(err, martdb.ErrNoRows):
		v.exists = false
	default:
		return nil, martdb.WrapTransient(fmt.Errorf("loading mart entity row %d: %w", entityID, err))
	}

	v.records = make(map[recordKey]bool)
	if v.exists {
		rows, err := tx.Query(ctx, `SELECT data_source, record_id FROM sz_dm_record WHERE entity_id = ?`, entityID)
		if err != nil {
			return nil, martdb.WrapTransient(err)
		}
		for rows.Next() {
			var rk recordKey
			if err := rows.Scan(&rk.dataSource, &rk.recordID); err != nil {
				rows.Close()
				return nil, martdb.WrapTransient(err)
			}
			v.records[rk] = true
		}
		rows.Close()

		v.relations = make(map[int64]relationKey)
		relRows, err := tx.Query(ctx,
			`SELECT entity_id, related_id, match_level, match_key, principle, relation_hash
			 FROM sz_dm_relation WHERE entity_id = ? OR related_id = ?`, entityID, entityID)
		if err != nil {
			return nil, martdb.WrapTransient(err)
		}
		for relRows.Next() {
			var e1, e2 int64
			var rk relationKey
			if err := relRows.Scan(&e1, &e2, &rk.matchLevel, &rk.matchKey, &rk.principle, &rk.hash); err != nil {
				relRows.Close()
				return nil, martdb.WrapTransient(err)
			}
			other := e1
			if e1 == entityID {
				other = e2
			}
			rk.other = other
			v.relations[other] = rk
		}
		relRows.Close()
	} else {
		v.relations = make(map[int64]relationKey)
	}

	return &v, nil
}

// applyRemoval implements spec.md §4.6 Case A: the engine no longer
// resolves entityID but the mart still has it.
func (h *Handler) applyRemoval(ctx context.Context, tx martdb.Tx, opID string, entityID int64, mart *martView, result *diffResult) error {
	dataSourcesLost := map[string]bool{}
	for rk := range mart.records {
		dataSourcesLost[rk.dataSource] = true
	}

	if err := tx.Exec(ctx, `DELETE FROM sz_dm_relation WHERE entity_id = ? OR related_id = ?`, entityID, entityID); err != nil {
		return martdb.WrapFatal(err)
	}
	if err := tx.Exec(ctx, `DELETE FROM sz_dm_record WHERE entity_id = ?`, entityID); err != nil {
		return martdb.WrapFatal(err)
	}
	if err := tx.Exec(ctx, `DELETE FROM sz_dm_entity WHERE entity_id = ?`, entityID); err != nil {
		return martdb.WrapFatal(err)
	}

	for ds := range dataSourcesLost {
		result.add(ids.DataSourceSummaryKey(ds), 0, -1, 0)
	}
	if ds, ok := canonicalDataSource(dataSourcesLost); ok {
		result.add(ids.DataSourceSummaryKey(ds), -1, 0, 0)
	}
	for other := range mart.relations {
		lo, hi := model.CanonicalRelationEndpoints(entityID, other)
		result.addRelation(ids.EntityRelationBreakdownKey(mart.row.RelatedCount), lo, hi, -1)
	}
	result.add(ids.EntityRelationBreakdownKey(mart.row.RelatedCount), -1, 0, 0)
	result.add(ids.EntitySizeBreakdownKey(mart.row.RecordCount), -1, 0, 0)
	result.add(ids.TotalKey(), -1, -int32(len(mart.records)), -int32(len(mart.relations)))
	crossPairsTransition(dataSourcesLost, map[string]bool{},
		recordCountsByDataSource(mart.records), map[string]int{}, result)

	return nil
}

// applyUpsert implements spec.md §4.6 Cases C and D: the engine has a
// current view of entityID; mart may be empty (Case C) or present
// (Case D, already known to differ by hash).
func (h *Handler) applyUpsert(ctx context.Context, tx martdb.Tx, opID string, entityID int64, mart *martView, engView engine.EntityView, result *diffResult) error {
	engineRecords := make(map[recordKey]bool, len(engView.Members))
	dataSources := make(map[string]bool)
	for _, m := range engView.Members {
		engineRecords[recordKey{dataSource: m.DataSource, recordID: m.RecordID}] = true
		dataSources[m.DataSource] = true
	}

	var added, removed []recordKey
	for rk := range engineRecords {
		if !mart.records[rk] {
			added = append(added, rk)
		}
	}
	for rk := range mart.records {
		if !engineRecords[rk] {
			removed = append(removed, rk)
		}
	}

	for _, rk := range added {
		if err := tx.Exec(ctx,
			`INSERT INTO sz_dm_record (data_source, record_id, entity_id, adopter_id) VALUES (?, ?, ?, ?)
			 ON CONFLICT (data_source, record_id) DO UPDATE SET entity_id = EXCLUDED.entity_id, adopter_id = EXCLUDED.adopter_id`,
			rk.dataSource, rk.recordID, entityID, opID); err != nil {
			return martdb.WrapFatal(err)
		}
		result.add(ids.DataSourceSummaryKey(rk.dataSource), 0, 1, 0)
	}
	for _, rk := range removed {
		// The record's new home (if any) is not determinable from C1's
		// fetch_entity capability; the other entity's own refresh
		// (triggered by the info message that named it) re-points this
		// row when it runs. Deleting here is safe either way: if the
		// record is truly gone, this is correct; if it moved, the other
		// entity's upsert overwrites this row's entity_id regardless of
		// whether we delete or leave it dangling, so we delete to avoid
		// a stale pointer to an entity that no longer claims it.
		if err := tx.Exec(ctx, `DELETE FROM sz_dm_record WHERE data_source = ? AND record_id = ? AND entity_id = ?`,
			rk.dataSource, rk.recordID, entityID); err != nil {
			return martdb.WrapFatal(err)
		}
		result.add(ids.DataSourceSummaryKey(rk.dataSource), 0, -1, 0)
	}

	engineRelations := make(map[int64]relationKey, len(engView.Relations))
	for _, r := range engView.Relations {
		engineRelations[r.RelatedID] = relationKey{
			other: r.RelatedID, matchLevel: r.MatchLevel, matchKey: r.MatchKey, principle: r.Principle,
		}
	}

	for other, rel := range engineRelations {
		lo, hi := model.CanonicalRelationEndpoints(entityID, other)
		existing, present := mart.relations[other]
		switch {
		case !present:
			if err := tx.Exec(ctx,
				`INSERT INTO sz_dm_relation (entity_id, related_id, match_level, match_key, principle, relation_hash, modifier_id)
				 VALUES (?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (entity_id, related_id) DO UPDATE SET match_level = EXCLUDED.match_level,
				   match_key = EXCLUDED.match_key, principle = EXCLUDED.principle,
				   relation_hash = EXCLUDED.relation_hash, modifier_id = EXCLUDED.modifier_id`,
				lo, hi, rel.matchLevel, rel.matchKey, rel.principle, relationHash(rel), opID); err != nil {
				return martdb.WrapFatal(err)
			}
			result.followUpEntities = append(result.followUpEntities, other)
		case existing.matchLevel != rel.matchLevel || existing.matchKey != rel.matchKey || existing.principle != rel.principle:
			if err := tx.Exec(ctx,
				`UPDATE sz_dm_relation SET match_level = ?, match_key = ?, principle = ?, relation_hash = ?, modifier_id = ?
				 WHERE entity_id = ? AND related_id = ?`,
				rel.matchLevel, rel.matchKey, rel.principle, relationHash(rel), opID, lo, hi); err != nil {
				return martdb.WrapFatal(err)
			}
			result.followUpEntities = append(result.followUpEntities, other)
		}
	}
	for other := range mart.relations {
		if _, present := engineRelations[other]; !present {
			lo, hi := model.CanonicalRelationEndpoints(entityID, other)
			if err := tx.Exec(ctx, `DELETE FROM sz_dm_relation WHERE entity_id = ? AND related_id = ?`, lo, hi); err != nil {
				return martdb.WrapFatal(err)
			}
			result.followUpEntities = append(result.followUpEntities, other)
		}
	}

	newRecordCount := len(engineRecords)
	newRelatedCount := len(engineRelations)
	oldRecordCount := mart.row.RecordCount
	oldRelatedCount := mart.row.RelatedCount

	if !mart.exists {
		if err := tx.Exec(ctx,
			`INSERT INTO sz_dm_entity (entity_id, entity_name, record_count, related_count, entity_hash, prev_entity_hash, patch_state, creator_id, modifier_id)
			 VALUES (?, ?, ?, ?, ?, '', 'CLEAN', ?, ?)`,
			entityID, engView.EntityName, newRecordCount, newRelatedCount, engView.Hash, opID, opID); err != nil {
			return martdb.WrapFatal(err)
		}
		result.add(ids.EntitySizeBreakdownKey(newRecordCount), 1, 0, 0)
		result.add(ids.EntityRelationBreakdownKey(newRelatedCount), 1, 0, 0)
		result.add(ids.TotalKey(), 1, int32(newRecordCount), int32(newRelatedCount))
		if ds, ok := canonicalDataSource(dataSources); ok {
			result.add(ids.DataSourceSummaryKey(ds), 1, 0, 0)
		}
	} else {
		if err := tx.Exec(ctx,
			`UPDATE sz_dm_entity SET entity_name = ?, record_count = ?, related_count = ?, entity_hash = ?, prev_entity_hash = ?, modifier_id = ?
			 WHERE entity_id = ?`,
			engView.EntityName, newRecordCount, newRelatedCount, engView.Hash, mart.row.EntityHash, opID, entityID); err != nil {
			return martdb.WrapFatal(err)
		}
		if newRecordCount != oldRecordCount {
			result.add(ids.EntitySizeBreakdownKey(oldRecordCount), -1, 0, 0)
			result.add(ids.EntitySizeBreakdownKey(newRecordCount), 1, 0, 0)
		}
		if newRelatedCount != oldRelatedCount {
			result.add(ids.EntityRelationBreakdownKey(oldRelatedCount), -1, 0, 0)
			result.add(ids.EntityRelationBreakdownKey(newRelatedCount), 1, 0, 0)
		}
		result.add(ids.TotalKey(), 0, int32(newRecordCount-oldRecordCount), int32(newRelatedCount-oldRelatedCount))
	}

	for ds := range dataSources {
		result.add(ids.CrossSourceSummaryKey(ds, ds), 0, 0, 0)
	}
	oldDataSources := make(map[string]bool, len(mart.records))
	for rk := range mart.records {
		oldDataSources[rk.dataSource] = true
	}
	crossPairsTransition(oldDataSources, dataSources,
		recordCountsByDataSource(mart.records), recordCountsByDataSource(engineRecords), result)

	return nil
}

// crossPairsTransition appends a CSS delta for every unordered pair
// (including same-source pairs) whose co-occurrence on the entity actually
// changes between before and after — spec.md §4.6 step 8's cross-source
// summary rule. A pair that was co-occurring and still is gets no delta at
// all: re-stating an unchanged pair on every refresh would double-count its
// entity_count without bound. beforeCounts/afterCounts hold the record
// count per data source on the respective side of the diff; a pair's
// record-count delta is the sum of its two sides' counts at whichever side
// the transition is relative to, or just one side's count for a
// same-source pair.
func crossPairsTransition(before, after map[string]bool, beforeCounts, afterCounts map[string]int, result *diffResult) {
	union := make(map[string]bool, len(before)+len(after))
	for ds := range before {
		union[ds] = true
	}
	for ds := range after {
		union[ds] = true
	}
	names := make([]string, 0, len(union))
	for ds := range union {
		names = append(names, ds)
	}
	sort.Strings(names)
	for i, a := range names {
		for _, b := range names[i:] {
			wasPair := before[a] && before[b]
			isPair := after[a] && after[b]
			switch {
			case isPair && !wasPair:
				recordDelta := afterCounts[a]
				if b != a {
					recordDelta += afterCounts[b]
				}
				result.add(ids.CrossSourceSummaryKey(a, b), 1, int32(recordDelta), 0)
			case wasPair && !isPair:
				recordDelta := beforeCounts[a]
				if b != a {
					recordDelta += beforeCounts[b]
				}
				result.add(ids.CrossSourceSummaryKey(a, b), -1, -int32(recordDelta), 0)
			}
		}
	}
}

// recordCountsByDataSource tallies how many records in keys belong to
// each data source, used to weight a cross-source pair's record-count
// delta by how many records actually co-occur.
func recordCountsByDataSource(keys map[recordKey]bool) map[string]int {
	counts := make(map[string]int, len(keys))
	for rk := range keys {
		counts[rk.dataSource]++
	}
	return counts
}

// canonicalDataSource returns the alphabetically first name in
// dataSources, the single data source credited with a data-source-
// summary entity-count delta on entity create/remove — spec.md §4.6
// step 8 attributes the entity-count component to one data source per
// entity, not to every data source the entity touches.
func canonicalDataSource(dataSources map[string]bool) (string, bool) {
	if len(dataSources) == 0 {
		return "", false
	}
	names := make([]string, 0, len(dataSources))
	for ds := range dataSources {
		names = append(names, ds)
	}
	sort.Strings(names)
	return names[0], true
}

func relationHash(rel relationKey) string {
	return fmt.Sprintf("%d:%s:%s", rel.matchLevel, rel.matchKey, rel.principle)
}

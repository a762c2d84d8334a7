package report

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/senzing-garage/data-mart-replicator/model"
)

func int64ptr(v int64) *int64 { return &v }

func TestBuildDetailDeltasKeysByEntityAndRelationToken(t *testing.T) {
	rows := []model.PendingReportRow{
		{EntityID: 1, EntityDelta: 1},
		{EntityID: 1, RelatedID: int64ptr(2), RelationDelta: 1},
		{EntityID: 1, EntityDelta: -1}, // cancels the first row
	}

	out := buildDetailDeltas(rows)

	assert.Equal(t, int64(0), out[detailKey{entityID: 1}])
	assert.Equal(t, int64(1), out[detailKey{entityID: 1, relatedID: 2}])
}

// TestBuildDetailDeltasIgnoresRecordOnlyDeltas confirms a pending row
// that carries only a record_delta (no entity_delta, no related_id)
// contributes no detail-row entry: spec.md §4.7 step 6 keys details by
// entity_delta and by relation token only.
func TestBuildDetailDeltasIgnoresRecordOnlyDeltas(t *testing.T) {
	rows := []model.PendingReportRow{
		{EntityID: 1, RecordDelta: 3},
	}

	out := buildDetailDeltas(rows)

	assert.Empty(t, out)
}

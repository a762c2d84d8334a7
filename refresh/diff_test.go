package refresh

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/senzing-garage/data-mart-replicator/ids"
)

func TestCanonicalDataSourcePicksAlphabeticallyFirst(t *testing.T) {
	ds, ok := canonicalDataSource(map[string]bool{"B": true, "A": true})
	assert.True(t, ok)
	assert.Equal(t, "A", ds)

	_, ok = canonicalDataSource(map[string]bool{})
	assert.False(t, ok)
}

func TestRecordCountsByDataSource(t *testing.T) {
	records := map[recordKey]bool{
		{dataSource: "A", recordID: "R1"}: true,
		{dataSource: "A", recordID: "R2"}: true,
		{dataSource: "B", recordID: "R3"}: true,
	}
	counts := recordCountsByDataSource(records)
	assert.Equal(t, map[string]int{"A": 2, "B": 1}, counts)
}

// TestCrossPairsTransitionMatchesFreshResolveScenario reproduces the S1
// fresh-resolve scenario's expected CSS rows: an entity appearing from
// nothing with records {(A,R1),(A,R2),(B,R3)} yields CSS:A:A with
// entity_count=1, record_count=2 and CSS:A:B with entity_count=1,
// record_count=3.
func TestCrossPairsTransitionMatchesFreshResolveScenario(t *testing.T) {
	after := map[string]bool{"A": true, "B": true}
	afterCounts := map[string]int{"A": 2, "B": 1}

	result := &diffResult{}
	crossPairsTransition(map[string]bool{}, after, map[string]int{}, afterCounts, result)

	aa := result.deltas[ids.CrossSourceSummaryKey("A", "A")]
	if assert.NotNil(t, aa) {
		assert.EqualValues(t, 1, aa.entity)
		assert.EqualValues(t, 2, aa.record)
	}
	ab := result.deltas[ids.CrossSourceSummaryKey("A", "B")]
	if assert.NotNil(t, ab) {
		assert.EqualValues(t, 1, ab.entity)
		assert.EqualValues(t, 3, ab.record)
	}
}

func TestCrossPairsTransitionFullRemoval(t *testing.T) {
	before := map[string]bool{"A": true}
	beforeCounts := map[string]int{"A": 2}

	result := &diffResult{}
	crossPairsTransition(before, map[string]bool{}, beforeCounts, map[string]int{}, result)

	aa := result.deltas[ids.CrossSourceSummaryKey("A", "A")]
	if assert.NotNil(t, aa) {
		assert.EqualValues(t, -1, aa.entity)
		assert.EqualValues(t, -2, aa.record)
	}
}

// TestCrossPairsTransitionUnchangedPairProducesNoDelta reproduces the
// code-review failure scenario where an entity keeps the same two data
// sources across a refresh: CSS:A:B must not be re-added every time, or its
// entity_count grows without bound.
func TestCrossPairsTransitionUnchangedPairProducesNoDelta(t *testing.T) {
	before := map[string]bool{"A": true, "B": true}
	after := map[string]bool{"A": true, "B": true}

	result := &diffResult{}
	crossPairsTransition(before, after,
		map[string]int{"A": 2, "B": 1}, map[string]int{"A": 2, "B": 2}, result)

	assert.Nil(t, result.deltas[ids.CrossSourceSummaryKey("A", "B")])
	assert.Nil(t, result.deltas[ids.CrossSourceSummaryKey("A", "A")])
	assert.Nil(t, result.deltas[ids.CrossSourceSummaryKey("B", "B")])
}

// TestCrossPairsTransitionPartialDataSourceLoss reproduces the code-review
// failure scenario where an entity loses its only B-record while keeping
// its A-records: CSS:A:B must be decremented even though A is still
// present on both sides, and CSS:A:A must get no delta since A was present
// both before and after.
func TestCrossPairsTransitionPartialDataSourceLoss(t *testing.T) {
	before := map[string]bool{"A": true, "B": true}
	after := map[string]bool{"A": true}

	result := &diffResult{}
	crossPairsTransition(before, after,
		map[string]int{"A": 2, "B": 1}, map[string]int{"A": 2}, result)

	ab := result.deltas[ids.CrossSourceSummaryKey("A", "B")]
	if assert.NotNil(t, ab) {
		assert.EqualValues(t, -1, ab.entity)
		assert.EqualValues(t, -3, ab.record)
	}
	assert.Nil(t, result.deltas[ids.CrossSourceSummaryKey("A", "A")])
}

func TestDiffResultAddRelationKeepsEndpointsDistinct(t *testing.T) {
	result := &diffResult{}
	key := ids.EntityRelationBreakdownKey(1)
	result.addRelation(key, 1, 2, -1)
	result.addRelation(key, 1, 3, -1)

	if assert.Len(t, result.relationDeltas, 2) {
		assert.Equal(t, int64(2), result.relationDeltas[0].relatedID)
		assert.Equal(t, int64(3), result.relationDeltas[1].relatedID)
	}
	actions := result.touchedActions()
	assert.Equal(t, "UPDATE_ERB", actions[key.Format()])
}

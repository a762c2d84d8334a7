// Package model defines the conceptual rows of the data mart (§3 of the
// data model) as plain Go structs, shared by martdb, ledger, refresh and
// report so every layer agrees on field names and types.
package model

import "time"

// PatchState is the lifecycle state of an entity snapshot row.
type PatchState string

const (
	PatchStateClean       PatchState = "CLEAN"
	PatchStateDirty       PatchState = "DIRTY"
	PatchStateLockedByOp  PatchState = "LOCKED-BY-OP"
)

// EntitySnapshot is one row of sz_dm_entity: the replicator's last-known
// view of a resolved entity.
type EntitySnapshot struct {
	EntityID        int64
	EntityName      string
	RecordCount     int
	RelatedCount    int
	EntityHash      string
	PrevEntityHash  string
	PatchState      PatchState
	CreatorID       string
	ModifierID      string
}

// Record is one row of sz_dm_record.
type Record struct {
	DataSource string
	RecordID   string
	EntityID   *int64
	AdopterID  string
}

// Relation is one row of sz_dm_relation. EntityID is always the smaller of
// the two endpoints (canonical ordering): EntityID < RelatedID.
type Relation struct {
	EntityID     int64
	RelatedID    int64
	MatchLevel   int
	MatchKey     string
	Principle    string
	RelationHash string
	ModifierID   string
}

// CanonicalRelationEndpoints returns (a, b) ordered so a < b, matching the
// invariant relations are stored under.
func CanonicalRelationEndpoints(e1, e2 int64) (int64, int64) {
	if e1 < e2 {
		return e1, e2
	}
	return e2, e1
}

// ReportRow is one row of sz_dm_report, identified by its report key's
// textual form.
type ReportRow struct {
	ReportKey    string
	Report       string
	Statistic    string
	DataSource1  string
	DataSource2  string
	EntityCount  int64
	RecordCount  int64
	RelationCount int64
}

// ReportDetailRow is one row of sz_dm_report_detail. RelatedID == 0 means
// "no relation" (the row tracks an entity_delta contribution, not a
// relation_delta one).
type ReportDetailRow struct {
	ReportKey  string
	EntityID   int64
	RelatedID  int64
	StatCount  int64
	CreatorID  string
	ModifierID string
}

// PendingReportRow is one row of sz_dm_pending_report: an unapplied
// increment to a report row, traceable back to the refresh that produced
// it. RelatedID is nil when the delta has no relation component.
type PendingReportRow struct {
	ID             int64
	ReportKey      string
	EntityID       int64
	RelatedID      *int64
	EntityDelta    int32
	RecordDelta    int32
	RelationDelta  int32
	LeaseID        *string
	ExpireLeaseAt  *time.Time
}

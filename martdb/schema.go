package martdb

import "fmt"

// typeNames is the tiny per-dialect type-name table mentioned in
// SPEC_FULL.md §5: the two dialects agree on `CREATE TABLE IF NOT
// EXISTS` and on upsert syntax, differing only in a handful of type
// spellings and the autoincrement idiom.
type typeNames struct {
	bigint        string
	timestamp     string
	autoIncrement string
}

func namesFor(d Dialect) typeNames {
	switch d {
	case DialectPostgres:
		return typeNames{bigint: "BIGINT", timestamp: "TIMESTAMPTZ", autoIncrement: "BIGSERIAL PRIMARY KEY"}
	default:
		return typeNames{bigint: "INTEGER", timestamp: "TIMESTAMP", autoIncrement: "INTEGER PRIMARY KEY AUTOINCREMENT"}
	}
}

// schemaStatements returns the idempotent bootstrap statements for the
// six mart/ledger tables (spec.md §3) plus the sz_dm_info_message table
// of the database-table queue backend, dialect-parameterized only where
// type spellings differ.
func schemaStatements(d Dialect) []string {
	t := namesFor(d)
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sz_dm_entity (
			entity_id %s PRIMARY KEY,
			entity_name TEXT NOT NULL,
			record_count INTEGER NOT NULL,
			related_count INTEGER NOT NULL,
			entity_hash TEXT NOT NULL,
			prev_entity_hash TEXT NOT NULL DEFAULT '',
			patch_state TEXT NOT NULL DEFAULT 'CLEAN',
			creator_id TEXT NOT NULL,
			modifier_id TEXT NOT NULL
		)`, t.bigint),

		`CREATE TABLE IF NOT EXISTS sz_dm_record (
			data_source TEXT NOT NULL,
			record_id TEXT NOT NULL,
			entity_id ` + t.bigint + `,
			adopter_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (data_source, record_id)
		)`,

		`CREATE TABLE IF NOT EXISTS sz_dm_relation (
			entity_id ` + t.bigint + ` NOT NULL,
			related_id ` + t.bigint + ` NOT NULL,
			match_level INTEGER NOT NULL,
			match_key TEXT NOT NULL,
			principle TEXT NOT NULL,
			relation_hash TEXT NOT NULL,
			modifier_id TEXT NOT NULL,
			PRIMARY KEY (entity_id, related_id)
		)`,

		`CREATE TABLE IF NOT EXISTS sz_dm_report (
			report_key TEXT PRIMARY KEY,
			report TEXT NOT NULL,
			statistic TEXT NOT NULL DEFAULT '',
			data_source1 TEXT NOT NULL DEFAULT '',
			data_source2 TEXT NOT NULL DEFAULT '',
			entity_count ` + t.bigint + ` NOT NULL DEFAULT 0,
			record_count ` + t.bigint + ` NOT NULL DEFAULT 0,
			relation_count ` + t.bigint + ` NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS sz_dm_report_detail (
			report_key TEXT NOT NULL,
			entity_id ` + t.bigint + ` NOT NULL,
			related_id ` + t.bigint + ` NOT NULL DEFAULT 0,
			stat_count ` + t.bigint + ` NOT NULL DEFAULT 0,
			creator_id TEXT NOT NULL,
			modifier_id TEXT NOT NULL,
			PRIMARY KEY (report_key, entity_id, related_id)
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sz_dm_pending_report (
			id %s,
			report_key TEXT NOT NULL,
			entity_id %s NOT NULL,
			related_id %s,
			entity_delta INTEGER NOT NULL DEFAULT 0,
			record_delta INTEGER NOT NULL DEFAULT 0,
			relation_delta INTEGER NOT NULL DEFAULT 0,
			lease_id TEXT,
			expire_lease_at %s
		)`, t.autoIncrement, t.bigint, t.bigint, t.timestamp),

		`CREATE INDEX IF NOT EXISTS idx_pending_report_key ON sz_dm_pending_report (report_key)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_report_lease ON sz_dm_pending_report (lease_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sz_dm_info_message (
			id %s,
			payload TEXT NOT NULL,
			locked_by TEXT,
			locked_until %s
		)`, t.autoIncrement, t.timestamp),

		`CREATE INDEX IF NOT EXISTS idx_info_message_locked_until ON sz_dm_info_message (locked_until)`,
	}
}

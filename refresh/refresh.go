// Package refresh implements the refresh-entity handler (C6): for one
// entity id, it diffs the entity-resolution engine's current view
// against the mart's last-known view, writes the entity/record/relation
// changes transactionally, and appends pending-delta rows for every
// report key the change touches.
package refresh

import (
	"context"
	"errors"
	"fmt"

	"github.com/senzing-garage/data-mart-replicator/engine"
	"github.com/senzing-garage/data-mart-replicator/errs"
	"github.com/senzing-garage/data-mart-replicator/ids"
	"github.com/senzing-garage/data-mart-replicator/ledger"
	"github.com/senzing-garage/data-mart-replicator/martdb"
	"github.com/senzing-garage/data-mart-replicator/scheduler"
)

// followUpNotifier is the narrow slice of followup.Loop the refresh
// handler depends on, so this package does not need to import followup
// directly (avoiding a needless coupling to its ticker/Start/Stop
// surface) — satisfied by *followup.Loop.
type followUpNotifier interface {
	Schedule(reportKey string)
}

// Action is the scheduler action name for a refresh-entity task.
const Action = "REFRESH_ENTITY"

// ResourceKind is the scheduler resource kind used to serialize refresh
// tasks per entity id.
const ResourceKind = "ENTITY"

// ReportResourceKind is the scheduler resource kind used to coalesce
// report-update follow-up tasks per report key.
const ReportResourceKind = "REPORT"

// Handler wires the engine accessor and mart database into a
// scheduler.Handler for the REFRESH_ENTITY action.
type Handler struct {
	Engine engine.Repository
	DB     martdb.DB
	Ledger *ledger.Ledger
	// FollowUp is notified of every report key this handler touches, in
	// addition to the direct scheduler follow-up below — spec.md §4.8's
	// "fed from two sources" design. Nil is valid; it just means the
	// follow-up loop won't independently recover this refresh's report
	// keys after a crash before its own commit lands.
	FollowUp followUpNotifier
}

// New builds a Handler.
func New(repo engine.Repository, db martdb.DB, l *ledger.Ledger) *Handler {
	return &Handler{Engine: repo, DB: db, Ledger: l}
}

// Handle implements scheduler.Handler for the REFRESH_ENTITY action.
func (h *Handler) Handle(ctx context.Context, task *scheduler.Task, followUp *scheduler.Handle) error {
	entityID, ok := task.Parameters["entity_id"].(int64)
	if !ok {
		return fmt.Errorf("%w: REFRESH_ENTITY task missing entity_id parameter", errs.ErrMessageUnparseable)
	}
	opID := ids.NewOperationID()

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

	result, err := h.diffAndApply(ctx, tx, opID, entityID)
	if err != nil {
		return err
	}

	// Append one pending-delta row per touched report key inside the
	// same transaction as the entity/record/relation mutation (spec.md
	// §4.6 step 8): the ledger row and the mutation it describes must
	// commit or roll back together.
	for key, d := range result.deltas {
		if err := h.Ledger.Append(ctx, tx, key.Format(), entityID, nil, d.entity, d.record, d.relation); err != nil {
			return err
		}
	}
	// Relation-bearing deltas carry the canonical (min, max) endpoints so
	// the report handler's detail map (spec.md §4.7 step 6) can key them
	// by relation token instead of losing the related_id.
	for _, rd := range result.relationDeltas {
		relatedID := rd.relatedID
		if err := h.Ledger.Append(ctx, tx, rd.key.Format(), rd.entityID, &relatedID, 0, 0, rd.relation); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return martdb.WrapTransient(fmt.Errorf("committing refresh for entity %d: %w", entityID, err))
	}
	committed = true

	for key, action := range result.touchedActions() {
		followUp.Schedule(scheduler.Task{
			Action:     action,
			Resource:   &scheduler.Resource{Kind: ReportResourceKind, Value: key},
			Parameters: map[string]interface{}{"report_key": key},
		})
		if h.FollowUp != nil {
			h.FollowUp.Schedule(key)
		}
	}
	for _, other := range result.followUpEntities {
		followUp.Schedule(scheduler.Task{
			Action:     Action,
			Resource:   &scheduler.Resource{Kind: ResourceKind, Value: fmt.Sprintf("%d", other)},
			Parameters: map[string]interface{}{"entity_id": other},
		})
	}
	return nil
}

// diffResult carries the outcome of one refresh's diff: the report keys
// it touched (with their net deltas), any relation-specific deltas that
// need their own (entity_id, related_id) pending row, and any other
// entity ids whose refresh must follow because a relation endpoint
// changed.
type diffResult struct {
	deltas           map[ids.ReportKey]*delta
	relationDeltas   []relationDelta
	followUpEntities []int64
}

type delta struct {
	entity, record, relation int32
}

// relationDelta is a single relation-bearing contribution to a report
// key, keyed by the canonical (min, max) endpoints of the relation it
// describes rather than folded into the per-key sum, since each relation
// partner needs its own sz_dm_report_detail row (spec.md §4.7 step 6's
// "canonical relation token").
type relationDelta struct {
	key       ids.ReportKey
	entityID  int64
	relatedID int64
	relation  int32
}

func (d *diffResult) add(key ids.ReportKey, entity, record, relation int32) {
	if d.deltas == nil {
		d.deltas = make(map[ids.ReportKey]*delta)
	}
	cur, ok := d.deltas[key]
	if !ok {
		cur = &delta{}
		d.deltas[key] = cur
	}
	cur.entity += entity
	cur.record += record
	cur.relation += relation
}

// addRelation records a relation-bearing delta for the canonical
// (entityID, relatedID) endpoints of one relation partner.
func (d *diffResult) addRelation(key ids.ReportKey, entityID, relatedID int64, relation int32) {
	d.relationDeltas = append(d.relationDeltas, relationDelta{
		key: key, entityID: entityID, relatedID: relatedID, relation: relation,
	})
}

// touchedActions maps each touched report key's canonical string form to
// the scheduler action that updates it.
func (d *diffResult) touchedActions() map[string]string {
	out := make(map[string]string, len(d.deltas)+len(d.relationDeltas))
	for key := range d.deltas {
		out[key.Format()] = ids.ActionForFamily(key.Report)
	}
	for _, rd := range d.relationDeltas {
		out[rd.key.Format()] = ids.ActionForFamily(rd.key.Report)
	}
	return out
}

// wrapEngineErr classifies an engine.Repository error for the scheduler's
// retry decision: ErrUnavailable becomes retryable EngineUnavailable,
// anything else is treated as fatal.
func wrapEngineErr(err error) error {
	if errors.Is(err, engine.ErrUnavailable) {
		return fmt.Errorf("%w: %s", errs.ErrEngineUnavailable, err)
	}
	return fmt.Errorf("%w: %s", errs.ErrMartFatal, err)
}

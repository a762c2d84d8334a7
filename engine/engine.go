// Package engine is the read-only accessor for the entity-resolution
// engine's current view of an entity: membership, relations, and a
// content hash used to detect no-op refreshes.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// RecordMember is one (data_source, record_id) pair belonging to an
// entity, as currently reported by the engine.
type RecordMember struct {
	DataSource string
	RecordID   string
}

// RelationMember is one outgoing relation from an entity to another, as
// currently reported by the engine.
type RelationMember struct {
	RelatedID  int64
	MatchLevel int
	MatchKey   string
	Principle  string
}

// EntityView is the engine's current opinion about an entity: its
// members and relations plus a stable content hash of that state.
type EntityView struct {
	EntityID   int64
	EntityName string
	Members    []RecordMember
	Relations  []RelationMember
	Hash       string
}

// ErrNotFound is returned by FetchEntity when the engine no longer resolves
// the requested entity id.
var ErrNotFound = errors.New("engine: entity not found")

// ErrUnavailable is returned by FetchEntity and Version when the engine is not
// ready to answer; callers should retry with backoff.
var ErrUnavailable = errors.New("engine: unavailable")

// Info describes the resolved engine configuration currently active,
// surfaced for diagnostics and readiness checks.
type Info struct {
	ConfigID     string
	InstanceName string
}

// Repository is the read-only capability set the refresh-entity handler
// (C6) depends on. Implementations must be safe for concurrent use; no
// implementation may mutate engine state.
type Repository interface {
	// FetchEntity returns the engine's current view of entityID, or
	// ErrNotFound/ErrUnavailable wrapped in the returned error.
	FetchEntity(ctx context.Context, entityID int64) (EntityView, error)
	// Version reports the engine configuration currently in effect.
	Version(ctx context.Context) (Info, error)
}

// wrapNotFound and wrapUnavailable let concrete implementations attach
// context to the two sentinel outcomes without losing errors.Is.
func wrapNotFound(entityID int64) error {
	return fmt.Errorf("%w: entity %d", ErrNotFound, entityID)
}

func wrapUnavailable(reason string) error {
	return fmt.Errorf("%w: %s", ErrUnavailable, reason)
}

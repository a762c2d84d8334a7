// Package uri implements the URI grammars the replicator accepts for its
// mart database, message-queue, and indirect configuration options (§6).
// Parsers are registered in a fixed, explicitly ordered slice populated
// from init(), never through a reflective registry (see SPEC_FULL.md
// REDESIGN FLAGS).
package uri

import "fmt"

// Kind identifies which grammar a parsed URI matched.
type Kind string

const (
	KindPostgres   Kind = "postgres"
	KindSQLite     Kind = "sqlite"
	KindBroker     Kind = "broker"
	KindCloudQueue Kind = "cloudqueue"
	KindIndirect   Kind = "indirect"
)

// Parsed is implemented by every grammar's parsed value. String renders
// the canonical textual form; Parse(s).String() == s for s already in
// canonical form.
type Parsed interface {
	Kind() Kind
	String() string
}

type grammar struct {
	name    string
	matches func(raw string) bool
	parse   func(raw string) (Parsed, error)
}

// registry is populated once, in order, by init(). Earlier entries take
// priority when more than one grammar could match (none currently
// overlap, but the order is still deliberate and explicit).
var registry []grammar

func init() {
	registry = []grammar{
		{name: "postgres", matches: looksLikePostgres, parse: parsePostgresEntry},
		{name: "sqlite", matches: looksLikeSQLite, parse: parseSQLiteEntry},
		{name: "broker", matches: looksLikeBroker, parse: parseBrokerEntry},
		{name: "cloudqueue", matches: looksLikeCloudQueue, parse: parseCloudQueueEntry},
		{name: "indirect", matches: looksLikeIndirect, parse: parseIndirectEntry},
	}
}

// Parse matches raw against every registered grammar in order and parses
// it with the first match.
func Parse(raw string) (Parsed, error) {
	for _, g := range registry {
		if g.matches(raw) {
			return g.parse(raw)
		}
	}
	return nil, fmt.Errorf("uri: no grammar recognizes %q", raw)
}

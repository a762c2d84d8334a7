package martdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRebindTranslatesPlaceholders(t *testing.T) {
	cases := []struct {
		name, query, want string
	}{
		{"no placeholders", `SELECT 1`, `SELECT 1`},
		{"single", `SELECT * FROM t WHERE id = ?`, `SELECT * FROM t WHERE id = $1`},
		{"multiple", `INSERT INTO t (a, b, c) VALUES (?, ?, ?)`, `INSERT INTO t (a, b, c) VALUES ($1, $2, $3)`},
		{"repeated across clauses", `UPDATE t SET a = ? WHERE b = ? AND c = ?`, `UPDATE t SET a = $1 WHERE b = $2 AND c = $3`},
		{"question mark in string literal is untouched", `SELECT 'is this?' FROM t WHERE id = ?`, `SELECT 'is this?' FROM t WHERE id = $1`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, rebind(c.query))
		})
	}
}

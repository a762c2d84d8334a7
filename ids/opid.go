// Package ids implements the two value types shared by every write path in
// the replicator: operation identifiers (used as creator_id/modifier_id/
// lease_id) and report keys (the primary key of sz_dm_report).
package ids

import (
	"crypto/rand"
	"fmt"
)

const opIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// opIDLength matches the teacher corpus's short-token conventions; long
// enough that lease theft between concurrently running handlers is
// statistically negligible.
const opIDLength = 20

// NewOperationID mints a random alphanumeric token used to attribute a
// single handler invocation's writes (creator_id, modifier_id) or to claim
// a lease (lease_id).
func NewOperationID() string {
	buf := make([]byte, opIDLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on the standard reader only fails if the OS
		// entropy source is broken; there is no sane fallback.
		panic(fmt.Sprintf("ids: failed to read random bytes: %v", err))
	}
	out := make([]byte, opIDLength)
	for i, b := range buf {
		out[i] = opIDAlphabet[int(b)%len(opIDAlphabet)]
	}
	return string(out)
}

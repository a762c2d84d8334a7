package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// ComputeScheduleKey derives a deterministic hash of action, resource,
// and parameters so two enqueue attempts that mean "the same work" map
// to the same key regardless of map iteration order.
func ComputeScheduleKey(action string, resource *Resource, parameters map[string]interface{}) string {
	var b strings.Builder
	b.WriteString(action)
	b.WriteByte('\x00')
	if resource != nil {
		b.WriteString(resource.Kind)
		b.WriteByte('=')
		b.WriteString(resource.Value)
	}
	b.WriteByte('\x00')

	keys := make([]string, 0, len(parameters))
	for k := range parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		fmt.Fprintf(&b, "%v", parameters[k])
		b.WriteByte(';')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

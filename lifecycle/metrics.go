package lifecycle

import "sync/atomic"

// Counter is a monotonically increasing in-memory metric. No metrics
// library appears anywhere in the retrieval pack for this repo, so
// these are plain sync/atomic counters rather than an unwired
// dependency.
type Counter struct {
	v int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { atomic.AddInt64(&c.v, 1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { atomic.AddInt64(&c.v, n) }

// Value returns the counter's current value.
func (c *Counter) Value() int64 { return atomic.LoadInt64(&c.v) }

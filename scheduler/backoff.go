package scheduler

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// backoffState wraps the teacher's retry-backoff dependency
// (cenkalti/backoff/v5, present in the teacher's go.mod but unused
// there) to compute the policy-driven delay spec.md §4.4 calls for
// between Retryable attempts. One instance is created per task on its
// first retry so its internal interval grows across that task's own
// attempts without affecting unrelated tasks.
type backoffState struct {
	b *backoff.ExponentialBackOff
}

func newBackoffState() *backoffState {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(30*time.Second),
		backoff.WithMultiplier(2.0),
		backoff.WithRandomizationFactor(0.2),
	)
	return &backoffState{b: b}
}

func (s *backoffState) next() time.Duration {
	return s.b.NextBackOff()
}

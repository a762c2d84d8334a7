package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct{ n int }

func (f *fakeCounter) PendingCount() int { return f.n }

type fakeActivity struct{ at time.Time }

func (f *fakeActivity) LastActivityAt() time.Time { return f.at }

func TestMarkReadyTransitionsState(t *testing.T) {
	m := New(Config{})
	assert.Equal(t, StateInitializing, m.State())
	m.MarkReady()
	assert.Equal(t, StateReady, m.State())
}

func TestWaitUntilReadyUnblocksOnMarkReady(t *testing.T) {
	m := New(Config{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		m.MarkReady()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.WaitUntilReady(ctx))
}

func TestWaitUntilIdleRequiresAllCountsZero(t *testing.T) {
	consumer := &fakeCounter{n: 1}
	m := New(Config{
		Consumer:  consumer,
		Scheduler: &fakeCounter{n: 0},
		FollowUp:  &fakeCounter{n: 0},
		IdleAfter: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		time.Sleep(30 * time.Millisecond)
		consumer.n = 0
	}()

	require.NoError(t, m.WaitUntilIdle(ctx, 2*time.Second))
	assert.Equal(t, StateIdle, m.State())
}

func TestWaitUntilIdleTimesOutWhenPendingNeverClears(t *testing.T) {
	m := New(Config{
		Consumer:  &fakeCounter{n: 1},
		IdleAfter: 10 * time.Millisecond,
	})
	err := m.WaitUntilIdle(context.Background(), 50*time.Millisecond)
	assert.Error(t, err)
	assert.NotEqual(t, StateIdle, m.State())
}

func TestWaitUntilIdleHonorsActivityTracker(t *testing.T) {
	activity := &fakeActivity{at: time.Now()}
	m := New(Config{Activity: activity, IdleAfter: 30 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.WaitUntilIdle(ctx, time.Second))
	assert.Equal(t, StateIdle, m.State())
}

func TestWaitUntilIdleTimesOutWhileLedgerErrors(t *testing.T) {
	m := New(Config{
		Ledger: func(ctx context.Context) (int, error) {
			return 0, assert.AnError
		},
		IdleAfter: 10 * time.Millisecond,
	})
	err := m.WaitUntilIdle(context.Background(), 30*time.Millisecond)
	assert.Error(t, err)
}

func TestShutdownRunsEachStopFuncInOrder(t *testing.T) {
	m := New(Config{})
	var order []string
	step := func(name string) StopFunc {
		return func(ctx context.Context) error {
			order = append(order, name)
			return nil
		}
	}
	err := m.Shutdown(context.Background(),
		step("consumer"), step("scheduler"), step("followup"), step("mart"))
	require.NoError(t, err)
	assert.Equal(t, []string{"consumer", "scheduler", "followup", "mart"}, order)
	assert.Equal(t, StateStopped, m.State())
}

func TestShutdownStopsAtFirstError(t *testing.T) {
	m := New(Config{})
	var ran []string
	ok := func(name string) StopFunc {
		return func(ctx context.Context) error {
			ran = append(ran, name)
			return nil
		}
	}
	failing := func(ctx context.Context) error { return assert.AnError }

	err := m.Shutdown(context.Background(), ok("consumer"), failing, ok("followup"), ok("mart"))
	assert.Error(t, err)
	assert.Equal(t, []string{"consumer"}, ran)
}

func TestMetricsSnapshot(t *testing.T) {
	metrics := &Metrics{}
	metrics.MessagesConsumed.Inc()
	metrics.MessagesConsumed.Inc()
	metrics.TasksScheduled.Add(3)

	snap := metrics.Snapshot()
	assert.Equal(t, int64(2), snap.MessagesConsumed)
	assert.Equal(t, int64(3), snap.TasksScheduled)
	assert.Equal(t, int64(0), snap.LeasesLost)
}

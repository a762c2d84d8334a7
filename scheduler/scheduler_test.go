package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senzing-garage/data-mart-replicator/errs"
)

func TestScheduleKeyDeduplicationCoalescesMultiplicity(t *testing.T) {
	s := New(Config{Concurrency: 1})

	var invocations int32
	var lastMultiplicity int32
	done := make(chan struct{})

	s.RegisterHandler("REFRESH_ENTITY", func(ctx context.Context, task *Task, followUp *Handle) error {
		atomic.AddInt32(&invocations, 1)
		atomic.StoreInt32(&lastMultiplicity, int32(task.Multiplicity))
		close(done)
		return nil
	})
	s.Start()
	defer s.Stop(2 * time.Second)

	h := s.NewHandle()
	for i := 0; i < 10; i++ {
		h.Schedule(Task{
			Action:     "REFRESH_ENTITY",
			Resource:   &Resource{Kind: "ENTITY", Value: "1"},
			Parameters: map[string]interface{}{"entity_id": int64(1)},
		})
	}
	require.NoError(t, h.Commit())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&invocations))
	assert.Equal(t, int32(10), atomic.LoadInt32(&lastMultiplicity))
}

func TestResourceCoalescingSerializesSameResource(t *testing.T) {
	s := New(Config{Concurrency: 4})

	var mu sync.Mutex
	var order []int
	var active int32

	s.RegisterHandler("REFRESH_ENTITY", func(ctx context.Context, task *Task, followUp *Handle) error {
		if atomic.AddInt32(&active, 1) > 1 {
			t.Error("more than one task active for the same resource at once")
		}
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		order = append(order, task.Parameters["n"].(int))
		mu.Unlock()
		atomic.AddInt32(&active, -1)
		return nil
	})
	s.Start()
	defer s.Stop(2 * time.Second)

	for i := 0; i < 5; i++ {
		h := s.NewHandle()
		h.Schedule(Task{
			Action:      "REFRESH_ENTITY",
			Resource:    &Resource{Kind: "ENTITY", Value: "1"},
			ScheduleKey: fmt.Sprintf("unique-%d", i),
			Parameters:  map[string]interface{}{"n": i},
		})
		require.NoError(t, h.Commit())
		time.Sleep(2 * time.Millisecond)
	}

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestFollowUpCommittedOnlyOnSuccess(t *testing.T) {
	s := New(Config{Concurrency: 2})

	var followUpRan int32
	s.RegisterHandler("CHILD", func(ctx context.Context, task *Task, followUp *Handle) error {
		atomic.AddInt32(&followUpRan, 1)
		return nil
	})

	failFirst := true
	parentDone := make(chan struct{}, 2)
	s.RegisterHandler("PARENT", func(ctx context.Context, task *Task, followUp *Handle) error {
		followUp.Schedule(Task{Action: "CHILD", ScheduleKey: "child-key"})
		defer func() { parentDone <- struct{}{} }()
		if failFirst {
			failFirst = false
			return errs.ErrMartFatal
		}
		return nil
	})
	s.Start()
	defer s.Stop(2 * time.Second)

	h := s.NewHandle()
	h.Schedule(Task{Action: "PARENT", ScheduleKey: "parent-fail"})
	require.NoError(t, h.Commit())
	<-parentDone

	h2 := s.NewHandle()
	h2.Schedule(Task{Action: "PARENT", ScheduleKey: "parent-success"})
	require.NoError(t, h2.Commit())
	<-parentDone

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&followUpRan))
}

func TestRetryableErrorIsRetriedUpToMaxAttempts(t *testing.T) {
	s := New(Config{Concurrency: 1, MaxAttempts: 3})

	var attempts int32
	done := make(chan struct{})
	s.RegisterHandler("RETRY_ME", func(ctx context.Context, task *Task, followUp *Handle) error {
		n := atomic.AddInt32(&attempts, 1)
		if n >= 3 {
			close(done)
		}
		return errs.ErrMartTransient
	})
	s.Start()
	defer s.Stop(2 * time.Second)

	h := s.NewHandle()
	h.Schedule(Task{Action: "RETRY_ME", ScheduleKey: "retry-key"})
	require.NoError(t, h.Commit())

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("handler was not retried enough times")
	}
}

func TestPendingCountReflectsQueuedAndInFlight(t *testing.T) {
	s := New(Config{Concurrency: 1})
	release := make(chan struct{})
	s.RegisterHandler("BLOCK", func(ctx context.Context, task *Task, followUp *Handle) error {
		<-release
		return nil
	})
	s.Start()
	defer s.Stop(2 * time.Second)

	h := s.NewHandle()
	h.Schedule(Task{Action: "BLOCK", ScheduleKey: "blocker"})
	require.NoError(t, h.Commit())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, s.PendingCount())
	close(release)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, s.PendingCount())
}

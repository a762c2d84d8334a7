// Package scheduler is the in-memory task scheduler (C4): a single-
// process, multi-threaded cooperative worker pool that dispatches Task
// units with resource-coalescing mutual exclusion, schedule-key
// de-duplication, commit/rollback groups, and follow-up chains tied to
// a parent task's success. It is grounded on the teacher's
// worker.Pool/worker.Worker split (one loop per worker, a Queue
// interface, a JobProcessor interface), generalized here with the
// resource and schedule-key semantics spec.md §4.4 requires — there is
// no separate durable Queue implementation because the scheduler itself
// holds all not-yet-dispatched work in memory; durability of
// work-in-progress instead comes from the pending-delta ledger (C3).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/senzing-garage/data-mart-replicator/common"
	"github.com/senzing-garage/data-mart-replicator/errs"
	"github.com/senzing-garage/data-mart-replicator/ids"
	"github.com/senzing-garage/data-mart-replicator/lifecycle"
	"github.com/senzing-garage/data-mart-replicator/statemanager"
)

// Resource is a (kind, value) pair that declares mutual exclusion with
// any other task sharing the same pair: at most one task per resource
// executes at a time, and waiters are served FIFO.
type Resource struct {
	Kind  string
	Value string
}

// Task is one unit of scheduled work.
type Task struct {
	Action       string
	Parameters   map[string]interface{}
	Resource     *Resource
	ScheduleKey  string // computed when the Handle commits if left empty
	Multiplicity int    // defaults to 1 if left zero
	Attempt      int
}

// Handler processes one dispatched Task. followUp is a child Handle:
// handlers stage their own follow-up tasks on it via Schedule, but must
// not call Commit/Rollback themselves — the scheduler commits followUp
// iff the handler returns nil, and discards it otherwise, per spec.md
// §4.4's follow-up semantics.
type Handler func(ctx context.Context, task *Task, followUp *Handle) error

// queuedTask is a Task augmented with scheduler-private bookkeeping.
type queuedTask struct {
	task    Task
	backoff *backoffState
}

// Config configures a Scheduler.
type Config struct {
	// Concurrency is the number of worker goroutines (typically 2x
	// core-concurrency per spec.md §6).
	Concurrency int
	// MaxAttempts bounds retries for a Retryable handler outcome before
	// the task is logged fatal and dropped.
	MaxAttempts int
	// Activity, if set, records one operation per dispatched task so the
	// lifecycle component can read back a last-activity timestamp for
	// its idle check. Nil is valid; idle detection then relies solely on
	// the pending counts.
	Activity *statemanager.Manager
	// Metrics, if set, is incremented with one TasksDispatched per
	// dispatched task and one TasksRetried per retryable outcome. Nil is
	// valid.
	Metrics *lifecycle.Metrics
}

// Scheduler is the C4 worker pool.
type Scheduler struct {
	cfg Config

	mu               sync.Mutex
	cond             *sync.Cond
	handlers         map[string]Handler
	scheduleIndex    map[string]*queuedTask
	dispatchable     []*queuedTask
	resourceInFlight map[Resource]bool
	resourceWaiters  map[Resource][]*queuedTask
	inFlightCount    int

	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a Scheduler with the given configuration. Call
// RegisterHandler for every action before Start.
func New(cfg Config) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	s := &Scheduler{
		cfg:              cfg,
		handlers:         make(map[string]Handler),
		scheduleIndex:    make(map[string]*queuedTask),
		resourceInFlight: make(map[Resource]bool),
		resourceWaiters:  make(map[Resource][]*queuedTask),
		stopCh:           make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// RegisterHandler binds action to h. Must be called before Start.
func (s *Scheduler) RegisterHandler(action string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[action] = h
}

// NewHandle opens a new commit group for external callers (e.g. the
// message consumer scheduling REFRESH_ENTITY tasks).
func (s *Scheduler) NewHandle() *Handle {
	return &Handle{s: s}
}

// Start launches the worker pool.
func (s *Scheduler) Start() {
	for i := 0; i < s.cfg.Concurrency; i++ {
		s.wg.Add(1)
		go s.runWorker(i)
	}
}

// Stop signals workers to exit once idle and waits up to timeout (0
// means wait forever) for them to drain. It returns true if all
// workers exited before the deadline.
func (s *Scheduler) Stop(timeout time.Duration) bool {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	close(s.stopCh)
	s.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// PendingCount returns the number of tasks currently queued (waiting or
// dispatchable) plus the number in flight, used by the lifecycle
// component's idle check.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scheduleIndex) + s.inFlightCount
}

func (s *Scheduler) runWorker(id int) {
	defer s.wg.Done()
	for {
		qt := s.waitForDispatchable()
		if qt == nil {
			return // scheduler stopped and queue drained
		}
		s.execute(id, qt)
	}
}

// waitForDispatchable blocks until a task is dispatchable or the
// scheduler is stopped with nothing left to dispatch.
func (s *Scheduler) waitForDispatchable() *queuedTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.dispatchable) == 0 {
		if s.stopped {
			return nil
		}
		s.cond.Wait()
	}
	qt := s.dispatchable[0]
	s.dispatchable = s.dispatchable[1:]
	// A retried task left the index on its first dispatch and is still
	// counted in flight; only a first dispatch moves a task from queued
	// to in flight, and a newer task with the same key keeps its entry.
	if s.scheduleIndex[qt.task.ScheduleKey] == qt {
		delete(s.scheduleIndex, qt.task.ScheduleKey)
		s.inFlightCount++
	}
	return qt
}

func (s *Scheduler) execute(workerID int, qt *queuedTask) {
	s.mu.Lock()
	handler, ok := s.handlers[qt.task.Action]
	s.mu.Unlock()

	logger := common.NewContextLogger(common.Logger, map[string]interface{}{
		"worker": workerID, "action": qt.task.Action, "schedule_key": qt.task.ScheduleKey,
	})

	if !ok {
		logger.Error("no handler registered for action, dropping task")
		s.finishTask(qt, false)
		return
	}

	followUp := s.NewHandle()
	ctx := context.Background()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.TasksDispatched.Inc()
	}

	var opID string
	if s.cfg.Activity != nil {
		opID = ids.NewOperationID()
		s.cfg.Activity.StartOperation(opID, qt.task.Action, qt.task.Parameters)
		if qt.task.Attempt > 0 {
			s.cfg.Activity.UpdateMetadata(opID, "attempt", qt.task.Attempt)
		}
	}
	err := handler(ctx, &qt.task, followUp)
	if s.cfg.Activity != nil {
		s.cfg.Activity.CompleteOperation(opID, err)
	}

	if err == nil {
		if cerr := followUp.Commit(); cerr != nil {
			logger.WithError(cerr).Error("committing follow-up handle")
		}
		s.finishTask(qt, false)
		return
	}

	switch classify(err) {
	case outcomeRetryable:
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.TasksRetried.Inc()
		}
		qt.task.Attempt++
		if qt.task.Attempt >= s.cfg.MaxAttempts {
			logger.WithError(err).Error("task exhausted retries, dropping")
			s.finishTask(qt, false)
			return
		}
		if qt.backoff == nil {
			qt.backoff = newBackoffState()
		}
		delay := qt.backoff.next()
		logger.WithError(err).Warnf("task retryable, retrying in %s (attempt %d)", delay, qt.task.Attempt)
		time.AfterFunc(delay, func() { s.requeueAfterRetry(qt) })
	default:
		logger.WithError(err).Error("task fatal, dropping")
		s.finishTask(qt, false)
	}
}

// requeueAfterRetry puts qt back on the dispatchable list without
// releasing its resource lock (if any) — a retry of the same task holds
// its resource across the backoff so other waiters don't interleave
// with a task that is still logically "in progress".
func (s *Scheduler) requeueAfterRetry(qt *queuedTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.releaseResourceLocked(qt.task.Resource)
		s.inFlightCount--
		return
	}
	s.dispatchable = append(s.dispatchable, qt)
	s.cond.Broadcast()
}

// finishTask releases qt's resource (handing it to the next FIFO
// waiter, if any) and decrements the in-flight counter. retried is
// reserved for future use by callers that re-enter the dispatch queue
// through a path other than requeueAfterRetry.
func (s *Scheduler) finishTask(qt *queuedTask, _retried bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseResourceLocked(qt.task.Resource)
	s.inFlightCount--
}

func (s *Scheduler) releaseResourceLocked(resource *Resource) {
	if resource == nil {
		return
	}
	waiters := s.resourceWaiters[*resource]
	if len(waiters) == 0 {
		delete(s.resourceInFlight, *resource)
		return
	}
	next := waiters[0]
	s.resourceWaiters[*resource] = waiters[1:]
	s.dispatchable = append(s.dispatchable, next)
	s.cond.Broadcast()
}

// enqueueLocked applies the de-duplication and resource-coalescing
// rules for one task. Callers must hold s.mu.
func (s *Scheduler) enqueueLocked(task Task) {
	if task.Multiplicity <= 0 {
		task.Multiplicity = 1
	}
	if task.ScheduleKey == "" {
		task.ScheduleKey = ComputeScheduleKey(task.Action, task.Resource, task.Parameters)
	}

	if existing, ok := s.scheduleIndex[task.ScheduleKey]; ok {
		existing.task.Multiplicity += task.Multiplicity
		return
	}

	qt := &queuedTask{task: task}
	s.scheduleIndex[task.ScheduleKey] = qt

	if task.Resource == nil {
		s.dispatchable = append(s.dispatchable, qt)
		s.cond.Broadcast()
		return
	}

	if s.resourceInFlight[*task.Resource] {
		s.resourceWaiters[*task.Resource] = append(s.resourceWaiters[*task.Resource], qt)
		return
	}
	s.resourceInFlight[*task.Resource] = true
	s.dispatchable = append(s.dispatchable, qt)
	s.cond.Broadcast()
}

type outcome int

const (
	outcomeFatal outcome = iota
	outcomeRetryable
)

// classify maps the errs taxonomy onto the scheduler's retry decision:
// transient mart failures, lease loss, and engine unavailability are
// retried; everything else (including unrecognized errors) is fatal.
func classify(err error) outcome {
	if errors.Is(err, errs.ErrMartTransient) || errors.Is(err, errs.ErrLeaseLost) || errors.Is(err, errs.ErrEngineUnavailable) {
		return outcomeRetryable
	}
	return outcomeFatal
}

// ErrHandleAlreadyResolved is returned by Commit/Rollback called twice
// on the same Handle.
var ErrHandleAlreadyResolved = fmt.Errorf("scheduler: handle already committed or rolled back")

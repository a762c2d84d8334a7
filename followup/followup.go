// Package followup implements the report-follow-up scheduler (C8): a
// background loop that periodically re-schedules pending report keys so
// aggregation progresses even when a report-update task's own follow-up
// chaining is short-circuited (a crash between a refresh's commit and
// its report task running, or a report task's lease expiring mid-flight
// and silently dropping the chain).
//
// Coordination uses a ticker channel plus a mutex-guarded map, per
// SPEC_FULL.md REDESIGN FLAGS — not the source's thread/monitor/notify
// pattern.
package followup

import (
	"context"
	"sync"
	"time"

	"github.com/senzing-garage/data-mart-replicator/common"
	"github.com/senzing-garage/data-mart-replicator/ids"
	"github.com/senzing-garage/data-mart-replicator/ledger"
	"github.com/senzing-garage/data-mart-replicator/scheduler"
)

// Rate is one of the three processing-rate presets spec.md §6's
// "processing-rate" option names; each maps to a follow-up period.
type Rate string

const (
	RateLeisurely Rate = "leisurely"
	RateStandard  Rate = "standard"
	RateAggressive Rate = "aggressive"
)

// Period returns the follow-up sleep interval for a processing-rate
// preset: 300s leisurely, 60s standard (the spec's documented default),
// 1s aggressive.
func (r Rate) Period() time.Duration {
	switch r {
	case RateLeisurely:
		return 300 * time.Second
	case RateAggressive:
		return 1 * time.Second
	default:
		return 60 * time.Second
	}
}

// Loop is the C8 background task. It owns an in-memory
// {report_key -> scheduler action} map fed from two sources: the
// ledger's distinct_keys() at startup, and every call to Schedule made
// by the refresh handler as it touches report keys.
type Loop struct {
	Scheduler *scheduler.Scheduler
	Ledger    *ledger.Ledger
	Period    time.Duration

	mu      sync.Mutex
	pending map[string]string // report_key -> scheduler action

	stopCh chan struct{}
	doneCh chan struct{}

	// tickerFactory lets tests substitute a faster ticker without
	// waiting on the real period.
	tickerFactory func(time.Duration) *time.Ticker
}

// New builds a Loop. Call Seed once at startup before Start to recover
// in-flight report keys left behind by a crash (spec.md §4.8, testable
// property S4).
func New(s *scheduler.Scheduler, l *ledger.Ledger, period time.Duration) *Loop {
	if period <= 0 {
		period = RateStandard.Period()
	}
	return &Loop{
		Scheduler: s,
		Ledger:    l,
		Period:    period,
		pending:   make(map[string]string),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Seed queries the ledger for every distinct report key with at least
// one pending row and adds it to the map under the action its family
// implies, so a process restarted after a crash re-drives every report
// key whose pending-delta rows survived (they are durable; the
// in-memory scheduler queue that would have processed them is not).
func (l *Loop) Seed(ctx context.Context) error {
	keys, err := l.Ledger.DistinctKeys(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		l.addLocked(k)
	}
	return nil
}

// Schedule records that reportKey has pending work, to be re-enqueued
// on the next tick. Called by the refresh handler (or anything else
// that appends pending deltas) in addition to — not instead of — its
// own direct follow-up scheduling; the scheduler's de-duplication makes
// emitting the same (key, action) from both places harmless.
func (l *Loop) Schedule(reportKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addLocked(reportKey)
}

func (l *Loop) addLocked(reportKey string) {
	key, ok := ids.ParseReportKey(reportKey)
	if !ok {
		return
	}
	l.pending[reportKey] = ids.ActionForFamily(key.Report)
}

// Start launches the background loop. Stop signals it to exit and waits
// for the current tick (if any) to finish.
func (l *Loop) Start() {
	go l.run()
}

// Stop signals the loop to exit after its current tick and blocks until
// it has. Per spec.md §4.9 shutdown step 3: "stop the follow-up loop and
// let the next lease cycle finish" — the loop does not abort mid-tick.
func (l *Loop) Stop() {
	close(l.stopCh)
	<-l.doneCh
}

func (l *Loop) run() {
	defer close(l.doneCh)

	newTicker := l.tickerFactory
	if newTicker == nil {
		newTicker = time.NewTicker
	}
	ticker := newTicker(l.Period)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

// tick snapshots the pending map under the mutex, atomically clears it,
// and commits one scheduler task per entry — spec.md §4.8's loop body.
func (l *Loop) tick() {
	l.mu.Lock()
	snapshot := l.pending
	l.pending = make(map[string]string, len(snapshot))
	l.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}

	handle := l.Scheduler.NewHandle()
	for reportKey, action := range snapshot {
		handle.Schedule(scheduler.Task{
			Action:     action,
			Resource:   &scheduler.Resource{Kind: "REPORT", Value: reportKey},
			Parameters: map[string]interface{}{"report_key": reportKey},
		})
	}
	if err := handle.Commit(); err != nil {
		common.NewContextLogger(common.Logger, map[string]interface{}{"component": "followup"}).
			WithError(err).Error("committing follow-up tick")
	}
}

// PendingCount reports how many distinct report keys are currently
// waiting for the next tick, used by the lifecycle component's idle
// check alongside the ledger's own unleased-row count.
func (l *Loop) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

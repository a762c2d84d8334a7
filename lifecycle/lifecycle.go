// Package lifecycle implements the service lifecycle manager (C9):
// readiness/idle state tracking, graceful shutdown sequencing, and a
// tiny read-only HTTP status surface: an echo.New() +
// middleware.Logger()/Recover() server stopped with e.Shutdown(ctx) as
// the last step of the graceful-stop sequence, a status endpoint
// alongside the real work loops (SPEC_FULL.md §11.1).
package lifecycle

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/senzing-garage/data-mart-replicator/common"
	"github.com/senzing-garage/data-mart-replicator/statemanager"
)

// State is one of the service's lifecycle states (spec.md §4.9).
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateIdle         State = "idle"
	StateStopped      State = "stopped"
)

// PendingCounter reports outstanding work for one moving part. Each of
// the consumer, the scheduler, and the follow-up loop implement this
// directly (their own PendingCount method); the ledger's count is a
// database query and is supplied separately as Config.Ledger.
type PendingCounter interface {
	PendingCount() int
}

// ActivityTracker is the narrow slice of statemanager.Manager the idle
// check needs.
type ActivityTracker interface {
	LastActivityAt() time.Time
}

// OperationStatsSource is the narrow slice of statemanager.Manager the
// /readyz operation-stats surface and /operations listing/lookup need.
type OperationStatsSource interface {
	GetStats() *statemanager.OperationStats
	ListOperations() []*statemanager.OperationState
	GetOperation(id string) *statemanager.OperationState
}

// Metrics is a small set of atomic counters surfaced on /readyz,
// per SPEC_FULL.md §11.3 — observability the spec's Non-goals don't
// mention and that doesn't warrant a metrics library dependency.
type Metrics struct {
	MessagesConsumed  Counter
	TasksScheduled    Counter
	TasksDispatched   Counter
	TasksRetried      Counter
	LedgerAppended    Counter
	LedgerLeased      Counter
	LedgerDeleted     Counter
	LeasesLost        Counter
}

// Snapshot is Metrics rendered as plain values for JSON encoding.
type Snapshot struct {
	MessagesConsumed int64 `json:"messages_consumed"`
	TasksScheduled   int64 `json:"tasks_scheduled"`
	TasksDispatched  int64 `json:"tasks_dispatched"`
	TasksRetried     int64 `json:"tasks_retried"`
	LedgerAppended   int64 `json:"ledger_appended"`
	LedgerLeased     int64 `json:"ledger_leased"`
	LedgerDeleted    int64 `json:"ledger_deleted"`
	LeasesLost       int64 `json:"leases_lost"`
}

// Snapshot reads every counter's current value.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		MessagesConsumed: m.MessagesConsumed.Value(),
		TasksScheduled:   m.TasksScheduled.Value(),
		TasksDispatched:  m.TasksDispatched.Value(),
		TasksRetried:     m.TasksRetried.Value(),
		LedgerAppended:   m.LedgerAppended.Value(),
		LedgerLeased:     m.LedgerLeased.Value(),
		LedgerDeleted:    m.LedgerDeleted.Value(),
		LeasesLost:       m.LeasesLost.Value(),
	}
}

// Config configures a Manager.
type Config struct {
	// Consumer, Scheduler, and FollowUp feed the idle check's pending
	// counts directly.
	Consumer  PendingCounter
	Scheduler PendingCounter
	FollowUp  PendingCounter
	// Ledger feeds the idle check's unleased-row count; it returns an
	// error because, unlike the other three, it is a database query.
	Ledger func(ctx context.Context) (int, error)
	// Activity, if set, gates idle detection additionally on "no
	// dispatched task in at least IdleAfter". Nil is valid: idle
	// detection then relies solely on the pending counts.
	Activity ActivityTracker
	// Operations, if set, is surfaced on /readyz as an operation-count
	// and average-duration breakdown. Nil omits the field.
	Operations OperationStatsSource
	// IdleAfter is how long Activity, if set, must show no activity
	// before the state transitions to StateIdle; the pending counts only
	// need to read zero at the poll that observes this. Defaults to 5
	// minutes.
	IdleAfter time.Duration
	// Port is the /healthz + /readyz HTTP listen port. Zero disables the
	// HTTP surface.
	Port string
	// Metrics, if set, is surfaced on /readyz as-is instead of a fresh
	// zero-valued Metrics — callers that share one Metrics instance
	// across the scheduler, ledger, report handler, and consumer pass it
	// here so /readyz reflects the same counters those components
	// increment. Nil builds a fresh (always-zero) Metrics.
	Metrics *Metrics
}

// Manager tracks the service's lifecycle state and exposes it over
// /healthz and /readyz.
type Manager struct {
	cfg     Config
	Metrics *Metrics

	mu    sync.RWMutex
	state State

	logger *common.ContextLogger
	echo   *echo.Echo
}

// New builds a Manager in StateInitializing.
func New(cfg Config) *Manager {
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = 5 * time.Minute
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Manager{
		cfg:     cfg,
		Metrics: metrics,
		state:   StateInitializing,
		logger:  common.NewContextLogger(common.Logger, map[string]interface{}{"component": "lifecycle"}),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()
	if changed {
		m.logger.Infof("lifecycle state -> %s", s)
	}
}

// MarkReady transitions StateInitializing -> StateReady. Called once
// the mart accessor and the message consumer have both started
// successfully (spec.md §4.9's readiness criteria).
func (m *Manager) MarkReady() {
	m.setState(StateReady)
}

// WaitUntilReady blocks until the state leaves StateInitializing or ctx
// is done, polling every 50ms — this is test/startup-probe glue, not a
// hot path.
func (m *Manager) WaitUntilReady(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.State() != StateInitializing {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// pollIdle evaluates spec.md §4.9's idle criteria: every tracked
// pending count reads zero, and (if Activity is set) no operation has
// started or completed in at least IdleAfter.
func (m *Manager) pollIdle(ctx context.Context) bool {
	if m.cfg.Consumer != nil && m.cfg.Consumer.PendingCount() != 0 {
		return false
	}
	if m.cfg.Scheduler != nil && m.cfg.Scheduler.PendingCount() != 0 {
		return false
	}
	if m.cfg.FollowUp != nil && m.cfg.FollowUp.PendingCount() != 0 {
		return false
	}
	if m.cfg.Ledger != nil {
		n, err := m.cfg.Ledger(ctx)
		if err != nil {
			m.logger.WithError(err).Warn("checking ledger pending count for idle detection")
			return false
		}
		if n != 0 {
			return false
		}
	}
	if m.cfg.Activity != nil && time.Since(m.cfg.Activity.LastActivityAt()) < m.cfg.IdleAfter {
		return false
	}
	return true
}

// WaitUntilIdle blocks until a poll finds every pending count at zero
// (and Activity, if set, showing no movement for at least IdleAfter),
// ctx is done, or maxWait elapses — whichever comes first. It is meant
// for tests and operational tooling that want to know the mart has
// caught up, not for the shutdown path (shutdown does not wait for
// idle; see Shutdown).
func (m *Manager) WaitUntilIdle(ctx context.Context, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(m.cfg.IdleAfter / 5)
	defer ticker.Stop()
	for {
		if m.pollIdle(ctx) {
			m.setState(StateIdle)
			return nil
		}
		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// StopFunc is one step of the shutdown sequence.
type StopFunc func(ctx context.Context) error

// Shutdown runs the graceful shutdown sequence spec.md §4.9 names: stop
// the consumer, drain the scheduler (bounded by ctx), stop the
// follow-up loop (letting its current tick finish), then close the mart
// connection — stopping at the first step that returns an error so
// callers can see which stage failed, but always running every step
// that comes before it.
func (m *Manager) Shutdown(ctx context.Context, stopConsumer, drainScheduler, stopFollowUp, closeMart StopFunc) error {
	m.setState(StateStopped)
	if stopConsumer != nil {
		if err := stopConsumer(ctx); err != nil {
			return err
		}
	}
	if drainScheduler != nil {
		if err := drainScheduler(ctx); err != nil {
			return err
		}
	}
	if stopFollowUp != nil {
		if err := stopFollowUp(ctx); err != nil {
			return err
		}
	}
	if closeMart != nil {
		if err := closeMart(ctx); err != nil {
			return err
		}
	}
	if m.echo != nil {
		return m.echo.Shutdown(ctx)
	}
	return nil
}

// StartHTTP launches the /healthz, /readyz, and /operations[/:id]
// endpoints in the background if cfg.Port is set. It never blocks.
func (m *Manager) StartHTTP() {
	if m.cfg.Port == "" {
		return
	}
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.GET("/healthz", m.handleHealthz)
	e.GET("/readyz", m.handleReadyz)
	e.GET("/operations", m.handleOperations)
	e.GET("/operations/:id", m.handleOperation)
	m.echo = e

	go func() {
		if err := e.Start(":" + m.cfg.Port); err != nil && err != http.ErrServerClosed {
			m.logger.WithError(err).Error("lifecycle http server exited")
		}
	}()
}

// handleHealthz always reports alive once the process is running; it
// answers "is the process up", not "is it doing useful work" (that is
// /readyz's job).
func (m *Manager) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "alive"})
}

type readyzResponse struct {
	State      State                        `json:"state"`
	Metrics    Snapshot                     `json:"metrics"`
	Operations *statemanager.OperationStats `json:"operations,omitempty"`
}

func (m *Manager) handleReadyz(c echo.Context) error {
	state := m.State()
	status := http.StatusOK
	if state == StateInitializing {
		status = http.StatusServiceUnavailable
	}
	resp := readyzResponse{State: state, Metrics: m.Metrics.Snapshot()}
	if m.cfg.Operations != nil {
		resp.Operations = m.cfg.Operations.GetStats()
	}
	return c.JSON(status, resp)
}

// handleOperations lists every tracked operation (bounded by
// statemanager.Manager's own eviction), for ad hoc diagnostics. Returns an
// empty list, not an error, when no Operations source is configured.
func (m *Manager) handleOperations(c echo.Context) error {
	if m.cfg.Operations == nil {
		return c.JSON(http.StatusOK, []*statemanager.OperationState{})
	}
	return c.JSON(http.StatusOK, m.cfg.Operations.ListOperations())
}

// handleOperation looks up a single tracked operation by id, 404ing when
// it isn't (or isn't tracked anymore) rather than returning null.
func (m *Manager) handleOperation(c echo.Context) error {
	if m.cfg.Operations == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "operation tracking not configured"})
	}
	op := m.cfg.Operations.GetOperation(c.Param("id"))
	if op == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "operation not found"})
	}
	return c.JSON(http.StatusOK, op)
}

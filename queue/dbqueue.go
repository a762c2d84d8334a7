package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/senzing-garage/data-mart-replicator/common"
	"github.com/senzing-garage/data-mart-replicator/lifecycle"
	"github.com/senzing-garage/data-mart-replicator/martdb"
	"github.com/senzing-garage/data-mart-replicator/worker"
)

const dbQueueName = "info"

// DBQueueConsumer is the database-table backend of C5: info messages
// live as rows in sz_dm_info_message, claimed with `FOR UPDATE SKIP
// LOCKED` on Postgres or a plain locked_until comparison on SQLite
// (where the single-writer clamp already serializes claimants), per
// the dialect choice recorded in DESIGN.md. Built on worker.Pool,
// adapted from the teacher's generic queue/processor split into a
// single-table job store.
type DBQueueConsumer struct {
	DB           martdb.DB
	Concurrency  int
	LockDuration time.Duration
	PollInterval time.Duration
	// Metrics, if set, records one MessagesConsumed per successfully
	// scheduled message. Nil is valid.
	Metrics *lifecycle.Metrics

	logger *common.ContextLogger
	store  *dbQueueStore
	pool   *worker.Pool
}

// NewDBQueueConsumer builds a consumer over db. db must already have
// Bootstrap run so sz_dm_info_message exists.
func NewDBQueueConsumer(db martdb.DB, concurrency int) *DBQueueConsumer {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &DBQueueConsumer{
		DB:           db,
		Concurrency:  concurrency,
		LockDuration: 60 * time.Second,
		PollInterval: time.Second,
		logger:       common.NewContextLogger(common.Logger, map[string]interface{}{"component": "consumer", "backend": "dbqueue"}),
	}
}

// Start builds the job store and processor over s and launches
// Concurrency workers.
func (c *DBQueueConsumer) Start(s Scheduler) error {
	c.store = &dbQueueStore{db: c.DB, lockDuration: c.LockDuration, pollInterval: c.PollInterval}
	processor := &infoMessageProcessor{scheduler: s, timeout: c.LockDuration, logger: c.logger, metrics: c.Metrics}
	c.pool = worker.NewPool(c.store, processor, worker.Config{Queues: map[string]int{dbQueueName: c.Concurrency}})
	c.pool.Start()
	return nil
}

// Stop stops every worker.
func (c *DBQueueConsumer) Stop() {
	if c.pool != nil {
		c.pool.Stop()
	}
}

// PendingCount reports the number of info messages currently unclaimed
// or whose claim has lapsed — unlike the broker and cloud-queue
// backends, the table backend can answer this exactly.
func (c *DBQueueConsumer) PendingCount() int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var count int
	row := c.DB.QueryRow(ctx, `SELECT COUNT(*) FROM sz_dm_info_message WHERE locked_until IS NULL OR locked_until < ?`, time.Now())
	if err := row.Scan(&count); err != nil {
		c.logger.WithError(err).Warn("counting pending info messages")
		return 0
	}
	return count
}

// dbJob is one claimed sz_dm_info_message row.
type dbJob struct {
	id      int64
	payload []byte
}

// dbQueueStore implements worker.Queue over sz_dm_info_message.
type dbQueueStore struct {
	db           martdb.DB
	lockDuration time.Duration
	pollInterval time.Duration
}

// Dequeue polls for an unclaimed (or claim-lapsed) row until one is
// found or timeout elapses, claiming it for lockDuration as a
// placeholder the processor's own MarkProcessing call then extends to
// the job's real timeout.
func (s *dbQueueStore) Dequeue(queueName string, timeout time.Duration) (interface{}, error) {
	deadline := time.Now().Add(timeout)
	for {
		job, err := s.claimOne()
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		time.Sleep(s.pollInterval)
	}
}

func (s *dbQueueStore) claimOne() (*dbJob, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, martdb.WrapTransient(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	now := time.Now()
	query := `SELECT id, payload FROM sz_dm_info_message WHERE locked_until IS NULL OR locked_until < ? ORDER BY id LIMIT 1`
	if s.db.Dialect() == martdb.DialectPostgres {
		query += ` FOR UPDATE SKIP LOCKED`
	}

	var id int64
	var payload string
	if err := tx.QueryRow(ctx, query, now).Scan(&id, &payload); err != nil {
		if errors.Is(err, martdb.ErrNoRows) {
			return nil, nil
		}
		return nil, martdb.WrapTransient(fmt.Errorf("claiming info message: %w", err))
	}

	claimedUntil := now.Add(s.lockDuration)
	if err := tx.Exec(ctx, `UPDATE sz_dm_info_message SET locked_by = 'claimed', locked_until = ? WHERE id = ?`, claimedUntil, id); err != nil {
		return nil, martdb.WrapTransient(fmt.Errorf("marking info message %d claimed: %w", id, err))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, martdb.WrapTransient(err)
	}
	committed = true
	return &dbJob{id: id, payload: []byte(payload)}, nil
}

// Enqueue is called by worker.Worker only when MarkProcessing fails
// for a job it just dequeued; the row already exists, so this just
// releases its claim rather than inserting a duplicate.
func (s *dbQueueStore) Enqueue(job interface{}) error {
	return s.release(job.(*dbJob).id)
}

// MarkProcessing extends the claim to deadline.
func (s *dbQueueStore) MarkProcessing(jobID string, deadline time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return martdb.WrapTransient(s.db.Exec(ctx, `UPDATE sz_dm_info_message SET locked_until = ? WHERE id = ?`, deadline, idFromJobID(jobID)))
}

// CompleteJob deletes the row: the message has either been scheduled
// successfully or found permanently unparseable.
func (s *dbQueueStore) CompleteJob(jobID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return martdb.WrapTransient(s.db.Exec(ctx, `DELETE FROM sz_dm_info_message WHERE id = ?`, idFromJobID(jobID)))
}

// FailJob releases the claim so the row is picked up again on a later
// poll; requeue/queueName/retryCount are ignored; worker.Worker always
// calls this with requeue=false, but that only ever meant "don't
// re-insert" (handled by Enqueue instead), not "drop the row" —
// dropping a row that scheduling genuinely failed to process would
// silently lose the update.
func (s *dbQueueStore) FailJob(jobID string, requeue bool, queueName string, retryCount int) error {
	id, err := parseJobID(jobID)
	if err != nil {
		return err
	}
	return s.release(id)
}

func (s *dbQueueStore) release(id int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return martdb.WrapTransient(s.db.Exec(ctx, `UPDATE sz_dm_info_message SET locked_by = NULL, locked_until = NULL WHERE id = ?`, id))
}

func idFromJobID(jobID string) int64 {
	id, _ := parseJobID(jobID)
	return id
}

func parseJobID(jobID string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(jobID, "%d", &id); err != nil {
		return 0, fmt.Errorf("parsing info message job id %q: %w", jobID, err)
	}
	return id, nil
}

// infoMessageProcessor implements worker.JobProcessor for dbJob rows.
type infoMessageProcessor struct {
	scheduler Scheduler
	timeout   time.Duration
	logger    *common.ContextLogger
	metrics   *lifecycle.Metrics
}

func (p *infoMessageProcessor) GetJobID(job interface{}) string {
	return fmt.Sprintf("%d", job.(*dbJob).id)
}

func (p *infoMessageProcessor) GetTimeout(job interface{}) time.Duration {
	return p.timeout
}

// Process parses and schedules one info message. An unparseable
// message is logged and treated as done (the row is deleted, matching
// the broker backend's permanent-drop behavior for the same case); a
// scheduling failure is returned, and the worker's FailJob call then
// releases the row's claim so a later poll picks it up again.
func (p *infoMessageProcessor) Process(ctx context.Context, job interface{}) error {
	j := job.(*dbJob)
	msg, err := ParseMessage(j.payload)
	if err != nil {
		p.logger.WithError(err).Warn("dropping unparseable info message")
		return nil
	}
	if err := ScheduleRefresh(p.scheduler, msg); err != nil {
		p.logger.WithError(err).Warn("scheduling refresh failed, leaving message for redelivery")
		return err
	}
	if p.metrics != nil {
		p.metrics.MessagesConsumed.Inc()
	}
	return nil
}

var _ worker.Queue = (*dbQueueStore)(nil)
var _ worker.JobProcessor = (*infoMessageProcessor)(nil)

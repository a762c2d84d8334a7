// Package worker provides a generic worker pool for processing queued
// jobs, backing the database-table backend of the message consumer
// (C5): each worker repeatedly dequeues a claimed row, hands it to a
// JobProcessor, and marks it complete or failed.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/senzing-garage/data-mart-replicator/common"
)

// Queue defines the interface for job queue operations
type Queue interface {
	Dequeue(queueName string, timeout time.Duration) (interface{}, error)
	Enqueue(job interface{}) error
	MarkProcessing(jobID string, deadline time.Time) error
	CompleteJob(jobID string) error
	FailJob(jobID string, requeue bool, queueName string, retryCount int) error
}

// JobProcessor defines the interface for processing jobs
type JobProcessor interface {
	Process(ctx context.Context, job interface{}) error
	GetJobID(job interface{}) string
	GetTimeout(job interface{}) time.Duration
}

// Pool manages a pool of workers that process jobs from queues
type Pool struct {
	workers   []*Worker
	queue     Queue
	processor JobProcessor
	stopChan  chan struct{}
}

// Worker represents a single worker that processes jobs from a queue
type Worker struct {
	id        int
	queueName string
	queue     Queue
	processor JobProcessor
	stopChan  chan struct{}
}

// Config configures the worker pool
type Config struct {
	Queues map[string]int // Queue name -> number of workers
}

// NewPool creates a new worker pool
func NewPool(queue Queue, processor JobProcessor, config Config) *Pool {
	pool := &Pool{
		workers:   make([]*Worker, 0),
		queue:     queue,
		processor: processor,
		stopChan:  make(chan struct{}),
	}

	// Create workers for each queue
	for queueName, workerCount := range config.Queues {
		for i := 0; i < workerCount; i++ {
			worker := &Worker{
				id:        i,
				queueName: queueName,
				queue:     queue,
				processor: processor,
				stopChan:  make(chan struct{}),
			}
			pool.workers = append(pool.workers, worker)
		}
	}

	return pool
}

var poolLogger = common.NewContextLogger(common.Logger, map[string]interface{}{"component": "worker"})

// Start starts all workers in the pool
func (p *Pool) Start() {
	poolLogger.Infof("starting worker pool with %d workers", len(p.workers))

	for _, worker := range p.workers {
		go worker.Start()
	}
}

// Stop stops all workers in the pool
func (p *Pool) Stop() {
	close(p.stopChan)
	for _, worker := range p.workers {
		close(worker.stopChan)
	}
}

// Start starts a worker processing loop
func (w *Worker) Start() {
	for {
		select {
		case <-w.stopChan:
			return
		default:
			if err := w.processNext(); err != nil {
				poolLogger.WithError(err).Warnf("worker %d (%s queue) error", w.id, w.queueName)
				time.Sleep(1 * time.Second)
			}
		}
	}
}

// processNext fetches and processes the next job from the queue
func (w *Worker) processNext() error {
	job, err := w.queue.Dequeue(w.queueName, 5*time.Second)
	if err != nil {
		return fmt.Errorf("failed to dequeue: %w", err)
	}
	if job == nil {
		return nil
	}

	jobID := w.processor.GetJobID(job)
	timeout := w.processor.GetTimeout(job)
	deadline := time.Now().Add(timeout)

	if err := w.queue.MarkProcessing(jobID, deadline); err != nil {
		poolLogger.WithError(err).Warnf("worker %d failed to mark job %s as processing", w.id, jobID)
		_ = w.queue.Enqueue(job)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := w.processor.Process(ctx, job); err != nil {
		poolLogger.WithError(err).Warnf("worker %d job %s failed", w.id, jobID)
		if failErr := w.queue.FailJob(jobID, false, w.queueName, 0); failErr != nil {
			poolLogger.WithError(failErr).Errorf("worker %d failed to mark job %s as failed", w.id, jobID)
		}
		return nil
	}

	if err := w.queue.CompleteJob(jobID); err != nil {
		poolLogger.WithError(err).Errorf("worker %d failed to mark job %s as completed", w.id, jobID)
	}
	return nil
}

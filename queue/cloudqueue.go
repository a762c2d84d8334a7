package queue

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/senzing-garage/data-mart-replicator/common"
	"github.com/senzing-garage/data-mart-replicator/lifecycle"
)

// sqsClient is the slice of the SDK client this package depends on, so
// tests can substitute a fake without standing up a real queue.
type sqsClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// CloudQueueConsumer is the cloud-queue backend of C5: long-poll
// receives from an SQS-style queue and extends each message's
// visibility timeout while its schedule attempt is in progress, per
// spec.md §4.5's cloud-queue contract.
type CloudQueueConsumer struct {
	QueueURL          string
	Concurrency       int
	VisibilityTimeout time.Duration
	WaitTime          time.Duration
	// Metrics, if set, records one MessagesConsumed per successfully
	// scheduled-and-deleted message. Nil is valid.
	Metrics *lifecycle.Metrics

	client sqsClient
	logger *common.ContextLogger

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewCloudQueueConsumer builds a consumer over an existing SDK client
// (constructed by the caller from aws-sdk-go-v2/config, matching the
// teacher's AWS SDK v2 usage for S3).
func NewCloudQueueConsumer(client *sqs.Client, queueURL string, concurrency int) *CloudQueueConsumer {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &CloudQueueConsumer{
		QueueURL:          queueURL,
		Concurrency:       concurrency,
		VisibilityTimeout: 30 * time.Second,
		WaitTime:          20 * time.Second,
		client:            client,
		logger:            common.NewContextLogger(common.Logger, map[string]interface{}{"component": "consumer", "backend": "cloudqueue", "queue_url": queueURL}),
		stopCh:            make(chan struct{}),
	}
}

// Start launches Concurrency long-poll loops. It never fails
// synchronously; the error return exists so callers can hold all three
// C5 backends behind one Consumer interface.
func (c *CloudQueueConsumer) Start(s Scheduler) error {
	for i := 0; i < c.Concurrency; i++ {
		c.wg.Add(1)
		go c.pollLoop(s)
	}
	return nil
}

func (c *CloudQueueConsumer) pollLoop(s Scheduler) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		c.receiveOnce(s)
	}
}

func (c *CloudQueueConsumer) receiveOnce(s Scheduler) {
	ctx, cancel := context.WithTimeout(context.Background(), c.WaitTime+5*time.Second)
	defer cancel()

	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.QueueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     int32(c.WaitTime.Seconds()),
		VisibilityTimeout:   int32(c.VisibilityTimeout.Seconds()),
	})
	if err != nil {
		c.logger.WithError(err).Warn("receiving from cloud queue")
		return
	}
	for _, m := range out.Messages {
		c.handle(s, m)
	}
}

// handle parses and schedules one message, extending its visibility
// timeout on a ticker for the duration of the schedule attempt so a
// slow scheduler commit doesn't let the queue redeliver it to another
// poller mid-flight — spec.md §4.5's "extend visibility while the
// schedule attempt is in progress" requirement.
func (c *CloudQueueConsumer) handle(s Scheduler, m types.Message) {
	extendStop := make(chan struct{})
	var extendWG sync.WaitGroup
	extendWG.Add(1)
	go func() {
		defer extendWG.Done()
		ticker := time.NewTicker(c.VisibilityTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-extendStop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
					QueueUrl:          aws.String(c.QueueURL),
					ReceiptHandle:     m.ReceiptHandle,
					VisibilityTimeout: int32(c.VisibilityTimeout.Seconds()),
				})
				cancel()
				if err != nil {
					c.logger.WithError(err).Warn("extending message visibility")
				}
			}
		}
	}()
	defer func() {
		close(extendStop)
		extendWG.Wait()
	}()

	body := ""
	if m.Body != nil {
		body = *m.Body
	}
	msg, err := ParseMessage([]byte(body))
	if err != nil {
		c.logger.WithError(err).Warn("dropping unparseable cloud queue message")
		c.delete(m)
		return
	}
	if err := ScheduleRefresh(s, msg); err != nil {
		c.logger.WithError(err).Warn("scheduling refresh failed, leaving message for redelivery")
		return // let the visibility timeout lapse so the queue redelivers it
	}
	c.delete(m)
	if c.Metrics != nil {
		c.Metrics.MessagesConsumed.Inc()
	}
}

func (c *CloudQueueConsumer) delete(m types.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.QueueURL),
		ReceiptHandle: m.ReceiptHandle,
	}); err != nil {
		c.logger.WithError(err).Error("deleting processed message")
	}
}

// Stop signals poll loops to exit and waits for in-flight receives to
// return (bounded by WaitTime+5s each).
func (c *CloudQueueConsumer) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// PendingCount is not knowable without an extra GetQueueAttributes
// call per tick; lifecycle idle detection relies on the scheduler's and
// ledger's own counts for this backend, same as the broker backend.
func (c *CloudQueueConsumer) PendingCount() int { return 0 }

// Package queue is the message consumer (C5): three interchangeable
// backends (AMQP broker, cloud queue, database-backed table) that pull
// info messages and schedule one REFRESH_ENTITY task per affected
// entity. Exactly one backend is active per spec.md §6's "exactly one
// info-queue option" rule; cli's buildConsumer selects which to construct
// from the parsed configuration.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/senzing-garage/data-mart-replicator/errs"
	"github.com/senzing-garage/data-mart-replicator/refresh"
	"github.com/senzing-garage/data-mart-replicator/scheduler"
)

// Message is the decoded payload of one info message: a source record
// and the entities whose resolution may have changed as a result.
type Message struct {
	DataSource      string  `json:"data_source"`
	RecordID        string  `json:"record_id"`
	AffectedEntities []int64 `json:"affected_entities"`
}

// ParseMessage decodes a raw info payload. Any malformed JSON or a
// message naming zero affected entities is ErrMessageUnparseable —
// callers nack (or otherwise drop) the delivery rather than retrying it
// through the scheduler, since a malformed payload will never parse
// differently on redelivery.
func ParseMessage(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %s", errs.ErrMessageUnparseable, err)
	}
	if len(m.AffectedEntities) == 0 {
		return Message{}, fmt.Errorf("%w: info message names no affected entities", errs.ErrMessageUnparseable)
	}
	return m, nil
}

// Scheduler is the narrow slice of scheduler.Scheduler every backend
// depends on, so this package only needs NewHandle — not the worker
// pool's Start/Stop/RegisterHandler surface.
type Scheduler interface {
	NewHandle() *scheduler.Handle
}

// Consumer is the common shape of all three C5 backends, letting the
// entrypoint hold whichever one spec.md §6's "exactly one info-queue
// option" rule selected behind a single interface.
type Consumer interface {
	Start(s Scheduler) error
	Stop()
	PendingCount() int
}

var (
	_ Consumer = (*BrokerConsumer)(nil)
	_ Consumer = (*CloudQueueConsumer)(nil)
	_ Consumer = (*DBQueueConsumer)(nil)
)

// ScheduleRefresh stages one REFRESH_ENTITY task per affected entity in
// msg onto a fresh commit group and commits it — spec.md §4.5's per-
// message scheduling step. The message should be acknowledged only
// after this returns nil; on error, backends nack/redeliver so no work
// is silently dropped.
func ScheduleRefresh(s Scheduler, msg Message) error {
	handle := s.NewHandle()
	for _, entityID := range msg.AffectedEntities {
		handle.Schedule(scheduler.Task{
			Action:     refresh.Action,
			Resource:   &scheduler.Resource{Kind: refresh.ResourceKind, Value: fmt.Sprintf("%d", entityID)},
			Parameters: map[string]interface{}{"entity_id": entityID},
		})
	}
	return handle.Commit()
}

package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Topics carried by the bus. The dispatcher routes outbox events onto one of
// these based on the aggregate type.
const (
	TopicProductEvents = "product-events"
	TopicOrderEvents   = "order-events"
	TopicUserEvents    = "user-events"
	TopicGeneralEvents = "general-events"
)

// TopicForAggregate maps an aggregate type to its topic. Unknown aggregate
// types land on the general topic.
func TopicForAggregate(aggregateType string) string {
	switch strings.ToLower(aggregateType) {
	case "product":
		return TopicProductEvents
	case "order":
		return TopicOrderEvents
	case "user":
		return TopicUserEvents
	default:
		return TopicGeneralEvents
	}
}

var (
	// ErrUnknownGroup is returned when polling or committing for a consumer
	// group that never subscribed.
	ErrUnknownGroup = errors.New("unknown consumer group")

	// ErrEmptyTopic is returned when publishing or subscribing with an empty
	// topic name.
	ErrEmptyTopic = errors.New("topic must not be empty")
)

// Broker stores topic logs with monotonic offsets and tracks committed
// offsets per consumer group. The in-process implementation lives in this
// package; pkg/bus/kafka adapts the same contract onto an external cluster.
type Broker interface {
	// Publish appends the message to its topic's partition and returns a copy
	// carrying the assigned offset.
	Publish(ctx context.Context, msg Message) (Message, error)

	// PublishBatch appends all messages, keeping same-topic messages
	// contiguous. All-or-nothing per partition. An empty input returns an
	// empty result and no error.
	PublishBatch(ctx context.Context, msgs []Message) ([]Message, error)

	// Subscribe registers the group for the given topics. Idempotent; newly
	// added topics start with a committed offset of 0.
	Subscribe(groupID string, topics ...string) error

	// Poll returns up to maxMessages uncommitted messages from one of the
	// group's topics. It never blocks beyond its synchronous work: when no
	// data is available it returns an empty batch.
	Poll(ctx context.Context, groupID string, maxMessages int) (MessageBatch, error)

	// Commit advances the group's committed offset for the topic to
	// max(current, offset). Commits at or below the current offset are
	// no-ops.
	Commit(ctx context.Context, groupID, topic string, offset int64) error

	// Stats returns a point-in-time snapshot of broker state.
	Stats() BrokerStats
}

type BrokerStats struct {
	Topics        int                         `json:"topics"`
	Groups        int                         `json:"groups"`
	TotalMessages int64                       `json:"totalMessages"`
	TopicMessages map[string]int64            `json:"topicMessages,omitempty"`
	GroupOffsets  map[string]map[string]int64 `json:"groupOffsets,omitempty"`
}

// MessageHandler consumes a single message. Returning an error triggers the
// worker's retry policy; wrap with Permanent to skip retries.
type MessageHandler func(ctx context.Context, msg Message) error

// BatchHandler consumes a whole batch in offset order.
type BatchHandler func(ctx context.Context, batch MessageBatch) error

// PermanentError marks a handler failure as not worth retrying. The worker
// routes such messages straight to dead-letter disposition.
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string {
	return fmt.Sprintf("permanent: %s", e.Err)
}

func (e PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the consumer worker dead-letters instead of
// retrying. A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return PermanentError{Err: err}
}

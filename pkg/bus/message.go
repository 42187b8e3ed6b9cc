package bus

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Header keys stamped on messages by the outbox dispatcher and the consumer
// runtime.
const (
	HeaderIdempotencyKey = "idempotency-key"
	HeaderAggregateID    = "aggregate-id"
	HeaderAggregateType  = "aggregate-type"
	HeaderEventType      = "event-type"
	HeaderSource         = "source"
	HeaderCreatedAt      = "created-at"
	HeaderRetryCount     = "retry-count"
)

// Message is the envelope moving through the bus. It is treated as immutable
// once published: the broker returns a copy carrying the assigned offset and
// mutating helpers return modified copies. Offset is zero until assignment;
// assigned offsets start at 1.
type Message struct {
	ID           string            `json:"id"`
	Topic        string            `json:"topic"`
	EventType    string            `json:"eventType"`
	Payload      []byte            `json:"payload"`
	Headers      map[string]string `json:"headers,omitempty"`
	PartitionKey string            `json:"partitionKey,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Offset       int64             `json:"offset,omitempty"`
}

func NewMessage(topic, eventType string, payload []byte) Message {
	return Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		EventType: eventType,
		Payload:   payload,
		Headers:   map[string]string{},
		Timestamp: time.Now().UTC(),
	}
}

func (m Message) Header(key string) (string, bool) {
	v, ok := m.Headers[key]
	return v, ok
}

// WithHeader returns a copy of the message with the header set. The original
// header map is not touched.
func (m Message) WithHeader(key, value string) Message {
	headers := make(map[string]string, len(m.Headers)+1)
	for k, v := range m.Headers {
		headers[k] = v
	}
	headers[key] = value
	m.Headers = headers
	return m
}

// RetryCount reads the retry-count header. A missing or malformed header
// counts as zero.
func (m Message) RetryCount() int {
	v, ok := m.Headers[HeaderRetryCount]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (m Message) WithRetryCount(n int) Message {
	return m.WithHeader(HeaderRetryCount, strconv.Itoa(n))
}

// IdempotencyKey returns the idempotency-key header, falling back to the
// message id so every message has a stable key.
func (m Message) IdempotencyKey() string {
	if v, ok := m.Headers[HeaderIdempotencyKey]; ok && v != "" {
		return v
	}
	return m.ID
}

// MessageBatch is a contiguous slice of one topic's log handed to a consumer.
// For non-empty batches StartOffset and EndOffset equal the first and last
// message offsets and offsets strictly increase in between.
type MessageBatch struct {
	BatchID       string    `json:"batchId"`
	Topic         string    `json:"topic"`
	ConsumerGroup string    `json:"consumerGroup"`
	PartitionID   int32     `json:"partitionId"`
	Messages      []Message `json:"messages"`
	StartOffset   int64     `json:"startOffset"`
	EndOffset     int64     `json:"endOffset"`
	CreatedAt     time.Time `json:"createdAt"`
}

func newMessageBatch(topic, group string, partition int32, msgs []Message) MessageBatch {
	b := MessageBatch{
		BatchID:       uuid.NewString(),
		Topic:         topic,
		ConsumerGroup: group,
		PartitionID:   partition,
		Messages:      msgs,
		CreatedAt:     time.Now().UTC(),
	}
	if len(msgs) > 0 {
		b.StartOffset = msgs[0].Offset
		b.EndOffset = msgs[len(msgs)-1].Offset
	}
	return b
}

func (b MessageBatch) IsEmpty() bool {
	return len(b.Messages) == 0
}

func (b MessageBatch) Len() int {
	return len(b.Messages)
}

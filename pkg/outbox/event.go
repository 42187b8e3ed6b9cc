package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Event is one row of the transactional outbox. It is written in the same
// transaction as the business mutation it describes and later published to
// the bus by the dispatcher.
//
// Processed=true is terminal: the only thing that happens to a processed event
// is cleanup. Version increments on every update and guards all conditional
// writes, so concurrent dispatchers cannot double-publish the same row without
// one of them losing the version race.
type Event struct {
	ID            string     `json:"id"`
	AggregateID   string     `json:"aggregateId"`
	AggregateType string     `json:"aggregateType"`
	EventType     string     `json:"eventType"`
	EventData     []byte     `json:"eventData"`
	CreatedAt     time.Time  `json:"createdAt"`
	Processed     bool       `json:"processed"`
	ProcessedAt   *time.Time `json:"processedAt,omitempty"`
	RetryCount    int        `json:"retryCount"`
	NextRetryAt   *time.Time `json:"nextRetryAt,omitempty"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
	Version       int64      `json:"version"`
}

// NewEvent builds an unprocessed event at version 1.
func NewEvent(aggregateID, aggregateType, eventType string, data []byte) *Event {
	return &Event{
		ID:            uuid.NewString(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventData:     data,
		CreatedAt:     time.Now().UTC(),
		Version:       1,
	}
}

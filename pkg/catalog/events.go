package catalog

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

const (
	EventProductCreated          = "ProductCreated"
	EventProductUpdated          = "ProductUpdated"
	EventProductDeleted          = "ProductDeleted"
	EventProductViewed           = "ProductViewed"
	EventProductPurchased        = "ProductPurchased"
	EventProductInventoryChanged = "ProductInventoryChanged"
)

// Event is a catalog domain event. Concrete variants serialize under a tagged
// envelope {"type": ..., "data": ...} so consumers can decode without
// reflection.
type Event interface {
	EventType() string
}

type ProductCreated struct {
	Product Product `json:"product"`
}

func (ProductCreated) EventType() string { return EventProductCreated }

// ProductUpdated carries the full product, not a delta. Consumers replace
// what they hold rather than patching it.
type ProductUpdated struct {
	Product Product `json:"product"`
}

func (ProductUpdated) EventType() string { return EventProductUpdated }

type ProductDeleted struct {
	ProductID string `json:"productId"`
}

func (ProductDeleted) EventType() string { return EventProductDeleted }

type ProductViewed struct {
	ProductID string `json:"productId"`
}

func (ProductViewed) EventType() string { return EventProductViewed }

type ProductPurchased struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

func (ProductPurchased) EventType() string { return EventProductPurchased }

type ProductInventoryChanged struct {
	ProductID     string `json:"productId"`
	StockQuantity int    `json:"stockQuantity"`
}

func (ProductInventoryChanged) EventType() string { return EventProductInventoryChanged }

type envelope struct {
	Type string              `json:"type"`
	Data jsoniter.RawMessage `json:"data"`
}

func EncodeEvent(ev Event) ([]byte, error) {
	data, err := jsoniter.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", ev.EventType(), err)
	}
	buf, err := jsoniter.Marshal(envelope{Type: ev.EventType(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", ev.EventType(), err)
	}
	return buf, nil
}

func DecodeEvent(buf []byte) (Event, error) {
	var env envelope
	if err := jsoniter.Unmarshal(buf, &env); err != nil {
		return nil, fmt.Errorf("decoding event envelope: %w", err)
	}

	var ev Event
	switch env.Type {
	case EventProductCreated:
		ev = &ProductCreated{}
	case EventProductUpdated:
		ev = &ProductUpdated{}
	case EventProductDeleted:
		ev = &ProductDeleted{}
	case EventProductViewed:
		ev = &ProductViewed{}
	case EventProductPurchased:
		ev = &ProductPurchased{}
	case EventProductInventoryChanged:
		ev = &ProductInventoryChanged{}
	case "":
		return nil, fmt.Errorf("event envelope has no type")
	default:
		return nil, fmt.Errorf("unknown catalog event type %q", env.Type)
	}

	if len(env.Data) > 0 {
		if err := jsoniter.Unmarshal(env.Data, ev); err != nil {
			return nil, fmt.Errorf("decoding %s event: %w", env.Type, err)
		}
	}
	return ev, nil
}

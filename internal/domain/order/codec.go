package order

import (
	"encoding/json"
	"fmt"

	"github.com/lllypuk/orderledger/internal/domain/event"
)

// orderCreatedV1 is the first OrderCreated payload: a bare total without line items.
type orderCreatedV1 struct {
	CustomerID string `json:"customer_id"`
	Total      int64  `json:"total"`
}

func (v orderCreatedV1) upcast() OrderCreated {
	return OrderCreated{
		CustomerID: v.CustomerID,
		Total:      v.Total,
	}
}

// Encode turns an event into an appendable record.
func Encode(e Event, metadata event.Metadata) (event.NewEvent, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return event.NewEvent{}, fmt.Errorf("failed to encode %s: %w", e.EventType(), err)
	}

	return event.NewEvent{
		EventType:     e.EventType(),
		SchemaVersion: e.SchemaVersion(),
		Payload:       payload,
		Metadata:      metadata,
	}, nil
}

// EncodeAll encodes a decision result preserving its order.
func EncodeAll(events []Event, metadata event.Metadata) ([]event.NewEvent, error) {
	out := make([]event.NewEvent, 0, len(events))
	for _, e := range events {
		encoded, err := Encode(e, metadata)
		if err != nil {
			return nil, err
		}
		out = append(out, encoded)
	}
	return out, nil
}

// Decode maps a stored record back to its variant. Unknown discriminants and
// malformed payloads are returned as *event.SerializationError.
func Decode(stored event.StoredEvent) (Event, error) {
	switch stored.EventType {
	case EventTypeOrderCreated:
		switch stored.SchemaVersion {
		case 1:
			v1, err := decodePayload[orderCreatedV1](stored)
			if err != nil {
				return nil, err
			}
			return v1.upcast(), nil
		case schemaOrderCreated:
			return decodeEvent[OrderCreated](stored)
		}
	case EventTypeOrderPaid:
		if stored.SchemaVersion == schemaOrderPaid {
			return decodeEvent[OrderPaid](stored)
		}
	case EventTypeOrderShipped:
		if stored.SchemaVersion == schemaOrderShipped {
			return decodeEvent[OrderShipped](stored)
		}
	case EventTypeOrderDelivered:
		if stored.SchemaVersion == schemaOrderDelivered {
			return decodeEvent[OrderDelivered](stored)
		}
	case EventTypeOrderCancelled:
		if stored.SchemaVersion == schemaOrderCancelled {
			return decodeEvent[OrderCancelled](stored)
		}
	case EventTypeOrderRefunded:
		if stored.SchemaVersion == schemaOrderRefunded {
			return decodeEvent[OrderRefunded](stored)
		}
	}

	return nil, event.NewSerializationError(stored, event.ErrUnknownEventVariant)
}

// DecodeAll decodes a stream, stopping at the first corrupt record.
func DecodeAll(stored []event.StoredEvent) ([]Event, error) {
	out := make([]Event, 0, len(stored))
	for _, se := range stored {
		e, err := Decode(se)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeEvent[T Event](stored event.StoredEvent) (Event, error) {
	v, err := decodePayload[T](stored)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func decodePayload[T any](stored event.StoredEvent) (T, error) {
	var v T
	if err := json.Unmarshal(stored.Payload, &v); err != nil {
		return v, event.NewSerializationError(stored, err)
	}
	return v, nil
}

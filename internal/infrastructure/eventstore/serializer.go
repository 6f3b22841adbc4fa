package eventstore

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/lllypuk/orderledger/internal/domain/event"
)

// EventDocument represents an event in MongoDB. The payload is kept as a
// native BSON document so it stays queryable from the shell.
type EventDocument struct {
	ID            string                `bson:"_id"`
	AggregateID   string                `bson:"aggregate_id"`
	AggregateType string                `bson:"aggregate_type"`
	Version       int                   `bson:"version"`
	EventType     string                `bson:"event_type"`
	SchemaVersion int                   `bson:"schema_version"`
	Payload       bson.D                `bson:"payload"`
	Metadata      EventMetadataDocument `bson:"metadata"`
	GlobalOffset  int64                 `bson:"global_offset"`
	RecordedAt    time.Time             `bson:"recorded_at"`
}

// EventMetadataDocument represents event metadata in MongoDB
type EventMetadataDocument struct {
	UserID        string `bson:"user_id,omitempty"`
	CorrelationID string `bson:"correlation_id,omitempty"`
	CausationID   string `bson:"causation_id,omitempty"`
	IPAddress     string `bson:"ip_address,omitempty"`
	UserAgent     string `bson:"user_agent,omitempty"`
}

// EventSerializer converts stored events to and from MongoDB documents
type EventSerializer struct{}

// NewEventSerializer creates a new EventSerializer
func NewEventSerializer() *EventSerializer {
	return &EventSerializer{}
}

// Serialize converts a record into its document form. The JSON payload is
// parsed as relaxed extended JSON so integers keep their integer BSON types.
func (s *EventSerializer) Serialize(e event.StoredEvent) (*EventDocument, error) {
	var payload bson.D
	if err := bson.UnmarshalExtJSON(e.Payload, false, &payload); err != nil {
		return nil, fmt.Errorf("failed to convert payload of %s to BSON: %w", e.EventType, err)
	}

	return &EventDocument{
		ID:            e.EventID,
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		Version:       e.Version,
		EventType:     e.EventType,
		SchemaVersion: e.SchemaVersion,
		Payload:       payload,
		Metadata: EventMetadataDocument{
			UserID:        e.Metadata.UserID,
			CorrelationID: e.Metadata.CorrelationID,
			CausationID:   e.Metadata.CausationID,
			IPAddress:     e.Metadata.IPAddress,
			UserAgent:     e.Metadata.UserAgent,
		},
		GlobalOffset: e.GlobalOffset,
		RecordedAt:   e.RecordedAt,
	}, nil
}

// SerializeMany converts a batch, failing on the first bad payload.
func (s *EventSerializer) SerializeMany(events []event.StoredEvent) ([]any, error) {
	docs := make([]any, 0, len(events))
	for _, e := range events {
		doc, err := s.Serialize(e)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Deserialize converts a document back to a record. A payload that cannot be
// rendered as JSON is reported as *event.SerializationError.
func (s *EventSerializer) Deserialize(doc *EventDocument) (event.StoredEvent, error) {
	stored := event.StoredEvent{
		EventID:       doc.ID,
		AggregateID:   doc.AggregateID,
		AggregateType: doc.AggregateType,
		Version:       doc.Version,
		EventType:     doc.EventType,
		SchemaVersion: doc.SchemaVersion,
		Metadata: event.Metadata{
			UserID:        doc.Metadata.UserID,
			CorrelationID: doc.Metadata.CorrelationID,
			CausationID:   doc.Metadata.CausationID,
			IPAddress:     doc.Metadata.IPAddress,
			UserAgent:     doc.Metadata.UserAgent,
		},
		GlobalOffset: doc.GlobalOffset,
		RecordedAt:   event.NormalizeRecordedAt(doc.RecordedAt),
	}

	if len(doc.Payload) == 0 {
		stored.Payload = []byte("{}")
		return stored, nil
	}

	payload, err := bson.MarshalExtJSON(doc.Payload, false, false)
	if err != nil {
		return event.StoredEvent{}, event.NewSerializationError(stored, err)
	}
	stored.Payload = payload
	return stored, nil
}

// Package event описывает записи журнала событий, общие для всех агрегатов.
package event

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownEventVariant возвращается, когда пара (event_type, schema_version)
// не соответствует ни одному известному варианту события.
var ErrUnknownEventVariant = errors.New("unknown event variant")

// NewEvent событие, которое еще не записано в журнал
type NewEvent struct {
	EventType     string
	SchemaVersion int
	Payload       []byte
	Metadata      Metadata
}

// StoredEvent неизменяемая запись журнала.
// Version уникальна в пределах агрегата, GlobalOffset уникален в пределах всего журнала.
type StoredEvent struct {
	EventID       string
	AggregateID   string
	AggregateType string
	Version       int
	EventType     string
	SchemaVersion int
	Payload       []byte
	Metadata      Metadata
	GlobalOffset  int64
	RecordedAt    time.Time
}

// RecordedAtPrecision точность хранения времени записи во всех хранилищах
const RecordedAtPrecision = time.Millisecond

// NormalizeRecordedAt приводит время к точности, которую сохраняют все хранилища
func NormalizeRecordedAt(t time.Time) time.Time {
	return t.UTC().Truncate(RecordedAtPrecision)
}

// SerializationError означает, что запись журнала не удалось преобразовать в событие.
// Это признак повреждения данных, такие ошибки не повторяются.
type SerializationError struct {
	AggregateID   string
	Version       int
	GlobalOffset  int64
	EventType     string
	SchemaVersion int
	Err           error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("cannot decode event %s v%d (aggregate %s, version %d, offset %d): %v",
		e.EventType, e.SchemaVersion, e.AggregateID, e.Version, e.GlobalOffset, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// NewSerializationError создает ошибку десериализации для записи журнала
func NewSerializationError(stored StoredEvent, err error) *SerializationError {
	return &SerializationError{
		AggregateID:   stored.AggregateID,
		Version:       stored.Version,
		GlobalOffset:  stored.GlobalOffset,
		EventType:     stored.EventType,
		SchemaVersion: stored.SchemaVersion,
		Err:           err,
	}
}

// IsSerializationError проверяет, является ли ошибка ошибкой десериализации
func IsSerializationError(err error) bool {
	var se *SerializationError
	return errors.As(err, &se)
}

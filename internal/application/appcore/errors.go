package appcore

import (
	"errors"
	"fmt"

	"github.com/lllypuk/orderledger/internal/domain/errs"
)

// ErrEventStoreError wraps storage failures that are neither conflicts nor corruption.
var ErrEventStoreError = errors.New("event store error")

// NotFoundError represents a "not found" error
type NotFoundError struct {
	Resource string
	ID       string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Resource, e.ID)
}

func (e NotFoundError) Unwrap() error {
	return errs.ErrNotFound
}

// NewNotFoundError creates a NotFoundError
func NewNotFoundError(resource, id string) error {
	return &NotFoundError{
		Resource: resource,
		ID:       id,
	}
}

// IsRetryable reports whether the caller may repeat the failed operation as is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrRebuildInProgress)
}

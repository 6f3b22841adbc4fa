package errs

import "errors"

var (
	// ErrNotFound is returned when an order, projection or job does not exist
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when an order stream already has events
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidInput is returned when request data cannot be turned into a command
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidCommand is returned when the current order state rejects a command
	ErrInvalidCommand = errors.New("invalid command")

	// ErrInvalidTransition is returned when an event cannot follow the current status
	ErrInvalidTransition = errors.New("invalid state transition")
)

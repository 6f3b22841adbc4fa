package order

import (
	"fmt"

	"github.com/lllypuk/orderledger/internal/domain/errs"
)

// InvalidCommandError is returned by Decide when the order state does not
// permit a command. It is never retried.
type InvalidCommandError struct {
	Command string
	Status  Status
	Reason  string
}

func (e *InvalidCommandError) Error() string {
	return fmt.Sprintf("invalid command %s in status %s: %s", e.Command, e.Status, e.Reason)
}

func (e *InvalidCommandError) Unwrap() error {
	return errs.ErrInvalidCommand
}

func rejectf(cmd Command, status Status, format string, args ...any) *InvalidCommandError {
	return &InvalidCommandError{
		Command: cmd.CommandName(),
		Status:  status,
		Reason:  fmt.Sprintf(format, args...),
	}
}

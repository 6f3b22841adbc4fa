package httpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	"github.com/lllypuk/orderledger/internal/domain/errs"
	"github.com/lllypuk/orderledger/internal/domain/event"
	orderdomain "github.com/lllypuk/orderledger/internal/domain/order"
)

// Response represents a standard API response.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error represents an error in the API response. Retryable tells clients
// whether repeating the same request can succeed.
type Error struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPError interface allows application errors to define their HTTP representation.
type HTTPError interface {
	error
	HTTPStatus() int
	HTTPCode() string
	HTTPMessage() string
}

// RespondJSON sends a successful JSON response.
func RespondJSON(c echo.Context, code int, data any) error {
	return c.JSON(code, Response{
		Success: true,
		Data:    data,
	})
}

// RespondOK sends a 200 OK response with data.
func RespondOK(c echo.Context, data any) error {
	return RespondJSON(c, http.StatusOK, data)
}

// RespondCreated sends a 201 Created response with data.
func RespondCreated(c echo.Context, data any) error {
	return RespondJSON(c, http.StatusCreated, data)
}

// RespondAccepted sends a 202 Accepted response with data.
func RespondAccepted(c echo.Context, data any) error {
	return RespondJSON(c, http.StatusAccepted, data)
}

// RespondError sends an error JSON response based on the error type.
func RespondError(c echo.Context, err error) error {
	statusCode, apiError := MapError(err)
	return c.JSON(statusCode, Response{
		Success: false,
		Error:   apiError,
	})
}

// RespondErrorWithCode sends an error JSON response with a specific HTTP status code.
func RespondErrorWithCode(c echo.Context, code int, errorCode, message string) error {
	return c.JSON(code, Response{
		Success: false,
		Error: &Error{
			Code:    errorCode,
			Message: message,
		},
	})
}

// MapError maps application errors to HTTP status codes and API errors.
func MapError(err error) (int, *Error) {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.HTTPStatus(), &Error{
			Code:    httpErr.HTTPCode(),
			Message: httpErr.HTTPMessage(),
		}
	}

	var conflict *appcore.ConcurrencyConflictError
	if errors.As(err, &conflict) {
		return http.StatusConflict, &Error{
			Code:      "CONCURRENCY_CONFLICT",
			Message:   "The order was modified by another request",
			Retryable: true,
			Details: map[string]any{
				"expected_version": conflict.ExpectedVersion,
				"actual_version":   conflict.ActualVersion,
			},
		}
	}

	var invalid *orderdomain.InvalidCommandError
	if errors.As(err, &invalid) {
		return http.StatusUnprocessableEntity, &Error{
			Code:    "INVALID_COMMAND",
			Message: invalid.Reason,
			Details: map[string]any{
				"command": invalid.Command,
				"status":  string(invalid.Status),
			},
		}
	}

	var serialization *event.SerializationError
	if errors.As(err, &serialization) {
		return http.StatusInternalServerError, &Error{
			Code:    "SERIALIZATION_ERROR",
			Message: "Stored event could not be decoded",
			Details: map[string]any{
				"global_offset": serialization.GlobalOffset,
				"event_type":    serialization.EventType,
			},
		}
	}

	switch {
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, &Error{
			Code:    "NOT_FOUND",
			Message: "The requested resource was not found",
		}

	case errors.Is(err, errs.ErrAlreadyExists):
		return http.StatusConflict, &Error{
			Code:    "ALREADY_EXISTS",
			Message: "The resource already exists",
		}

	case errors.Is(err, errs.ErrInvalidInput), errors.Is(err, appcore.ErrInvalidVersion):
		return http.StatusBadRequest, &Error{
			Code:    "INVALID_INPUT",
			Message: err.Error(),
		}

	case errors.Is(err, errs.ErrInvalidCommand):
		return http.StatusUnprocessableEntity, &Error{
			Code:    "INVALID_COMMAND",
			Message: err.Error(),
		}

	case errors.Is(err, appcore.ErrRebuildInProgress):
		return http.StatusConflict, &Error{
			Code:      "REBUILD_IN_PROGRESS",
			Message:   "A projection rebuild is already running",
			Retryable: true,
		}

	case errors.Is(err, appcore.ErrCorruptStream), errors.Is(err, appcore.ErrProjectionGap):
		return http.StatusInternalServerError, &Error{
			Code:    "CORRUPT_STREAM",
			Message: "The event stream is inconsistent",
		}

	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, &Error{
			Code:      "TIMEOUT",
			Message:   "The request timed out",
			Retryable: true,
		}

	default:
		return http.StatusInternalServerError, &Error{
			Code:    "INTERNAL_ERROR",
			Message: "An internal error occurred",
		}
	}
}

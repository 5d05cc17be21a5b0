package orders

import (
	"fmt"
	"net/http"

	"storefront/internal/models"
)

// ServiceError represents errors from the order service with HTTP context.
type ServiceError struct {
	Code       string
	Message    string
	StatusCode int
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func NewValidationError(message string, err error) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeValidation,
		Message:    message,
		StatusCode: http.StatusUnprocessableEntity,
		Err:        err,
	}
}

func NewNotFoundError(message string, err error) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
		Err:        err,
	}
}

func NewConflictError(message string, err error) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeConflict,
		Message:    message,
		StatusCode: http.StatusConflict,
		Err:        err,
	}
}

func NewInsufficientStockError(err error) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeInsufficientStock,
		Message:    "insufficient stock for one or more items",
		StatusCode: http.StatusConflict,
		Err:        err,
	}
}

// NewUnavailableError marks a retryable failure. The client should repeat
// the whole request.
func NewUnavailableError(message string, err error) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeServiceUnavailable,
		Message:    message,
		StatusCode: http.StatusServiceUnavailable,
		Err:        err,
	}
}

func NewInternalError(message string, err error) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeInternalError,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrTransientIO         = errors.New("transient io failure")
	ErrPermanentProcessing = errors.New("permanent processing failure")
	ErrFatal               = errors.New("fatal worker fault")
	ErrPipelineStopped     = errors.New("pipeline is not accepting work")
	ErrStageHalted         = errors.New("stage halted")
	ErrStoreNotRegistered  = errors.New("store not registered")
	ErrInternal            = errors.New("internal error")
	ErrTimeout             = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Transient marks err as a recoverable external-resource failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientIO, err)
}

// Permanent marks err as a failure caused by the input itself.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanentProcessing, err)
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientIO)
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrStoreNotRegistered):
		return http.StatusNotFound
	case errors.Is(err, ErrPipelineStopped), errors.Is(err, ErrStageHalted), errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}

}

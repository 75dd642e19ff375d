package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorMapper maps backend errors onto the kotoba taxonomy.
type ErrorMapper interface {
	MapError(err error) error
	Category(err error) string
}

type DefaultErrorMapper struct{}

func NewDefaultErrorMapper() *DefaultErrorMapper {
	return &DefaultErrorMapper{}
}

// MapError classifies an SDK or driver error by its message. The result wraps both the
// category and err.
func (m *DefaultErrorMapper) MapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("request timeout: %w: %w", ErrTransient, err)
	}
	if category := Category(err); category != "unknown" {
		return err
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "not found"), strings.Contains(errStr, "does not exist"):
		return fmt.Errorf("resource not found: %w: %w", ErrNotFound, err)
	case strings.Contains(errStr, "rate limit"), strings.Contains(errStr, "too many requests"),
		strings.Contains(errStr, "timeout"), strings.Contains(errStr, "connection"),
		strings.Contains(errStr, "unreachable"), strings.Contains(errStr, "overloaded"),
		strings.Contains(errStr, "unavailable"):
		return fmt.Errorf("%w: %w", ErrTransient, err)
	case strings.Contains(errStr, "invalid request"), strings.Contains(errStr, "bad request"),
		strings.Contains(errStr, "context length"), strings.Contains(errStr, "too many tokens"):
		return fmt.Errorf("invalid request: %w: %w", ErrValidation, err)
	default:
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}
}

// Category returns a stable label used in logs and metrics.
func (m *DefaultErrorMapper) Category(err error) string {
	return Category(err)
}

func Category(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrRetrievalFailed):
		return "retrieval_failed"
	case errors.Is(err, ErrToolSchema):
		return "tool_schema"
	case errors.Is(err, ErrToolNotFound):
		return "tool_not_found"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrInferenceTransport):
		return "inference_transport"
	case errors.Is(err, ErrSafetyBlocked):
		return "safety_blocked"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrStreamConsumed):
		return "stream_consumed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInternal):
		return "internal"
	default:
		return "unknown"
	}
}

// Wrap adds context to an error, keeping its category.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// WrapWithCategory keeps the cause chain and adds a category.
func WrapWithCategory(err error, message string, category error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", message, category, err)
}

func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

func Validation(message string) error {
	return fmt.Errorf("%s: %w", message, ErrValidation)
}

func RetrievalFailed(message string) error {
	return fmt.Errorf("%s: %w", message, ErrRetrievalFailed)
}

func ToolSchema(message string) error {
	return fmt.Errorf("%s: %w", message, ErrToolSchema)
}

func InferenceTransport(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInferenceTransport)
}

func Persistence(message string) error {
	return fmt.Errorf("%s: %w", message, ErrPersistence)
}

func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}

// Is and As re-export the standard helpers so callers need one import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func New(text string) error { return errors.New(text) }

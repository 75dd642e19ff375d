package errors

import (
	"errors"
)

// Sentinel errors for the conversation pipeline. Callers match with errors.Is.
var (
	// ErrValidation - request rejected before any external call (empty content, bad bound)
	ErrValidation = errors.New("validation error")

	// ErrRetrievalFailed - knowledge backend unavailable; surfaced as an error tool-result
	ErrRetrievalFailed = errors.New("retrieval failed")

	// ErrToolSchema - tool arguments did not match the tool's schema
	ErrToolSchema = errors.New("tool schema error")

	// ErrToolNotFound - model requested a tool that is not in the registry
	ErrToolNotFound = errors.New("unknown tool")

	// ErrInferenceTransport - inference stream failed; terminal for the turn, never retried
	ErrInferenceTransport = errors.New("inference transport error")

	// ErrSafetyBlocked - input rejected by the content-safety filter
	ErrSafetyBlocked = errors.New("safety blocked")

	// ErrPersistence - history write failed; observed, never surfaced to the stream
	ErrPersistence = errors.New("persistence error")

	// ErrStreamConsumed - a generation stream was ranged over twice
	ErrStreamConsumed = errors.New("stream already consumed")

	ErrNotFound = errors.New("not found")

	ErrTransient = errors.New("transient error")

	ErrInternal = errors.New("internal error")
)

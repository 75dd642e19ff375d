package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategory(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{Validation("empty content"), "validation"},
		{RetrievalFailed("index down"), "retrieval_failed"},
		{ToolSchema("missing field"), "tool_schema"},
		{fmt.Errorf("call x: %w", ErrToolNotFound), "tool_not_found"},
		{InferenceTransport("stream closed"), "inference_transport"},
		{Persistence("disk full"), "persistence"},
		{context.Canceled, "canceled"},
		{New("boom"), "unknown"},
		{nil, ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Category(tt.err))
	}
}

func TestWrapWithCategoryKeepsCause(t *testing.T) {
	cause := New("socket reset")
	err := WrapWithCategory(cause, "openai stream", ErrInferenceTransport)

	assert.True(t, Is(err, ErrInferenceTransport))
	assert.True(t, Is(err, cause))
	assert.Contains(t, err.Error(), "openai stream")
}

func TestMapError(t *testing.T) {
	m := NewDefaultErrorMapper()

	assert.Nil(t, m.MapError(nil))
	assert.ErrorIs(t, m.MapError(context.Canceled), context.Canceled)
	assert.ErrorIs(t, m.MapError(context.DeadlineExceeded), ErrTransient)
	assert.ErrorIs(t, m.MapError(New("429 Too Many Requests")), ErrTransient)
	assert.ErrorIs(t, m.MapError(New("collection does not exist")), ErrNotFound)
	assert.ErrorIs(t, m.MapError(New("400 bad request")), ErrValidation)
	assert.ErrorIs(t, m.MapError(New("weird")), ErrInternal)

	cause := New("503 Service Unavailable")
	mapped := m.MapError(cause)
	assert.ErrorIs(t, mapped, ErrTransient)
	assert.ErrorIs(t, mapped, cause)
	assert.Equal(t, "transient", m.Category(mapped))

	already := Validation("empty prompt")
	assert.Equal(t, already, m.MapError(already))
}

func TestCategoryPrefersMappedCauseOverTransport(t *testing.T) {
	m := NewDefaultErrorMapper()

	transient := WrapWithCategory(m.MapError(New("rate limit exceeded")), "openai", ErrInferenceTransport)
	assert.Equal(t, "transient", Category(transient))

	invalid := WrapWithCategory(m.MapError(New("400 Bad Request")), "openai", ErrInferenceTransport)
	assert.Equal(t, "validation", Category(invalid))

	unknown := WrapWithCategory(m.MapError(New("weird")), "openai", ErrInferenceTransport)
	assert.Equal(t, "inference_transport", Category(unknown))
}

// Package emitter writes generation events to a wire format, one frame per event, always
// ending with a done frame.
package emitter

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"

	"github.com/harunnryd/kotoba/internal/engine"
	kotobaErrors "github.com/harunnryd/kotoba/internal/errors"
)

const (
	TagContentDelta = "content_delta"
	TagToolResult   = "tool_result"
	TagCompletion   = "completion"
	TagError        = "error"
	TagRejection    = "rejection"
	TagDone         = "done"
)

// Encoder frames one tagged payload.
type Encoder interface {
	Encode(w io.Writer, tag string, payload json.RawMessage) error
	ContentType() string
}

// ForFormat returns the encoder for "sse" or "ndjson".
func ForFormat(format string) (Encoder, error) {
	switch format {
	case "sse":
		return SSE{}, nil
	case "ndjson":
		return NDJSON{}, nil
	default:
		return nil, kotobaErrors.Validation(fmt.Sprintf("unknown stream format %q", format))
	}
}

// SSE writes server-sent events: an event line, a data line, a blank line.
type SSE struct{}

func (SSE) ContentType() string { return "text/event-stream" }

func (SSE) Encode(w io.Writer, tag string, payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", tag, payload)
	return err
}

// NDJSON writes one {"type":...,"data":...} object per line.
type NDJSON struct{}

func (NDJSON) ContentType() string { return "application/x-ndjson" }

func (NDJSON) Encode(w io.Writer, tag string, payload json.RawMessage) error {
	line, err := json.Marshal(struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data,omitempty"`
	}{Type: tag, Data: payload})
	if err != nil {
		return err
	}
	_, err = w.Write(append(line, '\n'))
	return err
}

type flusher interface {
	Flush()
}

// Emit writes every event of events and then the done frame. A write failure stops
// consumption of events; the done frame is still attempted. The first error is returned.
func Emit(w io.Writer, enc Encoder, events iter.Seq[engine.Event]) (err error) {
	defer func() {
		if derr := write(w, enc, TagDone, nil); err == nil {
			err = derr
		}
	}()

	for ev := range events {
		tag, payload, ferr := Frame(ev)
		if ferr != nil {
			return ferr
		}
		if err := write(w, enc, tag, payload); err != nil {
			return err
		}
	}
	return nil
}

func write(w io.Writer, enc Encoder, tag string, payload json.RawMessage) error {
	if err := enc.Encode(w, tag, payload); err != nil {
		return fmt.Errorf("write %s frame: %w", tag, err)
	}
	if f, ok := w.(flusher); ok {
		f.Flush()
	}
	return nil
}

type toolResultPayload struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	State   string `json:"state"`
	Content string `json:"content"`
}

type completionPayload struct {
	TurnID    string `json:"turn_id"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Truncated bool   `json:"truncated"`
}

type errorPayload struct {
	Message  string `json:"message"`
	Category string `json:"category"`
}

type rejectionPayload struct {
	Message string `json:"message"`
	Filter  string `json:"filter,omitempty"`
}

// Frame maps an event to its tag and JSON payload.
func Frame(ev engine.Event) (string, json.RawMessage, error) {
	var tag string
	var v any
	switch e := ev.(type) {
	case engine.ContentDelta:
		tag, v = TagContentDelta, struct {
			Text string `json:"text"`
		}{e.Text}
	case engine.ToolResult:
		tag, v = TagToolResult, toolResultPayload{
			CallID:  e.Call.ID,
			Name:    e.Call.Name,
			State:   string(e.Call.State),
			Content: e.Content,
		}
	case engine.Completion:
		tag, v = TagCompletion, completionPayload{
			TurnID:    e.Turn.ID,
			SessionID: e.Turn.SessionID,
			Text:      e.Turn.Text(),
			Truncated: e.Truncated,
		}
	case engine.Error:
		msg := "unknown error"
		if e.Err != nil {
			msg = e.Err.Error()
		}
		tag, v = TagError, errorPayload{Message: msg, Category: kotobaErrors.Category(e.Err)}
	case engine.Rejection:
		tag, v = TagRejection, rejectionPayload{Message: e.Message, Filter: e.Filter}
	default:
		return "", nil, kotobaErrors.Internal(fmt.Sprintf("unhandled event type %T", ev))
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s payload: %w", tag, err)
	}
	return tag, payload, nil
}

// Package conversation defines the turns, messages and tool calls that flow through a
// generation and into session history.
package conversation

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type PartKind string

const (
	PartText     PartKind = "text"
	PartToolCall PartKind = "tool_call"
)

// Part is one ordered piece of a turn's content.
type Part struct {
	Kind     PartKind  `json:"kind"`
	Text     string    `json:"text,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
}

type ToolCallState string

const (
	ToolCallPending  ToolCallState = "pending"
	ToolCallResolved ToolCallState = "resolved"
	ToolCallError    ToolCallState = "error"
)

// ToolCall is a model-issued request to run a named tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	State     ToolCallState   `json:"state"`
}

// Turn metadata keys. Blocked turns stay in the transcript but are never replayed to a model.
const (
	MetaBlocked   = "blocked"
	MetaFilter    = "filter"
	MetaTruncated = "truncated"
)

// Turn is an immutable unit of conversation. Tool-result turns reference the call they
// answer through ToolCall.
type Turn struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Role      Role              `json:"role"`
	Parts     []Part            `json:"parts"`
	ToolCall  *ToolCall         `json:"tool_call,omitempty"`
	Timestamp time.Time         `json:"ts"`
	Metadata  map[string]string `json:"meta,omitempty"`
}

// NewID returns a ULID. ulid.Make is monotonic within the process, so ids sort in creation
// order.
func NewID() string {
	return ulid.Make().String()
}

func NewTextTurn(sessionID string, role Role, text string) Turn {
	return Turn{
		ID:        NewID(),
		SessionID: sessionID,
		Role:      role,
		Parts:     []Part{{Kind: PartText, Text: text}},
		Timestamp: time.Now().UTC(),
	}
}

// NewToolResultTurn records the outcome of call. The call state must be resolved or error.
func NewToolResultTurn(sessionID string, call ToolCall, content string) Turn {
	t := NewTextTurn(sessionID, RoleTool, content)
	c := call
	t.ToolCall = &c
	return t
}

// Blocked reports whether a safety filter stopped this turn.
func (t Turn) Blocked() bool {
	return t.Metadata[MetaBlocked] == "true"
}

// Text concatenates the turn's text parts.
func (t Turn) Text() string {
	if len(t.Parts) == 1 && t.Parts[0].Kind == PartText {
		return t.Parts[0].Text
	}
	var sb strings.Builder
	for _, p := range t.Parts {
		if p.Kind == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool-call parts of an assistant turn, in order.
func (t Turn) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range t.Parts {
		if p.Kind == PartToolCall && p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

// HasToolCalls reports whether the turn carries any tool-call part.
func (t Turn) HasToolCalls() bool {
	for _, p := range t.Parts {
		if p.Kind == PartToolCall {
			return true
		}
	}
	return false
}

// WithoutToolCalls returns a copy with tool-call parts removed.
func (t Turn) WithoutToolCalls() Turn {
	out := t
	out.Parts = make([]Part, 0, len(t.Parts))
	for _, p := range t.Parts {
		if p.Kind != PartToolCall {
			out.Parts = append(out.Parts, p)
		}
	}
	return out
}

// Package engine runs the streaming generation loop: inference passes interleaved with tool
// dispatch, bounded by a mandatory iteration count.
package engine

import (
	"github.com/harunnryd/kotoba/internal/conversation"
)

// Event is one item of a generation stream. The set is closed: ContentDelta, ToolResult,
// Completion, Error and Rejection.
type Event interface {
	isEvent()
}

// ContentDelta is a fragment of assistant text, in arrival order.
type ContentDelta struct {
	Text string
}

// ToolResult reports a dispatched tool call and the turn folded back into context.
type ToolResult struct {
	Call    conversation.ToolCall
	Content string
	Turn    conversation.Turn
}

// Completion ends a successful stream. Truncated is set when the iteration bound stopped the
// loop while the model still wanted tools.
type Completion struct {
	Turn      conversation.Turn
	Truncated bool
}

// Error ends a failed stream.
type Error struct {
	Err error
}

func (e Error) Error() string { return e.Err.Error() }
func (e Error) Unwrap() error { return e.Err }

// Rejection ends a stream the safety gate blocked.
type Rejection struct {
	Message string
	Filter  string
}

func (ContentDelta) isEvent() {}
func (ToolResult) isEvent()   {}
func (Completion) isEvent()   {}
func (Error) isEvent()        {}
func (Rejection) isEvent()    {}

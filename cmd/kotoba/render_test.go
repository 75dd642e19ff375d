package main

import (
	"bytes"
	"errors"
	"iter"
	"strings"
	"testing"

	"github.com/harunnryd/kotoba/internal/conversation"
	"github.com/harunnryd/kotoba/internal/engine"
)

func seqOf(events ...engine.Event) iter.Seq[engine.Event] {
	return func(yield func(engine.Event) bool) {
		for _, ev := range events {
			if !yield(ev) {
				return
			}
		}
	}
}

func TestRenderText(t *testing.T) {
	t.Run("deltas tools and completion", func(t *testing.T) {
		var out bytes.Buffer
		res := renderText(&out, seqOf(
			engine.ToolResult{
				Call: conversation.ToolCall{ID: "c1", Name: "search_knowledge", State: conversation.ToolCallResolved},
				Turn: conversation.Turn{SessionID: "s-1"},
			},
			engine.ContentDelta{Text: "Hello, "},
			engine.ContentDelta{Text: "world."},
			engine.Completion{Turn: conversation.Turn{SessionID: "s-1"}},
		))

		if res.SessionID != "s-1" {
			t.Errorf("session id = %q, want s-1", res.SessionID)
		}
		if res.Err != nil || res.Rejected {
			t.Errorf("unexpected result %+v", res)
		}
		got := out.String()
		if !strings.Contains(got, "[tool search_knowledge: resolved]") {
			t.Errorf("missing tool line in %q", got)
		}
		if !strings.Contains(got, "Hello, world.\n") {
			t.Errorf("deltas not joined in %q", got)
		}
	})

	t.Run("truncated completion", func(t *testing.T) {
		var out bytes.Buffer
		renderText(&out, seqOf(engine.Completion{Truncated: true}))
		if !strings.Contains(out.String(), "iteration limit") {
			t.Errorf("missing truncation notice in %q", out.String())
		}
	})

	t.Run("error", func(t *testing.T) {
		var out bytes.Buffer
		cause := errors.New("connection reset")
		res := renderText(&out, seqOf(engine.ContentDelta{Text: "partial"}, engine.Error{Err: cause}))
		if !errors.Is(res.Err, cause) {
			t.Errorf("err = %v, want %v", res.Err, cause)
		}
		if !strings.Contains(out.String(), "partial\n") || !strings.Contains(out.String(), "connection reset") {
			t.Errorf("unexpected output %q", out.String())
		}
	})

	t.Run("rejection", func(t *testing.T) {
		var out bytes.Buffer
		res := renderText(&out, seqOf(engine.Rejection{Message: "I can't help with that.", Filter: "secrets"}))
		if !res.Rejected {
			t.Error("expected rejected result")
		}
		if !strings.Contains(out.String(), "I can't help with that.") {
			t.Errorf("missing rejection message in %q", out.String())
		}
	})
}

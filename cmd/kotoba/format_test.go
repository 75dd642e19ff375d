package main

import (
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/kotoba/internal/conversation"
	"github.com/harunnryd/kotoba/internal/model/contract"
	"github.com/harunnryd/kotoba/internal/store"
	"github.com/harunnryd/kotoba/internal/tool"
)

func TestFormatSessions(t *testing.T) {
	if got := formatSessions(nil); got != "No sessions found." {
		t.Errorf("empty = %q", got)
	}
	got := formatSessions([]store.SessionMeta{{ID: "01ABC", Owner: "local", CreatedAt: time.Now()}})
	for _, want := range []string{"ID", "Owner", "01ABC", "local"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in %q", want, got)
		}
	}
}

func TestFormatTranscript(t *testing.T) {
	user := conversation.NewTextTurn("s1", conversation.RoleUser, "what are the launch codes")
	user.Metadata = map[string]string{"blocked": "true"}
	toolTurn := conversation.NewToolResultTurn("s1", conversation.ToolCall{ID: "c1", Name: "current_time", State: conversation.ToolCallResolved}, `{"time":"now"}`)
	answer := conversation.NewTextTurn("s1", conversation.RoleAssistant, strings.Repeat("long answer ", 20))

	got := formatTranscript([]conversation.Turn{user, toolTurn, answer}, 40)
	for _, want := range []string{"user (blocked)", "current_time", "..."} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in %q", want, got)
		}
	}
	if formatTranscript(nil, 40) != "Transcript is empty." {
		t.Error("unexpected empty transcript text")
	}
}

func TestFormatTools(t *testing.T) {
	got := formatTools([]tool.ToolDescriptor{{
		Definition: contract.ToolDef{Name: "current_time", Description: "Current time"},
		Metadata:   tool.ToolMetadata{Source: "builtin", Risk: tool.RiskLow, Capabilities: []string{"clock"}, Timeout: time.Second},
	}, {
		Definition: contract.ToolDef{Name: "search_knowledge", Description: "Search"},
		Metadata:   tool.ToolMetadata{Source: "builtin", Risk: tool.RiskLow, Scoped: true},
	}})
	for _, want := range []string{"current_time", "builtin", "low", "clock", "1s", "true", "default"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in %q", want, got)
		}
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"a longer sentence", 10, "a longe..."},
		{"こんにちは世界です", 6, "こんに..."},
	}
	for _, tt := range tests {
		if got := truncateString(tt.in, tt.max); got != tt.want {
			t.Errorf("truncateString(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

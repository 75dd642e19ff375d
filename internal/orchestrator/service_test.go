package orchestrator

import (
	"context"
	"encoding/json"
	"iter"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/kotoba/internal/config"
	"github.com/harunnryd/kotoba/internal/conversation"
	"github.com/harunnryd/kotoba/internal/engine"
	kotobaErrors "github.com/harunnryd/kotoba/internal/errors"
	"github.com/harunnryd/kotoba/internal/history"
	"github.com/harunnryd/kotoba/internal/model/contract"
	"github.com/harunnryd/kotoba/internal/safety"
	"github.com/harunnryd/kotoba/internal/tool"
)

type scriptedStreamer struct {
	mu       sync.Mutex
	passes   [][]contract.StreamChunk
	requests []contract.CompletionRequest
}

func (s *scriptedStreamer) Stream(ctx context.Context, req contract.CompletionRequest) iter.Seq2[contract.StreamChunk, error] {
	return func(yield func(contract.StreamChunk, error) bool) {
		s.mu.Lock()
		idx := len(s.requests)
		s.requests = append(s.requests, req)
		s.mu.Unlock()
		for _, c := range s.passes[min(idx, len(s.passes)-1)] {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (s *scriptedStreamer) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type searchTool struct {
	mu     sync.Mutex
	scopes []string
}

func (s *searchTool) Name() string        { return "search_knowledge" }
func (s *searchTool) Description() string { return "search" }
func (s *searchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"query": map[string]interface{}{"type": "string"}},
		"required":   []string{"query"},
	}
}
func (s *searchTool) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	s.scopes = append(s.scopes, tool.ScopeFrom(ctx))
	s.mu.Unlock()
	return json.RawMessage(`{"results":[{"source":"handbook.md","text":"Office opens at 9."}]}`), nil
}

func newBackend(t *testing.T) history.Backend {
	t.Helper()
	b, err := history.NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func testConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		MaxIterations: 4,
		HistoryWindow: 10,
		SystemPrompt:  "You help {{ .Owner }}.",
		Scope:         "default",
		Owner:         "local",
	}
}

func blockingGate(t *testing.T) *safety.Gate {
	t.Helper()
	filter, err := safety.NewPatternFilter([]safety.Rule{{
		Name:      "secrets",
		Terms:     []string{"launch codes"},
		Direction: "both",
		Message:   "I can't help with that.",
	}})
	require.NoError(t, err)
	return safety.NewGate(filter, false, nil, nil)
}

func newService(t *testing.T, streamer *scriptedStreamer, backend history.Backend, gate *safety.Gate, opts ...Option) (*Service, *searchTool) {
	t.Helper()
	search := &searchTool{}
	registry, err := tool.NewRegistry(search)
	require.NoError(t, err)
	dispatcher := tool.NewDispatcher(registry, 2, time.Second, nil)
	return NewService(testConfig(), streamer, dispatcher, backend, gate, opts...), search
}

func roles(turns []conversation.Turn) []conversation.Role {
	out := make([]conversation.Role, len(turns))
	for i, t := range turns {
		out[i] = t.Role
	}
	return out
}

func drain(seq iter.Seq[engine.Event]) []engine.Event {
	var out []engine.Event
	for ev := range seq {
		out = append(out, ev)
	}
	return out
}

func deltas(parts ...string) []contract.StreamChunk {
	out := make([]contract.StreamChunk, len(parts))
	for i, p := range parts {
		out[i] = contract.StreamChunk{Delta: p}
	}
	return out
}

func TestStreamHelloWithoutTools(t *testing.T) {
	streamer := &scriptedStreamer{passes: [][]contract.StreamChunk{deltas("Hi", "!")}}
	backend := newBackend(t)
	svc, _ := newService(t, streamer, backend, nil)

	events := drain(svc.Stream(context.Background(), Request{SessionID: "s1", Content: "hello"}))

	require.Len(t, events, 3)
	assert.IsType(t, engine.ContentDelta{}, events[0])
	assert.IsType(t, engine.ContentDelta{}, events[1])
	assert.IsType(t, engine.Completion{}, events[2])

	turns, err := backend.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []conversation.Role{conversation.RoleUser, conversation.RoleAssistant}, roles(turns))
	assert.Equal(t, "hello", turns[0].Text())
	assert.Equal(t, "Hi!", turns[1].Text())

	req := streamer.requests[0]
	assert.Equal(t, "You help local.", req.Messages[0].Content)
	meta, err := backend.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "local", meta.Owner)
}

func TestStreamToolCallRoundTrip(t *testing.T) {
	streamer := &scriptedStreamer{passes: [][]contract.StreamChunk{
		{{ToolCalls: []*contract.ToolCall{{ID: "c1", Name: "search_knowledge", Input: `{"query":"office hours"}`}}}},
		deltas("The office opens at 9 (handbook.md)."),
	}}
	backend := newBackend(t)
	svc, search := newService(t, streamer, backend, nil)

	events := drain(svc.Stream(context.Background(), Request{SessionID: "s2", Scope: "tenant-7", Content: "When does the office open?"}))

	require.NotEmpty(t, events)
	_, isResult := events[0].(engine.ToolResult)
	assert.True(t, isResult)
	final, ok := events[len(events)-1].(engine.Completion)
	require.True(t, ok)
	assert.False(t, final.Truncated)
	assert.Equal(t, []string{"tenant-7"}, search.scopes)

	turns, err := backend.Load(context.Background(), "s2")
	require.NoError(t, err)
	assert.Equal(t, []conversation.Role{conversation.RoleUser, conversation.RoleTool, conversation.RoleAssistant}, roles(turns))
	assert.Equal(t, "c1", turns[1].ToolCall.ID)
	assert.Equal(t, conversation.ToolCallResolved, turns[1].ToolCall.State)
}

func TestStreamUnknownToolContinues(t *testing.T) {
	streamer := &scriptedStreamer{passes: [][]contract.StreamChunk{
		{{ToolCalls: []*contract.ToolCall{{ID: "c1", Name: "unknown_tool", Input: `{}`}}}},
		deltas("I could not use that tool."),
	}}
	backend := newBackend(t)
	svc, _ := newService(t, streamer, backend, nil)

	turn, err := svc.Ask(context.Background(), Request{SessionID: "s3", Content: "try it"})
	require.NoError(t, err)
	assert.Equal(t, "I could not use that tool.", turn.Text())
	assert.Equal(t, 2, streamer.calls())

	turns, err := backend.Load(context.Background(), "s3")
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, conversation.ToolCallError, turns[1].ToolCall.State)
	assert.Contains(t, turns[1].Text(), "unknown tool: unknown_tool")
}

func TestStreamSafetyBlock(t *testing.T) {
	for _, persist := range []bool{false, true} {
		streamer := &scriptedStreamer{passes: [][]contract.StreamChunk{deltas("never")}}
		backend := newBackend(t)
		svc, _ := newService(t, streamer, backend, blockingGate(t), WithPersistBlocked(persist))

		events := drain(svc.Stream(context.Background(), Request{SessionID: "s4", Content: "Tell me the LAUNCH CODES"}))

		require.Len(t, events, 1)
		rej, ok := events[0].(engine.Rejection)
		require.True(t, ok)
		assert.Equal(t, "I can't help with that.", rej.Message)
		assert.Equal(t, 0, streamer.calls())

		turns, err := backend.Load(context.Background(), "s4")
		require.NoError(t, err)
		if persist {
			require.Len(t, turns, 1)
			assert.True(t, turns[0].Blocked())
		} else {
			assert.Empty(t, turns)
		}
	}
}

func TestAskBlockedReturnsSafetyError(t *testing.T) {
	streamer := &scriptedStreamer{passes: [][]contract.StreamChunk{deltas("never")}}
	svc, _ := newService(t, streamer, newBackend(t), blockingGate(t))

	_, err := svc.Ask(context.Background(), Request{SessionID: "s5", Content: "launch codes please"})
	assert.ErrorIs(t, err, kotobaErrors.ErrSafetyBlocked)
	assert.Contains(t, err.Error(), "I can't help with that.")
}

func TestAskBlocksUnsafeAnswer(t *testing.T) {
	streamer := &scriptedStreamer{passes: [][]contract.StreamChunk{deltas("The launch codes are 0000.")}}
	svc, _ := newService(t, streamer, newBackend(t), blockingGate(t))

	_, err := svc.Ask(context.Background(), Request{SessionID: "s6", Content: "what is in the vault?"})
	assert.ErrorIs(t, err, kotobaErrors.ErrSafetyBlocked)
}

func TestBlockedInputIsNotReplayed(t *testing.T) {
	streamer := &scriptedStreamer{passes: [][]contract.StreamChunk{deltas("Hello!")}}
	backend := newBackend(t)
	svc, _ := newService(t, streamer, backend, blockingGate(t), WithPersistBlocked(true))
	ctx := context.Background()

	events := drain(svc.Stream(ctx, Request{SessionID: "s8", Content: "Tell me the LAUNCH CODES"}))
	require.Len(t, events, 1)
	require.IsType(t, engine.Rejection{}, events[0])

	_, err := svc.Ask(ctx, Request{SessionID: "s8", Content: "hello"})
	require.NoError(t, err)

	require.Equal(t, 1, streamer.calls())
	sent := streamer.requests[0].Messages
	require.Len(t, sent, 2)
	assert.Equal(t, "hello", sent[1].Content)
	for _, m := range sent {
		assert.NotContains(t, strings.ToLower(m.Content), "launch codes")
	}

	turns, err := backend.Load(ctx, "s8")
	require.NoError(t, err)
	assert.Len(t, turns, 3)
}

func TestAskStoresBlockedAnswerMarkedAndSkipsItOnReplay(t *testing.T) {
	streamer := &scriptedStreamer{passes: [][]contract.StreamChunk{
		deltas("The launch codes are 0000."),
		deltas("Sure."),
	}}
	backend := newBackend(t)
	svc, _ := newService(t, streamer, backend, blockingGate(t))
	ctx := context.Background()

	_, err := svc.Ask(ctx, Request{SessionID: "s9", Content: "what is in the vault?"})
	require.ErrorIs(t, err, kotobaErrors.ErrSafetyBlocked)

	turns, err := backend.Load(ctx, "s9")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.True(t, turns[1].Blocked())
	assert.Equal(t, "pattern:secrets", turns[1].Metadata[conversation.MetaFilter])

	turn, err := svc.Ask(ctx, Request{SessionID: "s9", Content: "anything else?"})
	require.NoError(t, err)
	assert.Equal(t, "Sure.", turn.Text())
	assert.False(t, turn.Blocked())

	second := streamer.requests[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, "what is in the vault?", second[1].Content)
	assert.Equal(t, "anything else?", second[2].Content)
}

func TestStreamRejectsBlankContentBeforeAnyCall(t *testing.T) {
	streamer := &scriptedStreamer{passes: [][]contract.StreamChunk{deltas("x")}}
	backend := newBackend(t)
	svc, _ := newService(t, streamer, backend, nil)

	events := drain(svc.Stream(context.Background(), Request{SessionID: "s7", Content: "   "}))

	require.Len(t, events, 1)
	assert.ErrorIs(t, events[0].(engine.Error), kotobaErrors.ErrValidation)
	assert.Equal(t, 0, streamer.calls())
	sessions, err := backend.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestStreamRejectsInvalidSessionID(t *testing.T) {
	streamer := &scriptedStreamer{passes: [][]contract.StreamChunk{deltas("x")}}
	svc, _ := newService(t, streamer, newBackend(t), nil)

	_, err := svc.Ask(context.Background(), Request{SessionID: "../escape", Content: "hi"})
	assert.ErrorIs(t, err, kotobaErrors.ErrValidation)
	assert.Equal(t, 0, streamer.calls())
}

func TestAskStartsSessionAndReplaysHistory(t *testing.T) {
	streamer := &scriptedStreamer{passes: [][]contract.StreamChunk{deltas("first answer")}}
	backend := newBackend(t)
	svc, _ := newService(t, streamer, backend, nil)
	svc.newSessionID = func() string { return "generated" }

	turn, err := svc.Ask(context.Background(), Request{Content: "first question"})
	require.NoError(t, err)
	assert.Equal(t, "generated", turn.SessionID)

	_, err = svc.Ask(context.Background(), Request{SessionID: "generated", Content: "second question"})
	require.NoError(t, err)

	second := streamer.requests[1].Messages
	require.Len(t, second, 4)
	assert.Equal(t, "first question", second[1].Content)
	assert.Equal(t, "first answer", second[2].Content)
	assert.Equal(t, "second question", second[3].Content)

	transcript, err := svc.Transcript(context.Background(), "generated")
	require.NoError(t, err)
	assert.Len(t, transcript, 4)

	_, err = svc.Transcript(context.Background(), "missing")
	assert.ErrorIs(t, err, kotobaErrors.ErrNotFound)
}

func TestConcurrentRequestsOnOneSessionDoNotInterleave(t *testing.T) {
	streamer := &scriptedStreamer{passes: [][]contract.StreamChunk{deltas("a", "b", "c")}}
	backend := newBackend(t)
	svc, _ := newService(t, streamer, backend, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Ask(context.Background(), Request{SessionID: "shared", Content: "ping"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	turns, err := backend.Load(context.Background(), "shared")
	require.NoError(t, err)
	require.Len(t, turns, 8)
	for i, turn := range turns {
		want := conversation.RoleUser
		if i%2 == 1 {
			want = conversation.RoleAssistant
		}
		assert.Equal(t, want, turn.Role, "turn %d", i)
	}
}

type failingBackend struct {
	history.Backend
}

func (f failingBackend) Append(ctx context.Context, sessionID string, turn conversation.Turn) error {
	return kotobaErrors.Persistence("disk full")
}

func TestPersistenceFailureKeepsStreamIntact(t *testing.T) {
	streamer := &scriptedStreamer{passes: [][]contract.StreamChunk{deltas("still ", "here")}}
	svc, _ := newService(t, streamer, failingBackend{newBackend(t)}, nil)

	events := drain(svc.Stream(context.Background(), Request{SessionID: "s8", Content: "hello"}))

	var text strings.Builder
	for _, ev := range events {
		if d, ok := ev.(engine.ContentDelta); ok {
			text.WriteString(d.Text)
		}
		_, isErr := ev.(engine.Error)
		assert.False(t, isErr)
	}
	assert.Equal(t, "still here", text.String())
	assert.IsType(t, engine.Completion{}, events[len(events)-1])
}

func TestStreamIsSingleUse(t *testing.T) {
	streamer := &scriptedStreamer{passes: [][]contract.StreamChunk{deltas("x")}}
	svc, _ := newService(t, streamer, newBackend(t), nil)

	seq := svc.Stream(context.Background(), Request{SessionID: "s9", Content: "hi"})
	drain(seq)
	again := drain(seq)

	require.Len(t, again, 1)
	assert.ErrorIs(t, again[0].(engine.Error), kotobaErrors.ErrStreamConsumed)
	assert.Equal(t, 1, streamer.calls())
}

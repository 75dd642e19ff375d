package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/kotoba/internal/conversation"
	kotobaErrors "github.com/harunnryd/kotoba/internal/errors"
	"github.com/harunnryd/kotoba/internal/logger"
	"github.com/harunnryd/kotoba/internal/model"
	"github.com/harunnryd/kotoba/internal/model/contract"
	"github.com/harunnryd/kotoba/internal/telemetry"
	"github.com/harunnryd/kotoba/internal/tool"
)

// TurnSink receives every turn the loop creates, in creation order. Errors are logged and
// counted; they never reach the event stream.
type TurnSink func(ctx context.Context, turn conversation.Turn) error

// Dispatcher runs one pass worth of tool calls and answers in request order.
type Dispatcher interface {
	Dispatch(ctx context.Context, calls []conversation.ToolCall) []tool.Result
	Definitions() []contract.ToolDef
}

type Loop struct {
	streamer  model.Streamer
	tools     Dispatcher
	sink      TurnSink
	model     string
	maxTokens int
	metrics   *telemetry.Metrics
}

type Option func(*Loop)

func WithSink(sink TurnSink) Option {
	return func(l *Loop) { l.sink = sink }
}

func WithModel(name string) Option {
	return func(l *Loop) { l.model = name }
}

func WithMaxTokens(n int) Option {
	return func(l *Loop) { l.maxTokens = n }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// NewLoop builds a loop over a streaming model. tools may be nil, in which case the model is
// offered no tools and any call it makes is answered as unknown.
func NewLoop(streamer model.Streamer, tools Dispatcher, opts ...Option) *Loop {
	l := &Loop{streamer: streamer, tools: tools}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Generate returns the event stream for one user message. The sequence is lazy: nothing runs
// until it is ranged over, and it may be ranged over once. It ends with exactly one of
// Completion or Error unless the consumer stops early.
func (l *Loop) Generate(ctx context.Context, msg conversation.Message, maxIterations int) iter.Seq[Event] {
	var consumed atomic.Bool
	return func(yield func(Event) bool) {
		if !consumed.CompareAndSwap(false, true) {
			yield(Error{Err: fmt.Errorf("generate: %w", kotobaErrors.ErrStreamConsumed)})
			return
		}
		if maxIterations < 1 {
			yield(Error{Err: kotobaErrors.Validation(fmt.Sprintf("max iterations must be at least 1, got %d", maxIterations))})
			return
		}
		if err := msg.Validate(); err != nil {
			yield(Error{Err: err})
			return
		}
		r := &run{Loop: l, sessionID: sessionOf(ctx, msg), log: logger.From(ctx)}
		outcome := r.drive(ctx, msg, maxIterations, yield)
		l.metrics.Generation(outcome)
	}
}

type run struct {
	*Loop
	sessionID string
	log       *slog.Logger
}

func (r *run) drive(ctx context.Context, msg conversation.Message, maxIterations int, yield func(Event) bool) string {
	var defs []contract.ToolDef
	if r.tools != nil {
		defs = r.tools.Definitions()
	}

	current := msg
	for pass := 1; ; pass++ {
		r.log.Debug("Inference pass", "pass", pass, "max", maxIterations, "turns", len(current.Turns))

		var text strings.Builder
		var requested []*contract.ToolCall
		for chunk, err := range r.streamer.Stream(ctx, BuildRequest(current, r.model, r.maxTokens, defs)) {
			if ctx.Err() != nil {
				yield(Error{Err: ctx.Err()})
				return "canceled"
			}
			if err != nil {
				r.log.Error("Inference stream failed", "pass", pass, "error", err)
				yield(Error{Err: kotobaErrors.WrapWithCategory(err, "inference stream", kotobaErrors.ErrInferenceTransport)})
				return "error"
			}
			if chunk.Delta != "" {
				text.WriteString(chunk.Delta)
				if !yield(ContentDelta{Text: chunk.Delta}) {
					return "abandoned"
				}
			}
			requested = append(requested, chunk.ToolCalls...)
		}
		if ctx.Err() != nil {
			yield(Error{Err: ctx.Err()})
			return "canceled"
		}

		if len(requested) == 0 {
			final := conversation.NewTextTurn(r.sessionID, conversation.RoleAssistant, text.String())
			r.persist(ctx, final)
			r.log.Info("Generation completed", "passes", pass)
			yield(Completion{Turn: final})
			return "completed"
		}

		if pass >= maxIterations {
			final := conversation.NewTextTurn(r.sessionID, conversation.RoleAssistant, text.String())
			final.Metadata = map[string]string{conversation.MetaTruncated: "true"}
			if text.Len() > 0 {
				r.persist(ctx, final)
			}
			r.log.Warn("Iteration bound reached with tool calls pending", "passes", pass, "pending", len(requested))
			yield(Completion{Turn: final, Truncated: true})
			return "truncated"
		}

		calls := pendingCalls(requested)
		if text.Len() > 0 {
			r.persist(ctx, conversation.NewTextTurn(r.sessionID, conversation.RoleAssistant, text.String()))
		}

		results := r.dispatch(ctx, calls)
		if ctx.Err() != nil {
			r.metrics.DiscardedToolResults(len(results))
			r.log.Info("Caller gone; discarding tool results", "count", len(results))
			yield(Error{Err: ctx.Err()})
			return "canceled"
		}

		folded := make([]conversation.Turn, 0, len(results)+1)
		folded = append(folded, assistantWithCalls(r.sessionID, text.String(), calls))
		for _, res := range results {
			turn := conversation.NewToolResultTurn(r.sessionID, res.Call, res.Content)
			r.persist(ctx, turn)
			folded = append(folded, turn)
			if !yield(ToolResult{Call: res.Call, Content: res.Content, Turn: turn}) {
				return "abandoned"
			}
		}
		current = current.Append(folded...)
	}
}

func (r *run) dispatch(ctx context.Context, calls []conversation.ToolCall) []tool.Result {
	if r.tools != nil {
		return r.tools.Dispatch(ctx, calls)
	}
	results := make([]tool.Result, len(calls))
	for i, c := range calls {
		c.State = conversation.ToolCallError
		payload, _ := json.Marshal(map[string]string{"error": "unknown tool: " + c.Name})
		results[i] = tool.Result{Call: c, Content: string(payload), Err: kotobaErrors.ErrToolNotFound}
	}
	return results
}

// persist hands a turn to the sink. The write outlives caller cancellation so that turns
// already streamed are not lost.
func (r *run) persist(ctx context.Context, turn conversation.Turn) {
	if r.sink == nil {
		return
	}
	start := time.Now()
	if err := r.sink(context.WithoutCancel(ctx), turn); err != nil {
		r.metrics.PersistFailure()
		r.log.Error("Failed to persist turn", "turn_id", turn.ID, "role", turn.Role, "error", err)
		return
	}
	r.log.Debug("Turn persisted", "turn_id", turn.ID, "role", turn.Role, "duration", time.Since(start))
}

func pendingCalls(requested []*contract.ToolCall) []conversation.ToolCall {
	calls := make([]conversation.ToolCall, 0, len(requested))
	for _, tc := range requested {
		if tc == nil {
			continue
		}
		id := tc.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		var args json.RawMessage
		switch input := strings.TrimSpace(tc.Input); {
		case input == "":
		case json.Valid([]byte(input)):
			args = json.RawMessage(input)
		default:
			// kept as a JSON string so the turn stays encodable; validation rejects it
			args, _ = json.Marshal(input)
		}
		calls = append(calls, conversation.ToolCall{
			ID:        id,
			Name:      tc.Name,
			Arguments: args,
			State:     conversation.ToolCallPending,
		})
	}
	return calls
}

func assistantWithCalls(sessionID, text string, calls []conversation.ToolCall) conversation.Turn {
	turn := conversation.NewTextTurn(sessionID, conversation.RoleAssistant, text)
	if text == "" {
		turn.Parts = turn.Parts[:0]
	}
	for i := range calls {
		c := calls[i]
		turn.Parts = append(turn.Parts, conversation.Part{Kind: conversation.PartToolCall, ToolCall: &c})
	}
	return turn
}

func sessionOf(ctx context.Context, msg conversation.Message) string {
	if last, ok := msg.Last(); ok && last.SessionID != "" {
		return last.SessionID
	}
	return logger.GetSessionID(ctx)
}

// Package orchestrator turns one user message into a streamed assistant response: safety
// gate, history, message assembly and the generation loop.
package orchestrator

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/kotoba/internal/assembler"
	"github.com/harunnryd/kotoba/internal/concurrency"
	"github.com/harunnryd/kotoba/internal/config"
	"github.com/harunnryd/kotoba/internal/conversation"
	"github.com/harunnryd/kotoba/internal/engine"
	kotobaErrors "github.com/harunnryd/kotoba/internal/errors"
	"github.com/harunnryd/kotoba/internal/history"
	"github.com/harunnryd/kotoba/internal/logger"
	"github.com/harunnryd/kotoba/internal/model"
	"github.com/harunnryd/kotoba/internal/safety"
	"github.com/harunnryd/kotoba/internal/telemetry"
	"github.com/harunnryd/kotoba/internal/tool"
)

// Request is one user message addressed to a session. An empty SessionID starts a new
// session; empty Owner and Scope fall back to configuration.
type Request struct {
	SessionID     string
	Owner         string
	Scope         string
	Content       string
	MaxIterations int
}

type Service struct {
	cfg            config.OrchestratorConfig
	loop           *engine.Loop
	history        history.Backend
	gate           *safety.Gate
	persistBlocked bool
	sessions       *concurrency.KeyedMutex
	metrics        *telemetry.Metrics
	newSessionID   func() string
}

type Option func(*serviceOptions)

type serviceOptions struct {
	persistBlocked bool
	model          string
	maxTokens      int
	metrics        *telemetry.Metrics
}

// WithPersistBlocked records safety-blocked user turns in history, marked blocked=true.
func WithPersistBlocked(v bool) Option {
	return func(o *serviceOptions) { o.persistBlocked = v }
}

func WithModel(name string, maxTokens int) Option {
	return func(o *serviceOptions) {
		o.model = name
		o.maxTokens = maxTokens
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *serviceOptions) { o.metrics = m }
}

// NewService wires the loop to the history backend. gate may be nil to allow everything;
// tools may be nil to offer the model none.
func NewService(cfg config.OrchestratorConfig, streamer model.Streamer, tools engine.Dispatcher, hist history.Backend, gate *safety.Gate, opts ...Option) *Service {
	o := serviceOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = config.DefaultOrchestratorMaxIterations
	}
	if gate == nil {
		gate = safety.NewGate(safety.AllowAll{}, false, nil, o.metrics)
	}

	s := &Service{
		cfg:            cfg,
		history:        hist,
		gate:           gate,
		persistBlocked: o.persistBlocked,
		sessions:       concurrency.NewKeyedMutex(),
		metrics:        o.metrics,
		newSessionID:   conversation.NewID,
	}
	s.loop = engine.NewLoop(streamer, tools,
		engine.WithSink(s.appendTurn),
		engine.WithModel(o.model),
		engine.WithMaxTokens(o.maxTokens),
		engine.WithMetrics(o.metrics),
	)
	return s
}

// Stream answers req as a lazy event sequence that may be ranged over once. Requests on the
// same session run one at a time so their turns never interleave in history.
func (s *Service) Stream(ctx context.Context, req Request) iter.Seq[engine.Event] {
	var consumed atomic.Bool
	return func(yield func(engine.Event) bool) {
		if !consumed.CompareAndSwap(false, true) {
			yield(engine.Error{Err: fmt.Errorf("stream: %w", kotobaErrors.ErrStreamConsumed)})
			return
		}

		content := strings.TrimSpace(req.Content)
		if content == "" {
			yield(engine.Error{Err: kotobaErrors.Validation("message content is empty")})
			return
		}
		sessionID := strings.TrimSpace(req.SessionID)
		if sessionID == "" {
			sessionID = s.newSessionID()
		}
		owner := firstNonEmpty(req.Owner, s.cfg.Owner, config.DefaultOrchestratorOwner)
		scope := firstNonEmpty(req.Scope, s.cfg.Scope, config.DefaultOrchestratorScope)
		maxIterations := req.MaxIterations
		if maxIterations <= 0 {
			maxIterations = s.cfg.MaxIterations
		}

		ctx = logger.WithTraceID(ctx, conversation.NewID())
		ctx = logger.WithSessionID(ctx, sessionID)
		ctx = tool.WithScope(ctx, scope)
		log := logger.From(ctx)

		unlock := s.sessions.Lock(sessionID)
		defer unlock()

		if _, err := s.history.Touch(ctx, sessionID, owner); err != nil {
			if kotobaErrors.IsCategory(err, kotobaErrors.ErrValidation) {
				yield(engine.Error{Err: err})
				return
			}
			s.metrics.PersistFailure()
			log.Error("Failed to record session", "error", err)
		}

		if verdict := s.gate.Check(ctx, content, safety.Input); verdict.Blocked() {
			if s.persistBlocked {
				turn := conversation.NewTextTurn(sessionID, conversation.RoleUser, content)
				turn.Metadata = map[string]string{conversation.MetaBlocked: "true", conversation.MetaFilter: verdict.Filter}
				s.persistTurn(ctx, turn)
			}
			s.metrics.Generation("rejected")
			yield(engine.Rejection{Message: verdict.Message, Filter: verdict.Filter})
			return
		}

		past, err := s.history.Load(ctx, sessionID)
		if err != nil {
			s.metrics.PersistFailure()
			log.Error("Failed to load history; continuing without it", "error", err)
			past = nil
		}

		msg, err := assembler.Assemble(s.cfg.SystemPrompt, past, content,
			assembler.WithSession(sessionID, owner),
			assembler.WithWindow(s.cfg.HistoryWindow),
		)
		if err != nil {
			yield(engine.Error{Err: err})
			return
		}
		if user, ok := msg.Last(); ok {
			s.persistTurn(ctx, user)
		}

		log.Info("Generation started", "history_turns", len(msg.Turns)-2, "max_iterations", maxIterations)
		for ev := range s.loop.Generate(ctx, msg, maxIterations) {
			if !yield(ev) {
				return
			}
		}
	}
}

// Ask runs Stream to the end and returns the final assistant turn. A blocked request, on
// input or on the finished answer, fails with an error wrapping ErrSafetyBlocked.
func (s *Service) Ask(ctx context.Context, req Request) (*conversation.Turn, error) {
	gated := &outputVerdicts{byTurn: map[string]safety.Verdict{}}
	ctx = context.WithValue(ctx, outputVerdictsKey{}, gated)

	var final *conversation.Turn
	for ev := range s.Stream(ctx, req) {
		switch e := ev.(type) {
		case engine.ContentDelta, engine.ToolResult:
		case engine.Completion:
			turn := e.Turn
			final = &turn
		case engine.Error:
			return nil, e.Err
		case engine.Rejection:
			return nil, fmt.Errorf("%s: %w", e.Message, kotobaErrors.ErrSafetyBlocked)
		default:
			return nil, kotobaErrors.Internal(fmt.Sprintf("unexpected event %T", ev))
		}
	}
	if final == nil {
		return nil, kotobaErrors.Internal("generation ended without completion")
	}

	verdict, checked := gated.get(final.ID)
	if !checked {
		verdict = s.gate.Check(ctx, final.Text(), safety.Output)
	}
	if verdict.Blocked() {
		return nil, fmt.Errorf("%s: %w", verdict.Message, kotobaErrors.ErrSafetyBlocked)
	}
	return final, nil
}

type outputVerdictsKey struct{}

// outputVerdicts holds the output gate's verdict per assistant turn persisted during Ask.
type outputVerdicts struct {
	mu     sync.Mutex
	byTurn map[string]safety.Verdict
}

func (o *outputVerdicts) set(turnID string, v safety.Verdict) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.byTurn[turnID] = v
}

func (o *outputVerdicts) get(turnID string) (safety.Verdict, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.byTurn[turnID]
	return v, ok
}

// Sessions exposes session records for listings.
func (s *Service) Sessions() history.Sessions {
	return s.history
}

// Transcript returns the stored turns of a session.
func (s *Service) Transcript(ctx context.Context, sessionID string) ([]conversation.Turn, error) {
	if _, err := s.history.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.history.Load(ctx, sessionID)
}

// appendTurn is the loop's sink; the loop logs and counts its failures. Under Ask, assistant
// text passes the output gate first and a blocked turn is stored marked blocked.
func (s *Service) appendTurn(ctx context.Context, turn conversation.Turn) error {
	if gated, ok := ctx.Value(outputVerdictsKey{}).(*outputVerdicts); ok && turn.Role == conversation.RoleAssistant {
		verdict := s.gate.Check(ctx, turn.Text(), safety.Output)
		gated.set(turn.ID, verdict)
		if verdict.Blocked() {
			meta := maps.Clone(turn.Metadata)
			if meta == nil {
				meta = map[string]string{}
			}
			meta[conversation.MetaBlocked] = "true"
			meta[conversation.MetaFilter] = verdict.Filter
			turn.Metadata = meta
		}
	}
	return s.history.Append(ctx, turn.SessionID, turn)
}

func (s *Service) persistTurn(ctx context.Context, turn conversation.Turn) {
	if err := s.appendTurn(ctx, turn); err != nil {
		s.metrics.PersistFailure()
		logger.From(ctx).Error("Failed to persist turn", "turn_id", turn.ID, "role", turn.Role, "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

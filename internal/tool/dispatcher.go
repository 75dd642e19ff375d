package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/kotoba/internal/concurrency"
	"github.com/harunnryd/kotoba/internal/conversation"
	kotobaErrors "github.com/harunnryd/kotoba/internal/errors"
	"github.com/harunnryd/kotoba/internal/logger"
	"github.com/harunnryd/kotoba/internal/model/contract"
	"github.com/harunnryd/kotoba/internal/telemetry"
)

// Result answers one tool call. Call.State is resolved or error; Content is what the model
// sees either way.
type Result struct {
	Call    conversation.ToolCall
	Content string
	Err     error
}

// Dispatcher runs the tool calls of one inference pass.
type Dispatcher struct {
	registry    *Registry
	maxParallel int
	timeout     time.Duration
	metrics     *telemetry.Metrics
}

func NewDispatcher(registry *Registry, maxParallel int, timeout time.Duration, metrics *telemetry.Metrics) *Dispatcher {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &Dispatcher{registry: registry, maxParallel: maxParallel, timeout: timeout, metrics: metrics}
}

func (d *Dispatcher) Definitions() []contract.ToolDef {
	return d.registry.Definitions()
}

// Dispatch runs calls concurrently and returns one result per call in request order. Started
// calls run on a context detached from ctx's cancellation and finish; calls still queued when
// ctx is canceled never start and get a canceled error result. Dispatch never fails: unknown
// tools, bad arguments, tool errors and panics all become error results.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []conversation.ToolCall) []Result {
	results := make([]Result, len(calls))
	if len(calls) == 0 {
		return results
	}

	runCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(d.maxParallel)
	for i, call := range calls {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				d.metrics.ToolCall(call.Name, "canceled", 0)
				results[i] = errorResult(call, "canceled", err)
				return nil
			}
			results[i] = d.run(runCtx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *Dispatcher) run(ctx context.Context, call conversation.ToolCall) Result {
	log := logger.From(ctx).With("tool", call.Name, "call_id", call.ID)

	t, ok := d.registry.Get(call.Name)
	if !ok {
		log.Warn("Unknown tool requested")
		d.metrics.ToolCall(call.Name, "not_found", 0)
		err := fmt.Errorf("unknown tool: %s: %w", call.Name, kotobaErrors.ErrToolNotFound)
		return errorResult(call, fmt.Sprintf("unknown tool: %s", call.Name), err)
	}

	if err := ValidateInput(t.Parameters(), call.Arguments); err != nil {
		log.Warn("Tool input validation failed", "error", err)
		d.metrics.ToolCall(call.Name, "invalid", 0)
		return errorResult(call, "invalid arguments: "+err.Error(), err)
	}

	timeout := d.timeout
	if meta := MetadataOf(t); meta.Timeout > 0 {
		timeout = meta.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	var out json.RawMessage
	err := concurrency.SafeCall(func() error {
		var execErr error
		out, execErr = t.Execute(ctx, call.Arguments)
		return execErr
	})
	took := time.Since(start)

	if err != nil {
		log.Error("Tool execution failed", "error", err, "duration", took)
		d.metrics.ToolCall(call.Name, "error", took)
		msg := "tool failed: " + err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("tool timed out after %s", timeout)
		}
		return errorResult(call, msg, err)
	}

	log.Info("Tool execution success", "duration", took)
	d.metrics.ToolCall(call.Name, "ok", took)
	resolved := call
	resolved.State = conversation.ToolCallResolved
	return Result{Call: resolved, Content: string(out)}
}

func errorResult(call conversation.ToolCall, msg string, err error) Result {
	failed := call
	failed.State = conversation.ToolCallError
	payload, _ := json.Marshal(map[string]string{"error": msg})
	return Result{Call: failed, Content: string(payload), Err: err}
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/novavoice/nova/pkg/types"
)

const (
	// defaultMaxConcurrent caps parallel tool executions.
	defaultMaxConcurrent = 5

	// defaultTimeout bounds one tool call.
	defaultTimeout = 30 * time.Second
)

// Result is the outcome of one tool call. Failures are data, not errors:
// the pipeline reports them to the model and the client rather than aborting
// the turn.
type Result struct {
	// ToolName is the tool that ran (or was requested, for unknown tools).
	ToolName string

	// Success reports whether the handler completed without error.
	Success bool

	// Value is the handler's return value on success.
	Value any

	// Err is the failure description when Success is false.
	Err string

	// Elapsed is the wall time the call took.
	Elapsed time.Duration

	// Flyout carries a structured payload for rich client-side display when
	// the handler returned a map or slice; nil for plain scalar results.
	Flyout any
}

// Executor runs tool calls against a Registry. It is safe for concurrent use.
type Executor struct {
	registry *Registry
	sem      *semaphore.Weighted
	timeout  time.Duration
}

// ExecutorOption is a functional option for Executor.
type ExecutorOption func(*Executor)

// WithTimeout overrides the per-call timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithMaxConcurrent overrides the parallel execution cap. Defaults to 5.
func WithMaxConcurrent(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// NewExecutor creates an Executor over registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		sem:      semaphore.NewWeighted(defaultMaxConcurrent),
		timeout:  defaultTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute runs a single tool call to completion. Unknown tools, bad
// arguments, handler errors, timeouts, and panics all come back as a failed
// Result; the error return is reserved for ctx being cancelled before the
// call could start.
func (e *Executor) Execute(ctx context.Context, call types.ToolCall) (Result, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("tools: acquire slot: %w", err)
	}
	defer e.sem.Release(1)
	return e.run(ctx, call), nil
}

// ExecuteMany runs calls in parallel and returns results in input order.
// Individual failures never fail the batch.
func (e *Executor) ExecuteMany(ctx context.Context, calls []types.ToolCall) []Result {
	results := make([]Result, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call types.ToolCall) {
			defer wg.Done()
			if err := e.sem.Acquire(ctx, 1); err != nil {
				results[i] = Result{ToolName: call.Name, Err: fmt.Sprintf("cancelled: %v", err)}
				return
			}
			defer e.sem.Release(1)
			results[i] = e.run(ctx, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

// run executes one call with timeout and panic containment.
func (e *Executor) run(ctx context.Context, call types.ToolCall) (res Result) {
	start := time.Now()
	res = Result{ToolName: call.Name}
	defer func() {
		res.Elapsed = time.Since(start)
		if r := recover(); r != nil {
			slog.Error("tool handler panicked", "tool", call.Name, "panic", r)
			res = Result{
				ToolName: call.Name,
				Err:      fmt.Sprintf("tool %q panicked: %v", call.Name, r),
				Elapsed:  time.Since(start),
			}
		}
	}()

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		res.Err = fmt.Sprintf("unknown tool %q", call.Name)
		return res
	}

	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			// Unparseable arguments degrade to an empty object, matching the
			// normalizer's rule for text-extracted calls.
			slog.Warn("tool arguments are not valid JSON, using empty object",
				"tool", call.Name, "error", err)
			args = map[string]any{}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	value, err := tool.Handler(callCtx, args)
	if err != nil {
		res.Err = err.Error()
		return res
	}

	res.Success = true
	res.Value = value
	res.Flyout = flyoutPayload(value)
	return res
}

// flyoutPayload returns the structured portion of a result for client-side
// rich display. Scalars have no flyout.
func flyoutPayload(value any) any {
	switch value.(type) {
	case map[string]any, []any:
		return value
	default:
		return nil
	}
}

// ResultContent serializes a Result's value for the tool message appended to
// the conversation.
func ResultContent(res Result) string {
	if !res.Success {
		return fmt.Sprintf("Error: %s", res.Err)
	}
	switch v := res.Value.(type) {
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

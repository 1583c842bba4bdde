// Package engine schedules and executes parsed flow documents.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stepflow-io/stepflow/pkg/events"
	"github.com/stepflow-io/stepflow/pkg/expr"
	"github.com/stepflow-io/stepflow/pkg/flow"
	"github.com/stepflow-io/stepflow/pkg/loader"
)

// TaskInvoker is the capability contract the engine calls for leaf task
// steps. Connection is passed through by name; the registry layer owns the
// actual lookup.
type TaskInvoker interface {
	Invoke(ctx context.Context, name string, inputs map[string]any, connection string) (map[string]any, error)
}

// Engine walks a flow's step tree, resolving bindings against the execution
// scope, invoking tasks and emitting events. One Engine may serve many
// executions; all per-invocation state lives in the execution context.
type Engine struct {
	invoker  TaskInvoker
	subflows loader.Resolver
	listener func(events.Event)
	logger   *slog.Logger
	flowDir  string
}

// Option configures an Engine.
type Option func(*Engine)

// WithSubflowResolver enables subflow steps via the given discovery policy.
func WithSubflowResolver(r loader.Resolver) Option {
	return func(e *Engine) { e.subflows = r }
}

// WithListener registers a callback invoked for every emitted event, after
// sequence stamping. Used to bridge executions onto an external bus.
func WithListener(fn func(events.Event)) Option {
	return func(e *Engine) { e.listener = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithFlowDir sets the directory subflow references of the top-level flow
// are resolved against.
func WithFlowDir(dir string) Option {
	return func(e *Engine) { e.flowDir = dir }
}

func New(invoker TaskInvoker, opts ...Option) *Engine {
	e := &Engine{invoker: invoker, logger: slog.Default()}

	for _, opt := range opts {
		opt(e)
	}

	e.logger = e.logger.With("module", "engine")

	return e
}

// Result is the synchronous outcome of one flow invocation.
type Result struct {
	ExecutionID     string
	Success         bool
	Outputs         map[string]any
	Err             error
	ExecutionTimeMs int64

	// Events is the complete ordered execution log. Streaming consumers
	// use WithListener instead; this copy serves synchronous callers.
	Events []events.Event
}

// Execute runs a flow document to completion. Document validation and
// required-input checks happen before any event is emitted; from then on
// the execution log brackets the run with flow_started and a terminal
// flow_completed or flow_failed.
func (e *Engine) Execute(ctx context.Context, doc *flow.Flow, inputs map[string]any) (*Result, error) {
	started := time.Now()

	if err := doc.Validate(); err != nil {
		return &Result{Err: err, ExecutionTimeMs: time.Since(started).Milliseconds()}, err
	}

	seeded, err := seedInputs(doc, inputs)
	if err != nil {
		return &Result{Err: err, ExecutionTimeMs: time.Since(started).Milliseconds()}, err
	}

	emitter := events.NewEmitter()
	defer emitter.Close()

	x := newExecution(doc.Name, emitter, e.listener)

	logger := e.logger.With("flow", doc.Name, "execution_id", x.id)
	logger.Info("Starting flow execution")

	x.emit(events.Event{Type: events.FlowStarted})

	scope := expr.NewScope(map[string]any{
		"inputs": seeded,
		"steps":  map[string]any{},
	})

	sig, runErr := e.runSteps(ctx, x, doc.Steps, scope, callSite{dir: e.flowDir})

	if runErr != nil {
		if isCancellation(runErr) && len(doc.OnCancel) > 0 {
			e.runCancelHandlers(ctx, x, doc, scope)
		}

		logger.Error("Flow execution failed", "error", runErr)
		x.emit(events.Event{
			Type:       events.FlowFailed,
			StepID:     failingStepID(runErr),
			Error:      runErr.Error(),
			DurationMs: time.Since(started).Milliseconds(),
		})

		return &Result{
			ExecutionID:     x.id,
			Err:             runErr,
			ExecutionTimeMs: time.Since(started).Milliseconds(),
			Events:          emitter.Events(),
		}, runErr
	}

	var (
		outputs map[string]any
		reason  string
	)

	if sig != nil {
		outputs, reason = sig.outputs, sig.reason
	} else {
		outputs, err = finalizeOutputs(doc, scope)
		if err != nil {
			x.emit(events.Event{
				Type:       events.FlowFailed,
				Error:      err.Error(),
				DurationMs: time.Since(started).Milliseconds(),
			})

			return &Result{
				ExecutionID:     x.id,
				Err:             err,
				ExecutionTimeMs: time.Since(started).Milliseconds(),
				Events:          emitter.Events(),
			}, err
		}
	}

	x.emit(events.Event{
		Type:       events.FlowCompleted,
		Outputs:    outputNames(outputs),
		Reason:     reason,
		DurationMs: time.Since(started).Milliseconds(),
	})

	logger.Info("Flow execution completed", "duration_ms", time.Since(started).Milliseconds())

	return &Result{
		ExecutionID:     x.id,
		Success:         true,
		Outputs:         outputs,
		ExecutionTimeMs: time.Since(started).Milliseconds(),
		Events:          emitter.Events(),
	}, nil
}

// runCancelHandlers runs the document's on_cancel list once cancellation is
// acknowledged. The handlers get a context detached from the cancelled one
// so they can still do their cleanup work.
func (e *Engine) runCancelHandlers(ctx context.Context, x *execution, doc *flow.Flow, scope *expr.Scope) {
	cleanupCtx := context.WithoutCancel(ctx)

	if _, err := e.runSteps(cleanupCtx, x, doc.OnCancel, scope.Child(), callSite{dir: e.flowDir}); err != nil {
		e.logger.Error("on_cancel handlers failed", "flow", doc.Name, "error", err)
	}
}

// seedInputs applies defaults and type checks and enforces the
// required-input invariant before any step runs. Extra supplied values pass
// through untouched.
func seedInputs(doc *flow.Flow, supplied map[string]any) (map[string]any, error) {
	seeded := make(map[string]any, len(supplied))

	for name, value := range supplied {
		seeded[name] = value
	}

	for _, spec := range doc.Inputs {
		value, ok := seeded[spec.Name]
		if ok {
			if err := checkInputType(spec, value); err != nil {
				return nil, err
			}

			continue
		}

		if spec.Default != nil {
			seeded[spec.Name] = spec.Default

			continue
		}

		if spec.Required {
			return nil, &RequiredInputMissingError{Input: spec.Name}
		}
	}

	return seeded, nil
}

func checkInputType(spec flow.InputSpec, value any) error {
	ok := true

	switch spec.Type {
	case flow.TypeString:
		_, ok = value.(string)
	case flow.TypeNumber:
		ok = isNumber(value)
	case flow.TypeBoolean:
		_, ok = value.(bool)
	case flow.TypeObject:
		_, ok = value.(map[string]any)
	case flow.TypeArray:
		_, ok = value.([]any)
	case flow.TypeAny, "":
	}

	if !ok {
		return fmt.Errorf("input %q: expected %s, got %T: %w", spec.Name, spec.Type, value, ErrInputType)
	}

	return nil
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	default:
		return false
	}
}

// finalizeOutputs resolves the document's declared output bindings against
// the final scope.
func finalizeOutputs(doc *flow.Flow, scope *expr.Scope) (map[string]any, error) {
	outputs := make(map[string]any, len(doc.Outputs))

	for _, spec := range doc.Outputs {
		value, err := expr.ResolveValue(spec.Value, scope)
		if err != nil {
			return nil, fmt.Errorf("flow output %q: %w", spec.Name, err)
		}

		outputs[spec.Name] = value
	}

	return outputs, nil
}

func outputNames(outputs map[string]any) []string {
	if len(outputs) == 0 {
		return nil
	}

	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}

	return names
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stepflow-io/stepflow/pkg/events"
	"github.com/stepflow-io/stepflow/pkg/expr"
	"github.com/stepflow-io/stepflow/pkg/flow"
)

// exitSignal is the terminal signal an exit step raises. It unwinds through
// every enclosing step list until a flow or subflow boundary absorbs it.
type exitSignal struct {
	outputs map[string]any
	reason  string
}

// runSteps executes one sibling list in declaration order. Later siblings
// observe every earlier sibling's published outputs. A non-nil exit signal
// or error stops the walk immediately.
func (e *Engine) runSteps(ctx context.Context, x *execution, steps []*flow.Step, scope *expr.Scope, site callSite) (*exitSignal, error) {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sig, err := e.runStep(ctx, x, step, scope, site)
		if err != nil {
			return nil, err
		}

		if sig != nil {
			return sig, nil
		}
	}

	return nil, nil
}

func (e *Engine) runStep(ctx context.Context, x *execution, step *flow.Step, scope *expr.Scope, site callSite) (*exitSignal, error) {
	x.emit(events.Event{Type: events.StepStarted, StepID: step.ID})

	started := time.Now()

	sig, err := e.dispatch(ctx, x, step, scope, site)

	if err != nil && len(step.OnError) > 0 && recoverable(err) {
		sig, err = e.runErrorHandlers(ctx, x, step, scope, site, err)
	}

	if err != nil {
		err = wrapStep(step.ID, err)
		x.emit(events.Event{
			Type:       events.StepFailed,
			StepID:     step.ID,
			Error:      err.Error(),
			DurationMs: time.Since(started).Milliseconds(),
		})

		return nil, err
	}

	completed := events.Event{
		Type:       events.StepCompleted,
		StepID:     step.ID,
		Outputs:    step.Outputs,
		DurationMs: time.Since(started).Milliseconds(),
	}

	if sig != nil {
		completed.Reason = sig.reason
	}

	x.emit(completed)

	return sig, nil
}

// dispatch is the exhaustive state machine over the seven step kinds.
func (e *Engine) dispatch(ctx context.Context, x *execution, step *flow.Step, scope *expr.Scope, site callSite) (*exitSignal, error) {
	switch step.Kind() {
	case flow.KindTask:
		return nil, e.runTask(ctx, step, scope)
	case flow.KindConditional:
		return e.runConditional(ctx, x, step, scope, site)
	case flow.KindSwitch:
		return e.runSwitch(ctx, x, step, scope, site)
	case flow.KindLoop:
		return e.runLoop(ctx, x, step, scope, site)
	case flow.KindParallel:
		return e.runParallel(ctx, x, step, scope, site)
	case flow.KindSubflow:
		return nil, e.runSubflow(ctx, x, step, scope, site)
	case flow.KindExit:
		return e.runExit(step, scope)
	default:
		return nil, fmt.Errorf("step %q has no recognizable kind", step.ID)
	}
}

// recoverable reports whether an error may be absorbed by an on_error
// handler. Circular dependencies and cancellation always propagate.
func recoverable(err error) bool {
	return !errors.Is(err, ErrCircularDependency) && !isCancellation(err)
}

// runErrorHandlers executes a step's on_error list in a child scope seeded
// with the failure details. On success the handler's bindings substitute
// for the failed step's outputs.
func (e *Engine) runErrorHandlers(ctx context.Context, x *execution, step *flow.Step, scope *expr.Scope, site callSite, cause error) (*exitSignal, error) {
	handlerScope := scope.Child()
	handlerScope.Set("error", map[string]any{
		"message": cause.Error(),
		"step":    failingStepID(wrapStep(step.ID, cause)),
	})

	sig, err := e.runSteps(ctx, x, step.OnError, handlerScope, site)
	if err != nil {
		return nil, fmt.Errorf("on_error handler failed: %w (original: %v)", err, cause)
	}

	bindings := handlerScope.Bindings()
	delete(bindings, "error")
	mergeBindings(scope, bindings)

	return sig, nil
}

func (e *Engine) runTask(ctx context.Context, step *flow.Step, scope *expr.Scope) error {
	inputs, err := expr.ResolveMap(step.Inputs, scope)
	if err != nil {
		return err
	}

	outputs, err := e.invokeWithRetry(ctx, step, inputs)
	if err != nil {
		return err
	}

	if outputs == nil {
		outputs = map[string]any{}
	}

	return publishOutputs(scope, step.ID, step.Outputs, outputs)
}

func (e *Engine) runConditional(ctx context.Context, x *execution, step *flow.Step, scope *expr.Scope, site callSite) (*exitSignal, error) {
	pass, err := evalCondition(step.Conditional.Condition, scope)
	if err != nil {
		return nil, err
	}

	branch := step.Conditional.Then
	if !pass {
		branch = step.Conditional.Else
	}

	// An absent matching branch is a no-op, not an error.
	return e.runBlock(ctx, x, branch, scope, site)
}

func (e *Engine) runSwitch(ctx context.Context, x *execution, step *flow.Step, scope *expr.Scope, site callSite) (*exitSignal, error) {
	discriminant, err := expr.Resolve(step.Switch.Discriminant, scope)
	if err != nil {
		return nil, err
	}

	// Cases are tried strictly in declaration order; the first match wins.
	for _, switchCase := range step.Switch.Cases {
		if caseMatches(switchCase.When, discriminant) {
			return e.runBlock(ctx, x, switchCase.Do, scope, site)
		}
	}

	return e.runBlock(ctx, x, step.Switch.Default, scope, site)
}

func caseMatches(when, discriminant any) bool {
	if list, ok := when.([]any); ok {
		for _, candidate := range list {
			if expr.Equal(candidate, discriminant) {
				return true
			}
		}

		return false
	}

	return expr.Equal(when, discriminant)
}

func (e *Engine) runLoop(ctx context.Context, x *execution, step *flow.Step, scope *expr.Scope, site callSite) (*exitSignal, error) {
	spec := step.Loop

	collection, err := expr.Resolve(spec.Collection, scope)
	if err != nil {
		return nil, err
	}

	items, ok := collection.([]any)
	if !ok {
		return nil, &expr.TypeMismatchError{
			Op:      "for_each",
			Operand: collection,
			Message: spec.Collection + " did not yield a sequence",
		}
	}

	accumulated := make(map[string][]any, len(step.Outputs))

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		iterScope := scope.Child()
		iterScope.Set(spec.As, item)
		iterScope.Set(spec.IndexAs, float64(i))

		sig, err := e.runSteps(ctx, x, spec.Body, iterScope, site)
		if err != nil {
			// Abort remaining iterations; the loop's own on_error (if any)
			// is consulted by runStep.
			return nil, err
		}

		if sig != nil {
			return sig, nil
		}

		bindings := iterScope.Bindings()

		for _, name := range step.Outputs {
			value, ok := bindings[name]
			if !ok {
				return nil, fmt.Errorf("iteration %d: declared output %q: %w",
					i, name, &expr.UndefinedReferenceError{Path: name})
			}

			accumulated[name] = append(accumulated[name], value)
		}
	}

	published := make(map[string]any, len(step.Outputs))

	for _, name := range step.Outputs {
		values := accumulated[name]
		if values == nil {
			values = []any{}
		}

		published[name] = values
	}

	return nil, publishOutputs(scope, step.ID, step.Outputs, published)
}

func (e *Engine) runParallel(ctx context.Context, x *execution, step *flow.Step, scope *expr.Scope, site callSite) (*exitSignal, error) {
	branches := step.Parallel.Branches

	type branchResult struct {
		bindings map[string]any
		sig      *exitSignal
		err      error
	}

	results := make([]branchResult, len(branches))

	var wg sync.WaitGroup

	for i, branch := range branches {
		wg.Add(1)

		go func(i int, branch []*flow.Step) {
			defer wg.Done()

			// Each branch layers its own writes over the shared read-only
			// parent snapshot.
			child := scope.Child()

			sig, err := e.runSteps(ctx, x, branch, child, site)
			results[i] = branchResult{bindings: child.Bindings(), sig: sig, err: err}
		}(i, branch)
	}

	// On failure, already-running branches finish before the step reports.
	wg.Wait()

	for _, result := range results {
		if result.err != nil {
			return nil, result.err
		}
	}

	// Merge in branch declaration order under the execution's join lock.
	x.mu.Lock()
	for _, result := range results {
		mergeBindings(scope, result.bindings)
	}
	x.mu.Unlock()

	for _, result := range results {
		if result.sig != nil {
			return result.sig, nil
		}
	}

	return nil, nil
}

func (e *Engine) runSubflow(ctx context.Context, x *execution, step *flow.Step, scope *expr.Scope, site callSite) error {
	if e.subflows == nil {
		return ErrNoSubflowResolver
	}

	resolvedInputs, err := expr.ResolveMap(step.Inputs, scope)
	if err != nil {
		return err
	}

	doc, identity, err := e.subflows.Resolve(step.Subflow.Reference, site.dir)
	if err != nil {
		return err
	}

	inside, err := site.enter(identity, doc.Name)
	if err != nil {
		return err
	}

	seeded, err := seedInputs(doc, resolvedInputs)
	if err != nil {
		return err
	}

	// Strict encapsulation: the callee sees only its resolved inputs, never
	// the caller's step-output scope.
	subScope := expr.NewScope(map[string]any{
		"inputs": seeded,
		"steps":  map[string]any{},
	})

	sig, err := e.runSteps(ctx, x, doc.Steps, subScope, inside)
	if err != nil {
		return err
	}

	// An exit inside the callee terminates the callee, not the caller.
	var outputs map[string]any

	if sig != nil {
		outputs = sig.outputs
	} else {
		outputs, err = finalizeOutputs(doc, subScope)
		if err != nil {
			return err
		}
	}

	return publishOutputs(scope, step.ID, step.Outputs, outputs)
}

func (e *Engine) runExit(step *flow.Step, scope *expr.Scope) (*exitSignal, error) {
	outputs, err := expr.ResolveMap(step.Exit.Outputs, scope)
	if err != nil {
		return nil, err
	}

	return &exitSignal{outputs: outputs, reason: step.Exit.Reason}, nil
}

// runBlock executes a nested step list in a child scope and publishes its
// bindings to the parent once the block completes cleanly.
func (e *Engine) runBlock(ctx context.Context, x *execution, steps []*flow.Step, scope *expr.Scope, site callSite) (*exitSignal, error) {
	if len(steps) == 0 {
		return nil, nil
	}

	child := scope.Child()

	sig, err := e.runSteps(ctx, x, steps, child, site)
	if err != nil {
		return nil, err
	}

	if sig != nil {
		return sig, nil
	}

	mergeBindings(scope, child.Bindings())

	return nil, nil
}

// evalCondition evaluates a conditional's condition: a single expression
// string, or any/all/none groups of named boolean sub-expressions. Every
// declared group must pass. No condition at all means true.
func evalCondition(c flow.Condition, scope *expr.Scope) (bool, error) {
	if c.IsZero() {
		return true, nil
	}

	if c.Expr != "" {
		return resolveBool(c.Expr, scope)
	}

	if len(c.All) > 0 {
		for name, sub := range c.All {
			pass, err := resolveBool(sub, scope)
			if err != nil {
				return false, fmt.Errorf("all.%s: %w", name, err)
			}

			if !pass {
				return false, nil
			}
		}
	}

	if len(c.None) > 0 {
		for name, sub := range c.None {
			pass, err := resolveBool(sub, scope)
			if err != nil {
				return false, fmt.Errorf("none.%s: %w", name, err)
			}

			if pass {
				return false, nil
			}
		}
	}

	if len(c.Any) > 0 {
		matched := false

		for name, sub := range c.Any {
			pass, err := resolveBool(sub, scope)
			if err != nil {
				return false, fmt.Errorf("any.%s: %w", name, err)
			}

			if pass {
				matched = true

				break
			}
		}

		if !matched {
			return false, nil
		}
	}

	return true, nil
}

func resolveBool(binding string, scope *expr.Scope) (bool, error) {
	value, err := expr.Resolve(binding, scope)
	if err != nil {
		return false, err
	}

	b, ok := value.(bool)
	if !ok {
		return false, &expr.TypeMismatchError{
			Op:      "condition",
			Operand: value,
			Message: binding + " did not yield a boolean",
		}
	}

	return b, nil
}

package engine

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/stepflow-io/stepflow/pkg/events"
	"github.com/stepflow-io/stepflow/pkg/expr"
)

// execution is the mutable per-invocation state threaded explicitly through
// the recursive walk: the event log and the merge lock for parallel joins.
// Variable scopes and the subflow call chain travel separately as arguments
// so parallel branches can hold isolated layers over a shared snapshot.
type execution struct {
	id       string
	flowName string
	emitter  *events.Emitter
	listener func(events.Event)

	// mu serializes scope merges at parallel join points.
	mu sync.Mutex
}

type chainFrame struct {
	identity string
	name     string
}

// callSite locates a running step list: the directory subflow references
// resolve against and the chain of subflow identities entered to reach it,
// outermost first. It is passed by value and enter copies the chain, so
// parallel branches calling into subflows never observe each other's frames.
type callSite struct {
	dir   string
	chain []chainFrame
}

// enter returns the call site inside a subflow after checking its identity
// is not already on the chain. The error on a revisit names the whole cycle.
func (s callSite) enter(identity, name string) (callSite, error) {
	for _, frame := range s.chain {
		if frame.identity == identity {
			cycle := make([]string, 0, len(s.chain)+1)
			for _, f := range s.chain {
				cycle = append(cycle, f.name)
			}

			return callSite{}, &CircularDependencyError{Chain: append(cycle, name)}
		}
	}

	chain := make([]chainFrame, len(s.chain), len(s.chain)+1)
	copy(chain, s.chain)

	return callSite{
		dir:   filepath.Dir(identity),
		chain: append(chain, chainFrame{identity: identity, name: name}),
	}, nil
}

func newExecution(flowName string, emitter *events.Emitter, listener func(events.Event)) *execution {
	return &execution{
		id:       "exec-" + uuid.New().String()[:8],
		flowName: flowName,
		emitter:  emitter,
		listener: listener,
	}
}

func (x *execution) emit(event events.Event) {
	event.ExecutionID = x.id
	event.FlowName = x.flowName

	stamped := x.emitter.Emit(event)

	if x.listener != nil {
		x.listener(stamped)
	}
}

// publishOutputs binds a step's produced outputs in the scope: each declared
// name directly, plus the full output map under steps.<id>. The steps map is
// copied rather than mutated so outer layers never observe writes from
// branches that have not joined yet.
func publishOutputs(scope *expr.Scope, stepID string, declared []string, outputs map[string]any) error {
	for _, name := range declared {
		value, ok := outputs[name]
		if !ok {
			return fmt.Errorf("declared output %q: %w",
				name, &expr.UndefinedReferenceError{Path: "outputs." + name})
		}

		scope.Set(name, value)
	}

	setStepResult(scope, stepID, outputs)

	return nil
}

func setStepResult(scope *expr.Scope, stepID string, outputs map[string]any) {
	steps := make(map[string]any)

	if existing, ok := scope.Lookup("steps"); ok {
		if m, ok := existing.(map[string]any); ok {
			for k, v := range m {
				steps[k] = v
			}
		}
	}

	steps[stepID] = outputs
	scope.Set("steps", steps)
}

// mergeBindings publishes a completed child layer into the parent scope.
// The steps entry merges map-wise; everything else overwrites.
func mergeBindings(parent *expr.Scope, bindings map[string]any) {
	for name, value := range bindings {
		if name != "steps" {
			parent.Set(name, value)

			continue
		}

		childSteps, ok := value.(map[string]any)
		if !ok {
			parent.Set(name, value)

			continue
		}

		merged := make(map[string]any)

		if existing, ok := parent.Lookup("steps"); ok {
			if m, ok := existing.(map[string]any); ok {
				for k, v := range m {
					merged[k] = v
				}
			}
		}

		for k, v := range childSteps {
			merged[k] = v
		}

		parent.Set("steps", merged)
	}
}

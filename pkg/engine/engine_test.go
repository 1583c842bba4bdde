package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/pkg/events"
	"github.com/stepflow-io/stepflow/pkg/expr"
	"github.com/stepflow-io/stepflow/pkg/flow"
	"github.com/stepflow-io/stepflow/pkg/loader"
	"github.com/stepflow-io/stepflow/pkg/registry"
)

// recordingInvoker wraps a registry and records every task call so tests
// can assert on call order across branches and iterations.
type recordingInvoker struct {
	registry *registry.Registry

	mu    sync.Mutex
	calls []string
}

func newRecordingInvoker() *recordingInvoker {
	return &recordingInvoker{registry: registry.NewRegistry(nil)}
}

func (r *recordingInvoker) Invoke(ctx context.Context, name string, inputs map[string]any, connection string) (map[string]any, error) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()

	return r.registry.Invoke(ctx, name, inputs, connection)
}

func (r *recordingInvoker) callCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0

	for _, call := range r.calls {
		if call == name {
			count++
		}
	}

	return count
}

func mustParse(t *testing.T, doc string) *flow.Flow {
	t.Helper()

	f, err := flow.Parse([]byte(doc))
	require.NoError(t, err)

	return f
}

func eventTypes(evts []events.Event) []events.Type {
	types := make([]events.Type, 0, len(evts))
	for _, e := range evts {
		types = append(types, e.Type)
	}

	return types
}

func TestExecuteHappyPath(t *testing.T) {
	inv := newRecordingInvoker()
	inv.registry.RegisterFunc("greet", func(_ context.Context, inputs map[string]any, _ registry.Connection) (map[string]any, error) {
		return map[string]any{"greeting": inputs["message"]}, nil
	})

	doc := mustParse(t, `
name: hello
inputs:
  - name: name
    type: string
    required: true
steps:
  - id: greet
    task:
      name: greet
    inputs:
      message: "Hello ${inputs.name}"
    outputs: [greeting]
outputs:
  - name: greeting
    value: "${greeting}"
`)

	result, err := New(inv).Execute(context.Background(), doc, map[string]any{"name": "Alice"})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "Hello Alice", result.Outputs["greeting"])
	assert.NotEmpty(t, result.ExecutionID)

	require.Equal(t, []events.Type{
		events.FlowStarted,
		events.StepStarted,
		events.StepCompleted,
		events.FlowCompleted,
	}, eventTypes(result.Events))

	for i, event := range result.Events {
		assert.Equal(t, uint64(i+1), event.Sequence)
		assert.Equal(t, result.ExecutionID, event.ExecutionID)
	}

	assert.Equal(t, "greet", result.Events[1].StepID)
}

func TestExecuteRequiredInputMissing(t *testing.T) {
	doc := mustParse(t, `
name: hello
inputs:
  - name: name
    required: true
steps:
  - id: noop
    task:
      name: noop
`)

	result, err := New(newRecordingInvoker()).Execute(context.Background(), doc, nil)
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrRequiredInputMissing)
	assert.False(t, result.Success)
	// Validation failures must not leave a partial execution log behind.
	assert.Empty(t, result.Events)
}

func TestExecuteInputDefaultsAndTypes(t *testing.T) {
	inv := newRecordingInvoker()
	inv.registry.RegisterFunc("echo", func(_ context.Context, inputs map[string]any, _ registry.Connection) (map[string]any, error) {
		return map[string]any{"value": inputs["value"]}, nil
	})

	doc := mustParse(t, `
name: defaults
inputs:
  - name: limit
    type: number
    default: 10
steps:
  - id: echo
    task:
      name: echo
    inputs:
      value: "${inputs.limit}"
    outputs: [value]
outputs:
  - name: value
    value: "${value}"
`)

	result, err := New(inv).Execute(context.Background(), doc, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 10, result.Outputs["value"])

	_, err = New(inv).Execute(context.Background(), doc, map[string]any{"limit": "ten"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInputType)
}

func TestConditionalBranches(t *testing.T) {
	inv := newRecordingInvoker()
	inv.registry.RegisterFunc("mark", func(_ context.Context, inputs map[string]any, _ registry.Connection) (map[string]any, error) {
		return map[string]any{"path": inputs["path"]}, nil
	})

	doc := mustParse(t, `
name: branching
inputs:
  - name: n
    type: number
    required: true
steps:
  - id: decide
    conditional:
      condition: "${inputs.n > 3}"
      then:
        - id: big
          task:
            name: mark
          inputs:
            path: high
          outputs: [path]
      else:
        - id: small
          task:
            name: mark
          inputs:
            path: low
          outputs: [path]
outputs:
  - name: path
    value: "${path}"
`)

	engine := New(inv)

	result, err := engine.Execute(context.Background(), doc, map[string]any{"n": 5})
	require.NoError(t, err)
	assert.Equal(t, "high", result.Outputs["path"])

	result, err = engine.Execute(context.Background(), doc, map[string]any{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, "low", result.Outputs["path"])
}

func TestConditionalAbsentBranchIsNoop(t *testing.T) {
	inv := newRecordingInvoker()
	inv.registry.RegisterFunc("mark", func(_ context.Context, _ map[string]any, _ registry.Connection) (map[string]any, error) {
		return map[string]any{}, nil
	})

	doc := mustParse(t, `
name: lopsided
inputs:
  - name: on
    type: boolean
    required: true
steps:
  - id: maybe
    conditional:
      condition: "${inputs.on}"
      then:
        - id: mark
          task:
            name: mark
`)

	result, err := New(inv).Execute(context.Background(), doc, map[string]any{"on": false})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Zero(t, inv.callCount("mark"))
}

func TestStructuredCondition(t *testing.T) {
	inv := newRecordingInvoker()
	inv.registry.RegisterFunc("mark", func(_ context.Context, _ map[string]any, _ registry.Connection) (map[string]any, error) {
		return map[string]any{"hit": true}, nil
	})

	doc := mustParse(t, `
name: guarded
inputs:
  - name: n
    type: number
    required: true
  - name: banned
    type: boolean
    default: false
steps:
  - id: gate
    conditional:
      condition:
        all:
          positive: "${inputs.n > 0}"
          small: "${inputs.n < 100}"
        none:
          blocked: "${inputs.banned}"
      then:
        - id: mark
          task:
            name: mark
`)

	engine := New(inv)

	_, err := engine.Execute(context.Background(), doc, map[string]any{"n": 5})
	require.NoError(t, err)
	assert.Equal(t, 1, inv.callCount("mark"))

	_, err = engine.Execute(context.Background(), doc, map[string]any{"n": 5, "banned": true})
	require.NoError(t, err)
	assert.Equal(t, 1, inv.callCount("mark"), "none group must veto the branch")

	_, err = engine.Execute(context.Background(), doc, map[string]any{"n": -1})
	require.NoError(t, err)
	assert.Equal(t, 1, inv.callCount("mark"), "failed all group must veto the branch")
}

func TestSwitchFirstMatchWins(t *testing.T) {
	inv := newRecordingInvoker()
	inv.registry.RegisterFunc("mark", func(_ context.Context, inputs map[string]any, _ registry.Connection) (map[string]any, error) {
		return map[string]any{"route": inputs["route"]}, nil
	})

	doc := mustParse(t, `
name: routing
inputs:
  - name: kind
    required: true
steps:
  - id: route
    switch:
      discriminant: "${inputs.kind}"
      cases:
        - when: primary
          do:
            - id: first
              task:
                name: mark
              inputs:
                route: first
              outputs: [route]
        - when: [primary, secondary]
          do:
            - id: second
              task:
                name: mark
              inputs:
                route: second
              outputs: [route]
      default:
        - id: fallback
          task:
            name: mark
          inputs:
            route: fallback
          outputs: [route]
outputs:
  - name: route
    value: "${route}"
`)

	engine := New(inv)

	result, err := engine.Execute(context.Background(), doc, map[string]any{"kind": "primary"})
	require.NoError(t, err)
	assert.Equal(t, "first", result.Outputs["route"], "declaration order decides between overlapping cases")

	result, err = engine.Execute(context.Background(), doc, map[string]any{"kind": "secondary"})
	require.NoError(t, err)
	assert.Equal(t, "second", result.Outputs["route"])

	result, err = engine.Execute(context.Background(), doc, map[string]any{"kind": "other"})
	require.NoError(t, err)
	assert.Equal(t, "fallback", result.Outputs["route"])
}

func TestLoopAccumulatesInOrder(t *testing.T) {
	inv := newRecordingInvoker()
	inv.registry.RegisterFunc("tag", func(_ context.Context, inputs map[string]any, _ registry.Connection) (map[string]any, error) {
		return map[string]any{
			"tagged": fmt.Sprintf("%v@%v", inputs["value"], inputs["position"]),
		}, nil
	})

	doc := mustParse(t, `
name: looping
inputs:
  - name: items
    type: array
    required: true
steps:
  - id: walk
    loop:
      collection: "${inputs.items}"
      as: item
      index_as: i
      body:
        - id: tag
          task:
            name: tag
          inputs:
            value: "${item}"
            position: "${i}"
          outputs: [tagged]
    outputs: [tagged]
outputs:
  - name: tags
    value: "${tagged}"
`)

	result, err := New(inv).Execute(context.Background(), doc, map[string]any{
		"items": []any{"a", "b", "c"},
	})
	require.NoError(t, err)

	assert.Equal(t, []any{"a@0", "b@1", "c@2"}, result.Outputs["tags"])
}

func TestLoopAbortsOnIterationFailure(t *testing.T) {
	inv := newRecordingInvoker()
	inv.registry.RegisterFunc("tag", func(_ context.Context, inputs map[string]any, _ registry.Connection) (map[string]any, error) {
		if inputs["value"] == "b" {
			return nil, errors.New("bad item")
		}

		return map[string]any{"tagged": inputs["value"]}, nil
	})

	doc := mustParse(t, `
name: looping
inputs:
  - name: items
    type: array
    required: true
steps:
  - id: walk
    loop:
      collection: "${inputs.items}"
      body:
        - id: tag
          task:
            name: tag
          inputs:
            value: "${item}"
          outputs: [tagged]
`)

	_, err := New(inv).Execute(context.Background(), doc, map[string]any{
		"items": []any{"a", "b", "c"},
	})
	require.Error(t, err)

	assert.Equal(t, "tag", failingStepID(err))
	assert.Equal(t, 2, inv.callCount("tag"), "remaining iterations must not run")
}

func TestParallelMergesBranchOutputs(t *testing.T) {
	inv := newRecordingInvoker()
	inv.registry.RegisterFunc("produce", func(_ context.Context, inputs map[string]any, _ registry.Connection) (map[string]any, error) {
		return map[string]any{inputs["key"].(string): inputs["value"]}, nil
	})
	inv.registry.RegisterFunc("join", func(_ context.Context, inputs map[string]any, _ registry.Connection) (map[string]any, error) {
		return map[string]any{"joined": fmt.Sprintf("%v+%v", inputs["left"], inputs["right"])}, nil
	})

	doc := mustParse(t, `
name: fanout
steps:
  - id: fan
    parallel:
      branches:
        - - id: one
            task:
              name: produce
            inputs:
              key: left
              value: L
            outputs: [left]
        - - id: two
            task:
              name: produce
            inputs:
              key: right
              value: R
            outputs: [right]
  - id: combine
    task:
      name: join
    inputs:
      left: "${left}"
      right: "${right}"
    outputs: [joined]
outputs:
  - name: joined
    value: "${joined}"
  - name: firstBranch
    value: "${steps.one.left}"
`)

	result, err := New(inv).Execute(context.Background(), doc, nil)
	require.NoError(t, err)

	assert.Equal(t, "L+R", result.Outputs["joined"])
	assert.Equal(t, "L", result.Outputs["firstBranch"], "branch step results must survive the join")
}

func TestParallelFirstBranchErrorWins(t *testing.T) {
	inv := newRecordingInvoker()
	inv.registry.RegisterFunc("failA", func(_ context.Context, _ map[string]any, _ registry.Connection) (map[string]any, error) {
		return nil, errors.New("a broke")
	})
	inv.registry.RegisterFunc("failB", func(_ context.Context, _ map[string]any, _ registry.Connection) (map[string]any, error) {
		time.Sleep(5 * time.Millisecond)

		return nil, errors.New("b broke")
	})

	doc := mustParse(t, `
name: fanout
steps:
  - id: fan
    parallel:
      branches:
        - - id: a
            task:
              name: failA
        - - id: b
            task:
              name: failB
`)

	_, err := New(inv).Execute(context.Background(), doc, nil)
	require.Error(t, err)

	assert.Equal(t, "a", failingStepID(err), "earliest branch by declaration order reports the failure")
	assert.Equal(t, 1, inv.callCount("failB"), "sibling branches run to completion before the step reports")
}

func writeFlowFile(t *testing.T, dir, name, doc string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	return path
}

func TestSubflowIsolationAndOutputs(t *testing.T) {
	dir := t.TempDir()

	writeFlowFile(t, dir, "shout.yaml", `
name: shout
inputs:
  - name: text
    type: string
    required: true
steps:
  - id: up
    task:
      name: upper
    inputs:
      value: "${inputs.text}"
    outputs: [up]
outputs:
  - name: loud
    value: "${up}"
`)

	inv := newRecordingInvoker()
	inv.registry.RegisterFunc("upper", func(_ context.Context, inputs map[string]any, _ registry.Connection) (map[string]any, error) {
		return map[string]any{"up": strings.ToUpper(inputs["value"].(string))}, nil
	})

	doc := mustParse(t, `
name: caller
inputs:
  - name: text
    type: string
    required: true
steps:
  - id: secret
    task:
      name: upper
    inputs:
      value: hidden
    outputs: [up]
  - id: call
    subflow:
      reference: shout
    inputs:
      text: "${inputs.text}"
    outputs: [loud]
outputs:
  - name: result
    value: "${loud}"
  - name: viaSteps
    value: "${steps.call.loud}"
`)

	engine := New(inv,
		WithSubflowResolver(loader.NewFileLoader(nil)),
		WithFlowDir(dir),
	)

	result, err := engine.Execute(context.Background(), doc, map[string]any{"text": "quiet"})
	require.NoError(t, err)

	assert.Equal(t, "QUIET", result.Outputs["result"])
	assert.Equal(t, "QUIET", result.Outputs["viaSteps"])
}

func TestSubflowCannotSeeCallerScope(t *testing.T) {
	dir := t.TempDir()

	// References a binding that only exists in the caller's scope.
	writeFlowFile(t, dir, "leaky.yaml", `
name: leaky
steps:
  - id: peek
    task:
      name: upper
    inputs:
      value: "${callerSecret}"
`)

	inv := newRecordingInvoker()
	inv.registry.RegisterFunc("upper", func(_ context.Context, inputs map[string]any, _ registry.Connection) (map[string]any, error) {
		return map[string]any{"up": inputs["value"]}, nil
	})
	inv.registry.RegisterFunc("produce", func(_ context.Context, _ map[string]any, _ registry.Connection) (map[string]any, error) {
		return map[string]any{"callerSecret": "s3cret"}, nil
	})

	doc := mustParse(t, `
name: caller
steps:
  - id: make
    task:
      name: produce
    outputs: [callerSecret]
  - id: call
    subflow:
      reference: leaky
`)

	engine := New(inv,
		WithSubflowResolver(loader.NewFileLoader(nil)),
		WithFlowDir(dir),
	)

	_, err := engine.Execute(context.Background(), doc, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, expr.ErrUndefinedReference)
}

func TestSubflowCircularDependency(t *testing.T) {
	dir := t.TempDir()

	writeFlowFile(t, dir, "ouroboros.yaml", `
name: ouroboros
steps:
  - id: again
    subflow:
      reference: ouroboros
`)

	engine := New(newRecordingInvoker(),
		WithSubflowResolver(loader.NewFileLoader(nil)),
		WithFlowDir(dir),
	)

	doc := mustParse(t, `
name: entry
steps:
  - id: start
    subflow:
      reference: ouroboros
`)

	_, err := engine.Execute(context.Background(), doc, nil)
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrCircularDependency)

	var circular *CircularDependencyError
	require.ErrorAs(t, err, &circular)
	assert.Equal(t, []string{"ouroboros", "ouroboros"}, circular.Chain)
}

func TestParallelBranchesShareSubflow(t *testing.T) {
	dir := t.TempDir()

	writeFlowFile(t, dir, "slow.yaml", `
name: slow
inputs:
  - name: label
    type: string
    required: true
steps:
  - id: work
    task:
      name: linger
    inputs:
      label: "${inputs.label}"
    outputs: [echo]
outputs:
  - name: echo
    value: "${echo}"
`)

	inv := newRecordingInvoker()
	inv.registry.RegisterFunc("linger", func(_ context.Context, inputs map[string]any, _ registry.Connection) (map[string]any, error) {
		// Long enough that both branches are inside the subflow at once.
		time.Sleep(50 * time.Millisecond)

		return map[string]any{"echo": inputs["label"]}, nil
	})

	// Two sibling branches entering the same (acyclic) subflow concurrently
	// each carry their own call chain, so neither sees the other's frame.
	doc := mustParse(t, `
name: fanout
steps:
  - id: par
    parallel:
      branches:
        - - id: a
            subflow:
              reference: slow
            inputs:
              label: left
        - - id: b
            subflow:
              reference: slow
            inputs:
              label: right
outputs:
  - name: left
    value: "${steps.a.echo}"
  - name: right
    value: "${steps.b.echo}"
`)

	engine := New(inv,
		WithSubflowResolver(loader.NewFileLoader(nil)),
		WithFlowDir(dir),
	)

	result, err := engine.Execute(context.Background(), doc, nil)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "left", result.Outputs["left"])
	assert.Equal(t, "right", result.Outputs["right"])
	assert.Equal(t, 2, inv.callCount("linger"))
}

func TestSubflowWithoutResolver(t *testing.T) {
	doc := mustParse(t, `
name: caller
steps:
  - id: call
    subflow:
      reference: anything
`)

	_, err := New(newRecordingInvoker()).Execute(context.Background(), doc, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoSubflowResolver)
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	inv := newRecordingInvoker()

	failures := 2
	inv.registry.RegisterFunc("flaky", func(_ context.Context, _ map[string]any, _ registry.Connection) (map[string]any, error) {
		if failures > 0 {
			failures--

			return nil, errors.New("transient")
		}

		return map[string]any{"ok": true}, nil
	})

	doc := mustParse(t, `
name: retrying
steps:
  - id: flaky
    task:
      name: flaky
    retry:
      max_attempts: 3
      delay_ms: 15
    outputs: [ok]
outputs:
  - name: ok
    value: "${ok}"
`)

	started := time.Now()

	result, err := New(inv).Execute(context.Background(), doc, nil)
	require.NoError(t, err)

	assert.Equal(t, true, result.Outputs["ok"])
	assert.Equal(t, 3, inv.callCount("flaky"))
	assert.GreaterOrEqual(t, time.Since(started), 30*time.Millisecond, "two retries at a constant 15ms delay")
}

func TestRetryExhaustionFails(t *testing.T) {
	inv := newRecordingInvoker()
	inv.registry.RegisterFunc("doomed", func(_ context.Context, _ map[string]any, _ registry.Connection) (map[string]any, error) {
		return nil, errors.New("still broken")
	})

	doc := mustParse(t, `
name: retrying
steps:
  - id: doomed
    task:
      name: doomed
    retry:
      max_attempts: 2
      delay_ms: 1
`)

	result, err := New(inv).Execute(context.Background(), doc, nil)
	require.Error(t, err)

	assert.Equal(t, 2, inv.callCount("doomed"))
	assert.Equal(t, "doomed", failingStepID(err))

	types := eventTypes(result.Events)
	assert.Equal(t, events.StepFailed, types[len(types)-2])
	assert.Equal(t, events.FlowFailed, types[len(types)-1])
}

func TestRetrySkipsPermanentErrors(t *testing.T) {
	inv := newRecordingInvoker()
	inv.registry.RegisterFunc("reject", func(_ context.Context, _ map[string]any, _ registry.Connection) (map[string]any, error) {
		return nil, registry.Permanent(errors.New("no such record"))
	})

	doc := mustParse(t, `
name: retrying
steps:
  - id: reject
    task:
      name: reject
    retry:
      max_attempts: 5
      delay_ms: 1
`)

	_, err := New(inv).Execute(context.Background(), doc, nil)
	require.Error(t, err)

	assert.Equal(t, 1, inv.callCount("reject"), "permanent errors must not be retried")
	assert.True(t, registry.IsPermanent(err))
}

func TestOnErrorHandlerRecovers(t *testing.T) {
	inv := newRecordingInvoker()
	inv.registry.RegisterFunc("boom", func(_ context.Context, _ map[string]any, _ registry.Connection) (map[string]any, error) {
		return nil, errors.New("boom happened")
	})
	inv.registry.RegisterFunc("note", func(_ context.Context, inputs map[string]any, _ registry.Connection) (map[string]any, error) {
		return map[string]any{"note": fmt.Sprintf("%v at %v", inputs["msg"], inputs["at"])}, nil
	})

	doc := mustParse(t, `
name: recovering
steps:
  - id: flaky
    task:
      name: boom
    on_error:
      - id: recover
        task:
          name: note
        inputs:
          msg: "${error.message}"
          at: "${error.step}"
        outputs: [note]
outputs:
  - name: note
    value: "${note}"
`)

	result, err := New(inv).Execute(context.Background(), doc, nil)
	require.NoError(t, err)

	assert.True(t, result.Success)

	note, ok := result.Outputs["note"].(string)
	require.True(t, ok)
	assert.Contains(t, note, "boom happened")
	assert.Contains(t, note, "at flaky")

	types := eventTypes(result.Events)
	assert.NotContains(t, types, events.StepFailed, "a recovered step completes normally")
}

func TestOnErrorHandlerFailurePropagatesOriginal(t *testing.T) {
	inv := newRecordingInvoker()
	inv.registry.RegisterFunc("boom", func(_ context.Context, _ map[string]any, _ registry.Connection) (map[string]any, error) {
		return nil, errors.New("primary failure")
	})
	inv.registry.RegisterFunc("alsoBoom", func(_ context.Context, _ map[string]any, _ registry.Connection) (map[string]any, error) {
		return nil, errors.New("handler failure")
	})

	doc := mustParse(t, `
name: doubly-broken
steps:
  - id: flaky
    task:
      name: boom
    on_error:
      - id: recover
        task:
          name: alsoBoom
`)

	_, err := New(inv).Execute(context.Background(), doc, nil)
	require.Error(t, err)

	assert.Contains(t, err.Error(), "handler failure")
	assert.Contains(t, err.Error(), "primary failure")
}

func TestExitUnwindsNestedBlocks(t *testing.T) {
	inv := newRecordingInvoker()
	inv.registry.RegisterFunc("after", func(_ context.Context, _ map[string]any, _ registry.Connection) (map[string]any, error) {
		return map[string]any{}, nil
	})

	doc := mustParse(t, `
name: search
inputs:
  - name: items
    type: array
    required: true
  - name: target
    required: true
steps:
  - id: fan
    parallel:
      branches:
        - - id: scan
            loop:
              collection: "${inputs.items}"
              as: item
              body:
                - id: check
                  conditional:
                    condition: "${item == inputs.target}"
                    then:
                      - id: found
                        exit:
                          outputs:
                            match: "${item}"
                          reason: found
  - id: after
    task:
      name: after
outputs:
  - name: match
    value: none
`)

	result, err := New(inv).Execute(context.Background(), doc, map[string]any{
		"items":  []any{"x", "y", "z"},
		"target": "y",
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, map[string]any{"match": "y"}, result.Outputs, "exit outputs replace the declared flow outputs")
	assert.Zero(t, inv.callCount("after"), "steps after the exit must not run")

	last := result.Events[len(result.Events)-1]
	assert.Equal(t, events.FlowCompleted, last.Type)
	assert.Equal(t, "found", last.Reason)
}

func TestExitIsAbsorbedAtSubflowBoundary(t *testing.T) {
	dir := t.TempDir()

	writeFlowFile(t, dir, "bail.yaml", `
name: bail
steps:
  - id: leave
    exit:
      outputs:
        verdict: early
      reason: shortcut
`)

	inv := newRecordingInvoker()
	inv.registry.RegisterFunc("after", func(_ context.Context, _ map[string]any, _ registry.Connection) (map[string]any, error) {
		return map[string]any{"ran": true}, nil
	})

	doc := mustParse(t, `
name: caller
steps:
  - id: call
    subflow:
      reference: bail
    outputs: [verdict]
  - id: after
    task:
      name: after
    outputs: [ran]
outputs:
  - name: verdict
    value: "${verdict}"
  - name: ran
    value: "${ran}"
`)

	engine := New(inv,
		WithSubflowResolver(loader.NewFileLoader(nil)),
		WithFlowDir(dir),
	)

	result, err := engine.Execute(context.Background(), doc, nil)
	require.NoError(t, err)

	assert.Equal(t, "early", result.Outputs["verdict"])
	assert.Equal(t, true, result.Outputs["ran"], "the caller continues past an exited subflow")
}

func TestCancellationRunsOnCancelHandlers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inv := newRecordingInvoker()
	inv.registry.RegisterFunc("halt", func(_ context.Context, _ map[string]any, _ registry.Connection) (map[string]any, error) {
		cancel()

		return nil, context.Canceled
	})
	inv.registry.RegisterFunc("cleanup", func(_ context.Context, _ map[string]any, _ registry.Connection) (map[string]any, error) {
		return map[string]any{}, nil
	})

	doc := mustParse(t, `
name: interruptible
steps:
  - id: halt
    task:
      name: halt
on_cancel:
  - id: cleanup
    task:
      name: cleanup
`)

	result, err := New(inv).Execute(ctx, doc, nil)
	require.Error(t, err)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, inv.callCount("cleanup"), "on_cancel handlers run on a detached context")

	last := result.Events[len(result.Events)-1]
	assert.Equal(t, events.FlowFailed, last.Type)
}

func TestListenerObservesStampedEvents(t *testing.T) {
	inv := newRecordingInvoker()
	inv.registry.RegisterFunc("noop", func(_ context.Context, _ map[string]any, _ registry.Connection) (map[string]any, error) {
		return map[string]any{}, nil
	})

	var (
		mu       sync.Mutex
		observed []events.Event
	)

	engine := New(inv, WithListener(func(e events.Event) {
		mu.Lock()
		observed = append(observed, e)
		mu.Unlock()
	}))

	doc := mustParse(t, `
name: observed
steps:
  - id: noop
    task:
      name: noop
`)

	result, err := engine.Execute(context.Background(), doc, nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()

	require.Equal(t, result.Events, observed)
}

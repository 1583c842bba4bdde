package flow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrValidation indicates a malformed flow document. It is raised before any
// step executes and is fatal to the whole invocation.
var ErrValidation = errors.New("invalid flow document")

// ValidationError collects every structural problem found in one pass.
type ValidationError struct {
	Flow   string
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("flow %q is invalid: %s", e.Flow, strings.Join(e.Issues, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the document's structural invariants and normalizes it:
// missing step ids are generated, loop bindings get their default names and
// retry multipliers are clamped. It must be called once before execution;
// the engine refuses unvalidated documents only indirectly, by calling it.
func (f *Flow) Validate() error {
	var issues []string

	if err := structValidator.Struct(f); err != nil {
		issues = append(issues, err.Error())
	}

	issues = append(issues, validateInputs(f.Inputs)...)
	issues = append(issues, validateStepList(f.Steps, "steps")...)
	issues = append(issues, validateStepList(f.OnCancel, "on_cancel")...)

	if len(issues) > 0 {
		return &ValidationError{Flow: f.Name, Issues: issues}
	}

	return nil
}

func validateInputs(inputs []InputSpec) []string {
	var issues []string

	seen := make(map[string]bool, len(inputs))

	for _, in := range inputs {
		if seen[in.Name] {
			issues = append(issues, fmt.Sprintf("duplicate input %q", in.Name))
		}

		seen[in.Name] = true
	}

	return issues
}

// validateStepList checks one sibling scope: id uniqueness, depends_on
// referencing only earlier siblings, exactly-one-kind, and kind-specific
// requirements. It recurses into every nested step list.
func validateStepList(steps []*Step, path string) []string {
	var issues []string

	seen := make(map[string]bool, len(steps))

	for i, step := range steps {
		at := fmt.Sprintf("%s[%d]", path, i)

		kind := step.Kind()
		if kind == "" {
			issues = append(issues, at+": step must declare exactly one kind")

			continue
		}

		if step.ID == "" {
			step.ID = fmt.Sprintf("%s_%d", kind, i+1)
		}

		if seen[step.ID] {
			issues = append(issues, fmt.Sprintf("%s: duplicate step id %q", at, step.ID))
		}

		for _, dep := range step.DependsOn {
			if !seen[dep] {
				issues = append(issues, fmt.Sprintf("%s: depends_on %q does not reference an earlier sibling", at, dep))
			}
		}

		seen[step.ID] = true

		if step.Retry != nil {
			if step.Retry.MaxAttempts < 1 {
				issues = append(issues, at+": retry max_attempts must be >= 1")
			}

			if step.Retry.DelayMs < 0 {
				issues = append(issues, at+": retry delay_ms must be >= 0")
			}
		}

		issues = append(issues, validateKind(step, kind, at)...)
		issues = append(issues, validateStepList(step.OnError, at+".on_error")...)
	}

	return issues
}

func validateKind(step *Step, kind Kind, at string) []string {
	var issues []string

	switch kind {
	case KindTask:
		if step.Task.Name == "" {
			issues = append(issues, at+": task name is required")
		}

	case KindConditional:
		issues = append(issues, validateStepList(step.Conditional.Then, at+".then")...)
		issues = append(issues, validateStepList(step.Conditional.Else, at+".else")...)

	case KindSwitch:
		if step.Switch.Discriminant == "" {
			issues = append(issues, at+": switch discriminant is required")
		}

		for c, switchCase := range step.Switch.Cases {
			issues = append(issues, validateStepList(switchCase.Do, fmt.Sprintf("%s.cases[%d]", at, c))...)
		}

		issues = append(issues, validateStepList(step.Switch.Default, at+".default")...)

	case KindLoop:
		if step.Loop.Collection == "" {
			issues = append(issues, at+": loop collection is required")
		}

		if step.Loop.As == "" {
			step.Loop.As = "item"
		}

		if step.Loop.IndexAs == "" {
			step.Loop.IndexAs = "index"
		}

		issues = append(issues, validateStepList(step.Loop.Body, at+".body")...)

	case KindParallel:
		issues = append(issues, validateParallel(step.Parallel, at)...)

	case KindSubflow:
		if step.Subflow.Reference == "" {
			issues = append(issues, at+": subflow reference is required")
		}

	case KindExit:
		// nothing beyond the common fields
	}

	return issues
}

// validateParallel rejects output-name collisions across branches at load
// time. The same name may repeat within one branch.
func validateParallel(spec *ParallelSpec, at string) []string {
	var issues []string

	declaredBy := make(map[string]int)

	for b, branch := range spec.Branches {
		branchPath := fmt.Sprintf("%s.branches[%d]", at, b)

		issues = append(issues, validateStepList(branch, branchPath)...)

		for _, step := range branch {
			for _, name := range step.Outputs {
				if prev, dup := declaredBy[name]; dup && prev != b {
					issues = append(issues, fmt.Sprintf(
						"%s: output %q collides with branch %d", branchPath, name, prev))
				} else {
					declaredBy[name] = b
				}
			}
		}
	}

	return issues
}

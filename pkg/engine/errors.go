package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Standard engine error types. All of them surface through Result.Err and
// classify with errors.Is.
var (
	// ErrRequiredInputMissing is raised before any step runs when a required
	// input without a default was not supplied.
	ErrRequiredInputMissing = errors.New("required input missing")

	// ErrInputType is raised before any step runs when a supplied input does
	// not match its declared type.
	ErrInputType = errors.New("input type mismatch")

	// ErrCircularDependency indicates a flow that directly or transitively
	// calls itself. Never retried.
	ErrCircularDependency = errors.New("circular dependency")

	// ErrNoSubflowResolver indicates a subflow step in an engine configured
	// without a resolver.
	ErrNoSubflowResolver = errors.New("no subflow resolver configured")
)

// RequiredInputMissingError names the missing input.
type RequiredInputMissingError struct {
	Input string
}

func (e *RequiredInputMissingError) Error() string {
	return fmt.Sprintf("required input %q was not supplied", e.Input)
}

func (e *RequiredInputMissingError) Unwrap() error {
	return ErrRequiredInputMissing
}

// CircularDependencyError names the full call chain, ending with the
// identity that was about to be entered a second time.
type CircularDependencyError struct {
	Chain []string
}

func (e *CircularDependencyError) Error() string {
	return "circular subflow dependency: " + strings.Join(e.Chain, " -> ")
}

func (e *CircularDependencyError) Unwrap() error {
	return ErrCircularDependency
}

// StepError attributes a failure to the step that raised it. Nested step
// errors keep the innermost step id so the user-visible failure names the
// precise origin.
type StepError struct {
	StepID string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q: %v", e.StepID, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// failingStepID extracts the innermost step id from an error chain, or "".
func failingStepID(err error) string {
	var stepErr *StepError

	id := ""

	for errors.As(err, &stepErr) {
		id = stepErr.StepID
		err = stepErr.Err
	}

	return id
}

// wrapStep attributes err to a step unless an inner step already claimed it.
func wrapStep(stepID string, err error) error {
	if err == nil {
		return nil
	}

	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return err
	}

	return &StepError{StepID: stepID, Err: err}
}

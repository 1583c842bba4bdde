package flow

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Kind identifies which of the seven step variants a Step carries.
type Kind string

const (
	KindTask        Kind = "task"
	KindConditional Kind = "conditional"
	KindSwitch      Kind = "switch"
	KindLoop        Kind = "loop"
	KindParallel    Kind = "parallel"
	KindSubflow     Kind = "subflow"
	KindExit        Kind = "exit"
)

// Step is one node in the flow's step tree. Exactly one kind-specific field
// is set per step; Validate rejects anything else. Ids are unique within
// their immediate parent list and auto-generated when absent.
type Step struct {
	ID        string         `yaml:"id"         json:"id,omitempty"`
	Inputs    map[string]any `yaml:"inputs"     json:"inputs,omitempty"`
	Outputs   []string       `yaml:"outputs"    json:"outputs,omitempty"`
	DependsOn []string       `yaml:"depends_on" json:"depends_on,omitempty"`
	Retry     *RetryPolicy   `yaml:"retry"      json:"retry,omitempty"`
	OnError   []*Step        `yaml:"on_error"   json:"on_error,omitempty"`

	Task        *TaskSpec        `yaml:"task"        json:"task,omitempty"`
	Conditional *ConditionalSpec `yaml:"conditional" json:"conditional,omitempty"`
	Switch      *SwitchSpec      `yaml:"switch"      json:"switch,omitempty"`
	Loop        *LoopSpec        `yaml:"loop"        json:"loop,omitempty"`
	Parallel    *ParallelSpec    `yaml:"parallel"    json:"parallel,omitempty"`
	Subflow     *SubflowSpec     `yaml:"subflow"     json:"subflow,omitempty"`
	Exit        *ExitSpec        `yaml:"exit"        json:"exit,omitempty"`
}

// Kind returns the step's variant, or "" when none or several are set.
func (s *Step) Kind() Kind {
	var (
		kind  Kind
		count int
	)

	if s.Task != nil {
		kind, count = KindTask, count+1
	}

	if s.Conditional != nil {
		kind, count = KindConditional, count+1
	}

	if s.Switch != nil {
		kind, count = KindSwitch, count+1
	}

	if s.Loop != nil {
		kind, count = KindLoop, count+1
	}

	if s.Parallel != nil {
		kind, count = KindParallel, count+1
	}

	if s.Subflow != nil {
		kind, count = KindSubflow, count+1
	}

	if s.Exit != nil {
		kind, count = KindExit, count+1
	}

	if count != 1 {
		return ""
	}

	return kind
}

// TaskSpec invokes a named task from the registry. Connection names a
// pre-configured handle resolved by the registry at invocation time.
type TaskSpec struct {
	Name       string `yaml:"name"       json:"name" validate:"required"`
	Connection string `yaml:"connection" json:"connection,omitempty"`
}

// ConditionalSpec runs exactly one of Then/Else based on Condition.
// An absent matching branch is a no-op.
type ConditionalSpec struct {
	Condition Condition `yaml:"condition" json:"condition"`
	Then      []*Step   `yaml:"then"      json:"then,omitempty"`
	Else      []*Step   `yaml:"else"      json:"else,omitempty"`
}

// SwitchSpec compares a discriminant against cases in declaration order;
// the first match wins.
type SwitchSpec struct {
	Discriminant string       `yaml:"discriminant" json:"discriminant" validate:"required"`
	Cases        []SwitchCase `yaml:"cases"        json:"cases"`
	Default      []*Step      `yaml:"default"      json:"default,omitempty"`
}

// SwitchCase matches when the discriminant equals When, or any member of
// When if it is a list of literals.
type SwitchCase struct {
	When any     `yaml:"when" json:"when"`
	Do   []*Step `yaml:"do"   json:"do,omitempty"`
}

// LoopSpec iterates Body once per element of the resolved collection,
// strictly in sequence order. As binds the current item in the iteration
// scope; IndexAs binds the zero-based position.
type LoopSpec struct {
	Collection string  `yaml:"collection" json:"collection" validate:"required"`
	As         string  `yaml:"as"         json:"as,omitempty"`
	IndexAs    string  `yaml:"index_as"   json:"index_as,omitempty"`
	Body       []*Step `yaml:"body"       json:"body"`
}

// ParallelSpec launches each branch as a concurrent unit of work.
type ParallelSpec struct {
	Branches [][]*Step `yaml:"branches" json:"branches"`
}

// SubflowSpec calls another flow document by reference. The step's Inputs
// map is resolved against the caller's scope and becomes the callee's only
// visible data.
type SubflowSpec struct {
	Reference string `yaml:"reference" json:"reference" validate:"required"`
}

// ExitSpec halts the enclosing flow invocation, setting its final outputs
// from the Outputs bindings.
type ExitSpec struct {
	Outputs map[string]any `yaml:"outputs" json:"outputs,omitempty"`
	Reason  string         `yaml:"reason"  json:"reason,omitempty"`
}

// Condition is either a single expression string or a structured group of
// named boolean sub-expressions. When several groups are present, every
// group must pass.
type Condition struct {
	Expr string            `json:"expr,omitempty"`
	Any  map[string]string `json:"any,omitempty"`
	All  map[string]string `json:"all,omitempty"`
	None map[string]string `json:"none,omitempty"`
}

// IsZero reports whether no condition was declared at all.
func (c *Condition) IsZero() bool {
	return c.Expr == "" && len(c.Any) == 0 && len(c.All) == 0 && len(c.None) == 0
}

// UnmarshalYAML accepts either a scalar expression string or a mapping with
// any/all/none groups.
func (c *Condition) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		return value.Decode(&c.Expr)

	case yaml.MappingNode:
		var aux struct {
			Any  map[string]string `yaml:"any"`
			All  map[string]string `yaml:"all"`
			None map[string]string `yaml:"none"`
		}

		if err := value.Decode(&aux); err != nil {
			return err
		}

		c.Any, c.All, c.None = aux.Any, aux.All, aux.None

		return nil

	default:
		return fmt.Errorf("condition must be a string or an any/all/none mapping, got yaml kind %d", value.Kind)
	}
}

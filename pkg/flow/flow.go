// Package flow defines the in-memory representation of a parsed flow document.
package flow

import "time"

// ValueType enumerates the declarable types for flow inputs.
type ValueType string

const (
	TypeString  ValueType = "string"
	TypeNumber  ValueType = "number"
	TypeBoolean ValueType = "boolean"
	TypeObject  ValueType = "object"
	TypeArray   ValueType = "array"
	TypeAny     ValueType = "any"
)

// Flow is the parsed, immutable representation of a declared workflow.
// Ownership stays with whoever loaded it; the engine never mutates a Flow
// after Validate has normalized it.
type Flow struct {
	Name        string                    `yaml:"name"        json:"name"        validate:"required"`
	Description string                    `yaml:"description" json:"description,omitempty"`
	Inputs      []InputSpec               `yaml:"inputs"      json:"inputs,omitempty"`
	Outputs     []OutputSpec              `yaml:"outputs"     json:"outputs,omitempty"`
	Steps       []*Step                   `yaml:"steps"       json:"steps"`
	Connections map[string]ConnectionSpec `yaml:"connections" json:"connections,omitempty"`
	Triggers    []TriggerSpec             `yaml:"triggers"    json:"triggers,omitempty"`
	OnCancel    []*Step                   `yaml:"on_cancel"   json:"on_cancel,omitempty"`
}

// InputSpec declares one flow input. A required input without a default must
// be supplied by the caller or execution fails before any step runs.
type InputSpec struct {
	Name     string    `yaml:"name"     json:"name"     validate:"required"`
	Type     ValueType `yaml:"type"     json:"type,omitempty" validate:"omitempty,oneof=string number boolean object array any"`
	Required bool      `yaml:"required" json:"required,omitempty"`
	Default  any       `yaml:"default"  json:"default,omitempty"`
}

// OutputSpec declares one flow-level output. Value is a binding expression
// resolved against the final scope when the flow completes normally.
type OutputSpec struct {
	Name  string `yaml:"name"  json:"name" validate:"required"`
	Value any    `yaml:"value" json:"value"`
}

// ConnectionSpec names an externally managed resource handle. The engine
// passes the name through to the task registry; lookup and lifecycle belong
// to the connection layer.
type ConnectionSpec struct {
	Type   string         `yaml:"type"   json:"type" validate:"required"`
	Config map[string]any `yaml:"config" json:"config,omitempty"`
}

// TriggerSpec declares how a flow gets started by the outer runtime.
// Only schedule triggers carry engine-validated configuration.
type TriggerSpec struct {
	Type string `yaml:"type" json:"type" validate:"required"`
	Cron string `yaml:"cron" json:"cron,omitempty"`
}

// RetryPolicy controls retry-wrapping of task invocations. Backoff is the
// multiplier applied to the delay per subsequent attempt; 1.0 keeps the
// delay constant.
type RetryPolicy struct {
	MaxAttempts int     `yaml:"max_attempts" json:"max_attempts" validate:"min=1"`
	DelayMs     int     `yaml:"delay_ms"     json:"delay_ms"     validate:"min=0"`
	Backoff     float64 `yaml:"backoff"      json:"backoff,omitempty"`
}

// Delay returns the base wait between attempts.
func (p *RetryPolicy) Delay() time.Duration {
	return time.Duration(p.DelayMs) * time.Millisecond
}

// Multiplier returns the per-attempt backoff factor, defaulting to constant delay.
func (p *RetryPolicy) Multiplier() float64 {
	if p.Backoff <= 0 {
		return 1.0
	}

	return p.Backoff
}

// Input returns the input spec with the given name.
func (f *Flow) Input(name string) (InputSpec, bool) {
	for _, in := range f.Inputs {
		if in.Name == name {
			return in, true
		}
	}

	return InputSpec{}, false
}

// Package events defines the execution event stream consumed by streaming clients.
package events

import "time"

// Type identifies one of the canonical execution event kinds.
type Type string

const (
	FlowStarted   Type = "flow_started"
	StepStarted   Type = "step_started"
	StepCompleted Type = "step_completed"
	StepFailed    Type = "step_failed"
	FlowCompleted Type = "flow_completed"
	FlowFailed    Type = "flow_failed"
)

// Event is one record of the append-only execution log. Sequence is a
// single monotonic counter per execution, so consumers observe a total
// order even when parallel branches emit concurrently. Payload fields carry
// produced output names rather than full values to bound event size.
type Event struct {
	Sequence    uint64    `json:"sequence"`
	Type        Type      `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID string    `json:"execution_id"`
	FlowName    string    `json:"flow_name"`
	StepID      string    `json:"step_id,omitempty"`
	DurationMs  int64     `json:"duration_ms,omitempty"`
	Outputs     []string  `json:"outputs,omitempty"`
	Error       string    `json:"error,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

package workflow

import (
	"errors"
	"slices"
	"time"

	"automation-engine/internal/action"
)

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusRunning        Status = "RUNNING"
	StatusCompleted      Status = "COMPLETED"
	StatusPartialFailure Status = "PARTIAL_FAILURE"
	StatusFailed         Status = "FAILED"
	StatusSkipped        Status = "SKIPPED"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s != StatusRunning && s != ""
}

var errAlreadyFinished = errors.New("execution already finished")

// Execution is the record of one run of a rule. It is created RUNNING and
// moves to exactly one terminal status; after that it is never mutated.
type Execution struct {
	ID              string          `json:"id"`
	RuleID          string          `json:"ruleId"`
	RuleName        string          `json:"ruleName"`
	RuleVersion     int64           `json:"ruleVersion"`
	EventID         string          `json:"eventId,omitempty"`
	TriggerContext  map[string]any  `json:"triggerContext"`
	Status          Status          `json:"status"`
	Results         []action.Result `json:"results"`
	ExecutionTimeMs int64           `json:"executionTimeMs"`
	StartedAt       time.Time       `json:"startedAt"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
}

// Succeeded counts successful action results.
func (e *Execution) Succeeded() int {
	n := 0
	for _, r := range e.Results {
		if r.Success {
			n++
		}
	}
	return n
}

// Failed counts failed action results.
func (e *Execution) Failed() int {
	return len(e.Results) - e.Succeeded()
}

// finish moves a RUNNING execution to status. A second call fails.
func (e *Execution) finish(status Status, at time.Time) error {
	if e.Status.Terminal() {
		return errAlreadyFinished
	}
	e.Status = status
	e.CompletedAt = &at
	e.ExecutionTimeMs = at.Sub(e.StartedAt).Milliseconds()
	return nil
}

// Clone returns a deep copy of e.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	out.TriggerContext = deepCopyMap(e.TriggerContext)
	out.Results = slices.Clone(e.Results)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// aggregate derives the terminal status from the recorded results.
func aggregate(results []action.Result) Status {
	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	switch {
	case succeeded == len(results):
		return StatusCompleted
	case succeeded == 0:
		return StatusFailed
	default:
		return StatusPartialFailure
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = deepCopyValue(x)
		}
		return out
	case []string:
		return slices.Clone(t)
	default:
		return v
	}
}

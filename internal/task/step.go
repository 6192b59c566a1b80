package task

import (
	"encoding/json"
	"time"
)

// StepStatus represents the state of one step iteration.
type StepStatus string

const (
	StepCreated   StepStatus = "created"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepRetrying  StepStatus = "retrying"
	StepSkipped   StepStatus = "skipped"
)

// IsValidStepStatus returns true if s is a valid step status value.
func IsValidStepStatus(s StepStatus) bool {
	switch s {
	case StepCreated, StepRunning, StepCompleted, StepFailed, StepRetrying, StepSkipped:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the step status is terminal.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

// Step is one iteration of a task's loop: a scrape, a decision, and the
// actions it yielded. Steps of a task form a contiguous prefix order=1..N;
// retries reuse the order with an incremented retry index.
type Step struct {
	// ID is the unique identifier (e.g., step_a1b2c3).
	ID string `json:"step_id"`

	// TaskID is the owning task.
	TaskID string `json:"task_id"`

	// Order is the 1-based step number within the task.
	Order int `json:"order"`

	// RetryIndex is 0 for the first attempt at this order and strictly
	// increases on each retry.
	RetryIndex int `json:"retry_index"`

	// Status is the step state.
	Status StepStatus `json:"status"`

	// Input is the goal context given to the oracle for this step.
	Input json.RawMessage `json:"input,omitempty"`

	// Output records the executed actions and their results.
	Output json.RawMessage `json:"output,omitempty"`

	// GoalAchieved is set when a terminal action decided the task outcome.
	GoalAchieved *bool `json:"goal_achieved,omitempty"`

	// FailureReason carries the error code and message for failed steps.
	FailureReason string `json:"failure_reason,omitempty"`

	// StartedAt is set when the step begins executing.
	StartedAt *time.Time `json:"started_at,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// NewStep creates a step in status created.
func NewStep(id, taskID string, order, retryIndex int) *Step {
	now := time.Now().UTC()
	return &Step{
		ID:         id,
		TaskID:     taskID,
		Order:      order,
		RetryIndex: retryIndex,
		Status:     StepCreated,
		CreatedAt:  now,
		ModifiedAt: now,
	}
}

// Complete marks the step completed.
func (s *Step) Complete() {
	s.Status = StepCompleted
	s.ModifiedAt = time.Now().UTC()
}

// Fail marks the step failed with the given reason.
func (s *Step) Fail(reason string) {
	s.Status = StepFailed
	s.FailureReason = reason
	s.ModifiedAt = time.Now().UTC()
}

// MarkRetrying flags this attempt as superseded by a retry at the same
// order. Only one step per (task, order) may be non-retrying.
func (s *Step) MarkRetrying() {
	s.Status = StepRetrying
	s.ModifiedAt = time.Now().UTC()
}

// Package task provides task and step records for skyvern.
package task

import (
	"encoding/json"
	"time"

	"github.com/skyvernhq/skyvern-go/internal/errors"
)

// Status represents the current state of a task.
type Status string

const (
	StatusCreated    Status = "created"
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
	StatusTerminated Status = "terminated"
)

// ValidStatuses returns all valid task status values.
func ValidStatuses() []Status {
	return []Status{
		StatusCreated, StatusQueued, StatusRunning,
		StatusCompleted, StatusFailed, StatusCanceled, StatusTerminated,
	}
}

// IsValidStatus returns true if the status is a valid status value.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusCreated, StatusQueued, StatusRunning,
		StatusCompleted, StatusFailed, StatusCanceled, StatusTerminated:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is terminal. Once terminal, no
// further step may be created for the task.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusTerminated:
		return true
	default:
		return false
	}
}

// Task represents a single goal-directed browser automation.
type Task struct {
	// ID is the unique identifier (e.g., task_a1b2c3).
	ID string `json:"task_id" yaml:"id"`

	// OrganizationID is the owning tenant.
	OrganizationID string `json:"organization_id" yaml:"organization_id"`

	// WorkflowRunID links the task to a workflow run when it was launched
	// by a task block. Empty for standalone tasks.
	WorkflowRunID string `json:"workflow_run_id,omitempty" yaml:"workflow_run_id,omitempty"`

	// URL is the starting page.
	URL string `json:"url" yaml:"url"`

	// NavigationGoal describes what the task should accomplish on the page.
	NavigationGoal string `json:"navigation_goal" yaml:"navigation_goal"`

	// ExtractionGoal describes the data to extract, if any.
	ExtractionGoal string `json:"extraction_goal,omitempty" yaml:"extraction_goal,omitempty"`

	// ExtractionSchema is an optional JSON schema the extracted data must
	// conform to.
	ExtractionSchema json.RawMessage `json:"extraction_schema,omitempty" yaml:"-"`

	// Payload carries caller-supplied data made available to the oracle.
	Payload json.RawMessage `json:"payload,omitempty" yaml:"-"`

	// MaxSteps bounds the step loop.
	MaxSteps int `json:"max_steps" yaml:"max_steps"`

	// RetriesPerStep is how many times a failed step is retried before the
	// task fails.
	RetriesPerStep int `json:"retries_per_step" yaml:"retries_per_step"`

	// MaxDuration is the wall-clock budget for the whole task.
	MaxDuration time.Duration `json:"max_duration,omitempty" yaml:"max_duration,omitempty"`

	// ProxyLocation selects the egress proxy, if any.
	ProxyLocation string `json:"proxy_location,omitempty" yaml:"proxy_location,omitempty"`

	// WebhookURL receives the terminal-state notification.
	WebhookURL string `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty"`

	// TOTPURL is polled for one-time codes during login flows.
	TOTPURL string `json:"totp_url,omitempty" yaml:"totp_url,omitempty"`

	// Status is the current execution state.
	Status Status `json:"status" yaml:"status"`

	// ExtractedData holds the final extraction result for completed tasks.
	ExtractedData json.RawMessage `json:"extracted_data,omitempty" yaml:"-"`

	// FailureReason carries the error code and short message for failed,
	// canceled or terminated tasks.
	FailureReason string `json:"failure_reason,omitempty" yaml:"failure_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at" yaml:"created_at"`
	ModifiedAt  time.Time  `json:"modified_at" yaml:"modified_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// DefaultMaxSteps is applied when a submission omits max_steps.
const DefaultMaxSteps = 10

// DefaultMaxDuration is the task wall-clock budget when unset.
const DefaultMaxDuration = time.Hour

// New creates a task in status created with defaults applied.
func New(id, orgID, url, navigationGoal string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:             id,
		OrganizationID: orgID,
		URL:            url,
		NavigationGoal: navigationGoal,
		MaxSteps:       DefaultMaxSteps,
		MaxDuration:    DefaultMaxDuration,
		Status:         StatusCreated,
		CreatedAt:      now,
		ModifiedAt:     now,
	}
}

// Validate checks the task fields required for execution.
func (t *Task) Validate() error {
	if t.URL == "" {
		return errors.ErrValidation("url", "url is required")
	}
	if t.NavigationGoal == "" {
		return errors.ErrValidation("navigation_goal", "navigation goal is required")
	}
	if t.MaxSteps < 0 {
		return errors.ErrValidation("max_steps", "must be >= 0")
	}
	if t.RetriesPerStep < 0 {
		return errors.ErrValidation("retries_per_step", "must be >= 0")
	}
	return nil
}

// Transition moves the task to a new status. Transitions out of a terminal
// status are rejected; task status is monotone.
func (t *Task) Transition(to Status) error {
	if t.Status.IsTerminal() {
		return errors.ErrValidation("status",
			"task "+t.ID+" is already in terminal status "+string(t.Status))
	}
	t.Status = to
	now := time.Now().UTC()
	t.ModifiedAt = now
	if to.IsTerminal() {
		t.CompletedAt = &now
	}
	return nil
}

package task

import (
	"strings"

	"github.com/google/uuid"
)

// Entity identifier prefixes. Prefixes are a naming convention, not a
// contract; callers must treat ids as opaque strings.
const (
	PrefixTask        = "task_"
	PrefixStep        = "step_"
	PrefixWorkflow    = "wf_"
	PrefixWorkflowRun = "wfr_"
	PrefixBlock       = "wrb_"
	PrefixSession     = "pbs_"
	PrefixArtifact    = "art_"
	PrefixRequest     = "req_"
)

// NewID returns a fresh identifier with the given prefix over a dashless
// UUIDv4, e.g. task_9f1c2d....
func NewID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewTaskID returns a fresh task identifier.
func NewTaskID() string { return NewID(PrefixTask) }

// NewStepID returns a fresh step identifier.
func NewStepID() string { return NewID(PrefixStep) }

// NewWorkflowID returns a fresh workflow template identifier.
func NewWorkflowID() string { return NewID(PrefixWorkflow) }

// NewWorkflowRunID returns a fresh workflow run identifier.
func NewWorkflowRunID() string { return NewID(PrefixWorkflowRun) }

// NewBlockID returns a fresh workflow run block identifier.
func NewBlockID() string { return NewID(PrefixBlock) }

// NewSessionID returns a fresh browser session identifier.
func NewSessionID() string { return NewID(PrefixSession) }

// NewArtifactID returns a fresh artifact identifier.
func NewArtifactID() string { return NewID(PrefixArtifact) }

// NewRequestID returns a fresh request identifier for log correlation.
func NewRequestID() string { return NewID(PrefixRequest) }

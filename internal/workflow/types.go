// Package workflow provides workflow templates, their block graph and run
// records.
package workflow

import (
	"encoding/json"
	"time"
)

// BlockKind identifies a block variant. The set is closed.
type BlockKind string

const (
	BlockTask          BlockKind = "task"
	BlockTaskV2        BlockKind = "task_v2"
	BlockAction        BlockKind = "action"
	BlockNavigation    BlockKind = "navigation"
	BlockExtraction    BlockKind = "extraction"
	BlockLogin         BlockKind = "login"
	BlockForLoop       BlockKind = "for_loop"
	BlockValidation    BlockKind = "validation"
	BlockWait          BlockKind = "wait"
	BlockCode          BlockKind = "code"
	BlockTextPrompt    BlockKind = "text_prompt"
	BlockPDFParser     BlockKind = "pdf_parser"
	BlockFileURLParser BlockKind = "file_url_parser"
	BlockFileUpload    BlockKind = "file_upload"
	BlockFileDownload  BlockKind = "file_download"
	BlockBlobUpload    BlockKind = "blob_upload"
	BlockBlobDownload  BlockKind = "blob_download"
	BlockSendEmail     BlockKind = "send_email"
	BlockHTTPRequest   BlockKind = "http_request"
	BlockGotoURL       BlockKind = "goto_url"
)

// ValidBlockKinds returns all valid block kinds.
func ValidBlockKinds() []BlockKind {
	return []BlockKind{
		BlockTask, BlockTaskV2, BlockAction, BlockNavigation, BlockExtraction,
		BlockLogin, BlockForLoop, BlockValidation, BlockWait, BlockCode,
		BlockTextPrompt, BlockPDFParser, BlockFileURLParser, BlockFileUpload,
		BlockFileDownload, BlockBlobUpload, BlockBlobDownload, BlockSendEmail,
		BlockHTTPRequest, BlockGotoURL,
	}
}

// IsValidBlockKind returns true if k is a valid block kind.
func IsValidBlockKind(k BlockKind) bool {
	for _, v := range ValidBlockKinds() {
		if v == k {
			return true
		}
	}
	return false
}

// RequiresBrowser reports whether executing the block needs a browser
// session. The orchestrator acquires the shared session lazily at the
// first such block.
func (k BlockKind) RequiresBrowser() bool {
	switch k {
	case BlockTask, BlockTaskV2, BlockAction, BlockNavigation, BlockExtraction,
		BlockLogin, BlockFileUpload, BlockFileDownload, BlockGotoURL:
		return true
	default:
		return false
	}
}

// Block is one node of a workflow definition. Inputs are rendered through
// the run context before execution; string values support {{name}}
// templating.
type Block struct {
	// Label is unique within the workflow and names the block's output.
	Label string `json:"label" yaml:"label"`

	// Kind selects the variant.
	Kind BlockKind `json:"block_type" yaml:"block_type"`

	// ContinueOnFailure lets the run advance past a failed block.
	ContinueOnFailure bool `json:"continue_on_failure,omitempty" yaml:"continue_on_failure,omitempty"`

	// MaxRetries is the per-block retry budget beyond the first attempt.
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`

	// Strict fails template rendering on undefined variables.
	Strict bool `json:"strict,omitempty" yaml:"strict,omitempty"`

	// Inputs are the parameter bindings: input name to parameter reference
	// or literal. String values are templated.
	Inputs map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`

	// OutputParameter names the run-context entry the block's output is
	// recorded under. Defaults to "<label>_output".
	OutputParameter string `json:"output_parameter,omitempty" yaml:"output_parameter,omitempty"`

	// LoopOver is the parameter reference or literal array a for_loop
	// iterates, ignored for other kinds.
	LoopOver string `json:"loop_over,omitempty" yaml:"loop_over,omitempty"`

	// Blocks are the nested blocks of a for_loop.
	Blocks []Block `json:"blocks,omitempty" yaml:"blocks,omitempty"`
}

// OutputName returns the run-context key for the block's output.
func (b *Block) OutputName() string {
	if b.OutputParameter != "" {
		return b.OutputParameter
	}
	return b.Label + "_output"
}

// Definition is the block graph of a workflow: a sequence with for_loop
// nesting, no general DAG.
type Definition struct {
	// Blocks execute in array order.
	Blocks []Block `json:"blocks" yaml:"blocks"`

	// ParameterSchema declares the workflow parameters.
	ParameterSchema []ParameterDef `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// ParameterKind is the tagged union discriminator for parameters.
type ParameterKind string

const (
	ParamWorkflow ParameterKind = "workflow_parameter"
	ParamContext  ParameterKind = "context_parameter"
	ParamOutput   ParameterKind = "output_parameter"
	ParamSecret   ParameterKind = "secret_parameter"
)

// ParameterDef declares one workflow parameter.
type ParameterDef struct {
	// Key is the parameter name referenced by blocks.
	Key string `json:"key" yaml:"key"`

	// Kind selects the parameter variant.
	Kind ParameterKind `json:"parameter_type" yaml:"parameter_type"`

	// Required rejects run submissions missing this parameter.
	Required bool `json:"required,omitempty" yaml:"required,omitempty"`

	// DefaultValue is used when a run omits the parameter.
	DefaultValue any `json:"default_value,omitempty" yaml:"default_value,omitempty"`

	// SecretName is the secrets-provider key for secret parameters.
	SecretName string `json:"secret_name,omitempty" yaml:"secret_name,omitempty"`

	// Schema is an optional JSON schema the value must satisfy.
	Schema json.RawMessage `json:"schema,omitempty" yaml:"-"`
}

// Workflow is a reusable template. A template keeps a stable permanent id
// across versions; Version is monotonic.
type Workflow struct {
	// ID identifies this (workflow, version) record.
	ID string `json:"workflow_id"`

	// PermanentID is stable across versions.
	PermanentID string `json:"workflow_permanent_id"`

	// OrganizationID is the owning tenant.
	OrganizationID string `json:"organization_id"`

	// Title names the workflow.
	Title string `json:"title"`

	// Description is optional prose.
	Description string `json:"description,omitempty"`

	// Version is monotonic per permanent id.
	Version int `json:"version"`

	// Definition is the block graph.
	Definition Definition `json:"definition"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// RunStatus represents the state of a workflow run.
type RunStatus string

const (
	RunCreated   RunStatus = "created"
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// IsTerminal reports whether the run status is terminal.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCanceled:
		return true
	default:
		return false
	}
}

// Run is one execution of a (workflow, version) with concrete parameters.
type Run struct {
	// ID is the unique identifier (e.g., wfr_a1b2c3).
	ID string `json:"workflow_run_id"`

	// WorkflowID and WorkflowPermanentID link back to the template.
	WorkflowID          string `json:"workflow_id"`
	WorkflowPermanentID string `json:"workflow_permanent_id"`

	// OrganizationID is the owning tenant.
	OrganizationID string `json:"organization_id"`

	// Status is the run state.
	Status RunStatus `json:"status"`

	// CurrentBlockIndex advances only on block terminal status.
	CurrentBlockIndex int `json:"current_block_index"`

	// Parameters are the submitted values, keyed by parameter key.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Outputs are the recorded block outputs, keyed by output parameter.
	Outputs map[string]any `json:"outputs,omitempty"`

	// WebhookURL receives the terminal-state notification.
	WebhookURL string `json:"webhook_url,omitempty"`

	// MaxDuration is the run wall-clock budget.
	MaxDuration time.Duration `json:"max_duration,omitempty"`

	// FailureReason carries the error code and message on failure.
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ModifiedAt  time.Time  `json:"modified_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// DefaultRunMaxDuration is the run wall-clock budget when unset.
const DefaultRunMaxDuration = 2 * time.Hour

// BlockStatus represents the state of one block execution.
type BlockStatus string

const (
	BlockStatusCreated   BlockStatus = "created"
	BlockStatusRunning   BlockStatus = "running"
	BlockStatusCompleted BlockStatus = "completed"
	BlockStatusFailed    BlockStatus = "failed"
	BlockStatusCanceled  BlockStatus = "canceled"
)

// IsTerminal reports whether the block status is terminal.
func (s BlockStatus) IsTerminal() bool {
	switch s {
	case BlockStatusCompleted, BlockStatusFailed, BlockStatusCanceled:
		return true
	default:
		return false
	}
}

// RunBlock is one block execution within a run.
type RunBlock struct {
	// ID is the unique identifier (e.g., wrb_a1b2c3).
	ID string `json:"workflow_run_block_id"`

	// WorkflowRunID is the owning run.
	WorkflowRunID string `json:"workflow_run_id"`

	// Label and Kind mirror the definition block.
	Label string    `json:"label"`
	Kind  BlockKind `json:"block_type"`

	// Status is the block execution state.
	Status BlockStatus `json:"status"`

	// Inputs are the rendered inputs of the final attempt.
	Inputs json.RawMessage `json:"inputs,omitempty"`

	// Output is the recorded block output.
	Output json.RawMessage `json:"output,omitempty"`

	// Attempts counts executions including retries.
	Attempts int `json:"attempts"`

	// FailureReason carries the error code and message on failure.
	FailureReason string `json:"failure_reason,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ModifiedAt  time.Time  `json:"modified_at"`
}

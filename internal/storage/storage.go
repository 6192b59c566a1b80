// Package storage persists tasks, steps, workflows, runs, artifacts and
// session records. Two backends implement the interface: an in-memory
// one for tests and embedded use, and a SQL one speaking sqlite and
// postgres.
package storage

import (
	"context"

	"github.com/skyvernhq/skyvern-go/internal/artifact"
	"github.com/skyvernhq/skyvern-go/internal/session"
	"github.com/skyvernhq/skyvern-go/internal/task"
	"github.com/skyvernhq/skyvern-go/internal/workflow"
)

// SortOrder orders list results by creation time.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// PageQuery is offset pagination shared by the list filters. Zero values
// mean page 1 with the default size.
type PageQuery struct {
	Page     int
	PageSize int
	Sort     SortOrder
}

// DefaultPageSize bounds list results when the caller does not say.
const DefaultPageSize = 25

// MaxPageSize caps list results.
const MaxPageSize = 100

// Normalize clamps the query to valid bounds.
func (p PageQuery) Normalize() PageQuery {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	if p.Sort != SortAsc {
		p.Sort = SortDesc
	}
	return p
}

// Offset returns the row offset of the page.
func (p PageQuery) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// TaskFilter selects tasks for listing.
type TaskFilter struct {
	OrganizationID string
	Status         task.Status
	WorkflowRunID  string
	PageQuery
}

// RunFilter selects workflow runs for listing.
type RunFilter struct {
	OrganizationID      string
	Status              workflow.RunStatus
	WorkflowPermanentID string
	PageQuery
}

// WorkflowFilter selects workflow templates for listing. Only the latest
// version of each permanent id is returned.
type WorkflowFilter struct {
	OrganizationID string
	PageQuery
}

// ArtifactFilter selects artifacts for listing.
type ArtifactFilter struct {
	OrganizationID string
	TaskID         string
	StepID         string
	WorkflowRunID  string
	Kind           artifact.Kind
	PageQuery
}

// Backend is the persistence surface of the execution core. Status
// transitions go through the dedicated transition methods so terminal
// states stay immutable even under concurrent writers.
type Backend interface {
	// Tasks.
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, orgID, id string) (*task.Task, error)
	UpdateTask(ctx context.Context, t *task.Task) error
	// TransitionTask flips the task status atomically. It fails when the
	// stored status is terminal or the transition is invalid.
	TransitionTask(ctx context.Context, orgID, id string, to task.Status, failureReason string) (*task.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]*task.Task, int, error)

	// Steps.
	CreateStep(ctx context.Context, s *task.Step) error
	UpdateStep(ctx context.Context, s *task.Step) error
	ListSteps(ctx context.Context, taskID string) ([]*task.Step, error)

	// Workflows.
	CreateWorkflow(ctx context.Context, w *workflow.Workflow) error
	// GetWorkflow resolves either a version id or a permanent id (latest
	// version).
	GetWorkflow(ctx context.Context, orgID, id string) (*workflow.Workflow, error)
	ListWorkflows(ctx context.Context, f WorkflowFilter) ([]*workflow.Workflow, int, error)
	DeleteWorkflow(ctx context.Context, orgID, permanentID string) error

	// Workflow runs.
	CreateRun(ctx context.Context, r *workflow.Run) error
	GetRun(ctx context.Context, orgID, id string) (*workflow.Run, error)
	UpdateRun(ctx context.Context, r *workflow.Run) error
	TransitionRun(ctx context.Context, orgID, id string, to workflow.RunStatus, failureReason string) (*workflow.Run, error)
	ListRuns(ctx context.Context, f RunFilter) ([]*workflow.Run, int, error)

	// Run blocks.
	CreateRunBlock(ctx context.Context, b *workflow.RunBlock) error
	UpdateRunBlock(ctx context.Context, b *workflow.RunBlock) error
	ListRunBlocks(ctx context.Context, runID string) ([]*workflow.RunBlock, error)

	// Artifacts are append-only; sequence numbers are assigned per
	// (task, step) in insertion order.
	AppendArtifact(ctx context.Context, a *artifact.Artifact) error
	ListArtifacts(ctx context.Context, f ArtifactFilter) ([]*artifact.Artifact, int, error)

	// Session records for persistent browser sessions.
	session.RecordStore

	Close() error
}

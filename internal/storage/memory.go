package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/skyvernhq/skyvern-go/internal/artifact"
	"github.com/skyvernhq/skyvern-go/internal/errors"
	"github.com/skyvernhq/skyvern-go/internal/retry"
	"github.com/skyvernhq/skyvern-go/internal/session"
	"github.com/skyvernhq/skyvern-go/internal/task"
	"github.com/skyvernhq/skyvern-go/internal/workflow"
)

// Memory is the in-memory backend. Safe for concurrent use.
type Memory struct {
	clock retry.Clock

	mu        sync.RWMutex
	tasks     map[string]*task.Task
	steps     map[string][]*task.Step // keyed by task id
	workflows map[string]*workflow.Workflow
	runs      map[string]*workflow.Run
	runBlocks map[string][]*workflow.RunBlock // keyed by run id
	artifacts []*artifact.Artifact
	seq       map[string]int // artifact sequence per (task,step)
	sessions  map[string]*session.Record
}

// NewMemory creates an empty in-memory backend.
func NewMemory(clock retry.Clock) *Memory {
	return &Memory{
		clock:     clock,
		tasks:     make(map[string]*task.Task),
		steps:     make(map[string][]*task.Step),
		workflows: make(map[string]*workflow.Workflow),
		runs:      make(map[string]*workflow.Run),
		runBlocks: make(map[string][]*workflow.RunBlock),
		seq:       make(map[string]int),
		sessions:  make(map[string]*session.Record),
	}
}

func (m *Memory) CreateTask(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return errors.ErrStorage(fmt.Errorf("task %s already exists", t.ID))
	}
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *Memory) GetTask(ctx context.Context, orgID, id string) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok || (orgID != "" && t.OrganizationID != orgID) {
		return nil, errors.ErrTaskNotFound(id)
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) UpdateTask(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return errors.ErrTaskNotFound(t.ID)
	}
	cp := *t
	cp.ModifiedAt = m.clock.Now()
	m.tasks[t.ID] = &cp
	return nil
}

func (m *Memory) TransitionTask(ctx context.Context, orgID, id string, to task.Status, failureReason string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || (orgID != "" && t.OrganizationID != orgID) {
		return nil, errors.ErrTaskNotFound(id)
	}
	if err := t.Transition(to); err != nil {
		return nil, err
	}
	if failureReason != "" {
		t.FailureReason = failureReason
	}
	now := m.clock.Now()
	t.ModifiedAt = now
	if to.IsTerminal() {
		t.CompletedAt = &now
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) ListTasks(ctx context.Context, f TaskFilter) ([]*task.Task, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*task.Task
	for _, t := range m.tasks {
		if f.OrganizationID != "" && t.OrganizationID != f.OrganizationID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.WorkflowRunID != "" && t.WorkflowRunID != f.WorkflowRunID {
			continue
		}
		cp := *t
		all = append(all, &cp)
	}
	sortByTime(all, f.Sort, func(t *task.Task) int64 { return t.CreatedAt.UnixNano() })
	total := len(all)
	return paginate(all, f.PageQuery), total, nil
}

func (m *Memory) CreateStep(ctx context.Context, s *task.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.steps[s.TaskID] = append(m.steps[s.TaskID], &cp)
	return nil
}

func (m *Memory) UpdateStep(ctx context.Context, s *task.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, old := range m.steps[s.TaskID] {
		if old.ID == s.ID {
			cp := *s
			cp.ModifiedAt = m.clock.Now()
			m.steps[s.TaskID][i] = &cp
			return nil
		}
	}
	return errors.ErrStorage(fmt.Errorf("step %s not found", s.ID))
}

func (m *Memory) ListSteps(ctx context.Context, taskID string) ([]*task.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*task.Step, 0, len(m.steps[taskID]))
	for _, s := range m.steps[taskID] {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) CreateWorkflow(ctx context.Context, w *workflow.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[w.ID]; ok {
		return errors.ErrStorage(fmt.Errorf("workflow %s already exists", w.ID))
	}
	cp := *w
	m.workflows[w.ID] = &cp
	return nil
}

func (m *Memory) GetWorkflow(ctx context.Context, orgID, id string) (*workflow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if w, ok := m.workflows[id]; ok && (orgID == "" || w.OrganizationID == orgID) {
		cp := *w
		return &cp, nil
	}
	// Permanent id: latest version wins.
	var best *workflow.Workflow
	for _, w := range m.workflows {
		if w.PermanentID != id || (orgID != "" && w.OrganizationID != orgID) {
			continue
		}
		if best == nil || w.Version > best.Version {
			best = w
		}
	}
	if best == nil {
		return nil, errors.ErrWorkflowNotFound(id)
	}
	cp := *best
	return &cp, nil
}

func (m *Memory) ListWorkflows(ctx context.Context, f WorkflowFilter) ([]*workflow.Workflow, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	latest := make(map[string]*workflow.Workflow)
	for _, w := range m.workflows {
		if f.OrganizationID != "" && w.OrganizationID != f.OrganizationID {
			continue
		}
		if cur, ok := latest[w.PermanentID]; !ok || w.Version > cur.Version {
			latest[w.PermanentID] = w
		}
	}
	all := make([]*workflow.Workflow, 0, len(latest))
	for _, w := range latest {
		cp := *w
		all = append(all, &cp)
	}
	sortByTime(all, f.Sort, func(w *workflow.Workflow) int64 { return w.CreatedAt.UnixNano() })
	total := len(all)
	return paginate(all, f.PageQuery), total, nil
}

func (m *Memory) DeleteWorkflow(ctx context.Context, orgID, permanentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for id, w := range m.workflows {
		if w.PermanentID == permanentID && (orgID == "" || w.OrganizationID == orgID) {
			delete(m.workflows, id)
			found = true
		}
	}
	if !found {
		return errors.ErrWorkflowNotFound(permanentID)
	}
	return nil
}

func (m *Memory) CreateRun(ctx context.Context, r *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; ok {
		return errors.ErrStorage(fmt.Errorf("run %s already exists", r.ID))
	}
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *Memory) GetRun(ctx context.Context, orgID, id string) (*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok || (orgID != "" && r.OrganizationID != orgID) {
		return nil, errors.ErrWorkflowRunNotFound(id)
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) UpdateRun(ctx context.Context, r *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.runs[r.ID]
	if !ok {
		return errors.ErrWorkflowRunNotFound(r.ID)
	}
	// current_block_index never moves backwards
	if r.CurrentBlockIndex < old.CurrentBlockIndex {
		r.CurrentBlockIndex = old.CurrentBlockIndex
	}
	cp := *r
	cp.ModifiedAt = m.clock.Now()
	m.runs[r.ID] = &cp
	return nil
}

func (m *Memory) TransitionRun(ctx context.Context, orgID, id string, to workflow.RunStatus, failureReason string) (*workflow.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || (orgID != "" && r.OrganizationID != orgID) {
		return nil, errors.ErrWorkflowRunNotFound(id)
	}
	if r.Status.IsTerminal() {
		return nil, errors.ErrValidation("status",
			fmt.Sprintf("run is already %s", r.Status))
	}
	r.Status = to
	if failureReason != "" {
		r.FailureReason = failureReason
	}
	now := m.clock.Now()
	r.ModifiedAt = now
	if to.IsTerminal() {
		r.CompletedAt = &now
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) ListRuns(ctx context.Context, f RunFilter) ([]*workflow.Run, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*workflow.Run
	for _, r := range m.runs {
		if f.OrganizationID != "" && r.OrganizationID != f.OrganizationID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.WorkflowPermanentID != "" && r.WorkflowPermanentID != f.WorkflowPermanentID {
			continue
		}
		cp := *r
		all = append(all, &cp)
	}
	sortByTime(all, f.Sort, func(r *workflow.Run) int64 { return r.CreatedAt.UnixNano() })
	total := len(all)
	return paginate(all, f.PageQuery), total, nil
}

func (m *Memory) CreateRunBlock(ctx context.Context, b *workflow.RunBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.runBlocks[b.WorkflowRunID] = append(m.runBlocks[b.WorkflowRunID], &cp)
	return nil
}

func (m *Memory) UpdateRunBlock(ctx context.Context, b *workflow.RunBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, old := range m.runBlocks[b.WorkflowRunID] {
		if old.ID == b.ID {
			cp := *b
			cp.ModifiedAt = m.clock.Now()
			m.runBlocks[b.WorkflowRunID][i] = &cp
			return nil
		}
	}
	return errors.ErrStorage(fmt.Errorf("run block %s not found", b.ID))
}

func (m *Memory) ListRunBlocks(ctx context.Context, runID string) ([]*workflow.RunBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*workflow.RunBlock, 0, len(m.runBlocks[runID]))
	for _, b := range m.runBlocks[runID] {
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) AppendArtifact(ctx context.Context, a *artifact.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := a.TaskID + "/" + a.StepID
	m.seq[key]++
	cp := *a
	cp.Sequence = m.seq[key]
	a.Sequence = cp.Sequence
	m.artifacts = append(m.artifacts, &cp)
	return nil
}

func (m *Memory) ListArtifacts(ctx context.Context, f ArtifactFilter) ([]*artifact.Artifact, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*artifact.Artifact
	for _, a := range m.artifacts {
		if f.OrganizationID != "" && a.OrganizationID != f.OrganizationID {
			continue
		}
		if f.TaskID != "" && a.TaskID != f.TaskID {
			continue
		}
		if f.StepID != "" && a.StepID != f.StepID {
			continue
		}
		if f.WorkflowRunID != "" && a.WorkflowRunID != f.WorkflowRunID {
			continue
		}
		if f.Kind != "" && a.Kind != f.Kind {
			continue
		}
		cp := *a
		all = append(all, &cp)
	}
	sortByTime(all, f.Sort, func(a *artifact.Artifact) int64 { return a.CreatedAt.UnixNano() })
	total := len(all)
	return paginate(all, f.PageQuery), total, nil
}

func (m *Memory) SaveSession(ctx context.Context, rec *session.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.sessions[rec.ID] = &cp
	return nil
}

func (m *Memory) GetSession(ctx context.Context, id string) (*session.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[id]
	if !ok {
		return nil, errors.ErrSessionNotFound(id)
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return errors.ErrSessionNotFound(id)
	}
	delete(m.sessions, id)
	return nil
}

func (m *Memory) Close() error { return nil }

func sortByTime[T any](items []T, order SortOrder, key func(T) int64) {
	sort.SliceStable(items, func(i, j int) bool {
		if order == SortAsc {
			return key(items[i]) < key(items[j])
		}
		return key(items[i]) > key(items[j])
	})
}

func paginate[T any](items []T, p PageQuery) []T {
	p = p.Normalize()
	start := p.Offset()
	if start >= len(items) {
		return nil
	}
	end := start + p.PageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

var _ Backend = (*Memory)(nil)

package api

import (
	"net/http"
	"time"

	"github.com/skyvernhq/skyvern-go/internal/errors"
	"github.com/skyvernhq/skyvern-go/internal/storage"
	"github.com/skyvernhq/skyvern-go/internal/task"
	"github.com/skyvernhq/skyvern-go/internal/workflow"
)

type createWorkflowRequest struct {
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	Definition  workflow.Definition `json:"definition"`

	// PermanentID creates a new version of an existing template.
	PermanentID string `json:"workflow_permanent_id,omitempty"`
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request, org Org) {
	var req createWorkflowRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if req.Title == "" {
		s.writeErr(w, r, errors.ErrValidation("title", "title is required"))
		return
	}
	if err := req.Definition.Validate(); err != nil {
		s.writeErr(w, r, err)
		return
	}
	now := s.clock.Now().UTC()
	wf := &workflow.Workflow{
		ID:             task.NewWorkflowID(),
		PermanentID:    req.PermanentID,
		OrganizationID: org.ID,
		Title:          req.Title,
		Description:    req.Description,
		Version:        1,
		Definition:     req.Definition,
		CreatedAt:      now,
		ModifiedAt:     now,
	}
	if req.PermanentID != "" {
		prev, err := s.store.GetWorkflow(r.Context(), org.ID, req.PermanentID)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		wf.Version = prev.Version + 1
	} else {
		wf.PermanentID = task.NewID("wpid_")
	}
	if err := s.store.CreateWorkflow(r.Context(), wf); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusCreated, wf)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request, org Org) {
	wf, err := s.store.GetWorkflow(r.Context(), org.ID, r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request, org Org) {
	f := storage.WorkflowFilter{OrganizationID: org.ID, PageQuery: parsePageQuery(r)}
	wfs, total, err := s.store.ListWorkflows(r.Context(), f)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	pq := f.PageQuery.Normalize()
	s.writeList(w, r, wfs, pq.Page, pq.PageSize, total)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request, org Org) {
	wf, err := s.store.GetWorkflow(r.Context(), org.ID, r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.store.DeleteWorkflow(r.Context(), org.ID, wf.PermanentID); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]string{"workflow_permanent_id": wf.PermanentID})
}

type createRunRequest struct {
	Parameters         map[string]any `json:"parameters,omitempty"`
	WebhookURL         string         `json:"webhook_url,omitempty"`
	MaxDurationSeconds int            `json:"max_duration_seconds,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request, org Org) {
	wf, err := s.store.GetWorkflow(r.Context(), org.ID, r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	var req createRunRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			s.writeErr(w, r, err)
			return
		}
	}
	now := s.clock.Now().UTC()
	run := &workflow.Run{
		ID:                  task.NewWorkflowRunID(),
		WorkflowID:          wf.ID,
		WorkflowPermanentID: wf.PermanentID,
		OrganizationID:      org.ID,
		Status:              workflow.RunQueued,
		Parameters:          req.Parameters,
		WebhookURL:          req.WebhookURL,
		CreatedAt:           now,
		ModifiedAt:          now,
	}
	if req.MaxDurationSeconds > 0 {
		run.MaxDuration = time.Duration(req.MaxDurationSeconds) * time.Second
	}
	if err := s.store.CreateRun(r.Context(), run); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.dispatchRun(wf, run)
	s.writeData(w, r, http.StatusCreated, run)
}

// dispatchRun hands the queued run to the orchestrator.
func (s *Server) dispatchRun(wf *workflow.Workflow, run *workflow.Run) {
	if s.orch == nil {
		return
	}
	cancel := s.trackCancel(run.ID)
	exec := *run
	go func() {
		defer s.untrackCancel(run.ID)
		if err := s.orch.Execute(s.runCtx, wf, &exec, cancel); err != nil {
			s.logger.Warn("workflow run finished with error",
				"workflow_run_id", run.ID, "error", err)
		}
	}()
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request, org Org) {
	run, err := s.store.GetRun(r.Context(), org.ID, r.PathValue("rid"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request, org Org) {
	q := r.URL.Query()
	f := storage.RunFilter{
		OrganizationID:      org.ID,
		WorkflowPermanentID: q.Get("workflow_permanent_id"),
		Status:              workflow.RunStatus(q.Get("status")),
		PageQuery:           parsePageQuery(r),
	}
	runs, total, err := s.store.ListRuns(r.Context(), f)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	pq := f.PageQuery.Normalize()
	s.writeList(w, r, runs, pq.Page, pq.PageSize, total)
}

func (s *Server) handleListRunBlocks(w http.ResponseWriter, r *http.Request, org Org) {
	rid := r.PathValue("rid")
	if _, err := s.store.GetRun(r.Context(), org.ID, rid); err != nil {
		s.writeErr(w, r, err)
		return
	}
	blocks, err := s.store.ListRunBlocks(r.Context(), rid)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, blocks)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request, org Org) {
	rid := r.PathValue("rid")
	var req cancelRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			s.writeErr(w, r, err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "canceled by user"
	}
	run, err := s.store.GetRun(r.Context(), org.ID, rid)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if c := s.cancelFor(rid); c != nil {
		c.Fire(req.Reason, req.Force)
		s.writeData(w, r, http.StatusAccepted, run)
		return
	}
	updated, err := s.store.TransitionRun(r.Context(), org.ID, rid,
		workflow.RunCanceled, errors.ErrCanceled(req.Reason).FailureReason())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, updated)
}

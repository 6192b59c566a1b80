package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/skyvernhq/skyvern-go/internal/artifact"
	"github.com/skyvernhq/skyvern-go/internal/errors"
	"github.com/skyvernhq/skyvern-go/internal/storage"
	"github.com/skyvernhq/skyvern-go/internal/task"
)

type createTaskRequest struct {
	URL                string          `json:"url"`
	NavigationGoal     string          `json:"navigation_goal"`
	ExtractionGoal     string          `json:"extraction_goal,omitempty"`
	ExtractionSchema   json.RawMessage `json:"extraction_schema,omitempty"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	MaxSteps           int             `json:"max_steps,omitempty"`
	RetriesPerStep     int             `json:"retries_per_step,omitempty"`
	MaxDurationSeconds int             `json:"max_duration_seconds,omitempty"`
	ProxyLocation      string          `json:"proxy_location,omitempty"`
	WebhookURL         string          `json:"webhook_url,omitempty"`
	TOTPURL            string          `json:"totp_url,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request, org Org) {
	var req createTaskRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	t := task.New(task.NewTaskID(), org.ID, req.URL, req.NavigationGoal)
	t.ExtractionGoal = req.ExtractionGoal
	t.ExtractionSchema = req.ExtractionSchema
	t.Payload = req.Payload
	t.ProxyLocation = req.ProxyLocation
	t.WebhookURL = req.WebhookURL
	t.TOTPURL = req.TOTPURL
	if req.MaxSteps != 0 {
		t.MaxSteps = req.MaxSteps
	}
	if req.RetriesPerStep != 0 {
		t.RetriesPerStep = req.RetriesPerStep
	}
	if req.MaxDurationSeconds > 0 {
		t.MaxDuration = time.Duration(req.MaxDurationSeconds) * time.Second
	}
	if err := t.Validate(); err != nil {
		s.writeErr(w, r, err)
		return
	}
	t.Status = task.StatusQueued
	if err := s.store.CreateTask(r.Context(), t); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.dispatchTask(t)
	s.writeData(w, r, http.StatusCreated, t)
}

// dispatchTask hands the queued task to the engine. The execution
// outlives the request.
func (s *Server) dispatchTask(t *task.Task) {
	if s.engine == nil {
		return
	}
	cancel := s.trackCancel(t.ID)
	run := *t
	go func() {
		defer s.untrackCancel(t.ID)
		if err := s.engine.Execute(s.runCtx, &run, cancel); err != nil {
			s.logger.Warn("task execution finished with error",
				"task_id", t.ID, "error", err)
		}
	}()
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, org Org) {
	id := r.PathValue("id")
	t, err := s.store.GetTask(r.Context(), org.ID, id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	expand := r.URL.Query().Get("expand")
	if expand == "" {
		s.writeData(w, r, http.StatusOK, t)
		return
	}
	out := map[string]any{"task": t}
	if strings.Contains(expand, "steps") {
		steps, err := s.store.ListSteps(r.Context(), t.ID)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		out["steps"] = steps
	}
	if strings.Contains(expand, "artifacts") {
		arts, _, err := s.store.ListArtifacts(r.Context(), storage.ArtifactFilter{
			OrganizationID: org.ID,
			TaskID:         t.ID,
			PageQuery:      storage.PageQuery{PageSize: storage.MaxPageSize},
		})
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		out["artifacts"] = arts
	}
	s.writeData(w, r, http.StatusOK, out)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request, org Org) {
	q := r.URL.Query()
	f := storage.TaskFilter{
		OrganizationID: org.ID,
		WorkflowRunID:  q.Get("workflow_run_id"),
		PageQuery:      parsePageQuery(r),
	}
	if st := q.Get("status"); st != "" {
		if !task.IsValidStatus(task.Status(st)) {
			s.writeErr(w, r, errors.ErrValidation("status", "unknown status "+st))
			return
		}
		f.Status = task.Status(st)
	}
	tasks, total, err := s.store.ListTasks(r.Context(), f)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	pq := f.PageQuery.Normalize()
	s.writeList(w, r, tasks, pq.Page, pq.PageSize, total)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
	Force  bool   `json:"force,omitempty"`
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request, org Org) {
	id := r.PathValue("id")
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
	t, err := s.store.GetTask(r.Context(), org.ID, id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if c := s.cancelFor(id); c != nil {
		c.Fire(req.Reason, req.Force)
		s.writeData(w, r, http.StatusAccepted, t)
		return
	}
	// Not in flight; flip the stored status directly.
	updated, err := s.store.TransitionTask(r.Context(), org.ID, id,
		task.StatusCanceled, errors.ErrCanceled(req.Reason).FailureReason())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, updated)
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request, org Org) {
	id := r.PathValue("id")
	if _, err := s.store.GetTask(r.Context(), org.ID, id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	steps, err := s.store.ListSteps(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, steps)
}

func (s *Server) handleListTaskArtifacts(w http.ResponseWriter, r *http.Request, org Org) {
	id := r.PathValue("id")
	if _, err := s.store.GetTask(r.Context(), org.ID, id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	q := r.URL.Query()
	f := storage.ArtifactFilter{
		OrganizationID: org.ID,
		TaskID:         id,
		StepID:         q.Get("step_id"),
		Kind:           artifact.Kind(q.Get("kind")),
		PageQuery:      parsePageQuery(r),
	}
	arts, total, err := s.store.ListArtifacts(r.Context(), f)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	pq := f.PageQuery.Normalize()
	s.writeList(w, r, arts, pq.Page, pq.PageSize, total)
}

func parsePageQuery(r *http.Request) storage.PageQuery {
	q := r.URL.Query()
	var pq storage.PageQuery
	if p, err := strconv.Atoi(q.Get("page")); err == nil {
		pq.Page = p
	}
	if ps, err := strconv.Atoi(q.Get("page_size")); err == nil {
		pq.PageSize = ps
	}
	if sort := q.Get("sort"); sort == string(storage.SortAsc) {
		pq.Sort = storage.SortAsc
	}
	return pq
}

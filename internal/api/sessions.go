package api

import (
	"net/http"
	"time"

	"github.com/skyvernhq/skyvern-go/internal/errors"
	"github.com/skyvernhq/skyvern-go/internal/session"
)

// defaultSessionTTL bounds persistent sessions created without an
// explicit ttl.
const defaultSessionTTL = time.Hour

type createSessionRequest struct {
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

type sessionResponse struct {
	BrowserSessionID string        `json:"browser_session_id"`
	State            session.State `json:"state"`
	TTL              string        `json:"ttl,omitempty"`
}

func (s *Server) handleCreateBrowserSession(w http.ResponseWriter, r *http.Request, org Org) {
	if s.sessions == nil {
		s.writeErr(w, r, errors.ErrValidation("browser_sessions", "session manager not configured"))
		return
	}
	var req createSessionRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			s.writeErr(w, r, err)
			return
		}
	}
	ttl := defaultSessionTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	sess, err := s.sessions.Acquire(r.Context(), session.ScopePersistent, org.ID, "")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.sessions.Persist(r.Context(), sess, ttl); err != nil {
		s.sessions.Release(r.Context(), sess, true)
		s.writeErr(w, r, err)
		return
	}
	// The session stays idle in the pool until the caller references it.
	s.sessions.Release(r.Context(), sess, false)
	s.writeData(w, r, http.StatusCreated, sessionResponse{
		BrowserSessionID: sess.ID,
		State:            sess.State(),
		TTL:              ttl.String(),
	})
}

func (s *Server) handleDeleteBrowserSession(w http.ResponseWriter, r *http.Request, org Org) {
	if s.sessions == nil {
		s.writeErr(w, r, errors.ErrValidation("browser_sessions", "session manager not configured"))
		return
	}
	id := r.PathValue("id")
	found := false
	if sess, ok := s.sessions.Get(id); ok {
		if sess.Tenant != org.ID {
			s.writeErr(w, r, errors.ErrSessionNotFound(id))
			return
		}
		s.sessions.Release(r.Context(), sess, true)
		found = true
	}
	if rec, err := s.store.GetSession(r.Context(), id); err == nil && rec != nil {
		if rec.OrganizationID != org.ID {
			s.writeErr(w, r, errors.ErrSessionNotFound(id))
			return
		}
		if err := s.store.DeleteSession(r.Context(), id); err != nil {
			s.writeErr(w, r, err)
			return
		}
		found = true
	}
	if !found {
		s.writeErr(w, r, errors.ErrSessionNotFound(id))
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]string{"browser_session_id": id})
}

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/skyvernhq/skyvern-go/internal/errors"
)

// envelope is the uniform response shape.
type envelope struct {
	Success    bool        `json:"success"`
	Data       any         `json:"data,omitempty"`
	Error      *apiError   `json:"error,omitempty"`
	Metadata   metadata    `json:"metadata"`
	Pagination *pagination `json:"pagination,omitempty"`
}

type apiError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type metadata struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

type pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}

func (s *Server) writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	s.writeEnvelope(w, r, status, envelope{Success: true, Data: data})
}

func (s *Server) writeList(w http.ResponseWriter, r *http.Request, data any, page, pageSize, total int) {
	s.writeEnvelope(w, r, http.StatusOK, envelope{
		Success:    true,
		Data:       data,
		Pagination: &pagination{Page: page, PageSize: pageSize, TotalCount: total},
	})
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	se := errors.AsSkyvernError(err)
	if se == nil {
		se = errors.ErrInternal(err)
	}
	if se.Code == errors.CodeRateLimited {
		if ra, ok := se.Details["retry_after"].(int); ok {
			w.Header().Set("Retry-After", strconv.Itoa(ra))
		}
	}
	message := se.What
	if se.Why != "" {
		message += ": " + se.Why
	}
	s.writeEnvelope(w, r, se.HTTPStatus(), envelope{
		Success: false,
		Error:   &apiError{Code: string(se.Code), Message: message, Details: se.Details},
	})
}

func (s *Server) writeEnvelope(w http.ResponseWriter, r *http.Request, status int, env envelope) {
	env.Metadata = metadata{RequestID: requestID(r), Timestamp: s.clock.Now().UTC()}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return errors.ErrValidation("body", "request body is not valid JSON: "+err.Error())
	}
	return nil
}

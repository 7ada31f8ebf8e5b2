package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pubsched/internal/failure"
	"pubsched/internal/jobs"
	"pubsched/internal/schedule"
	"pubsched/internal/storage"
	"pubsched/internal/task/scheduler"
	logx "pubsched/pkg/logx"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func renderJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func renderJSONError(w http.ResponseWriter, status int, code, msg string) {
	renderJSON(w, status, map[string]errorBody{"error": {Code: code, Message: msg}})
}

// renderErr maps scheduler and failure errors to HTTP statuses.
func (s *Server) renderErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, scheduler.ErrNotFound), errors.Is(err, scheduler.ErrTemplateNotFound):
		renderJSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, scheduler.ErrTerminal):
		renderJSONError(w, http.StatusConflict, "CONFLICT", err.Error())
	case failure.Is(err, failure.Validation):
		renderJSONError(w, http.StatusBadRequest, "VALIDATION", err.Error())
	default:
		s.log.Error("api request failed", logx.String("path", r.URL.Path), logx.Err(err))
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		renderJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// pathID returns the {id} URL parameter, rejecting anything that is not a UUID with 404.
func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		renderJSONError(w, http.StatusNotFound, "NOT_FOUND", "unknown id")
		return "", false
	}
	return id, true
}

// --- jobs ---

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.JobFilter{AccountID: strings.TrimSpace(q.Get("account"))}
	for _, raw := range strings.Split(q.Get("status"), ",") {
		if raw = strings.TrimSpace(raw); raw == "" {
			continue
		}
		st := jobs.Status(strings.ToLower(raw))
		switch st {
		case jobs.StatusPending, jobs.StatusQueued, jobs.StatusRunning, jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusCancelled:
			f.Statuses = append(f.Statuses, st)
		default:
			renderJSONError(w, http.StatusBadRequest, "VALIDATION", fmt.Sprintf("unknown status %q", raw))
			return
		}
	}
	if v := q.Get("due_before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			renderJSONError(w, http.StatusBadRequest, "VALIDATION", "due_before must be RFC3339")
			return
		}
		f.DueBefore = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			renderJSONError(w, http.StatusBadRequest, "VALIDATION", "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	list, err := s.sched.ListJobs(r.Context(), f)
	if err != nil {
		s.renderErr(w, r, err)
		return
	}
	if list == nil {
		list = []jobs.Job{}
	}
	renderJSON(w, http.StatusOK, map[string]any{"jobs": list, "total": len(list)})
}

// JobRequest is the body of POST /api/v1/jobs. Status fields of jobs.Job are server-owned.
type JobRequest struct {
	ID        string        `json:"id,omitempty"`
	Kind      jobs.Kind     `json:"kind"`
	AccountID string        `json:"account_id"`
	Payload   jobs.Payload  `json:"payload"`
	Schedule  schedule.Spec `json:"schedule"`
}

func (s *Server) addJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ID != "" {
		if _, err := uuid.Parse(req.ID); err != nil {
			renderJSONError(w, http.StatusBadRequest, "VALIDATION", "id must be a UUID")
			return
		}
	}
	j, err := s.sched.AddJob(r.Context(), jobs.Job{
		ID:        req.ID,
		Kind:      req.Kind,
		AccountID: req.AccountID,
		Payload:   req.Payload,
		Schedule:  req.Schedule,
	})
	if err != nil {
		s.renderErr(w, r, err)
		return
	}
	renderJSON(w, http.StatusCreated, j)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	j, err := s.sched.GetJob(r.Context(), id)
	if err != nil {
		s.renderErr(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, j)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.sched.CancelJob(r.Context(), id); err != nil {
		s.renderErr(w, r, err)
		return
	}
	// A running job records its cancellation asynchronously.
	renderJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancel_requested"})
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	j, err := s.sched.RetryJob(r.Context(), id)
	if err != nil {
		s.renderErr(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, j)
}

func (s *Server) removeJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.sched.RemoveJob(r.Context(), id); err != nil {
		s.renderErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- templates ---

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := s.sched.ListTemplates(r.Context())
	if err != nil {
		s.renderErr(w, r, err)
		return
	}
	if list == nil {
		list = []schedule.Template{}
	}
	renderJSON(w, http.StatusOK, map[string]any{"templates": list, "total": len(list)})
}

func (s *Server) getTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := s.sched.GetTemplate(r.Context(), id)
	if err != nil {
		s.renderErr(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, t)
}

func (s *Server) createTemplate(w http.ResponseWriter, r *http.Request) {
	var t schedule.Template
	if !decode(w, r, &t) {
		return
	}
	if t.ID != "" {
		if _, err := uuid.Parse(t.ID); err != nil {
			renderJSONError(w, http.StatusBadRequest, "VALIDATION", "id must be a UUID")
			return
		}
	}
	saved, err := s.sched.SaveTemplate(r.Context(), t)
	if err != nil {
		s.renderErr(w, r, err)
		return
	}
	renderJSON(w, http.StatusCreated, saved)
}

func (s *Server) putTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var t schedule.Template
	if !decode(w, r, &t) {
		return
	}
	if t.ID != "" && t.ID != id {
		renderJSONError(w, http.StatusBadRequest, "VALIDATION", "body id does not match path")
		return
	}
	t.ID = id
	saved, err := s.sched.SaveTemplate(r.Context(), t)
	if err != nil {
		s.renderErr(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, saved)
}

func (s *Server) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.sched.DeleteTemplate(r.Context(), id); err != nil {
		s.renderErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- scheduler ---

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, http.StatusOK, snapshotView(s.sched.Snapshot()))
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.sched.Pause()
	renderJSON(w, http.StatusOK, snapshotView(s.sched.Snapshot()))
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	s.sched.Resume()
	renderJSON(w, http.StatusOK, snapshotView(s.sched.Snapshot()))
}

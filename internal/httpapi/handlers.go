package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	oapiruntime "github.com/oapi-codegen/runtime"

	"github.com/rhythmhq/rhythm/pkg/rhythmerr"
	"github.com/rhythmhq/rhythm/pkg/store"
)

type registerWorkflowRequest struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

func (s *Server) registerWorkflow(w http.ResponseWriter, r *http.Request) {
	var req registerWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	def, err := s.client.Register(r.Context(), req.Name, req.Source)
	if err != nil {
		var ve *rhythmerr.ValidationError
		var pe *rhythmerr.ParseError
		switch {
		case errors.As(err, &ve), errors.As(err, &pe):
			writeError(w, http.StatusUnprocessableEntity, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

type startWorkflowRequest struct {
	Inputs any `json:"inputs"`
}

func (s *Server) startWorkflow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req startWorkflowRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	id, err := s.client.EnqueueWorkflow(r.Context(), name, req.Inputs)
	if err != nil {
		if errors.Is(err, rhythmerr.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"executionId": id})
}

type startTaskRequest struct {
	Name       string `json:"name"`
	Queue      string `json:"queue"`
	Inputs     any    `json:"inputs"`
	MaxRetries int    `json:"maxRetries"`
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	var req startTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.client.EnqueueTask(r.Context(), req.Name, req.Queue, req.Inputs, req.MaxRetries)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"executionId": id})
}

type sendSignalRequest struct {
	Payload any `json:"payload"`
}

func (s *Server) sendSignal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	channel := chi.URLParam(r, "channel")
	var req sendSignalRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if err := s.client.SendSignal(r.Context(), id, channel, req.Payload); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

type executionResponse struct {
	*store.Execution
	Children []*store.Execution `json:"children,omitempty"`
}

// getExecution accepts an optional ?includeChildren= query flag, bound
// through oapi-codegen's runtime binder the way a generated server would
// bind a form-style scalar query parameter, to embed the execution's
// spawned children (useful for inspecting a Promise.all fan-out) without
// a second round trip.
func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, err := s.client.GetExecution(r.Context(), id)
	if err != nil {
		if errors.Is(err, rhythmerr.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := executionResponse{Execution: exec}
	if raw := r.URL.Query().Get("includeChildren"); raw != "" {
		var includeChildren bool
		if err := oapiruntime.BindQueryParameter("form", true, false, "includeChildren", r.URL.Query(), &includeChildren); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if includeChildren {
			children, err := s.client.Children(r.Context(), id)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			resp.Children = children
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if err := s.client.Cancel(r.Context(), id, req.Reason); err != nil {
		if errors.Is(err, rhythmerr.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

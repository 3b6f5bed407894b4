// Package httpapi exposes the admin HTTP surface: registering workflow
// definitions, starting executions, sending signals, inspecting and
// cancelling executions, and watching an execution's status over a
// websocket. It is a thin layer over pkg/client — every handler does
// request decoding, one client call, and response encoding.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rhythmhq/rhythm/pkg/client"
)

type Server struct {
	client *client.Client
}

func NewRouter(c *client.Client) http.Handler {
	s := &Server{client: c}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)

	r.Route("/workflows", func(r chi.Router) {
		r.Post("/", s.registerWorkflow)
		r.Post("/{name}/runs", s.startWorkflow)
	})

	r.Post("/tasks", s.startTask)

	r.Route("/executions/{id}", func(r chi.Router) {
		r.Get("/", s.getExecution)
		r.Post("/cancel", s.cancelExecution)
		r.Post("/signals/{channel}", s.sendSignal)
		r.Get("/watch", s.watchExecution)
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz additionally confirms the database is reachable, since a worker
// or API process that can't see Postgres is not ready to accept traffic
// even though its own HTTP listener is up.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.client.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// watchExecution upgrades to a websocket and pushes the execution row as
// a JSON message every time its status changes, until the execution
// reaches a terminal status or the client disconnects. There is no
// separate pub/sub fan-out here: each connection polls the row directly,
// since execution state changes are infrequent enough (one per await
// resolution) that a dedicated broadcaster isn't worth the complexity.
func (s *Server) watchExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var lastStatus string
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			exec, err := s.client.GetExecution(r.Context(), id)
			if err != nil {
				_ = conn.WriteJSON(map[string]string{"error": err.Error()})
				return
			}
			if exec.Status == lastStatus {
				continue
			}
			lastStatus = exec.Status
			if err := conn.WriteJSON(exec); err != nil {
				return
			}
			if isTerminalStatus(exec.Status) {
				return
			}
		}
	}
}

func isTerminalStatus(status string) bool {
	switch status {
	case "completed", "failed", "cancelled":
		return true
	default:
		return false
	}
}

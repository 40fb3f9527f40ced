package server

import (
	"encoding/json"
	"net/http"

	"github.com/zeusync/tasksync/internal/core/protocol/middlewares"
)

// Handler serves websocket clients on /sync and a health probe on /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

type health struct {
	Status   string                              `json:"status"`
	LSN      string                              `json:"lsn"`
	Clients  int                                 `json:"clients"`
	Messages map[string]middlewares.MessageStats `json:"messages"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health{
		Status:   "ok",
		LSN:      s.changes.Head().String(),
		Clients:  s.Clients(),
		Messages: s.metrics.Messages(),
	})
}

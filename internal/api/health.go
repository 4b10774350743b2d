package api

import (
	"net/http"

	"github.com/seantiz/sqlbridge/internal/dispatcher"
)

type healthResponse struct {
	Status   string `json:"status"`
	Executor string `json:"executor"`
	Pending  int    `json:"pending"`
}

// handleHealthz reports liveness and whether the executor can take calls.
// A starting executor is healthy; a failed or terminated one is not.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state := s.bridge.State()
	resp := healthResponse{
		Status:   "ok",
		Executor: string(state),
		Pending:  s.bridge.Pending(),
	}

	status := http.StatusOK
	if state == dispatcher.StateFailed || state == dispatcher.StateTerminated {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

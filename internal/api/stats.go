package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByAction      map[string]int `json:"by_action"`
	ByOutcome     map[string]int `json:"by_outcome"`
	ByErrorKind   map[string]int `json:"by_error_kind"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	Executor      string         `json:"executor"`
	Pending       int            `json:"pending"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.journal.Stats(r.Context())
	if err != nil {
		s.logger.Error("get call stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByAction:      stats.CountByAction,
		ByOutcome:     stats.CountByOutcome,
		ByErrorKind:   stats.CountByErrorKind,
		AvgDurationMS: stats.AvgDurationMS,
		Executor:      string(s.bridge.State()),
		Pending:       s.bridge.Pending(),
	})
}

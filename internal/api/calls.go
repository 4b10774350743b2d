package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/sqlbridge/internal/journal"
	"github.com/seantiz/sqlbridge/internal/model"
)

// listCallsResponse wraps the paginated journal listing.
type listCallsResponse struct {
	Calls  []*model.Call `json:"calls"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	c, err := s.journal.Get(r.Context(), id)
	if errors.Is(err, journal.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "call not found")
		return
	}
	if err != nil {
		s.logger.Error("get call", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get call")
		return
	}

	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	calls, total, err := s.journal.List(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list calls", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list calls")
		return
	}

	if calls == nil {
		calls = []*model.Call{}
	}

	s.writeJSON(w, http.StatusOK, listCallsResponse{
		Calls:  calls,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

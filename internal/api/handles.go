package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/sqlbridge/internal/dispatcher"
	"github.com/seantiz/sqlbridge/internal/model"
	"github.com/seantiz/sqlbridge/internal/protocol"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 8 << 20 // 8 MB
)

// openRequest is the JSON body for POST /v1/handles.
type openRequest struct {
	Name  string `json:"name"`
	Flags string `json:"flags"`
}

type openResponse struct {
	Handle protocol.Handle `json:"handle"`
}

// execRequest is the JSON body for POST /v1/handles/{handle}/exec.
type execRequest struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params"`
}

// batchRequest is the JSON body for POST /v1/handles/{handle}/batch.
type batchRequest struct {
	Operations []protocol.Operation `json:"operations"`
}

type batchResponse struct {
	Results []protocol.ExecResult `json:"results"`
}

type closeResponse struct {
	Closed bool `json:"closed"`
}

// callErrorResponse describes a failed bridge call.
type callErrorResponse struct {
	Error   string                `json:"error"`
	Kind    string                `json:"kind,omitempty"`
	Code    string                `json:"code,omitempty"`
	CallID  string                `json:"call_id"`
	Index   *int                  `json:"index,omitempty"`
	Partial []protocol.ExecResult `json:"partial,omitempty"`
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	call := s.beginCall(protocol.ActionOpen)
	h, err := s.bridge.Open(r.Context(), req.Name, req.Flags)
	call.Handle = uint64(h)
	s.finishCall(r.Context(), call, err)
	if err != nil {
		s.writeCallError(w, call, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, openResponse{Handle: h})
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	h, ok := s.handleParam(w, r)
	if !ok {
		return
	}
	var req execRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SQL == "" {
		s.writeError(w, http.StatusBadRequest, "sql is required")
		return
	}

	call := s.beginCall(protocol.ActionExec)
	call.Handle = uint64(h)
	call.SQL = req.SQL
	res, err := s.bridge.Exec(r.Context(), h, req.SQL, req.Params...)
	s.finishCall(r.Context(), call, err)
	if err != nil {
		s.writeCallError(w, call, err)
		return
	}

	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	h, ok := s.handleParam(w, r)
	if !ok {
		return
	}
	var req batchRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	call := s.beginCall(protocol.ActionBatch)
	call.Handle = uint64(h)
	call.Operations = len(req.Operations)
	if len(req.Operations) > 0 {
		call.SQL = req.Operations[0].SQL
	}
	results, err := s.bridge.Batch(r.Context(), h, req.Operations)
	s.finishCall(r.Context(), call, err)
	if err != nil {
		s.writeCallError(w, call, err)
		return
	}

	s.writeJSON(w, http.StatusOK, batchResponse{Results: results})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	h, ok := s.handleParam(w, r)
	if !ok {
		return
	}

	call := s.beginCall(protocol.ActionClose)
	call.Handle = uint64(h)
	err := s.bridge.Close(r.Context(), h)
	s.finishCall(r.Context(), call, err)
	if err != nil {
		s.writeCallError(w, call, err)
		return
	}

	s.writeJSON(w, http.StatusOK, closeResponse{Closed: true})
}

func (s *Server) handleParam(w http.ResponseWriter, r *http.Request) (protocol.Handle, bool) {
	h, err := protocol.ParseHandle(chi.URLParam(r, "handle"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return h, true
}

func (s *Server) beginCall(action protocol.Action) *model.Call {
	return &model.Call{
		ID:        model.NewID(),
		Action:    string(action),
		Outcome:   model.OutcomeOK,
		CreatedAt: time.Now().UTC(),
	}
}

// finishCall completes c with the outcome of err, counts it, and writes it
// to the journal. Journal failures are logged and never fail the request.
func (s *Server) finishCall(ctx context.Context, c *model.Call, err error) {
	c.DurationMS = time.Since(c.CreatedAt).Milliseconds()
	if err != nil {
		c.Outcome = model.OutcomeError
		c.Error = err.Error()
		var de *dispatcher.Error
		if errors.As(err, &de) {
			c.ErrorKind = de.Kind.String()
			c.ErrorCode = de.Code
			c.Error = de.Message
		} else if errors.Is(err, context.Canceled) {
			c.ErrorKind = "canceled"
		}
	}

	recordCall(c)
	if jerr := s.journal.Record(context.WithoutCancel(ctx), c); jerr != nil {
		s.logger.Error("record call", "id", c.ID, "error", jerr)
	}
}

// statusForError maps a bridge call failure to an HTTP status.
func statusForError(err error) int {
	switch dispatcher.KindOf(err) {
	case dispatcher.KindExecution:
		return http.StatusUnprocessableEntity
	case dispatcher.KindProtocol:
		return http.StatusBadGateway
	case dispatcher.KindEngineInit, dispatcher.KindTerminated:
		return http.StatusServiceUnavailable
	case dispatcher.KindTimeout:
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		// Client went away; nobody reads this.
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeCallError(w http.ResponseWriter, c *model.Call, err error) {
	resp := callErrorResponse{
		Error:  err.Error(),
		CallID: c.ID,
	}
	var de *dispatcher.Error
	if errors.As(err, &de) {
		resp.Error = de.Message
		resp.Kind = de.Kind.String()
		resp.Code = de.Code
		if de.Index >= 0 {
			idx := de.Index
			resp.Index = &idx
			resp.Partial = de.Partial
		}
	}
	s.writeJSON(w, statusForError(err), resp)
}

// decodeBody decodes a size-limited JSON body. Numbers stay json.Number so
// 64-bit integer parameters reach the engine intact.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

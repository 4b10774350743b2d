package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/seantiz/sqlbridge/internal/diag"
)

// handleStreamDiagnostics streams protocol diagnostics as server-sent
// events. With ?recent=N the N most recent events are replayed first.
func (s *Server) handleStreamDiagnostics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribe before replaying so nothing reported in between is lost.
	ch, unsub := s.diag.Subscribe()
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	if n := parseIntQuery(r, "recent", 0); n > 0 {
		for _, ev := range s.diag.Recent(n) {
			if err := writeSSEEvent(w, ev); err != nil {
				return
			}
		}
	}
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_, _ = fmt.Fprint(w, "event: done\ndata: stream closed\n\n")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEEvent(w, ev); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// writeSSEEvent writes ev as a "diagnostic" event with a JSON payload.
func writeSSEEvent(w http.ResponseWriter, ev diag.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: diagnostic\ndata: %s\n\n", data)
	return err
}

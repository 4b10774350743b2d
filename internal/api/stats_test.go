package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seantiz/sqlbridge/internal/dispatcher"
)

func TestGetStatsEmpty(t *testing.T) {
	srv := newStubServer(t, &stubBridge{state: dispatcher.StateReady})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var stats statsResponse
	if status := do(t, ts, "GET", "/v1/stats", nil, &stats); status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}

	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("avg_duration_ms = %f, want 0", stats.AvgDurationMS)
	}
	if stats.Executor != "ready" {
		t.Errorf("executor = %q, want ready", stats.Executor)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	h := openHandle(t, ts)
	do(t, ts, "POST", handlePath(h, "/exec"), execRequest{SQL: "SELECT 1"}, nil)
	do(t, ts, "POST", handlePath(h, "/exec"), execRequest{SQL: "SELECT * FROM missing"}, nil)
	do(t, ts, "DELETE", handlePath(h, ""), nil, nil)

	var stats statsResponse
	if status := do(t, ts, "GET", "/v1/stats", nil, &stats); status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}

	if stats.Total != 4 {
		t.Errorf("total = %d, want 4", stats.Total)
	}
	if stats.ByAction["exec"] != 2 || stats.ByAction["open"] != 1 || stats.ByAction["close"] != 1 {
		t.Errorf("by_action = %v", stats.ByAction)
	}
	if stats.ByOutcome["error"] != 1 || stats.ByOutcome["ok"] != 3 {
		t.Errorf("by_outcome = %v", stats.ByOutcome)
	}
	if stats.ByErrorKind["execution"] != 1 {
		t.Errorf("by_error_kind = %v", stats.ByErrorKind)
	}
}

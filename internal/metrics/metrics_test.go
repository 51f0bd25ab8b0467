package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordValues(t *testing.T) {
	m, reg := New()

	m.SetConnQueueDepth(3)
	m.SetTaskQueueDepth(7)
	m.SessionCreated()
	m.SetActiveSessions(1)
	m.SetWorkerBusy("0", true)
	m.AddBytesTransferred("upload", 1024)
	m.CommandProcessed("UPLOAD")
	m.CommandFailed("UPLOAD", "QUOTA_EXCEEDED")

	if got := testutil.ToFloat64(m.connQueueDepth); got != 3 {
		t.Errorf("connQueueDepth = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.taskQueueDepth); got != 7 {
		t.Errorf("taskQueueDepth = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.sessionsTotal); got != 1 {
		t.Errorf("sessionsTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.activeSessions); got != 1 {
		t.Errorf("activeSessions = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var found bool
	for _, fam := range families {
		if fam.GetName() == "stashd_bytes_transferred_total" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected stashd_bytes_transferred_total to be registered")
	}
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.SetConnQueueDepth(1)
	m.SetTaskQueueDepth(1)
	m.SessionCreated()
	m.SetActiveSessions(1)
	m.SetWorkerBusy("0", true)
	m.AddBytesTransferred("upload", 1)
	m.CommandProcessed("LIST")
	m.CommandFailed("LIST", "ERROR")
}

func TestHandlerServesMetrics(t *testing.T) {
	_, reg := New()
	h := Handler(reg)
	if h == nil {
		t.Fatalf("expected non-nil handler")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "stashd_sessions_total") {
		t.Fatalf("expected stashd_sessions_total in /metrics output")
	}
}

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveAcquisition("started", time.Second)
	m.ExecutionStarted("atomic")
	m.ExecutionHarvested("published")
	m.SetInstances(map[string]int{"idle": 1})
	m.ObserveHTTP("/ping", http.StatusOK, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status for nil metrics handler: %d", rec.Code)
	}
}

func TestCountersAreExported(t *testing.T) {
	t.Parallel()

	m := New()
	m.ObserveAcquisition("started", 2*time.Second)
	m.ObserveAcquisition("failed", time.Second)
	m.ExecutionStarted("indices")
	m.SetInstances(map[string]int{"bound": 2, "idle": 1})
	m.SetInstances(map[string]int{"idle": 3})

	if got := testutil.ToFloat64(m.Acquisitions.WithLabelValues("started")); got != 1 {
		t.Fatalf("unexpected started acquisitions: got %v want 1", got)
	}
	if got := testutil.ToFloat64(m.Instances.WithLabelValues("idle")); got != 3 {
		t.Fatalf("unexpected idle gauge: got %v want 3", got)
	}
	if got := testutil.CollectAndCount(m.Instances); got != 1 {
		t.Fatalf("expected reset to drop stale states, got %d series", got)
	}

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"plz_instance_acquisitions_total", "plz_executions_started_total", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("expected %q in exposition", want)
		}
	}
}

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestServerExposesMetrics(t *testing.T) {
	DecisionsTotal.WithLabelValues("BLOCK", "schedule").Inc()

	srv := NewServer("127.0.0.1:0", zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `blockd_decisions_total{action="BLOCK",reason="schedule"}`) {
		t.Errorf("decision counter missing from /metrics output")
	}
}

func TestServerHealth(t *testing.T) {
	srv := NewServer("127.0.0.1:0", zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

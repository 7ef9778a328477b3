package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/execution"
)

var _ execution.Observer = (*Metrics)(nil)

func TestMetricsCountEngineEvents(t *testing.T) {
	m := NewMetrics()
	m.StepFinished("swap_eth_to_usdc", execution.StatusCompleted, 2*time.Second)
	m.StepFinished("swap_eth_to_usdc", execution.StatusCompleted, time.Second)
	m.StepFinished("stake_eth", execution.StatusError, time.Second)
	m.Shortfall("ETH")
	m.ExecutionFinished(execution.OutcomeCompensatedPartial)

	if got := testutil.ToFloat64(m.steps.WithLabelValues("swap_eth_to_usdc", "completed")); got != 2 {
		t.Fatalf("expected 2 completed swaps, got %v", got)
	}
	if got := testutil.ToFloat64(m.shortfalls.WithLabelValues("ETH")); got != 1 {
		t.Fatalf("expected 1 shortfall, got %v", got)
	}
	if got := testutil.ToFloat64(m.executions.WithLabelValues("compensated_partial")); got != 1 {
		t.Fatalf("expected 1 partial compensation, got %v", got)
	}
}

func TestMetricsHandlerAndMiddleware(t *testing.T) {
	m := NewMetrics()
	h := m.Middleware("executions")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/executions", nil))

	if got := testutil.ToFloat64(m.requests.WithLabelValues("executions", "POST", "202")); got != 1 {
		t.Fatalf("expected one recorded request, got %v", got)
	}

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "orchestrator_http_requests_total") {
		t.Fatalf("expected request metric in scrape output")
	}
}

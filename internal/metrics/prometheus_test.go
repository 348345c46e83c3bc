package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetrics_HTTPHandlerServes(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.SetConnectionState("connected")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	handler := promhttp.HandlerFor(pm.GetRegistry(), promhttp.HandlerOpts{})
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `scanlink_connection_state{state="connected"} 1`) {
		t.Fatalf("expected connection state metric in output")
	}
}

func TestPrometheusMetrics_ConnectionState(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.SetConnectionState("connecting")
	pm.SetConnectionState("connected")

	if got := testutil.ToFloat64(pm.connectionState.WithLabelValues("connected")); got != 1 {
		t.Errorf("expected connected=1, got %v", got)
	}
	if got := testutil.ToFloat64(pm.connectionState.WithLabelValues("connecting")); got != 0 {
		t.Errorf("expected connecting=0, got %v", got)
	}
	if count := testutil.CollectAndCount(pm.connectionState); count != len(connectionStates) {
		t.Errorf("expected %d state series, got %d", len(connectionStates), count)
	}
}

func TestPrometheusMetrics_Counters(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.IncrementConnectAttempts("success")
	pm.IncrementConnectAttempts("failure")
	pm.IncrementConnectAttempts("failure")
	pm.IncrementReconnects()
	pm.SetGeneration(4)

	if got := testutil.ToFloat64(pm.connectAttempts.WithLabelValues("failure")); got != 2 {
		t.Errorf("expected 2 failures, got %v", got)
	}
	if got := testutil.ToFloat64(pm.reconnects); got != 1 {
		t.Errorf("expected 1 reconnect, got %v", got)
	}
	if got := testutil.ToFloat64(pm.generation); got != 4 {
		t.Errorf("expected generation 4, got %v", got)
	}
}

func TestPrometheusMetrics_Requests(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.RecordRequest("subnet.list", "success", 10*time.Millisecond)
	pm.RecordRequest("subnet.list", "timeout", 30*time.Second)
	pm.RecordRequest("app.info", "success", time.Millisecond)
	pm.SetPendingRequests(3)

	if count := testutil.CollectAndCount(pm.requestsTotal); count != 3 {
		t.Errorf("expected 3 label combinations, got %d", count)
	}
	if count := testutil.CollectAndCount(pm.requestDuration); count != 2 {
		t.Errorf("expected 2 histogram series, got %d", count)
	}
	if got := testutil.ToFloat64(pm.pendingRequests); got != 3 {
		t.Errorf("expected pending 3, got %v", got)
	}
}

func TestPrometheusMetrics_EventsAndScan(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.IncrementEvents("scan.update")
	pm.IncrementEvents("scan.update")
	pm.IncrementDroppedFrames("unknown_id")
	pm.SetScanState(12, 0.5)

	if got := testutil.ToFloat64(pm.eventsTotal.WithLabelValues("scan.update")); got != 2 {
		t.Errorf("expected 2 update events, got %v", got)
	}
	if got := testutil.ToFloat64(pm.droppedFrames.WithLabelValues("unknown_id")); got != 1 {
		t.Errorf("expected 1 dropped frame, got %v", got)
	}
	if got := testutil.ToFloat64(pm.devices); got != 12 {
		t.Errorf("expected 12 devices, got %v", got)
	}
	if got := testutil.ToFloat64(pm.scanProgress); got != 0.5 {
		t.Errorf("expected progress 0.5, got %v", got)
	}
}

func TestPrometheusMetrics_NilSafe(t *testing.T) {
	var pm *PrometheusMetrics

	pm.SetConnectionState("connected")
	pm.IncrementConnectAttempts("success")
	pm.IncrementReconnects()
	pm.SetGeneration(1)
	pm.RecordRequest("a", "success", time.Second)
	pm.SetPendingRequests(1)
	pm.IncrementEvents("e")
	pm.IncrementDroppedFrames("r")
	pm.SetScanState(1, 1)
}

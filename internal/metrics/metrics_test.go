package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersByLabel(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Received(PathRTP)
	m.Received(PathRTP)
	m.Forwarded(PathRTCP)
	m.Dropped(PathRTCP, DropReasonEmptyCompound)
	m.SSRCLearned(PathRTP)
	m.PayloadTypeRewritten()
	m.BindConflict()
	m.BindConflict()

	if got := testutil.ToFloat64(m.packetsReceived.WithLabelValues(PathRTP)); got != 2 {
		t.Fatalf("received rtp=%v, want 2", got)
	}
	if got := testutil.ToFloat64(m.packetsForwarded.WithLabelValues(PathRTCP)); got != 1 {
		t.Fatalf("forwarded rtcp=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.packetsDropped.WithLabelValues(PathRTCP, DropReasonEmptyCompound)); got != 1 {
		t.Fatalf("dropped rtcp/empty_compound=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ssrcLearned.WithLabelValues(PathRTP)); got != 1 {
		t.Fatalf("ssrc learned rtp=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.payloadRewrites); got != 1 {
		t.Fatalf("payload rewrites=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.bindConflicts); got != 2 {
		t.Fatalf("bind conflicts=%v, want 2", got)
	}
}

func TestActiveProxiesGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ProxyUp()
	m.ProxyUp()
	m.ProxyDown()
	if got := testutil.ToFloat64(m.activeProxies); got != 1 {
		t.Fatalf("active proxies=%v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Received(PathRTP)
	m.Forwarded(PathRTP)
	m.Dropped(PathRTP, DropReasonNotBound)
	m.SSRCLearned(PathRTCP)
	m.PayloadTypeRewritten()
	m.BindConflict()
	m.ProxyUp()
	m.ProxyDown()

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusInternalServerError)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Dropped(PathSendBack, DropReasonUnconfiguredDestination)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}
	body := rr.Body.String()
	want := `aero_hap_rtp_relay_packets_dropped_total{path="send_back",reason="unconfigured_destination"} 1`
	if !strings.Contains(body, want) {
		t.Fatalf("missing %q in:\n%s", want, body)
	}
	if !strings.Contains(body, "# TYPE aero_hap_rtp_relay_active_proxies gauge") {
		t.Fatalf("missing active_proxies gauge in:\n%s", body)
	}
}

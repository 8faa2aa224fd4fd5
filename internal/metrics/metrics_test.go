package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandler_nilMetrics(t *testing.T) {
	var m *Metrics
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	m.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if got := rr.Body.String(); !strings.Contains(got, "metrics unavailable") {
		t.Fatalf("expected body to mention metrics unavailable, got %q", got)
	}

	// Recording on a nil registry must be a no-op.
	m.IncAccountOp("create", "ok")
	m.SetInterfaceRate("r1", "ether1", "rx", 10, true)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	return rr.Body.String()
}

func TestHandler_exposesRegisteredMetrics(t *testing.T) {
	m := New()
	m.ObserveHTTPRequest(http.MethodGet, "/readyz", http.StatusOK, 12*time.Millisecond)
	m.ObserveDevicePass("scheduled", "online", 300*time.Millisecond)
	m.IncAccountOp("create", "ok")
	m.IncIncidentEvent("cpu", "opened")
	m.SetInterfaceRate("r1", "ether1", "rx", 8000, true)

	body := scrape(t, m)
	for _, want := range []string{
		"accessgrid_http_requests_total{method=\"GET\",path=\"/readyz\",status=\"200\"} 1",
		"accessgrid_device_passes_total{result=\"online\",trigger=\"scheduled\"} 1",
		"accessgrid_device_pass_duration_seconds_count{trigger=\"scheduled\"} 1",
		"accessgrid_account_ops_total{op=\"create\",result=\"ok\"} 1",
		"accessgrid_incident_events_total{event=\"opened\",fault_type=\"cpu\"} 1",
		"accessgrid_interface_bits_per_second{device_id=\"r1\",direction=\"rx\",interface=\"ether1\"} 8000",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in scrape; body=%s", want, body)
		}
	}
}

func TestSetInterfaceRate_unknownDropsSeries(t *testing.T) {
	m := New()
	m.SetInterfaceRate("r1", "ether1", "tx", 1000, true)
	m.SetInterfaceRate("r1", "ether1", "tx", 0, false)

	if body := scrape(t, m); strings.Contains(body, "accessgrid_interface_bits_per_second{") {
		t.Fatalf("expected unknown rate to remove the series; body=%s", body)
	}
}

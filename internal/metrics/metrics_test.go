package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecordRequestAppearsInHandlerOutput(t *testing.T) {
	m := New()
	m.RecordRequest("chat_completions", "ok")
	m.ObserveUpstreamDuration(true, 250*time.Millisecond)
	m.RecordRefresh("ok")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"proxy_requests_total",
		"proxy_upstream_duration_seconds",
		"proxy_oauth_refresh_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsMethodsAreNoops(t *testing.T) {
	var m *Metrics
	// None of these should panic on a nil *Metrics.
	m.RecordRequest("x", "y")
	m.ObserveUpstreamDuration(false, time.Second)
	m.RecordRefresh("ok")
}

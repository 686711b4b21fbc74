package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesRegisteredCounters(t *testing.T) {
	tel := New()
	tel.SessionsCreated.Inc()
	tel.SessionsClosed.WithLabelValues("ClosedGraceful").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "shellmux_sessions_created_total 1") {
		t.Fatalf("expected sessions_created_total in output, got:\n%s", body)
	}
	if !strings.Contains(body, `shellmux_sessions_closed_total{state="ClosedGraceful"} 1`) {
		t.Fatalf("expected labeled sessions_closed_total in output, got:\n%s", body)
	}
}

func TestHealthzHandlerReturnsOK(t *testing.T) {
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	HealthzHandler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opencustody/settler/internal/core/domain"
)

type stubChecker struct {
	report      domain.HealthReport
	maintenance bool
}

func (s *stubChecker) HealthCheck(context.Context) domain.HealthReport { return s.report }
func (s *stubChecker) InMaintenance() bool                             { return s.maintenance }

func serveHealth(t *testing.T, checker *stubChecker, path string) *httptest.ResponseRecorder {
	t.Helper()
	srv := NewServer(checker, 0)
	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body["status"]
}

func TestHealthyReport(t *testing.T) {
	checker := &stubChecker{
		report: domain.HealthReport{RPC: domain.ConnHealth{Connected: true, BlockHeight: 100}},
	}
	rec := serveHealth(t, checker, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("code = %d", rec.Code)
	}
	if got := decodeStatus(t, rec); got != "healthy" {
		t.Errorf("status = %s", got)
	}
}

func TestDisconnectedIsCritical(t *testing.T) {
	checker := &stubChecker{
		report: domain.HealthReport{RPC: domain.ConnHealth{Connected: false, Error: "not connected"}},
	}
	rec := serveHealth(t, checker, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d", rec.Code)
	}
	if got := decodeStatus(t, rec); got != "critical" {
		t.Errorf("status = %s", got)
	}
}

func TestDeadStreamIsDegraded(t *testing.T) {
	checker := &stubChecker{
		report: domain.HealthReport{
			RPC:    domain.ConnHealth{Connected: true},
			Stream: &domain.ConnHealth{Connected: false},
		},
	}
	rec := serveHealth(t, checker, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("code = %d", rec.Code)
	}
	if got := decodeStatus(t, rec); got != "degraded" {
		t.Errorf("status = %s", got)
	}
}

func TestMaintenanceMode(t *testing.T) {
	checker := &stubChecker{
		report:      domain.HealthReport{RPC: domain.ConnHealth{Connected: true}},
		maintenance: true,
	}
	rec := serveHealth(t, checker, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d", rec.Code)
	}
	if got := decodeStatus(t, rec); got != "maintenance" {
		t.Errorf("status = %s", got)
	}
}

func TestDetailedReport(t *testing.T) {
	checker := &stubChecker{
		report: domain.HealthReport{RPC: domain.ConnHealth{Connected: true, BlockHeight: 42, Endpoint: "primary"}},
	}
	rec := serveHealth(t, checker, "/health/detailed")
	if rec.Code != http.StatusOK {
		t.Errorf("code = %d", rec.Code)
	}

	var body struct {
		Maintenance bool                `json:"maintenance"`
		Report      domain.HealthReport `json:"report"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Maintenance || body.Report.RPC.BlockHeight != 42 {
		t.Errorf("body = %+v", body)
	}
}

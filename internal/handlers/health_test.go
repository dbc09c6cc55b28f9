package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/nucleotide-health/orders/internal/domain"
	"github.com/nucleotide-health/orders/internal/services"
)

type stubSystemService struct {
	report services.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

func TestHealthHandlers(t *testing.T) {
	now := time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	build := services.BuildInfo{Version: "1.4.0", CommitSHA: "abc123", Environment: "staging", StartedAt: now.Add(-90 * time.Second)}

	t.Run("healthz", func(t *testing.T) {
		h := NewHealthHandlers(WithHealthBuildInfo(build), WithHealthClock(clock))
		rr := doRequest(t, NewRouter(WithHealthHandlers(h)), http.MethodGet, "/healthz", "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		body := decodeBody[healthzResponse](t, rr)
		if body.Status != "ok" || body.Version != "1.4.0" || body.CommitSHA != "abc123" || body.Environment != "staging" {
			t.Fatalf("unexpected body %+v", body)
		}
		if body.Uptime != "1m30s" {
			t.Fatalf("expected uptime 1m30s, got %s", body.Uptime)
		}
	})

	t.Run("readyz ok", func(t *testing.T) {
		system := &stubSystemService{report: services.SystemHealthReport{
			Status:  domain.HealthStatusOK,
			Version: "1.4.0",
			Uptime:  time.Hour,
			Checks: map[string]domain.SystemHealthCheck{
				"postgres": {Status: domain.HealthStatusOK, Latency: 4 * time.Millisecond, CheckedAt: now},
				"redis":    {Status: domain.HealthStatusOK, Latency: time.Millisecond, CheckedAt: now},
			},
			GeneratedAt: now,
		}}
		h := NewHealthHandlers(WithHealthSystemService(system), WithHealthClock(clock))
		rr := doRequest(t, NewRouter(WithHealthHandlers(h)), http.MethodGet, "/readyz", "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		body := decodeBody[readyzResponse](t, rr)
		if body.Checks["postgres"].LatencyMS != 4 || len(body.Details) != 0 {
			t.Fatalf("unexpected readiness body %+v", body)
		}
	})

	t.Run("readyz degraded", func(t *testing.T) {
		system := &stubSystemService{report: services.SystemHealthReport{
			Status: domain.HealthStatusDegraded,
			Checks: map[string]domain.SystemHealthCheck{
				"postgres": {Status: domain.HealthStatusOK},
				"redis":    {Status: domain.HealthStatusError, Detail: "dial tcp: connection refused"},
			},
		}}
		h := NewHealthHandlers(WithHealthSystemService(system), WithHealthClock(clock))
		rr := doRequest(t, NewRouter(WithHealthHandlers(h)), http.MethodGet, "/readyz", "", nil)
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rr.Code)
		}
		body := decodeBody[readyzResponse](t, rr)
		if len(body.Details) != 1 || body.Details[0] != "redis: dial tcp: connection refused" {
			t.Fatalf("unexpected details %v", body.Details)
		}
		if body.GeneratedAt != "2025-11-03T10:00:00Z" {
			t.Fatalf("expected clock fallback for generatedAt, got %s", body.GeneratedAt)
		}
	})

	t.Run("readyz error", func(t *testing.T) {
		h := NewHealthHandlers(WithHealthSystemService(&stubSystemService{err: errors.New("boom")}))
		rr := doRequest(t, NewRouter(WithHealthHandlers(h)), http.MethodGet, "/readyz", "", nil)
		if rr.Code != http.StatusServiceUnavailable || errorCode(t, rr) != "health_unavailable" {
			t.Fatalf("expected 503 health_unavailable, got %d %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("readyz without system service", func(t *testing.T) {
		rr := doRequest(t, NewRouter(), http.MethodGet, "/readyz", "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
	})
}

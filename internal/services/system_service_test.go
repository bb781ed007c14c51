package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/etagpay/checkout/internal/domain"
)

type stubHealthRepository struct {
	report domain.SystemHealthReport
	err    error
	calls  int
}

func (s *stubHealthRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	s.calls++
	return s.report, s.err
}

func TestHealthReportFillsBuildMetadata(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	repo := &stubHealthRepository{
		report: domain.SystemHealthReport{
			Checks: map[string]domain.SystemHealthCheck{
				"firestore": {Status: domain.HealthStatusOK},
			},
		},
	}
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: repo,
		Clock:            func() time.Time { return now },
		Build: BuildInfo{
			Version:     "1.4.0",
			CommitSHA:   "abc1234",
			Environment: "staging",
			StartedAt:   now.Add(-2 * time.Hour),
		},
	})
	if err != nil {
		t.Fatalf("new system service: %v", err)
	}

	report, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("health report: %v", err)
	}
	if repo.calls != 1 {
		t.Fatalf("expected one collect call, got %d", repo.calls)
	}
	if report.Version != "1.4.0" || report.CommitSHA != "abc1234" || report.Environment != "staging" {
		t.Fatalf("build metadata missing: %+v", report)
	}
	if report.Uptime != 2*time.Hour {
		t.Fatalf("unexpected uptime %v", report.Uptime)
	}
	if !report.GeneratedAt.Equal(now) {
		t.Fatalf("unexpected generated at %v", report.GeneratedAt)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("unexpected status %q", report.Status)
	}
}

func TestHealthReportDerivesWorstStatus(t *testing.T) {
	cases := []struct {
		name   string
		checks map[string]domain.SystemHealthCheck
		want   domain.HealthStatus
	}{
		{
			name: "degraded dependency",
			checks: map[string]domain.SystemHealthCheck{
				"firestore": {Status: domain.HealthStatusOK},
				"orders":    {Status: domain.HealthStatusDegraded},
			},
			want: domain.HealthStatusDegraded,
		},
		{
			name: "failed dependency wins",
			checks: map[string]domain.SystemHealthCheck{
				"orders": {Status: domain.HealthStatusDegraded},
				"cards":  {Status: domain.HealthStatusError},
			},
			want: domain.HealthStatusError,
		},
		{
			name:   "no checks",
			checks: nil,
			want:   domain.HealthStatusOK,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &stubHealthRepository{report: domain.SystemHealthReport{Checks: tc.checks}}
			svc, err := NewSystemService(SystemServiceDeps{HealthRepository: repo})
			if err != nil {
				t.Fatalf("new system service: %v", err)
			}

			report, err := svc.HealthReport(context.Background())
			if err != nil {
				t.Fatalf("health report: %v", err)
			}
			if report.Status != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, report.Status)
			}
		})
	}
}

func TestHealthReportPropagatesCollectFailure(t *testing.T) {
	repoErr := errors.New("collect failed")
	svc, err := NewSystemService(SystemServiceDeps{
		HealthRepository: &stubHealthRepository{err: repoErr},
	})
	if err != nil {
		t.Fatalf("new system service: %v", err)
	}

	if _, err := svc.HealthReport(context.Background()); !errors.Is(err, repoErr) {
		t.Fatalf("expected collect error, got %v", err)
	}
}

func TestNewSystemServiceRequiresHealthRepository(t *testing.T) {
	if _, err := NewSystemService(SystemServiceDeps{}); err == nil {
		t.Fatalf("expected dependency validation error")
	}
}

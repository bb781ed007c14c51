package domain

import "time"

// HealthStatus categorises the outcome of a dependency probe.
type HealthStatus string

const (
	// HealthStatusOK reports a healthy dependency.
	HealthStatusOK HealthStatus = "ok"
	// HealthStatusDegraded reports a dependency answering with errors.
	HealthStatusDegraded HealthStatus = "degraded"
	// HealthStatusError reports an unreachable or timed-out dependency.
	HealthStatusError HealthStatus = "error"
)

// SystemHealthCheck records one dependency probe result.
type SystemHealthCheck struct {
	Status    HealthStatus
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency probes for readiness reporting.
type SystemHealthReport struct {
	Status      HealthStatus
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

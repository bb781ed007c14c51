package repositories

import (
	"context"
	"time"

	domain "github.com/etagpay/checkout/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Sessions() SessionRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// SessionRepository persists checkout sessions with optimistic locking.
type SessionRepository interface {
	// Insert stores a new session and fails with a conflict when the id exists.
	Insert(ctx context.Context, session domain.CheckoutSession) (domain.CheckoutSession, error)
	// FindByID loads one session.
	FindByID(ctx context.Context, sessionID string) (domain.CheckoutSession, error)
	// Update rewrites a session. When expectedUpdatedAt is non-nil the write
	// fails with a conflict unless the stored document still carries that
	// update time.
	Update(ctx context.Context, session domain.CheckoutSession, expectedUpdatedAt *time.Time) (domain.CheckoutSession, error)
	// Delete removes a session. Deleting an absent session is not an error.
	Delete(ctx context.Context, sessionID string) error
	// ListExpired returns up to limit sessions whose retention deadline
	// passed before now, oldest first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.CheckoutSession, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

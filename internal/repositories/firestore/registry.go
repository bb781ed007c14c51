package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/etagpay/checkout/internal/platform/firestore"
	"github.com/etagpay/checkout/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry contract.
type Registry struct {
	provider *pfirestore.Provider
	sessions *SessionRepository
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires the Firestore repositories. The health repository is
// supplied by the caller because its dependency probes reach beyond Firestore.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}
	sessions, err := NewSessionRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Registry{
		provider: provider,
		sessions: sessions,
		health:   health,
	}, nil
}

// Sessions returns the checkout session repository.
func (r *Registry) Sessions() repositories.SessionRepository {
	if r == nil {
		return nil
	}
	return r.sessions
}

// Health returns the dependency health repository, which may be nil when no
// probes were configured.
func (r *Registry) Health() repositories.HealthRepository {
	if r == nil {
		return nil
	}
	return r.health
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

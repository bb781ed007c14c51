package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/etagpay/checkout/internal/platform/config"
	"github.com/etagpay/checkout/internal/repositories"
	"github.com/etagpay/checkout/internal/services"
)

// Gateways bundles the upstream collaborators the checkout workflow calls out
// to. They are constructed by the entrypoint because their clients carry
// credentials and transport configuration.
type Gateways struct {
	Orders   services.OrderGateway
	Cards    services.CardGateway
	Payments services.PaymentDispatcher
	Cleanup  services.CleanupQueue
}

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Checkout   services.CheckoutService
	Activation services.ActivationService
	System     services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// Option customises container construction.
type Option func(*containerConfig)

type containerConfig struct {
	build  services.BuildInfo
	logger func(ctx context.Context, event string, fields map[string]any)
}

// WithBuildInfo sets the build metadata surfaced by the system service.
func WithBuildInfo(build services.BuildInfo) Option {
	return func(cfg *containerConfig) {
		cfg.build = build
	}
}

// WithEventLogger sets the structured event logger passed to services.
func WithEventLogger(logger func(ctx context.Context, event string, fields map[string]any)) Option {
	return func(cfg *containerConfig) {
		cfg.logger = logger
	}
}

// NewContainer assembles the runtime service graph. Tests can supply in-memory
// registries and stub gateways.
func NewContainer(cfg config.Config, reg repositories.Registry, gw Gateways, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	var options containerConfig
	for _, opt := range opts {
		opt(&options)
	}

	svc, err := buildServices(cfg, reg, gw, options)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(cfg config.Config, reg repositories.Registry, gw Gateways, options containerConfig) (Services, error) {
	var svc Services

	checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Sessions:   reg.Sessions(),
		Orders:     gw.Orders,
		Cards:      gw.Cards,
		Payments:   gw.Payments,
		Cleanup:    gw.Cleanup,
		Clock:      time.Now,
		Logger:     options.logger,
		SessionTTL: cfg.Session.TTL,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkoutSvc

	activationSvc, err := services.NewActivationService(services.ActivationServiceDeps{
		Cards:  gw.Cards,
		Logger: options.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build activation service: %w", err)
	}
	svc.Activation = activationSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            time.Now,
			Build:            options.build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}

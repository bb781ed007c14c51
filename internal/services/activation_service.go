package services

import (
	"context"
	"errors"
	"strings"

	"github.com/etagpay/checkout/internal/gateways/cards"
)

var (
	// ErrActivationInvalidInput indicates the activation request was incomplete.
	ErrActivationInvalidInput = errors.New("activation: invalid input")
	// ErrActivationCardNotFound indicates the card id is unknown upstream.
	ErrActivationCardNotFound = errors.New("activation: card not found")
	// ErrActivationRejected indicates the provisioning backend refused the activation.
	ErrActivationRejected = errors.New("activation: rejected")
	// ErrActivationUnavailable indicates the provisioning backend could not be reached.
	ErrActivationUnavailable = errors.New("activation: unavailable")
)

// ActivationServiceDeps wires the dependencies required by the activation service.
type ActivationServiceDeps struct {
	Cards  CardGateway
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type activationService struct {
	cards  CardGateway
	logger func(ctx context.Context, event string, fields map[string]any)
}

// NewActivationService constructs an ActivationService.
func NewActivationService(deps ActivationServiceDeps) (ActivationService, error) {
	if deps.Cards == nil {
		return nil, errors.New("activation service: card gateway is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &activationService{
		cards:  deps.Cards,
		logger: logger,
	}, nil
}

// ActivateCard binds holder identity to one provisioned card.
func (s *activationService) ActivateCard(ctx context.Context, cmd ActivateCardCommand) error {
	if s == nil || s.cards == nil {
		return ErrActivationUnavailable
	}

	cardID := strings.TrimSpace(cmd.CardID)
	if cardID == "" {
		return ErrActivationInvalidInput
	}
	if strings.TrimSpace(cmd.Info.FullName) == "" || strings.TrimSpace(cmd.Info.PhoneNumber) == "" {
		return ErrActivationInvalidInput
	}

	if err := s.cards.ActivateCard(ctx, cardID, cmd.Info); err != nil {
		switch {
		case errors.Is(err, cards.ErrNotFound):
			return ErrActivationCardNotFound
		case errors.Is(err, cards.ErrActivation):
			return ErrActivationRejected
		default:
			s.logger(ctx, "activation.failed", map[string]any{
				"cardId": cardID,
				"error":  err.Error(),
			})
			return ErrActivationUnavailable
		}
	}

	s.logger(ctx, "activation.completed", map[string]any{"cardId": cardID})
	return nil
}

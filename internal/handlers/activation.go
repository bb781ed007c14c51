package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/etagpay/checkout/internal/domain"
	"github.com/etagpay/checkout/internal/platform/httpx"
	"github.com/etagpay/checkout/internal/services"
)

const maxActivationRequestBody = 4 * 1024

// ActivationHandlers exposes card activation endpoints for trusted callers.
type ActivationHandlers struct {
	activation services.ActivationService
}

// NewActivationHandlers constructs the activation handler set.
func NewActivationHandlers(activation services.ActivationService) *ActivationHandlers {
	return &ActivationHandlers{activation: activation}
}

// Routes registers activation endpoints under the provided router.
func (h *ActivationHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/cards/{cardId}/activate", h.activateCard)
}

type activateCardRequest struct {
	FullName    string `json:"fullName"`
	PhoneNumber string `json:"phoneNumber"`
	NationalID  string `json:"cccd,omitempty"`
}

type activateCardResponse struct {
	CardID string `json:"cardId"`
	Status string `json:"status"`
}

func (h *ActivationHandlers) activateCard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.activation == nil {
		httpx.WriteError(ctx, w, httpx.NewError("activation_unavailable", "activation service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxActivationRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req activateCardRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	cardID := chi.URLParam(r, "cardId")
	err = h.activation.ActivateCard(ctx, services.ActivateCardCommand{
		CardID: cardID,
		Info: domain.ActivationInfo{
			FullName:    strings.TrimSpace(req.FullName),
			PhoneNumber: strings.TrimSpace(req.PhoneNumber),
			NationalID:  strings.TrimSpace(req.NationalID),
		},
	})
	if err != nil {
		h.writeActivationError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, activateCardResponse{
		CardID: cardID,
		Status: "activated",
	})
}

func (h *ActivationHandlers) writeActivationError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrActivationInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrActivationCardNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("card_not_found", "card not found", http.StatusNotFound))
	case errors.Is(err, services.ErrActivationRejected):
		httpx.WriteError(ctx, w, httpx.NewError("activation_rejected", "card activation was rejected", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrActivationUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("activation_unavailable", "activation service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("activation_error", "failed to activate card", http.StatusInternalServerError))
	}
}

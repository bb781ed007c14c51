package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/etagpay/checkout/internal/domain"
	"github.com/etagpay/checkout/internal/platform/httpx"
	"github.com/etagpay/checkout/internal/platform/requestctx"
	"github.com/etagpay/checkout/internal/services"
)

const (
	maxCheckoutRequestBody = 8 * 1024

	// OperatorHeader carries the counter operator identifier on API requests.
	OperatorHeader = "X-Operator-Id"

	dateLayout = "2006-01-02"
)

// OperatorMiddleware copies the operator header onto the request context so
// handlers and logging share one source.
func OperatorMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if next == nil {
			next = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if operator := strings.TrimSpace(r.Header.Get(OperatorHeader)); operator != "" {
				r = r.WithContext(requestctx.WithOperator(r.Context(), operator))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CheckoutHandlers exposes the counter checkout workflow endpoints.
type CheckoutHandlers struct {
	checkout    services.CheckoutService
	openLimiter rateLimiter
}

// CheckoutOption customises CheckoutHandlers construction.
type CheckoutOption func(*CheckoutHandlers)

// WithOpenSessionRateLimit throttles session creation per operator.
func WithOpenSessionRateLimit(limit int, window time.Duration) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.openLimiter = newSimpleRateLimiter(limit, window, nil)
	}
}

// NewCheckoutHandlers constructs the checkout handler set.
func NewCheckoutHandlers(checkout services.CheckoutService, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{checkout: checkout}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/sessions", h.openSession)
	r.Get("/sessions/{sessionId}", h.getSession)
	r.Post("/sessions/{sessionId}/customer-info", h.submitCustomerInfo)
	r.Post("/sessions/{sessionId}/card-info", h.confirmCardInfo)
	r.Post("/sessions/{sessionId}/confirm", h.confirmOrder)
	r.Post("/sessions/{sessionId}/cancel", h.cancel)
}

type customerInfoPayload struct {
	FullName    string `json:"fullName"`
	PhoneNumber string `json:"phoneNumber"`
	Address     string `json:"address,omitempty"`
	Gender      string `json:"gender,omitempty"`
	NationalID  string `json:"cccd,omitempty"`
}

type orderLinePayload struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	ImageURL  string `json:"imageUrl,omitempty"`
	UnitPrice int64  `json:"unitPrice"`
	Quantity  int    `json:"quantity"`
}

type submitCustomerInfoRequest struct {
	Customer      customerInfoPayload `json:"customer"`
	SaleType      string              `json:"saleType"`
	PaymentMethod string              `json:"paymentMethod"`
	CardTypeID    string              `json:"cardTypeId"`
	Line          orderLinePayload    `json:"line"`
}

type confirmCardInfoRequest struct {
	Quantity  int    `json:"quantity"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

type confirmOrderRequest struct {
	ReturnURL string `json:"returnUrl,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type confirmationPayload struct {
	CustomerInfo bool `json:"customerInfo"`
	CardInfo     bool `json:"cardInfo"`
	CashPayment  bool `json:"cashPayment"`
	Order        bool `json:"order"`
}

type sessionResponse struct {
	SessionID     string              `json:"sessionId"`
	OperatorID    string              `json:"operatorId,omitempty"`
	Confirmations confirmationPayload `json:"confirmations"`
	OrderID       string              `json:"orderId,omitempty"`
	InvoiceID     string              `json:"invoiceId,omitempty"`
	SaleType      string              `json:"saleType,omitempty"`
	PaymentMethod string              `json:"paymentMethod,omitempty"`
	CardTypeID    string              `json:"cardTypeId,omitempty"`
	Quantity      int                 `json:"quantity,omitempty"`
	TotalAmount   int64               `json:"totalAmount,omitempty"`
	CardIDs       []string            `json:"cardIds,omitempty"`
	StartDate     string              `json:"startDate,omitempty"`
	EndDate       string              `json:"endDate,omitempty"`
	ExpiresAt     string              `json:"expiresAt,omitempty"`
}

type confirmOrderResponse struct {
	SessionID   string   `json:"sessionId"`
	Finalized   bool     `json:"finalized"`
	RedirectURL string   `json:"redirectUrl,omitempty"`
	CardIDs     []string `json:"cardIds,omitempty"`
}

type cancelResponse struct {
	SessionID      string `json:"sessionId"`
	OrderDiscarded bool   `json:"orderDiscarded"`
	DiscardQueued  bool   `json:"discardQueued"`
}

func (h *CheckoutHandlers) openSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	operator := requestctx.Operator(ctx)
	if h.openLimiter != nil && !h.openLimiter.Allow(operator) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many sessions opened; slow down", http.StatusTooManyRequests))
		return
	}

	session, err := h.checkout.OpenSession(ctx, services.OpenSessionCommand{OperatorID: operator})
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, sessionPayload(session))
}

func (h *CheckoutHandlers) getSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	session, err := h.checkout.GetSession(ctx, chi.URLParam(r, "sessionId"))
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, sessionPayload(session))
}

func (h *CheckoutHandlers) submitCustomerInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req submitCustomerInfoRequest
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	cmd := services.SubmitCustomerInfoCommand{
		SessionID: chi.URLParam(r, "sessionId"),
		Customer: domain.CustomerInfo{
			FullName:    strings.TrimSpace(req.Customer.FullName),
			PhoneNumber: strings.TrimSpace(req.Customer.PhoneNumber),
			Address:     strings.TrimSpace(req.Customer.Address),
			Gender:      strings.TrimSpace(req.Customer.Gender),
			NationalID:  strings.TrimSpace(req.Customer.NationalID),
		},
		SaleType:      strings.TrimSpace(req.SaleType),
		PaymentMethod: strings.TrimSpace(req.PaymentMethod),
		CardTypeID:    strings.TrimSpace(req.CardTypeID),
		Line: domain.OrderLine{
			ProductID: strings.TrimSpace(req.Line.ProductID),
			Name:      strings.TrimSpace(req.Line.Name),
			ImageURL:  strings.TrimSpace(req.Line.ImageURL),
			UnitPrice: req.Line.UnitPrice,
			Quantity:  req.Line.Quantity,
		},
	}

	session, err := h.checkout.SubmitCustomerInfo(ctx, cmd)
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, sessionPayload(session))
}

func (h *CheckoutHandlers) confirmCardInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req confirmCardInfoRequest
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	window, err := parseWindow(req.StartDate, req.EndDate)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	session, err := h.checkout.ConfirmCardInfo(ctx, services.ConfirmCardInfoCommand{
		SessionID: chi.URLParam(r, "sessionId"),
		Quantity:  req.Quantity,
		Window:    window,
	})
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, sessionPayload(session))
}

func (h *CheckoutHandlers) confirmOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req confirmOrderRequest
	if r.Body != nil {
		body, err := readLimitedBody(r, maxCheckoutRequestBody)
		if err == nil && len(body) > 0 {
			if jsonErr := json.Unmarshal(body, &req); jsonErr != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
				return
			}
		} else if err != nil && errors.Is(err, errBodyTooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusRequestEntityTooLarge))
			return
		}
	}

	result, err := h.checkout.ConfirmOrder(ctx, services.ConfirmOrderCommand{
		SessionID: chi.URLParam(r, "sessionId"),
		ReturnURL: strings.TrimSpace(req.ReturnURL),
	})
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, confirmOrderResponse{
		SessionID:   result.Session.ID,
		Finalized:   result.Finalized,
		RedirectURL: result.RedirectURL,
		CardIDs:     result.CardIDs,
	})
}

func (h *CheckoutHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req cancelRequest
	if r.Body != nil {
		body, err := readLimitedBody(r, maxCheckoutRequestBody)
		if err == nil && len(body) > 0 {
			if jsonErr := json.Unmarshal(body, &req); jsonErr != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
				return
			}
		}
	}

	result, err := h.checkout.Cancel(ctx, services.CancelCommand{
		SessionID: chi.URLParam(r, "sessionId"),
		Reason:    strings.TrimSpace(req.Reason),
	})
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, cancelResponse{
		SessionID:      result.SessionID,
		OrderDiscarded: result.Compensation.Succeeded,
		DiscardQueued:  result.Compensation.Queued,
	})
}

func (h *CheckoutHandlers) decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}

func (h *CheckoutHandlers) writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutSessionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("session_not_found", "checkout session not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCheckoutUnsupportedMethod):
		httpx.WriteError(ctx, w, httpx.NewError("unsupported_payment_method", "payment method is not supported", http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutNotReady):
		httpx.WriteError(ctx, w, httpx.NewError("step_not_ready", "previous checkout steps are not confirmed", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutFinalized):
		httpx.WriteError(ctx, w, httpx.NewError("session_finalized", "checkout session is already finalized", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutConflict):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_conflict", "session has changed; reload and retry", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutOrderRejected):
		httpx.WriteError(ctx, w, httpx.NewError("order_rejected", "order backend rejected the draft order", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCheckoutProvisioningFailed):
		httpx.WriteError(ctx, w, httpx.NewError("provisioning_failed", "card batch could not be generated", http.StatusBadGateway))
	case errors.Is(err, services.ErrCheckoutPaymentFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", "payment could not be initiated", http.StatusBadGateway))
	case errors.Is(err, services.ErrCheckoutUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout request", http.StatusInternalServerError))
	}
}

func sessionPayload(session services.CheckoutSession) sessionResponse {
	resp := sessionResponse{
		SessionID:  session.ID,
		OperatorID: session.OperatorID,
		Confirmations: confirmationPayload{
			CustomerInfo: session.Confirmations.CustomerInfo,
			CardInfo:     session.Confirmations.CardInfo,
			CashPayment:  session.Confirmations.CashPayment,
			Order:        session.Confirmations.Order,
		},
		OrderID:       session.OrderID,
		InvoiceID:     session.InvoiceID,
		SaleType:      session.SaleType,
		PaymentMethod: session.PaymentMethod,
		CardTypeID:    session.CardTypeID,
		Quantity:      session.LineQuantity,
		TotalAmount:   session.TotalAmount,
		CardIDs:       session.CardIDs,
	}
	if session.Window != nil {
		resp.StartDate = session.Window.StartDate.Format(dateLayout)
		resp.EndDate = session.Window.EndDate.Format(dateLayout)
	}
	if !session.ExpiresAt.IsZero() {
		resp.ExpiresAt = session.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func parseWindow(start, end string) (domain.ActivationWindow, error) {
	startDate, err := time.Parse(dateLayout, strings.TrimSpace(start))
	if err != nil {
		return domain.ActivationWindow{}, errors.New("startDate must be formatted as YYYY-MM-DD")
	}
	endDate, err := time.Parse(dateLayout, strings.TrimSpace(end))
	if err != nil {
		return domain.ActivationWindow{}, errors.New("endDate must be formatted as YYYY-MM-DD")
	}
	return domain.ActivationWindow{StartDate: startDate, EndDate: endDate}, nil
}

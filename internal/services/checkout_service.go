package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/etagpay/checkout/internal/domain"
	"github.com/etagpay/checkout/internal/gateways/cards"
	"github.com/etagpay/checkout/internal/gateways/orders"
	"github.com/etagpay/checkout/internal/payments"
	"github.com/etagpay/checkout/internal/repositories"
)

const (
	defaultSessionTTL = 24 * time.Hour

	discardReasonCancelled = "checkout_cancelled"
	discardReasonExpired   = "checkout_expired"
	discardReasonPersist   = "checkout_persist_failed"
	discardReasonResubmit  = "checkout_resubmitted"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutSessionNotFound indicates the session id is unknown.
	ErrCheckoutSessionNotFound = errors.New("checkout: session not found")
	// ErrCheckoutNotReady indicates a step was attempted before its prerequisites were confirmed.
	ErrCheckoutNotReady = errors.New("checkout: step not ready")
	// ErrCheckoutFinalized indicates the session already reached a terminal confirmation.
	ErrCheckoutFinalized = errors.New("checkout: session finalized")
	// ErrCheckoutConflict indicates a concurrent modification prevented the step.
	ErrCheckoutConflict = errors.New("checkout: conflict")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrCheckoutOrderRejected indicates the order backend refused the draft.
	ErrCheckoutOrderRejected = errors.New("checkout: order rejected")
	// ErrCheckoutProvisioningFailed indicates the card batch could not be generated.
	ErrCheckoutProvisioningFailed = errors.New("checkout: provisioning failed")
	// ErrCheckoutPaymentFailed indicates the payment provider refused to open a payment.
	ErrCheckoutPaymentFailed = errors.New("checkout: payment failed")
	// ErrCheckoutUnsupportedMethod indicates the chosen payment method has no provider.
	ErrCheckoutUnsupportedMethod = errors.New("checkout: unsupported payment method")
)

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Sessions   repositories.SessionRepository
	Orders     OrderGateway
	Cards      CardGateway
	Payments   PaymentDispatcher
	Cleanup    CleanupQueue
	Clock      func() time.Time
	IDGen      func() string
	Logger     func(ctx context.Context, event string, fields map[string]any)
	SessionTTL time.Duration
}

type checkoutService struct {
	sessions   repositories.SessionRepository
	orders     OrderGateway
	cards      CardGateway
	payments   PaymentDispatcher
	cleanup    CleanupQueue
	now        func() time.Time
	idGen      func() string
	logger     func(ctx context.Context, event string, fields map[string]any)
	sessionTTL time.Duration
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Sessions == nil {
		return nil, errors.New("checkout service: session repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order gateway is required")
	}
	if deps.Cards == nil {
		return nil, errors.New("checkout service: card gateway is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout service: payment dispatcher is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGen
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	ttl := deps.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}

	return &checkoutService{
		sessions: deps.Sessions,
		orders:   deps.Orders,
		cards:    deps.Cards,
		payments: deps.Payments,
		cleanup:  deps.Cleanup,
		now: func() time.Time {
			return clock().UTC()
		},
		idGen:      idGen,
		logger:     logger,
		sessionTTL: ttl,
	}, nil
}

// OpenSession creates an empty session with all confirmations cleared.
func (s *checkoutService) OpenSession(ctx context.Context, cmd OpenSessionCommand) (CheckoutSession, error) {
	if s == nil || s.sessions == nil {
		return CheckoutSession{}, ErrCheckoutUnavailable
	}

	now := s.now()
	session := domain.CheckoutSession{
		ID:         s.idGen(),
		OperatorID: strings.TrimSpace(cmd.OperatorID),
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.sessionTTL),
	}

	saved, err := s.sessions.Insert(ctx, session)
	if err != nil {
		return CheckoutSession{}, s.translateSessionError(err)
	}

	s.logger(ctx, "checkout.session.opened", map[string]any{
		"sessionId":  saved.ID,
		"operatorId": saved.OperatorID,
	})
	return saved, nil
}

// GetSession loads a session by id.
func (s *checkoutService) GetSession(ctx context.Context, sessionID string) (CheckoutSession, error) {
	if s == nil || s.sessions == nil {
		return CheckoutSession{}, ErrCheckoutUnavailable
	}
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return CheckoutSession{}, ErrCheckoutInvalidInput
	}

	session, err := s.sessions.FindByID(ctx, id)
	if err != nil {
		return CheckoutSession{}, s.translateSessionError(err)
	}
	return session, nil
}

// SubmitCustomerInfo runs the first step: validate purchaser details and the
// selected package, create the draft order upstream, and record the receipt
// on the session. Resubmitting the form replaces the previous draft: the old
// order is discarded best effort before the new one is created, so at most
// one live draft hangs off a session. The new draft is discarded again if
// the session write fails.
func (s *checkoutService) SubmitCustomerInfo(ctx context.Context, cmd SubmitCustomerInfoCommand) (CheckoutSession, error) {
	if s == nil || s.sessions == nil || s.orders == nil {
		return CheckoutSession{}, ErrCheckoutUnavailable
	}

	method, ok := payments.ParseMethod(cmd.PaymentMethod)
	if !ok {
		return CheckoutSession{}, ErrCheckoutUnsupportedMethod
	}
	if err := cmd.Customer.Validate(); err != nil {
		return CheckoutSession{}, ErrCheckoutInvalidInput
	}
	if strings.TrimSpace(cmd.CardTypeID) == "" || cmd.Line.Quantity <= 0 || cmd.Line.UnitPrice < 0 {
		return CheckoutSession{}, ErrCheckoutInvalidInput
	}

	session, err := s.GetSession(ctx, cmd.SessionID)
	if err != nil {
		return CheckoutSession{}, err
	}
	if session.Confirmations.Finalized() {
		return CheckoutSession{}, ErrCheckoutFinalized
	}
	if session.Confirmations.CustomerInfo {
		// An earlier submission already attached a draft. Discard it before
		// creating the replacement; a failed discard is queued for the
		// cleanup worker and never blocks the resubmission.
		if session.HasDraftOrder() {
			s.compensateDraftOrder(ctx, session.ID, session.OrderID, discardReasonResubmit)
		}
		session.Confirmations.CustomerInfo = false
		session.Confirmations.CardInfo = false
		session.OrderID = ""
		session.InvoiceID = ""
		session.Window = nil
		session.CardIDs = nil
	}

	draft := domain.DraftOrder{
		SaleType:    strings.TrimSpace(cmd.SaleType),
		PaymentType: string(method),
		TotalAmount: cmd.Line.Subtotal(),
		Customer:    cmd.Customer,
		Lines:       []domain.OrderLine{cmd.Line},
	}

	receipt, err := s.orders.CreateOrder(ctx, draft)
	if err != nil {
		return CheckoutSession{}, s.translateOrderError(ctx, err)
	}

	expected := session.UpdatedAt
	session.Confirmations.CustomerInfo = true
	session.OrderID = receipt.OrderID
	session.InvoiceID = receipt.InvoiceID
	session.SaleType = draft.SaleType
	session.PaymentMethod = string(method)
	session.CardTypeID = strings.TrimSpace(cmd.CardTypeID)
	session.LineQuantity = cmd.Line.Quantity
	session.TotalAmount = draft.TotalAmount
	session.Customer = cmd.Customer

	saved, err := s.sessions.Update(ctx, session, &expected)
	if err != nil {
		s.discardOrder(ctx, session.ID, receipt.OrderID, discardReasonPersist)
		return CheckoutSession{}, s.translateSessionError(err)
	}

	s.logger(ctx, "checkout.customer_info.confirmed", map[string]any{
		"sessionId": saved.ID,
		"orderId":   receipt.OrderID,
		"invoiceId": receipt.InvoiceID,
		"method":    saved.PaymentMethod,
	})
	return saved, nil
}

// ConfirmCardInfo runs the second step: check the card form against the
// draft order and record the activation window. Validation is purely local;
// no backend is called, so an inverted or zero-length window is rejected
// before any card exists. The batch itself is provisioned by ConfirmOrder.
// A session that already holds a batch keeps it untouched.
func (s *checkoutService) ConfirmCardInfo(ctx context.Context, cmd ConfirmCardInfoCommand) (CheckoutSession, error) {
	if s == nil || s.sessions == nil {
		return CheckoutSession{}, ErrCheckoutUnavailable
	}

	session, err := s.GetSession(ctx, cmd.SessionID)
	if err != nil {
		return CheckoutSession{}, err
	}
	if session.Confirmations.Finalized() {
		return CheckoutSession{}, ErrCheckoutFinalized
	}
	if !session.Confirmations.CustomerInfo {
		return CheckoutSession{}, ErrCheckoutNotReady
	}
	if session.Confirmations.CardInfo && len(session.CardIDs) > 0 {
		return session, nil
	}

	if cmd.Quantity != session.LineQuantity {
		return CheckoutSession{}, ErrCheckoutInvalidInput
	}
	if err := cmd.Window.Validate(); err != nil {
		return CheckoutSession{}, ErrCheckoutInvalidInput
	}

	expected := session.UpdatedAt
	window := cmd.Window
	session.Confirmations.CardInfo = true
	session.Window = &window

	saved, err := s.sessions.Update(ctx, session, &expected)
	if err != nil {
		return CheckoutSession{}, s.translateSessionError(err)
	}

	s.logger(ctx, "checkout.card_info.confirmed", map[string]any{
		"sessionId": saved.ID,
		"quantity":  cmd.Quantity,
	})
	return saved, nil
}

// ConfirmOrder finalises the session. The card batch is provisioned here,
// right before payment, unless an earlier attempt already cached one. Cash
// then settles on the spot; online methods go through the payment dispatcher
// and come back with a redirect. A provisioning failure leaves the session
// still card-info-confirmed, and a payment initiation failure keeps the
// cached batch, so a retry never regenerates cards.
func (s *checkoutService) ConfirmOrder(ctx context.Context, cmd ConfirmOrderCommand) (CheckoutResult, error) {
	if s == nil || s.sessions == nil || s.cards == nil || s.payments == nil {
		return CheckoutResult{}, ErrCheckoutUnavailable
	}

	session, err := s.GetSession(ctx, cmd.SessionID)
	if err != nil {
		return CheckoutResult{}, err
	}
	if session.Confirmations.Finalized() {
		return CheckoutResult{}, ErrCheckoutFinalized
	}
	if !session.Confirmations.CustomerInfo || !session.Confirmations.CardInfo {
		return CheckoutResult{}, ErrCheckoutNotReady
	}
	if !session.HasDraftOrder() || strings.TrimSpace(session.InvoiceID) == "" {
		return CheckoutResult{}, ErrCheckoutNotReady
	}

	method, ok := payments.ParseMethod(session.PaymentMethod)
	if !ok {
		return CheckoutResult{}, ErrCheckoutUnsupportedMethod
	}

	if len(session.CardIDs) == 0 {
		if session.Window == nil {
			return CheckoutResult{}, ErrCheckoutNotReady
		}
		batch, err := s.cards.GenerateCards(ctx, domain.CardProvisionRequest{
			Quantity:   session.LineQuantity,
			CardTypeID: session.CardTypeID,
			Window:     *session.Window,
		})
		if err != nil {
			return CheckoutResult{}, s.translateCardError(ctx, err)
		}

		// Cache the batch before taking payment. A failed or abandoned
		// payment must not grow a second batch on retry.
		expected := session.UpdatedAt
		session.CardIDs = batch.CardIDs
		saved, err := s.sessions.Update(ctx, session, &expected)
		if err != nil {
			return CheckoutResult{}, s.translateSessionError(err)
		}
		session = saved

		s.logger(ctx, "checkout.cards.provisioned", map[string]any{
			"sessionId": session.ID,
			"cards":     len(batch.CardIDs),
		})
	}

	if method.Offline() {
		expected := session.UpdatedAt
		session.Confirmations.CashPayment = true
		session.Confirmations.Order = true

		saved, err := s.sessions.Update(ctx, session, &expected)
		if err != nil {
			return CheckoutResult{}, s.translateSessionError(err)
		}
		s.logger(ctx, "checkout.order.finalized", map[string]any{
			"sessionId": saved.ID,
			"orderId":   saved.OrderID,
			"method":    string(method),
		})
		return CheckoutResult{
			Session:   saved,
			Finalized: true,
			CardIDs:   saved.CardIDs,
		}, nil
	}

	redirect, err := s.payments.Initiate(ctx, method, payments.InitiationRequest{
		InvoiceID:   session.InvoiceID,
		Amount:      session.TotalAmount,
		Description: "ETag order " + session.OrderID,
		ReturnURL:   strings.TrimSpace(cmd.ReturnURL),
	})
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrUnsupportedMethod):
			return CheckoutResult{}, ErrCheckoutUnsupportedMethod
		default:
			s.logger(ctx, "checkout.payment.failed", map[string]any{
				"sessionId": session.ID,
				"invoiceId": session.InvoiceID,
				"method":    string(method),
				"error":     err.Error(),
			})
			return CheckoutResult{}, ErrCheckoutPaymentFailed
		}
	}

	expected := session.UpdatedAt
	session.Confirmations.Order = true

	saved, err := s.sessions.Update(ctx, session, &expected)
	if err != nil {
		return CheckoutResult{}, s.translateSessionError(err)
	}

	s.logger(ctx, "checkout.order.redirected", map[string]any{
		"sessionId": saved.ID,
		"orderId":   saved.OrderID,
		"method":    string(method),
	})
	return CheckoutResult{
		Session:     saved,
		RedirectURL: redirect.URL,
	}, nil
}

// Cancel abandons the session from any state. An unfinalised draft order is
// discarded best effort: a failed discard is queued for the cleanup worker
// and never blocks the cancellation itself.
func (s *checkoutService) Cancel(ctx context.Context, cmd CancelCommand) (CancelResult, error) {
	if s == nil || s.sessions == nil {
		return CancelResult{}, ErrCheckoutUnavailable
	}

	session, err := s.GetSession(ctx, cmd.SessionID)
	if err != nil {
		return CancelResult{}, err
	}

	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		reason = discardReasonCancelled
	}

	compensation := CompensationResult{}
	switch {
	case session.Confirmations.Finalized():
		compensation.Reason = "order finalized; nothing to discard"
	case !session.HasDraftOrder():
		compensation.Reason = "no draft order attached"
	default:
		compensation = s.compensateDraftOrder(ctx, session.ID, session.OrderID, reason)
	}

	if err := s.sessions.Delete(ctx, session.ID); err != nil {
		return CancelResult{}, s.translateSessionError(err)
	}

	s.logger(ctx, "checkout.session.cancelled", map[string]any{
		"sessionId": session.ID,
		"orderId":   session.OrderID,
		"reason":    reason,
		"discarded": compensation.Succeeded,
		"queued":    compensation.Queued,
	})
	return CancelResult{
		SessionID:    session.ID,
		Compensation: compensation,
	}, nil
}

// SweepExpired removes sessions past their retention deadline. Draft orders
// of unfinalised sessions are discarded the same best-effort way as Cancel.
func (s *checkoutService) SweepExpired(ctx context.Context, batchSize int) (SweepReport, error) {
	if s == nil || s.sessions == nil {
		return SweepReport{}, ErrCheckoutUnavailable
	}

	expired, err := s.sessions.ListExpired(ctx, s.now(), batchSize)
	if err != nil {
		return SweepReport{}, s.translateSessionError(err)
	}

	report := SweepReport{Scanned: len(expired)}
	for _, session := range expired {
		if !session.Confirmations.Finalized() && session.HasDraftOrder() {
			compensation := s.compensateDraftOrder(ctx, session.ID, session.OrderID, discardReasonExpired)
			if compensation.Succeeded {
				report.Discarded++
			}
			if compensation.Queued {
				report.Queued++
			}
		}
		if err := s.sessions.Delete(ctx, session.ID); err != nil {
			s.logger(ctx, "checkout.sweep.delete_failed", map[string]any{
				"sessionId": session.ID,
				"error":     err.Error(),
			})
			continue
		}
		report.Deleted++
	}

	if report.Scanned > 0 {
		s.logger(ctx, "checkout.sweep.completed", map[string]any{
			"scanned":   report.Scanned,
			"discarded": report.Discarded,
			"queued":    report.Queued,
			"deleted":   report.Deleted,
		})
	}
	return report, nil
}

func (s *checkoutService) compensateDraftOrder(ctx context.Context, sessionID, orderID, reason string) CompensationResult {
	result := CompensationResult{Attempted: true, Reason: reason}
	if err := s.orders.DeleteOrder(ctx, orderID); err != nil {
		s.logger(ctx, "checkout.discard.failed", map[string]any{
			"sessionId": sessionID,
			"orderId":   orderID,
			"reason":    reason,
			"error":     err.Error(),
		})
		result.Queued = s.queueDiscard(ctx, sessionID, orderID, reason)
		return result
	}
	result.Succeeded = true
	return result
}

func (s *checkoutService) discardOrder(ctx context.Context, sessionID, orderID, reason string) {
	if strings.TrimSpace(orderID) == "" {
		return
	}
	if err := s.orders.DeleteOrder(ctx, orderID); err != nil {
		s.logger(ctx, "checkout.discard.failed", map[string]any{
			"sessionId": sessionID,
			"orderId":   orderID,
			"reason":    reason,
			"error":     err.Error(),
		})
		s.queueDiscard(ctx, sessionID, orderID, reason)
	}
}

func (s *checkoutService) queueDiscard(ctx context.Context, sessionID, orderID, reason string) bool {
	if s.cleanup == nil {
		return false
	}
	err := s.cleanup.EnqueueOrderDiscard(ctx, OrderDiscardTask{
		SessionID:   sessionID,
		OrderID:     orderID,
		Reason:      reason,
		RequestedAt: s.now(),
	})
	if err != nil {
		s.logger(ctx, "checkout.discard.enqueue_failed", map[string]any{
			"sessionId": sessionID,
			"orderId":   orderID,
			"error":     err.Error(),
		})
		return false
	}
	return true
}

func (s *checkoutService) translateSessionError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrCheckoutSessionNotFound
		case repoErr.IsConflict():
			return ErrCheckoutConflict
		default:
			return ErrCheckoutUnavailable
		}
	}
	return ErrCheckoutUnavailable
}

func (s *checkoutService) translateOrderError(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, orders.ErrRejected):
		return ErrCheckoutOrderRejected
	default:
		s.logger(ctx, "checkout.order.create_failed", map[string]any{
			"error": err.Error(),
		})
		return ErrCheckoutUnavailable
	}
}

func (s *checkoutService) translateCardError(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, cards.ErrProvisioning):
		return ErrCheckoutProvisioningFailed
	default:
		s.logger(ctx, "checkout.cards.generate_failed", map[string]any{
			"error": err.Error(),
		})
		return ErrCheckoutUnavailable
	}
}

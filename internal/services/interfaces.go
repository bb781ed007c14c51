package services

import (
	"context"
	"time"

	domain "github.com/etagpay/checkout/internal/domain"
	"github.com/etagpay/checkout/internal/payments"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	CheckoutSession    = domain.CheckoutSession
	ConfirmationState  = domain.ConfirmationState
	CustomerInfo       = domain.CustomerInfo
	OrderLine          = domain.OrderLine
	DraftOrder         = domain.DraftOrder
	OrderReceipt       = domain.OrderReceipt
	ActivationWindow   = domain.ActivationWindow
	CardBatch          = domain.CardBatch
	ActivationInfo     = domain.ActivationInfo
	SystemHealthReport = domain.SystemHealthReport
)

// CheckoutService drives the order-to-activation workflow: one durable
// session per purchase, stepped forward by operator confirmations.
type CheckoutService interface {
	// OpenSession starts a fresh checkout session.
	OpenSession(ctx context.Context, cmd OpenSessionCommand) (CheckoutSession, error)
	// GetSession loads a session so an interrupted flow can resume.
	GetSession(ctx context.Context, sessionID string) (CheckoutSession, error)
	// SubmitCustomerInfo validates purchaser details, creates the backend
	// draft order, and advances the session past the first step.
	SubmitCustomerInfo(ctx context.Context, cmd SubmitCustomerInfoCommand) (CheckoutSession, error)
	// ConfirmCardInfo validates the card request against the draft order and
	// records the activation window. Validation is local only.
	ConfirmCardInfo(ctx context.Context, cmd ConfirmCardInfoCommand) (CheckoutSession, error)
	// ConfirmOrder finalises the purchase: it provisions the card batch
	// unless one is already cached, then cash settles immediately and online
	// methods yield a payment redirect.
	ConfirmOrder(ctx context.Context, cmd ConfirmOrderCommand) (CheckoutResult, error)
	// Cancel abandons the session and discards the draft order best effort.
	Cancel(ctx context.Context, cmd CancelCommand) (CancelResult, error)
	// SweepExpired discards draft orders of abandoned sessions and removes
	// the session documents.
	SweepExpired(ctx context.Context, batchSize int) (SweepReport, error)
}

// ActivationService binds holder identity to provisioned cards.
type ActivationService interface {
	ActivateCard(ctx context.Context, cmd ActivateCardCommand) error
}

// SystemService aggregates dependency health for operational endpoints.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// OrderGateway is the slice of the order backend the checkout flow needs.
type OrderGateway interface {
	CreateOrder(ctx context.Context, draft DraftOrder) (OrderReceipt, error)
	DeleteOrder(ctx context.Context, orderID string) error
}

// CardGateway is the slice of the provisioning backend the checkout flow needs.
type CardGateway interface {
	GenerateCards(ctx context.Context, req domain.CardProvisionRequest) (CardBatch, error)
	ActivateCard(ctx context.Context, cardID string, info ActivationInfo) error
}

// PaymentDispatcher abstracts payments.Dispatcher for easier testing.
type PaymentDispatcher interface {
	Initiate(ctx context.Context, method payments.Method, req payments.InitiationRequest) (payments.Redirect, error)
}

// CleanupQueue accepts durable discard tasks for draft orders whose
// synchronous discard failed.
type CleanupQueue interface {
	EnqueueOrderDiscard(ctx context.Context, task OrderDiscardTask) error
}

// OrderDiscardTask names a draft order that still needs discarding upstream.
type OrderDiscardTask struct {
	SessionID   string
	OrderID     string
	Reason      string
	RequestedAt time.Time
}

// OpenSessionCommand starts a checkout session for an operator.
type OpenSessionCommand struct {
	OperatorID string
}

// SubmitCustomerInfoCommand carries the first-step form: purchaser details
// plus the selected package and payment method.
type SubmitCustomerInfoCommand struct {
	SessionID     string
	Customer      CustomerInfo
	SaleType      string
	PaymentMethod string
	CardTypeID    string
	Line          OrderLine
}

// ConfirmCardInfoCommand carries the second-step form: the card quantity and
// the shared activation window.
type ConfirmCardInfoCommand struct {
	SessionID string
	Quantity  int
	Window    ActivationWindow
}

// ConfirmOrderCommand finalises a session. ReturnURL is where an online
// payment provider sends the customer afterwards.
type ConfirmOrderCommand struct {
	SessionID string
	ReturnURL string
}

// CancelCommand abandons a session.
type CancelCommand struct {
	SessionID string
	Reason    string
}

// CheckoutResult reports the outcome of ConfirmOrder. Finalized is true on
// the cash path; RedirectURL is set on the online path.
type CheckoutResult struct {
	Session     CheckoutSession
	Finalized   bool
	RedirectURL string
	CardIDs     []string
}

// CompensationResult records the best-effort draft order discard performed
// during cancellation or sweeping.
type CompensationResult struct {
	Attempted bool
	Succeeded bool
	Queued    bool
	Reason    string
}

// CancelResult reports a cancelled session and its compensation outcome.
type CancelResult struct {
	SessionID    string
	Compensation CompensationResult
}

// SweepReport summarises one expiry sweep pass.
type SweepReport struct {
	Scanned   int
	Discarded int
	Queued    int
	Deleted   int
}

// ActivateCardCommand binds holder identity to one card.
type ActivateCardCommand struct {
	CardID string
	Info   ActivationInfo
}

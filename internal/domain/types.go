package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// CustomerInfo carries the purchaser identity collected on the first
// checkout step. It is forwarded verbatim to the order backend and, for
// card activation, to the provisioning backend.
type CustomerInfo struct {
	FullName    string
	PhoneNumber string
	Address     string
	Gender      string
	NationalID  string
}

// Validate checks the fields every downstream backend requires.
func (c CustomerInfo) Validate() error {
	if strings.TrimSpace(c.FullName) == "" {
		return errors.New("customer full name is required")
	}
	if strings.TrimSpace(c.PhoneNumber) == "" {
		return errors.New("customer phone number is required")
	}
	return nil
}

// OrderLine is a single product entry on a draft order. Checkout sessions
// carry exactly one line today; the slice form matches the order backend's
// contract.
type OrderLine struct {
	ProductID string
	Name      string
	ImageURL  string
	UnitPrice int64
	Quantity  int
}

// Subtotal returns the line amount in VND.
func (l OrderLine) Subtotal() int64 {
	return l.UnitPrice * int64(l.Quantity)
}

// DraftOrder is the order payload submitted to the order backend before any
// payment has been taken. The backend replies with an order id and the
// invoice id used for payment initiation.
type DraftOrder struct {
	SaleType    string
	PaymentType string
	TotalAmount int64
	Customer    CustomerInfo
	Lines       []OrderLine
}

// Validate rejects drafts the order backend would refuse outright.
func (d DraftOrder) Validate() error {
	if err := d.Customer.Validate(); err != nil {
		return err
	}
	if len(d.Lines) == 0 {
		return errors.New("draft order requires at least one line")
	}
	for i, line := range d.Lines {
		if line.Quantity <= 0 {
			return fmt.Errorf("line %d quantity must be positive", i)
		}
		if line.UnitPrice < 0 {
			return fmt.Errorf("line %d unit price must not be negative", i)
		}
	}
	if d.TotalAmount < 0 {
		return errors.New("total amount must not be negative")
	}
	return nil
}

// OrderReceipt is the order backend's acknowledgement of a created draft.
type OrderReceipt struct {
	OrderID   string
	InvoiceID string
}

// ActivationWindow bounds the validity period requested for a card batch.
type ActivationWindow struct {
	StartDate time.Time
	EndDate   time.Time
}

// Validate rejects empty windows and windows whose end does not fall
// strictly after the start. A zero-length window would produce cards that
// expire the moment they become active.
func (w ActivationWindow) Validate() error {
	if w.StartDate.IsZero() || w.EndDate.IsZero() {
		return errors.New("activation window requires both dates")
	}
	if !w.EndDate.After(w.StartDate) {
		return errors.New("activation window end must follow start")
	}
	return nil
}

// CardProvisionRequest asks the provisioning backend to generate a batch of
// cards of one type, all sharing the same activation window.
type CardProvisionRequest struct {
	Quantity   int
	CardTypeID string
	Window     ActivationWindow
}

// Validate checks the request against the provisioning backend's contract.
func (r CardProvisionRequest) Validate() error {
	if r.Quantity <= 0 {
		return errors.New("card quantity must be positive")
	}
	if strings.TrimSpace(r.CardTypeID) == "" {
		return errors.New("card type id is required")
	}
	return r.Window.Validate()
}

// CardBatch holds the ids of a provisioned card batch in backend order.
type CardBatch struct {
	CardIDs []string
}

// Primary returns the first card id of the batch, the one bound to the
// purchasing customer during activation.
func (b CardBatch) Primary() (string, bool) {
	if len(b.CardIDs) == 0 {
		return "", false
	}
	return b.CardIDs[0], true
}

// ActivationInfo is the holder identity bound to a card on activation.
type ActivationInfo struct {
	FullName    string
	PhoneNumber string
	NationalID  string
}

// ConfirmationState tracks which checkout steps have been acknowledged.
// CashPayment and Order are terminal and mutually exclusive with further
// edits; CustomerInfo and CardInfo gate the steps after them.
type ConfirmationState struct {
	CustomerInfo bool
	CardInfo     bool
	CashPayment  bool
	Order        bool
}

// Finalized reports whether the session reached a terminal confirmation.
func (s ConfirmationState) Finalized() bool {
	return s.CashPayment || s.Order
}

// CheckoutSession is the durable server-side record of one order-to-payment
// flow. Everything the browser used to stash locally between steps lives
// here instead, so a flow can resume after a reload or be swept when
// abandoned.
type CheckoutSession struct {
	ID            string
	OperatorID    string
	Confirmations ConfirmationState

	// Populated once customer info is submitted and the draft order exists.
	OrderID       string
	InvoiceID     string
	SaleType      string
	PaymentMethod string
	CardTypeID    string
	LineQuantity  int
	TotalAmount   int64
	Customer      CustomerInfo

	// Populated once card info is confirmed.
	Window  *ActivationWindow
	CardIDs []string

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// HasDraftOrder reports whether a backend order is attached to the session.
func (s CheckoutSession) HasDraftOrder() bool {
	return s.OrderID != ""
}

// Expired reports whether the session passed its retention deadline.
func (s CheckoutSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/etagpay/checkout/internal/domain"
	pfirestore "github.com/etagpay/checkout/internal/platform/firestore"
	"github.com/etagpay/checkout/internal/repositories"
)

const sessionCollection = "checkoutSessions"

// SessionRepository persists checkout sessions within Firestore.
type SessionRepository struct {
	base     *pfirestore.BaseRepository[sessionDocument]
	provider *pfirestore.Provider
}

// NewSessionRepository constructs a Firestore-backed session repository.
func NewSessionRepository(provider *pfirestore.Provider) (*SessionRepository, error) {
	if provider == nil {
		return nil, errors.New("session repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[sessionDocument](provider, sessionCollection, nil, nil)
	return &SessionRepository{
		base:     base,
		provider: provider,
	}, nil
}

// Insert stores a new session document keyed by the session id.
func (r *SessionRepository) Insert(ctx context.Context, session domain.CheckoutSession) (domain.CheckoutSession, error) {
	if r == nil || r.base == nil {
		return domain.CheckoutSession{}, errors.New("session repository not initialised")
	}
	id := strings.TrimSpace(session.ID)
	if id == "" {
		return domain.CheckoutSession{}, errors.New("session repository: session id is required")
	}

	result, err := r.base.Create(ctx, id, encodeSession(session))
	if err != nil {
		return domain.CheckoutSession{}, err
	}

	saved := session
	saved.UpdatedAt = result.UpdateTime
	return saved, nil
}

// FindByID loads one session document.
func (r *SessionRepository) FindByID(ctx context.Context, sessionID string) (domain.CheckoutSession, error) {
	if r == nil || r.base == nil {
		return domain.CheckoutSession{}, errors.New("session repository not initialised")
	}
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return domain.CheckoutSession{}, errors.New("session repository: session id is required")
	}

	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.CheckoutSession{}, err
	}
	return decodeSession(doc.ID, doc.Data, doc.UpdateTime), nil
}

// Update rewrites the session document. With expectedUpdatedAt set the write
// carries a last-update-time precondition, so a concurrent writer surfaces as
// a conflict rather than a lost update.
func (r *SessionRepository) Update(ctx context.Context, session domain.CheckoutSession, expectedUpdatedAt *time.Time) (domain.CheckoutSession, error) {
	if r == nil || r.base == nil {
		return domain.CheckoutSession{}, errors.New("session repository not initialised")
	}
	id := strings.TrimSpace(session.ID)
	if id == "" {
		return domain.CheckoutSession{}, errors.New("session repository: session id is required")
	}

	if expectedUpdatedAt == nil || expectedUpdatedAt.IsZero() {
		result, err := r.base.Set(ctx, id, encodeSession(session))
		if err != nil {
			return domain.CheckoutSession{}, err
		}
		saved := session
		saved.UpdatedAt = result.UpdateTime
		return saved, nil
	}

	doc := encodeSession(session)
	updates := []firestore.Update{
		{Path: "operatorId", Value: doc.OperatorID},
		{Path: "customerInfoConfirmed", Value: doc.CustomerInfoConfirmed},
		{Path: "cardInfoConfirmed", Value: doc.CardInfoConfirmed},
		{Path: "cashPaymentConfirmed", Value: doc.CashPaymentConfirmed},
		{Path: "orderConfirmed", Value: doc.OrderConfirmed},
		{Path: "saleType", Value: doc.SaleType},
		{Path: "paymentMethod", Value: doc.PaymentMethod},
		{Path: "cardTypeId", Value: doc.CardTypeID},
		{Path: "lineQuantity", Value: doc.LineQuantity},
		{Path: "totalAmount", Value: doc.TotalAmount},
		{Path: "customer", Value: doc.Customer},
		{Path: "expiresAt", Value: doc.ExpiresAt},
		{Path: "createdAt", Value: doc.CreatedAt},
	}

	appendOptional := func(path string, value any, present bool) {
		if present {
			updates = append(updates, firestore.Update{Path: path, Value: value})
		} else {
			updates = append(updates, firestore.Update{Path: path, Value: firestore.Delete})
		}
	}
	appendOptional("orderId", doc.OrderID, doc.OrderID != "")
	appendOptional("invoiceId", doc.InvoiceID, doc.InvoiceID != "")
	appendOptional("window", doc.Window, doc.Window != nil)
	appendOptional("cardIds", doc.CardIDs, len(doc.CardIDs) > 0)

	result, err := r.base.Update(ctx, id, updates, firestore.LastUpdateTime(expectedUpdatedAt.UTC()))
	if err != nil {
		return domain.CheckoutSession{}, err
	}

	saved := session
	saved.UpdatedAt = result.UpdateTime
	return saved, nil
}

// Delete removes the session document. A missing document is treated as
// already deleted.
func (r *SessionRepository) Delete(ctx context.Context, sessionID string) error {
	if r == nil || r.base == nil {
		return errors.New("session repository not initialised")
	}
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return errors.New("session repository: session id is required")
	}

	if err := r.base.Delete(ctx, id); err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return nil
		}
		return err
	}
	return nil
}

// ListExpired returns sessions whose retention deadline passed, oldest first.
func (r *SessionRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.CheckoutSession, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("session repository not initialised")
	}
	if limit <= 0 {
		limit = 50
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("expiresAt", "<", now.UTC()).
			OrderBy("expiresAt", firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}

	sessions := make([]domain.CheckoutSession, 0, len(docs))
	for _, doc := range docs {
		sessions = append(sessions, decodeSession(doc.ID, doc.Data, doc.UpdateTime))
	}
	return sessions, nil
}

func encodeSession(session domain.CheckoutSession) sessionDocument {
	doc := sessionDocument{
		OperatorID:            strings.TrimSpace(session.OperatorID),
		CustomerInfoConfirmed: session.Confirmations.CustomerInfo,
		CardInfoConfirmed:     session.Confirmations.CardInfo,
		CashPaymentConfirmed:  session.Confirmations.CashPayment,
		OrderConfirmed:        session.Confirmations.Order,
		OrderID:               strings.TrimSpace(session.OrderID),
		InvoiceID:             strings.TrimSpace(session.InvoiceID),
		SaleType:              strings.TrimSpace(session.SaleType),
		PaymentMethod:         strings.TrimSpace(session.PaymentMethod),
		CardTypeID:            strings.TrimSpace(session.CardTypeID),
		LineQuantity:          session.LineQuantity,
		TotalAmount:           session.TotalAmount,
		Customer: sessionCustomerDocument{
			FullName:    strings.TrimSpace(session.Customer.FullName),
			PhoneNumber: strings.TrimSpace(session.Customer.PhoneNumber),
			Address:     strings.TrimSpace(session.Customer.Address),
			Gender:      strings.TrimSpace(session.Customer.Gender),
			NationalID:  strings.TrimSpace(session.Customer.NationalID),
		},
		CreatedAt: session.CreatedAt.UTC(),
		ExpiresAt: session.ExpiresAt.UTC(),
	}
	if session.Window != nil {
		doc.Window = &sessionWindowDocument{
			StartDate: session.Window.StartDate.UTC(),
			EndDate:   session.Window.EndDate.UTC(),
		}
	}
	if len(session.CardIDs) > 0 {
		doc.CardIDs = append([]string(nil), session.CardIDs...)
	}
	return doc
}

func decodeSession(id string, doc sessionDocument, updateTime time.Time) domain.CheckoutSession {
	session := domain.CheckoutSession{
		ID:         id,
		OperatorID: doc.OperatorID,
		Confirmations: domain.ConfirmationState{
			CustomerInfo: doc.CustomerInfoConfirmed,
			CardInfo:     doc.CardInfoConfirmed,
			CashPayment:  doc.CashPaymentConfirmed,
			Order:        doc.OrderConfirmed,
		},
		OrderID:       doc.OrderID,
		InvoiceID:     doc.InvoiceID,
		SaleType:      doc.SaleType,
		PaymentMethod: doc.PaymentMethod,
		CardTypeID:    doc.CardTypeID,
		LineQuantity:  doc.LineQuantity,
		TotalAmount:   doc.TotalAmount,
		Customer: domain.CustomerInfo{
			FullName:    doc.Customer.FullName,
			PhoneNumber: doc.Customer.PhoneNumber,
			Address:     doc.Customer.Address,
			Gender:      doc.Customer.Gender,
			NationalID:  doc.Customer.NationalID,
		},
		CreatedAt: doc.CreatedAt,
		UpdatedAt: updateTime,
		ExpiresAt: doc.ExpiresAt,
	}
	if doc.Window != nil {
		session.Window = &domain.ActivationWindow{
			StartDate: doc.Window.StartDate,
			EndDate:   doc.Window.EndDate,
		}
	}
	if len(doc.CardIDs) > 0 {
		session.CardIDs = append([]string(nil), doc.CardIDs...)
	}
	return session
}

type sessionDocument struct {
	OperatorID            string                  `firestore:"operatorId,omitempty"`
	CustomerInfoConfirmed bool                    `firestore:"customerInfoConfirmed"`
	CardInfoConfirmed     bool                    `firestore:"cardInfoConfirmed"`
	CashPaymentConfirmed  bool                    `firestore:"cashPaymentConfirmed"`
	OrderConfirmed        bool                    `firestore:"orderConfirmed"`
	OrderID               string                  `firestore:"orderId,omitempty"`
	InvoiceID             string                  `firestore:"invoiceId,omitempty"`
	SaleType              string                  `firestore:"saleType,omitempty"`
	PaymentMethod         string                  `firestore:"paymentMethod,omitempty"`
	CardTypeID            string                  `firestore:"cardTypeId,omitempty"`
	LineQuantity          int                     `firestore:"lineQuantity"`
	TotalAmount           int64                   `firestore:"totalAmount"`
	Customer              sessionCustomerDocument `firestore:"customer"`
	Window                *sessionWindowDocument  `firestore:"window,omitempty"`
	CardIDs               []string                `firestore:"cardIds,omitempty"`
	CreatedAt             time.Time               `firestore:"createdAt"`
	ExpiresAt             time.Time               `firestore:"expiresAt"`
}

type sessionCustomerDocument struct {
	FullName    string `firestore:"fullName"`
	PhoneNumber string `firestore:"phoneNumber"`
	Address     string `firestore:"address,omitempty"`
	Gender      string `firestore:"gender,omitempty"`
	NationalID  string `firestore:"cccd,omitempty"`
}

type sessionWindowDocument struct {
	StartDate time.Time `firestore:"startDate"`
	EndDate   time.Time `firestore:"endDate"`
}

var _ repositories.SessionRepository = (*SessionRepository)(nil)

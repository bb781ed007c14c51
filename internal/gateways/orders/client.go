// Package orders adapts the order backend's REST API for draft order
// creation and discard.
package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/etagpay/checkout/internal/domain"
)

// ErrRejected is wrapped when the backend refused the draft outright.
var ErrRejected = errors.New("orders: draft rejected")

// ErrUnavailable is wrapped when the backend could not be reached or
// answered with a server error.
var ErrUnavailable = errors.New("orders: backend unavailable")

// Logger defines the logging contract for gateway calls.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Config configures the order backend client.
type Config struct {
	BaseURL     string
	APIKey      string
	CallTimeout time.Duration
	HTTPClient  *http.Client
	Logger      Logger
}

// Client calls the order backend. Every call carries a per-call deadline so
// a hung backend cannot stall a checkout step indefinitely.
type Client struct {
	baseURL     string
	apiKey      string
	callTimeout time.Duration
	client      *http.Client
	logger      Logger
}

// NewClient constructs an order backend client.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("orders: base url is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:     baseURL,
		apiKey:      strings.TrimSpace(cfg.APIKey),
		callTimeout: timeout,
		client:      client,
		logger:      logger,
	}, nil
}

type orderLinePayload struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	ImageURL  string `json:"imageUrl,omitempty"`
	Price     int64  `json:"price"`
	Quantity  int    `json:"quantity"`
}

type createOrderPayload struct {
	SaleType    string             `json:"saleType"`
	PaymentType string             `json:"paymentType"`
	TotalAmount int64              `json:"totalAmount"`
	FullName    string             `json:"fullName"`
	PhoneNumber string             `json:"phoneNumber"`
	Address     string             `json:"address,omitempty"`
	Gender      string             `json:"gender,omitempty"`
	NationalID  string             `json:"cccd,omitempty"`
	Details     []orderLinePayload `json:"orderDetails"`
}

type createOrderResponse struct {
	OrderID   string `json:"orderId"`
	InvoiceID string `json:"invoiceId"`
	Message   string `json:"message"`
}

// CreateOrder submits a draft order and returns the backend's receipt. The
// invoice id on the receipt is what payment initiation keys on.
func (c *Client) CreateOrder(ctx context.Context, draft domain.DraftOrder) (domain.OrderReceipt, error) {
	if c == nil {
		return domain.OrderReceipt{}, errors.New("orders: client is nil")
	}
	if err := draft.Validate(); err != nil {
		return domain.OrderReceipt{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	payload := createOrderPayload{
		SaleType:    draft.SaleType,
		PaymentType: draft.PaymentType,
		TotalAmount: draft.TotalAmount,
		FullName:    draft.Customer.FullName,
		PhoneNumber: draft.Customer.PhoneNumber,
		Address:     draft.Customer.Address,
		Gender:      draft.Customer.Gender,
		NationalID:  draft.Customer.NationalID,
	}
	for _, line := range draft.Lines {
		payload.Details = append(payload.Details, orderLinePayload{
			ProductID: line.ProductID,
			Name:      line.Name,
			ImageURL:  line.ImageURL,
			Price:     line.UnitPrice,
			Quantity:  line.Quantity,
		})
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var resp createOrderResponse
	status, err := c.do(ctx, http.MethodPost, "/api/v1/orders", payload, &resp)
	if err != nil {
		return domain.OrderReceipt{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch {
	case status >= http.StatusInternalServerError:
		return domain.OrderReceipt{}, fmt.Errorf("%w: status %d", ErrUnavailable, status)
	case status >= http.StatusBadRequest:
		return domain.OrderReceipt{}, fmt.Errorf("%w: status %d: %s", ErrRejected, status, resp.Message)
	}
	if strings.TrimSpace(resp.OrderID) == "" || strings.TrimSpace(resp.InvoiceID) == "" {
		return domain.OrderReceipt{}, fmt.Errorf("%w: backend omitted order or invoice id", ErrRejected)
	}

	c.logger(ctx, "orders.created", map[string]any{
		"orderId":   resp.OrderID,
		"invoiceId": resp.InvoiceID,
	})
	return domain.OrderReceipt{OrderID: resp.OrderID, InvoiceID: resp.InvoiceID}, nil
}

// DeleteOrder discards a draft order. Deleting an order the backend no
// longer knows about succeeds; discard is idempotent.
func (c *Client) DeleteOrder(ctx context.Context, orderID string) error {
	if c == nil {
		return errors.New("orders: client is nil")
	}
	if strings.TrimSpace(orderID) == "" {
		return fmt.Errorf("%w: order id is required", ErrRejected)
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	status, err := c.do(ctx, http.MethodDelete, "/api/v1/orders/"+orderID, nil, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch {
	case status == http.StatusNotFound:
		return nil
	case status >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d", ErrUnavailable, status)
	case status >= http.StatusBadRequest:
		return fmt.Errorf("%w: status %d", ErrRejected, status)
	}

	c.logger(ctx, "orders.deleted", map[string]any{"orderId": orderID})
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) (int, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if len(data) > 0 && out != nil {
		// Error bodies share the message field, so decode failures on
		// non-2xx statuses are not fatal.
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode < http.StatusBadRequest {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

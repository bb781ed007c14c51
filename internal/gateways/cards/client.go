// Package cards adapts the provisioning backend's REST API for card batch
// generation and card activation.
package cards

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

// ErrProvisioning is wrapped when the backend refused or failed to generate
// a card batch.
var ErrProvisioning = errors.New("cards: provisioning failed")

// ErrActivation is wrapped when the backend refused a card activation.
var ErrActivation = errors.New("cards: activation failed")

// ErrNotFound is wrapped when the card id is unknown to the backend.
var ErrNotFound = errors.New("cards: card not found")

// ErrUnavailable is wrapped when the backend could not be reached or
// answered with a server error.
var ErrUnavailable = errors.New("cards: backend unavailable")

// Logger defines the logging contract for gateway calls.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Config configures the provisioning backend client.
type Config struct {
	BaseURL     string
	APIKey      string
	CallTimeout time.Duration
	HTTPClient  *http.Client
	Logger      Logger
}

// Client calls the card provisioning backend.
type Client struct {
	baseURL     string
	apiKey      string
	callTimeout time.Duration
	client      *http.Client
	logger      Logger
}

// NewClient constructs a provisioning backend client.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("cards: base url is required")
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

const windowDateLayout = "2006-01-02"

type generateCardsPayload struct {
	Quantity   int    `json:"quantity"`
	CardTypeID string `json:"etagTypeId"`
	StartDate  string `json:"startDate"`
	EndDate    string `json:"endDate"`
}

type generateCardsResponse struct {
	Data    []string `json:"data"`
	Message string   `json:"message"`
}

// GenerateCards asks the backend for a batch of cards sharing one type and
// activation window. The returned ids keep the backend's order; the first
// id is the one later bound to the purchasing customer.
func (c *Client) GenerateCards(ctx context.Context, req domain.CardProvisionRequest) (domain.CardBatch, error) {
	if c == nil {
		return domain.CardBatch{}, errors.New("cards: client is nil")
	}
	if err := req.Validate(); err != nil {
		return domain.CardBatch{}, fmt.Errorf("%w: %v", ErrProvisioning, err)
	}

	payload := generateCardsPayload{
		Quantity:   req.Quantity,
		CardTypeID: req.CardTypeID,
		StartDate:  req.Window.StartDate.Format(windowDateLayout),
		EndDate:    req.Window.EndDate.Format(windowDateLayout),
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var resp generateCardsResponse
	status, err := c.do(ctx, http.MethodPost, "/api/v1/etags/generate", payload, &resp)
	if err != nil {
		return domain.CardBatch{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch {
	case status >= http.StatusInternalServerError:
		return domain.CardBatch{}, fmt.Errorf("%w: status %d", ErrUnavailable, status)
	case status >= http.StatusBadRequest:
		return domain.CardBatch{}, fmt.Errorf("%w: status %d: %s", ErrProvisioning, status, resp.Message)
	}
	if len(resp.Data) == 0 {
		return domain.CardBatch{}, fmt.Errorf("%w: backend returned empty batch", ErrProvisioning)
	}
	if len(resp.Data) != req.Quantity {
		return domain.CardBatch{}, fmt.Errorf("%w: requested %d cards, got %d", ErrProvisioning, req.Quantity, len(resp.Data))
	}

	c.logger(ctx, "cards.generated", map[string]any{
		"cardTypeId": req.CardTypeID,
		"quantity":   len(resp.Data),
	})
	return domain.CardBatch{CardIDs: resp.Data}, nil
}

type activateCardPayload struct {
	FullName    string `json:"fullName"`
	PhoneNumber string `json:"phoneNumber"`
	NationalID  string `json:"cccd,omitempty"`
}

type activateCardResponse struct {
	Message string `json:"message"`
}

// ActivateCard binds holder identity to a provisioned card.
func (c *Client) ActivateCard(ctx context.Context, cardID string, info domain.ActivationInfo) error {
	if c == nil {
		return errors.New("cards: client is nil")
	}
	if strings.TrimSpace(cardID) == "" {
		return fmt.Errorf("%w: card id is required", ErrActivation)
	}
	if strings.TrimSpace(info.FullName) == "" || strings.TrimSpace(info.PhoneNumber) == "" {
		return fmt.Errorf("%w: holder name and phone are required", ErrActivation)
	}

	payload := activateCardPayload{
		FullName:    info.FullName,
		PhoneNumber: info.PhoneNumber,
		NationalID:  info.NationalID,
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var resp activateCardResponse
	status, err := c.do(ctx, http.MethodPut, "/api/v1/etags/"+cardID+"/activate", payload, &resp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, cardID)
	case status >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d", ErrUnavailable, status)
	case status >= http.StatusBadRequest:
		return fmt.Errorf("%w: status %d: %s", ErrActivation, status, resp.Message)
	}

	c.logger(ctx, "cards.activated", map[string]any{"cardId": cardID})
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
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode < http.StatusBadRequest {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

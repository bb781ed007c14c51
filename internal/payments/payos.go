package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// PayOSConfig configures the PayOS provider.
type PayOSConfig struct {
	Endpoint    string
	ClientID    string
	APIKey      string
	ChecksumKey string
	HTTPClient  *http.Client
	Logger      Logger
}

// PayOSProvider opens PayOS payment links. PayOS signals success with code
// "00" and nests the hosted checkout URL under data.checkoutUrl.
type PayOSProvider struct {
	endpoint    string
	clientID    string
	apiKey      string
	checksumKey string
	client      *http.Client
	logger      Logger
}

// NewPayOSProvider constructs a PayOSProvider from its configuration.
func NewPayOSProvider(cfg PayOSConfig) (*PayOSProvider, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("payos: endpoint is required")
	}
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("payos: client id and api key are required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &PayOSProvider{
		endpoint:    endpoint,
		clientID:    strings.TrimSpace(cfg.ClientID),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		checksumKey: strings.TrimSpace(cfg.ChecksumKey),
		client:      client,
		logger:      logger,
	}, nil
}

type payosCreateRequest struct {
	OrderCode   string `json:"orderCode"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	ReturnURL   string `json:"returnUrl"`
	CancelURL   string `json:"cancelUrl"`
	Signature   string `json:"signature"`
}

type payosCreateResponse struct {
	Code string `json:"code"`
	Desc string `json:"desc"`
	Data struct {
		CheckoutURL   string `json:"checkoutUrl"`
		PaymentLinkID string `json:"paymentLinkId"`
	} `json:"data"`
}

// Initiate creates a PayOS payment link for the invoice.
func (p *PayOSProvider) Initiate(ctx context.Context, req InitiationRequest) (Redirect, error) {
	if p == nil {
		return Redirect{}, errors.New("payos: provider is nil")
	}
	if strings.TrimSpace(req.InvoiceID) == "" {
		return Redirect{}, errors.New("payos: invoice id is required")
	}

	payload := payosCreateRequest{
		OrderCode:   req.InvoiceID,
		Amount:      req.Amount,
		Description: req.Description,
		ReturnURL:   req.ReturnURL,
		CancelURL:   req.ReturnURL,
	}
	payload.Signature = p.sign(payload)
	headers := map[string]string{
		"x-client-id": p.clientID,
		"x-api-key":   p.apiKey,
	}

	var resp payosCreateResponse
	status, err := postJSON(ctx, p.client, p.endpoint+"/v2/payment-requests", headers, payload, &resp)
	if err != nil {
		return Redirect{}, fmt.Errorf("payos: create payment link: %w", err)
	}
	if status >= http.StatusInternalServerError {
		return Redirect{}, fmt.Errorf("payos: gateway returned status %d", status)
	}
	if resp.Code != "00" {
		return Redirect{}, fmt.Errorf("%w: payos code %s: %s", ErrInitiationRejected, resp.Code, resp.Desc)
	}
	if strings.TrimSpace(resp.Data.CheckoutURL) == "" {
		return Redirect{}, fmt.Errorf("%w: payos returned no checkoutUrl", ErrInitiationRejected)
	}

	p.logger(ctx, "payments.payos.initiated", map[string]any{
		"invoiceId":     req.InvoiceID,
		"paymentLinkId": resp.Data.PaymentLinkID,
	})
	return Redirect{
		URL:       resp.Data.CheckoutURL,
		RequestID: resp.Data.PaymentLinkID,
		RawResponse: map[string]any{
			"code": resp.Code,
			"desc": resp.Desc,
		},
	}, nil
}

func (p *PayOSProvider) sign(req payosCreateRequest) string {
	if p.checksumKey == "" {
		return ""
	}
	raw := fmt.Sprintf(
		"amount=%d&cancelUrl=%s&description=%s&orderCode=%s&returnUrl=%s",
		req.Amount, req.CancelURL, req.Description, req.OrderCode, req.ReturnURL,
	)
	mac := hmac.New(sha256.New, []byte(p.checksumKey))
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

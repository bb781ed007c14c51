package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// VnPayConfig configures the VNPay provider.
type VnPayConfig struct {
	Endpoint   string
	TmnCode    string
	HashSecret string
	HTTPClient *http.Client
	Logger     Logger
}

// VnPayProvider opens VNPay payment requests. VNPay signals success with a
// "00" response code and carries the hosted-page URL in paymentUrl.
type VnPayProvider struct {
	endpoint   string
	tmnCode    string
	hashSecret string
	client     *http.Client
	logger     Logger
}

// NewVnPayProvider constructs a VnPayProvider from its configuration.
func NewVnPayProvider(cfg VnPayConfig) (*VnPayProvider, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("vnpay: endpoint is required")
	}
	if strings.TrimSpace(cfg.TmnCode) == "" {
		return nil, errors.New("vnpay: tmn code is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &VnPayProvider{
		endpoint:   endpoint,
		tmnCode:    strings.TrimSpace(cfg.TmnCode),
		hashSecret: strings.TrimSpace(cfg.HashSecret),
		client:     client,
		logger:     logger,
	}, nil
}

type vnpayCreateRequest struct {
	TmnCode    string `json:"tmnCode"`
	TxnRef     string `json:"txnRef"`
	Amount     int64  `json:"amount"`
	OrderInfo  string `json:"orderInfo"`
	ReturnURL  string `json:"returnUrl"`
	Locale     string `json:"locale"`
	SecureHash string `json:"secureHash"`
}

type vnpayCreateResponse struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	PaymentURL string `json:"paymentUrl"`
}

// Initiate creates a VNPay payment for the invoice.
func (p *VnPayProvider) Initiate(ctx context.Context, req InitiationRequest) (Redirect, error) {
	if p == nil {
		return Redirect{}, errors.New("vnpay: provider is nil")
	}
	if strings.TrimSpace(req.InvoiceID) == "" {
		return Redirect{}, errors.New("vnpay: invoice id is required")
	}

	payload := vnpayCreateRequest{
		TmnCode:   p.tmnCode,
		TxnRef:    req.InvoiceID,
		Amount:    req.Amount,
		OrderInfo: req.Description,
		ReturnURL: req.ReturnURL,
		Locale:    "vn",
	}
	payload.SecureHash = p.sign(payload)

	var resp vnpayCreateResponse
	status, err := postJSON(ctx, p.client, p.endpoint+"/paymentUrl/createPaymentUrl", nil, payload, &resp)
	if err != nil {
		return Redirect{}, fmt.Errorf("vnpay: create payment: %w", err)
	}
	if status >= http.StatusInternalServerError {
		return Redirect{}, fmt.Errorf("vnpay: gateway returned status %d", status)
	}
	if resp.Code != "00" {
		return Redirect{}, fmt.Errorf("%w: vnpay code %s: %s", ErrInitiationRejected, resp.Code, resp.Message)
	}
	if strings.TrimSpace(resp.PaymentURL) == "" {
		return Redirect{}, fmt.Errorf("%w: vnpay returned no paymentUrl", ErrInitiationRejected)
	}

	p.logger(ctx, "payments.vnpay.initiated", map[string]any{
		"invoiceId": req.InvoiceID,
	})
	return Redirect{
		URL:       resp.PaymentURL,
		RequestID: req.InvoiceID,
		RawResponse: map[string]any{
			"code":    resp.Code,
			"message": resp.Message,
		},
	}, nil
}

// sign computes vnp_SecureHash over the request fields in alphabetical
// order, HMAC-SHA512 keyed with the merchant hash secret.
func (p *VnPayProvider) sign(req vnpayCreateRequest) string {
	if p.hashSecret == "" {
		return ""
	}
	raw := fmt.Sprintf(
		"amount=%d&locale=%s&orderInfo=%s&returnUrl=%s&tmnCode=%s&txnRef=%s",
		req.Amount, req.Locale, req.OrderInfo, req.ReturnURL, req.TmnCode, req.TxnRef,
	)
	mac := hmac.New(sha512.New, []byte(p.hashSecret))
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

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

// MomoConfig configures the MoMo wallet provider.
type MomoConfig struct {
	Endpoint    string
	PartnerCode string
	AccessKey   string
	SecretKey   string
	IPNURL      string
	HTTPClient  *http.Client
	Logger      Logger
	Clock       func() time.Time
}

// MomoProvider opens MoMo payment requests for invoices. MoMo answers with
// both a web payUrl and an app deeplink; the first non-empty of the two is
// the redirect target.
type MomoProvider struct {
	endpoint    string
	partnerCode string
	accessKey   string
	secretKey   string
	ipnURL      string
	client      *http.Client
	logger      Logger
	clock       func() time.Time
}

// NewMomoProvider constructs a MomoProvider from its configuration.
func NewMomoProvider(cfg MomoConfig) (*MomoProvider, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("momo: endpoint is required")
	}
	if strings.TrimSpace(cfg.PartnerCode) == "" {
		return nil, errors.New("momo: partner code is required")
	}
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errors.New("momo: secret key is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &MomoProvider{
		endpoint:    endpoint,
		partnerCode: strings.TrimSpace(cfg.PartnerCode),
		accessKey:   strings.TrimSpace(cfg.AccessKey),
		secretKey:   strings.TrimSpace(cfg.SecretKey),
		ipnURL:      strings.TrimSpace(cfg.IPNURL),
		client:      client,
		logger:      logger,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

type momoCreateRequest struct {
	PartnerCode string `json:"partnerCode"`
	RequestID   string `json:"requestId"`
	OrderID     string `json:"orderId"`
	Amount      int64  `json:"amount"`
	OrderInfo   string `json:"orderInfo"`
	RedirectURL string `json:"redirectUrl"`
	IPNURL      string `json:"ipnUrl"`
	RequestType string `json:"requestType"`
	ExtraData   string `json:"extraData"`
	Lang        string `json:"lang"`
	Signature   string `json:"signature"`
}

type momoCreateResponse struct {
	ResultCode int    `json:"resultCode"`
	Message    string `json:"message"`
	PayURL     string `json:"payUrl"`
	Deeplink   string `json:"deeplink"`
	RequestID  string `json:"requestId"`
}

// Initiate creates a MoMo payment for the invoice.
func (p *MomoProvider) Initiate(ctx context.Context, req InitiationRequest) (Redirect, error) {
	if p == nil {
		return Redirect{}, errors.New("momo: provider is nil")
	}
	if strings.TrimSpace(req.InvoiceID) == "" {
		return Redirect{}, errors.New("momo: invoice id is required")
	}

	requestID := fmt.Sprintf("%s-%d", req.InvoiceID, p.clock().UnixMilli())
	payload := momoCreateRequest{
		PartnerCode: p.partnerCode,
		RequestID:   requestID,
		OrderID:     req.InvoiceID,
		Amount:      req.Amount,
		OrderInfo:   req.Description,
		RedirectURL: req.ReturnURL,
		IPNURL:      p.ipnURL,
		RequestType: "captureWallet",
		Lang:        "vi",
	}
	payload.Signature = p.sign(payload)

	var resp momoCreateResponse
	status, err := postJSON(ctx, p.client, p.endpoint+"/v2/gateway/api/create", nil, payload, &resp)
	if err != nil {
		return Redirect{}, fmt.Errorf("momo: create payment: %w", err)
	}
	if status >= http.StatusInternalServerError {
		return Redirect{}, fmt.Errorf("momo: gateway returned status %d", status)
	}
	if resp.ResultCode != 0 {
		return Redirect{}, fmt.Errorf("%w: momo result %d: %s", ErrInitiationRejected, resp.ResultCode, resp.Message)
	}

	url := resp.PayURL
	if strings.TrimSpace(url) == "" {
		url = resp.Deeplink
	}
	if strings.TrimSpace(url) == "" {
		return Redirect{}, fmt.Errorf("%w: momo returned neither payUrl nor deeplink", ErrInitiationRejected)
	}

	p.logger(ctx, "payments.momo.initiated", map[string]any{
		"invoiceId": req.InvoiceID,
		"requestId": requestID,
	})
	return Redirect{
		URL:       url,
		RequestID: requestID,
		RawResponse: map[string]any{
			"resultCode": resp.ResultCode,
			"message":    resp.Message,
		},
	}, nil
}

func (p *MomoProvider) sign(req momoCreateRequest) string {
	raw := fmt.Sprintf(
		"accessKey=%s&amount=%d&extraData=%s&ipnUrl=%s&orderId=%s&orderInfo=%s&partnerCode=%s&redirectUrl=%s&requestId=%s&requestType=%s",
		p.accessKey, req.Amount, req.ExtraData, req.IPNURL, req.OrderID, req.OrderInfo, req.PartnerCode, req.RedirectURL, req.RequestID, req.RequestType,
	)
	mac := hmac.New(sha256.New, []byte(p.secretKey))
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

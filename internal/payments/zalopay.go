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

// ZaloPayConfig configures the ZaloPay provider.
type ZaloPayConfig struct {
	Endpoint   string
	AppID      string
	Key        string
	HTTPClient *http.Client
	Logger     Logger
	Clock      func() time.Time
}

// ZaloPayProvider opens ZaloPay orders. ZaloPay signals success with
// return_code 1 and carries the hosted-page URL in order_url.
type ZaloPayProvider struct {
	endpoint string
	appID    string
	key      string
	client   *http.Client
	logger   Logger
	clock    func() time.Time
}

// NewZaloPayProvider constructs a ZaloPayProvider from its configuration.
func NewZaloPayProvider(cfg ZaloPayConfig) (*ZaloPayProvider, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("zalopay: endpoint is required")
	}
	if strings.TrimSpace(cfg.AppID) == "" {
		return nil, errors.New("zalopay: app id is required")
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
	return &ZaloPayProvider{
		endpoint: endpoint,
		appID:    strings.TrimSpace(cfg.AppID),
		key:      strings.TrimSpace(cfg.Key),
		client:   client,
		logger:   logger,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

type zalopayCreateRequest struct {
	AppID       string `json:"app_id"`
	AppTransID  string `json:"app_trans_id"`
	AppTime     int64  `json:"app_time"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	RedirectURL string `json:"redirect_url"`
	Mac         string `json:"mac"`
}

type zalopayCreateResponse struct {
	ReturnCode    int    `json:"return_code"`
	ReturnMessage string `json:"return_message"`
	OrderURL      string `json:"order_url"`
	ZpTransToken  string `json:"zp_trans_token"`
}

// Initiate creates a ZaloPay order for the invoice. ZaloPay requires the
// transaction id to be prefixed with the yymmdd of the creation day.
func (p *ZaloPayProvider) Initiate(ctx context.Context, req InitiationRequest) (Redirect, error) {
	if p == nil {
		return Redirect{}, errors.New("zalopay: provider is nil")
	}
	if strings.TrimSpace(req.InvoiceID) == "" {
		return Redirect{}, errors.New("zalopay: invoice id is required")
	}

	now := p.clock()
	appTransID := fmt.Sprintf("%s_%s", now.Format("060102"), req.InvoiceID)
	payload := zalopayCreateRequest{
		AppID:       p.appID,
		AppTransID:  appTransID,
		AppTime:     now.UnixMilli(),
		Amount:      req.Amount,
		Description: req.Description,
		RedirectURL: req.ReturnURL,
	}
	payload.Mac = p.sign(payload)

	var resp zalopayCreateResponse
	status, err := postJSON(ctx, p.client, p.endpoint+"/v2/create", nil, payload, &resp)
	if err != nil {
		return Redirect{}, fmt.Errorf("zalopay: create order: %w", err)
	}
	if status >= http.StatusInternalServerError {
		return Redirect{}, fmt.Errorf("zalopay: gateway returned status %d", status)
	}
	if resp.ReturnCode != 1 {
		return Redirect{}, fmt.Errorf("%w: zalopay return_code %d: %s", ErrInitiationRejected, resp.ReturnCode, resp.ReturnMessage)
	}
	if strings.TrimSpace(resp.OrderURL) == "" {
		return Redirect{}, fmt.Errorf("%w: zalopay returned no order_url", ErrInitiationRejected)
	}

	p.logger(ctx, "payments.zalopay.initiated", map[string]any{
		"invoiceId":  req.InvoiceID,
		"appTransId": appTransID,
	})
	return Redirect{
		URL:       resp.OrderURL,
		RequestID: appTransID,
		RawResponse: map[string]any{
			"return_code":    resp.ReturnCode,
			"return_message": resp.ReturnMessage,
		},
	}, nil
}

func (p *ZaloPayProvider) sign(req zalopayCreateRequest) string {
	if p.key == "" {
		return ""
	}
	raw := fmt.Sprintf("%s|%s|%d|%d|%s", req.AppID, req.AppTransID, req.Amount, req.AppTime, req.Description)
	mac := hmac.New(sha256.New, []byte(p.key))
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

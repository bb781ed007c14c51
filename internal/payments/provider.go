package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Method enumerates the payment methods a checkout session may settle with.
type Method string

const (
	// MethodCash marks over-the-counter settlement. Cash never reaches a
	// provider; the dispatcher rejects it.
	MethodCash Method = "cash"
	// MethodMomo routes initiation through the MoMo wallet gateway.
	MethodMomo Method = "momo"
	// MethodVnPay routes initiation through the VNPay gateway.
	MethodVnPay Method = "vnpay"
	// MethodPayOS routes initiation through the PayOS gateway.
	MethodPayOS Method = "payos"
	// MethodZaloPay routes initiation through the ZaloPay gateway.
	MethodZaloPay Method = "zalopay"
)

// ErrUnsupportedMethod is returned when no provider serves the requested method.
var ErrUnsupportedMethod = errors.New("payments: unsupported method")

// ErrInitiationRejected is wrapped by providers when the gateway answered but
// refused to open a payment, as opposed to transport or decoding failures.
var ErrInitiationRejected = errors.New("payments: initiation rejected")

// ParseMethod normalises a raw method string. The second return is false for
// anything outside the supported set.
func ParseMethod(raw string) (Method, bool) {
	switch Method(strings.ToLower(strings.TrimSpace(raw))) {
	case MethodCash:
		return MethodCash, true
	case MethodMomo:
		return MethodMomo, true
	case MethodVnPay:
		return MethodVnPay, true
	case MethodPayOS:
		return MethodPayOS, true
	case MethodZaloPay:
		return MethodZaloPay, true
	default:
		return "", false
	}
}

// Offline reports whether the method settles without a provider round trip.
func (m Method) Offline() bool {
	return m == MethodCash
}

// Logger defines the logging contract shared by provider adapters.
type Logger func(ctx context.Context, event string, fields map[string]any)

// InitiationRequest carries the invoice details a provider needs to open a
// payment for an already-created order.
type InitiationRequest struct {
	InvoiceID   string
	Amount      int64
	Description string
	ReturnURL   string
}

// Redirect is the normalised provider answer: the URL the customer must be
// sent to in order to complete the payment.
type Redirect struct {
	Method      Method
	URL         string
	RequestID   string
	RawResponse map[string]any
}

// Provider adapts one payment gateway's initiation API.
type Provider interface {
	Initiate(ctx context.Context, req InitiationRequest) (Redirect, error)
}

// Dispatcher selects the provider for a payment method and delegates
// initiation to it.
type Dispatcher struct {
	providers map[Method]Provider
}

// NewDispatcher constructs a Dispatcher over the supplied providers. Cash
// must not be registered; it has no gateway.
func NewDispatcher(providers map[Method]Provider) (*Dispatcher, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[Method]Provider, len(providers))
	for method, provider := range providers {
		normalised, ok := ParseMethod(string(method))
		if !ok || provider == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for method %q", method)
		}
		if normalised.Offline() {
			return nil, errors.New("payments: cash cannot have a provider")
		}
		copyMap[normalised] = provider
	}
	return &Dispatcher{providers: copyMap}, nil
}

// Initiate resolves the provider for method and opens a payment for the
// invoice. Unknown methods and cash surface ErrUnsupportedMethod.
func (d *Dispatcher) Initiate(ctx context.Context, method Method, req InitiationRequest) (Redirect, error) {
	if d == nil {
		return Redirect{}, errors.New("payments: dispatcher is nil")
	}
	normalised, ok := ParseMethod(string(method))
	if !ok {
		return Redirect{}, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	if normalised.Offline() {
		return Redirect{}, fmt.Errorf("%w: %s settles offline", ErrUnsupportedMethod, normalised)
	}
	provider, ok := d.providers[normalised]
	if !ok {
		return Redirect{}, fmt.Errorf("%w: %q", ErrUnsupportedMethod, normalised)
	}
	redirect, err := provider.Initiate(ctx, req)
	if err != nil {
		return Redirect{}, err
	}
	redirect.Method = normalised
	if strings.TrimSpace(redirect.URL) == "" {
		return Redirect{}, fmt.Errorf("%w: provider %s returned no redirect url", ErrInitiationRejected, normalised)
	}
	return redirect, nil
}

// Supports reports whether a provider is registered for the method.
func (d *Dispatcher) Supports(method Method) bool {
	if d == nil {
		return false
	}
	normalised, ok := ParseMethod(string(method))
	if !ok {
		return false
	}
	_, ok = d.providers[normalised]
	return ok
}

const maxProviderResponseBytes = 1 << 20

// postJSON performs a JSON POST against a gateway endpoint and decodes the
// body into out regardless of status code; gateways here report failures in
// the payload rather than via HTTP status.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any, out any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponseBytes))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if len(data) > 0 && out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

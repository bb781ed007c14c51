package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func fixedClock() time.Time {
	return time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
}

func TestMomoProviderPrefersPayURL(t *testing.T) {
	var got momoCreateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/gateway/api/create" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(momoCreateResponse{
			ResultCode: 0,
			PayURL:     "https://momo.example/web",
			Deeplink:   "momo://app",
		})
	}))
	defer server.Close()

	provider, err := NewMomoProvider(MomoConfig{
		Endpoint:    server.URL,
		PartnerCode: "PARTNER",
		AccessKey:   "access",
		SecretKey:   "secret",
		HTTPClient:  server.Client(),
		Clock:       fixedClock,
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	redirect, err := provider.Initiate(context.Background(), InitiationRequest{InvoiceID: "inv-9", Amount: 150000})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if redirect.URL != "https://momo.example/web" {
		t.Fatalf("expected payUrl to win, got %q", redirect.URL)
	}
	if got.OrderID != "inv-9" || got.Amount != 150000 {
		t.Fatalf("unexpected gateway payload: %+v", got)
	}
	if got.Signature == "" {
		t.Fatalf("expected request to be signed")
	}
}

func TestMomoProviderFallsBackToDeeplink(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(momoCreateResponse{ResultCode: 0, Deeplink: "momo://app/pay"})
	}))
	defer server.Close()

	provider, err := NewMomoProvider(MomoConfig{
		Endpoint:    server.URL,
		PartnerCode: "PARTNER",
		SecretKey:   "secret",
		HTTPClient:  server.Client(),
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	redirect, err := provider.Initiate(context.Background(), InitiationRequest{InvoiceID: "inv-9"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if redirect.URL != "momo://app/pay" {
		t.Fatalf("expected deeplink fallback, got %q", redirect.URL)
	}
}

func TestMomoProviderRejectsFailureCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(momoCreateResponse{ResultCode: 41, Message: "duplicate order"})
	}))
	defer server.Close()

	provider, err := NewMomoProvider(MomoConfig{
		Endpoint:    server.URL,
		PartnerCode: "PARTNER",
		SecretKey:   "secret",
		HTTPClient:  server.Client(),
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	_, err = provider.Initiate(context.Background(), InitiationRequest{InvoiceID: "inv-9"})
	if !errors.Is(err, ErrInitiationRejected) {
		t.Fatalf("expected ErrInitiationRejected, got %v", err)
	}
}

func TestVnPayProviderExtractsPaymentURL(t *testing.T) {
	var got vnpayCreateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/paymentUrl/createPaymentUrl" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(vnpayCreateResponse{Code: "00", PaymentURL: "https://vnpay.example/pay?ref=inv-9"})
	}))
	defer server.Close()

	provider, err := NewVnPayProvider(VnPayConfig{
		Endpoint:   server.URL,
		TmnCode:    "TMN01",
		HashSecret: "vnsecret",
		HTTPClient: server.Client(),
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	redirect, err := provider.Initiate(context.Background(), InitiationRequest{InvoiceID: "inv-9", Amount: 200000})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if redirect.URL != "https://vnpay.example/pay?ref=inv-9" {
		t.Fatalf("unexpected redirect url %q", redirect.URL)
	}

	mac := hmac.New(sha512.New, []byte("vnsecret"))
	mac.Write([]byte("amount=200000&locale=vn&orderInfo=&returnUrl=&tmnCode=TMN01&txnRef=inv-9"))
	if want := hex.EncodeToString(mac.Sum(nil)); got.SecureHash != want {
		t.Fatalf("unexpected secure hash %q, want %q", got.SecureHash, want)
	}
}

func TestVnPayProviderRejectsNonZeroCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(vnpayCreateResponse{Code: "99", Message: "invalid merchant"})
	}))
	defer server.Close()

	provider, err := NewVnPayProvider(VnPayConfig{
		Endpoint:   server.URL,
		TmnCode:    "TMN01",
		HTTPClient: server.Client(),
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	_, err = provider.Initiate(context.Background(), InitiationRequest{InvoiceID: "inv-9"})
	if !errors.Is(err, ErrInitiationRejected) {
		t.Fatalf("expected ErrInitiationRejected, got %v", err)
	}
}

func TestPayOSProviderExtractsCheckoutURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-client-id") != "client-1" || r.Header.Get("x-api-key") != "key-1" {
			t.Fatalf("missing payos auth headers")
		}
		resp := payosCreateResponse{Code: "00"}
		resp.Data.CheckoutURL = "https://pay.payos.example/link"
		resp.Data.PaymentLinkID = "pl-7"
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	provider, err := NewPayOSProvider(PayOSConfig{
		Endpoint:    server.URL,
		ClientID:    "client-1",
		APIKey:      "key-1",
		ChecksumKey: "sum",
		HTTPClient:  server.Client(),
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	redirect, err := provider.Initiate(context.Background(), InitiationRequest{InvoiceID: "inv-9", Amount: 50000})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if redirect.URL != "https://pay.payos.example/link" {
		t.Fatalf("unexpected redirect url %q", redirect.URL)
	}
	if redirect.RequestID != "pl-7" {
		t.Fatalf("expected payment link id as request id, got %q", redirect.RequestID)
	}
}

func TestPayOSProviderRejectsEmptyCheckoutURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(payosCreateResponse{Code: "00"})
	}))
	defer server.Close()

	provider, err := NewPayOSProvider(PayOSConfig{
		Endpoint:   server.URL,
		ClientID:   "client-1",
		APIKey:     "key-1",
		HTTPClient: server.Client(),
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	_, err = provider.Initiate(context.Background(), InitiationRequest{InvoiceID: "inv-9"})
	if !errors.Is(err, ErrInitiationRejected) {
		t.Fatalf("expected ErrInitiationRejected, got %v", err)
	}
}

func TestZaloPayProviderExtractsOrderURL(t *testing.T) {
	var got zalopayCreateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(zalopayCreateResponse{ReturnCode: 1, OrderURL: "https://zalopay.example/order"})
	}))
	defer server.Close()

	provider, err := NewZaloPayProvider(ZaloPayConfig{
		Endpoint:   server.URL,
		AppID:      "554",
		Key:        "zkey",
		HTTPClient: server.Client(),
		Clock:      fixedClock,
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	redirect, err := provider.Initiate(context.Background(), InitiationRequest{InvoiceID: "inv-9", Amount: 90000})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if redirect.URL != "https://zalopay.example/order" {
		t.Fatalf("unexpected redirect url %q", redirect.URL)
	}
	if got.AppTransID != "250301_inv-9" {
		t.Fatalf("expected date-prefixed trans id, got %q", got.AppTransID)
	}
	if got.Mac == "" {
		t.Fatalf("expected request to carry mac")
	}
}

func TestZaloPayProviderRejectsFailureCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(zalopayCreateResponse{ReturnCode: 2, ReturnMessage: "app not found"})
	}))
	defer server.Close()

	provider, err := NewZaloPayProvider(ZaloPayConfig{
		Endpoint:   server.URL,
		AppID:      "554",
		HTTPClient: server.Client(),
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	_, err = provider.Initiate(context.Background(), InitiationRequest{InvoiceID: "inv-9"})
	if !errors.Is(err, ErrInitiationRejected) {
		t.Fatalf("expected ErrInitiationRejected, got %v", err)
	}
}

package payments

import (
	"context"
	"errors"
	"testing"
)

type fakeProvider struct {
	calls    int
	redirect Redirect
	err      error
}

func (f *fakeProvider) Initiate(ctx context.Context, req InitiationRequest) (Redirect, error) {
	f.calls++
	return f.redirect, f.err
}

func TestDispatcherRoutesByMethod(t *testing.T) {
	ctx := context.Background()
	momo := &fakeProvider{redirect: Redirect{URL: "https://momo.example/pay"}}
	vnpay := &fakeProvider{redirect: Redirect{URL: "https://vnpay.example/pay"}}

	d, err := NewDispatcher(map[Method]Provider{
		MethodMomo:  momo,
		MethodVnPay: vnpay,
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	redirect, err := d.Initiate(ctx, MethodVnPay, InitiationRequest{InvoiceID: "inv-1", Amount: 200000})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if redirect.Method != MethodVnPay {
		t.Fatalf("expected method vnpay, got %q", redirect.Method)
	}
	if redirect.URL != "https://vnpay.example/pay" {
		t.Fatalf("unexpected redirect url %q", redirect.URL)
	}
	if vnpay.calls != 1 || momo.calls != 0 {
		t.Fatalf("expected only vnpay provider to be called")
	}
}

func TestDispatcherNormalisesMethodCase(t *testing.T) {
	momo := &fakeProvider{redirect: Redirect{URL: "https://momo.example/pay"}}
	d, err := NewDispatcher(map[Method]Provider{MethodMomo: momo})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	if _, err := d.Initiate(context.Background(), Method(" MoMo "), InitiationRequest{InvoiceID: "inv-1"}); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if momo.calls != 1 {
		t.Fatalf("expected momo provider to handle call")
	}
}

func TestDispatcherRejectsUnknownMethod(t *testing.T) {
	d, err := NewDispatcher(map[Method]Provider{MethodMomo: &fakeProvider{}})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	_, err = d.Initiate(context.Background(), Method("bitcoin"), InitiationRequest{InvoiceID: "inv-1"})
	if !errors.Is(err, ErrUnsupportedMethod) {
		t.Fatalf("expected ErrUnsupportedMethod, got %v", err)
	}
}

func TestDispatcherRejectsCash(t *testing.T) {
	d, err := NewDispatcher(map[Method]Provider{MethodMomo: &fakeProvider{}})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	_, err = d.Initiate(context.Background(), MethodCash, InitiationRequest{InvoiceID: "inv-1"})
	if !errors.Is(err, ErrUnsupportedMethod) {
		t.Fatalf("expected ErrUnsupportedMethod for cash, got %v", err)
	}
}

func TestDispatcherRejectsUnregisteredMethod(t *testing.T) {
	d, err := NewDispatcher(map[Method]Provider{MethodMomo: &fakeProvider{redirect: Redirect{URL: "x"}}})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	_, err = d.Initiate(context.Background(), MethodZaloPay, InitiationRequest{InvoiceID: "inv-1"})
	if !errors.Is(err, ErrUnsupportedMethod) {
		t.Fatalf("expected ErrUnsupportedMethod for unregistered method, got %v", err)
	}
	if d.Supports(MethodZaloPay) {
		t.Fatalf("expected zalopay to be unsupported")
	}
	if !d.Supports(MethodMomo) {
		t.Fatalf("expected momo to be supported")
	}
}

func TestDispatcherRejectsEmptyRedirect(t *testing.T) {
	d, err := NewDispatcher(map[Method]Provider{MethodMomo: &fakeProvider{redirect: Redirect{}}})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	_, err = d.Initiate(context.Background(), MethodMomo, InitiationRequest{InvoiceID: "inv-1"})
	if !errors.Is(err, ErrInitiationRejected) {
		t.Fatalf("expected ErrInitiationRejected, got %v", err)
	}
}

func TestNewDispatcherValidatesProviders(t *testing.T) {
	if _, err := NewDispatcher(nil); err == nil {
		t.Fatalf("expected error when providers empty")
	}
	if _, err := NewDispatcher(map[Method]Provider{MethodMomo: nil}); err == nil {
		t.Fatalf("expected error for nil provider")
	}
	if _, err := NewDispatcher(map[Method]Provider{MethodCash: &fakeProvider{}}); err == nil {
		t.Fatalf("expected error for cash registration")
	}
	if _, err := NewDispatcher(map[Method]Provider{Method("card"): &fakeProvider{}}); err == nil {
		t.Fatalf("expected error for unknown method key")
	}
}

func TestParseMethod(t *testing.T) {
	cases := []struct {
		raw  string
		want Method
		ok   bool
	}{
		{"cash", MethodCash, true},
		{"MOMO", MethodMomo, true},
		{" VnPay ", MethodVnPay, true},
		{"payos", MethodPayOS, true},
		{"zalopay", MethodZaloPay, true},
		{"", "", false},
		{"paypal", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseMethod(tc.raw)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("ParseMethod(%q) = %q, %v; want %q, %v", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

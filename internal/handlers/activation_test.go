package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/etagpay/checkout/internal/services"
)

type stubActivationService struct {
	activateFunc func(ctx context.Context, cmd services.ActivateCardCommand) error
}

func (s *stubActivationService) ActivateCard(ctx context.Context, cmd services.ActivateCardCommand) error {
	if s.activateFunc != nil {
		return s.activateFunc(ctx, cmd)
	}
	return nil
}

func newActivationRouter(svc services.ActivationService) http.Handler {
	handlers := NewActivationHandlers(svc)
	return NewRouter(WithInternalRoutes(handlers.Routes))
}

func TestActivateCardEndpoint(t *testing.T) {
	var gotCmd services.ActivateCardCommand
	svc := &stubActivationService{
		activateFunc: func(ctx context.Context, cmd services.ActivateCardCommand) error {
			gotCmd = cmd
			return nil
		},
	}
	router := newActivationRouter(svc)

	payload := `{"fullName": "Tran Thi B", "phoneNumber": "0900000002", "cccd": "079456"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/cards/card-9/activate", strings.NewReader(payload))
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotCmd.CardID != "card-9" {
		t.Fatalf("expected card id from path, got %q", gotCmd.CardID)
	}
	if gotCmd.Info.FullName != "Tran Thi B" || gotCmd.Info.NationalID != "079456" {
		t.Fatalf("unexpected activation info %+v", gotCmd.Info)
	}

	var body activateCardResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if body.CardID != "card-9" || body.Status != "activated" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestActivateCardRejectsBadJSON(t *testing.T) {
	router := newActivationRouter(&stubActivationService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/cards/card-9/activate", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestActivateCardRequiresBody(t *testing.T) {
	router := newActivationRouter(&stubActivationService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/cards/card-9/activate", nil)
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestActivateCardErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"invalid input", services.ErrActivationInvalidInput, http.StatusBadRequest, "invalid_request"},
		{"not found", services.ErrActivationCardNotFound, http.StatusNotFound, "card_not_found"},
		{"rejected", services.ErrActivationRejected, http.StatusUnprocessableEntity, "activation_rejected"},
		{"unavailable", services.ErrActivationUnavailable, http.StatusServiceUnavailable, "activation_unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubActivationService{
				activateFunc: func(ctx context.Context, cmd services.ActivateCardCommand) error {
					return tc.err
				},
			}
			router := newActivationRouter(svc)

			payload := `{"fullName": "Tran Thi B", "phoneNumber": "0900000002"}`
			req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/cards/card-9/activate", strings.NewReader(payload))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, rr.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("parse response: %v", err)
			}
			if body["error"] != tc.code {
				t.Fatalf("expected code %q, got %v", tc.code, body["error"])
			}
		})
	}
}

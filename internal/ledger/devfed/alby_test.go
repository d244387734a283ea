package devfed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lightningnetwork/lnd/lntypes"

	"blitzi/internal/ledger"
)

func albyServer(t *testing.T, pay http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /balance", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"balance":1000,"currency":"BTC","unit":"sat"}`))
	})
	if pay != nil {
		mux.HandleFunc("POST /payments/bolt11", pay)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestNewAlbyRouter(t *testing.T) {
	srv := albyServer(t, nil)

	if _, err := NewAlbyRouter(AlbyConfig{}); err == nil {
		t.Error("expected error for missing token")
	}
	if _, err := NewAlbyRouter(AlbyConfig{AccessToken: "wrong", BaseURL: srv.URL}); err == nil {
		t.Error("expected error for rejected token")
	}
	if _, err := NewAlbyRouter(AlbyConfig{AccessToken: "token", BaseURL: srv.URL}); err != nil {
		t.Errorf("expected success, got %v", err)
	}
}

func TestAlbyRouter_Route(t *testing.T) {
	preimage := lntypes.Preimage{4, 5, 6}
	inv := &ledger.Invoice{PaymentHash: preimage.Hash(), Amount: 1000}

	t.Run("success", func(t *testing.T) {
		var gotInvoice string
		srv := albyServer(t, func(w http.ResponseWriter, r *http.Request) {
			var req albyPayRequest
			json.NewDecoder(r.Body).Decode(&req)
			gotInvoice = req.Invoice
			json.NewEncoder(w).Encode(albyPayResponse{
				PaymentHash:     preimage.Hash().String(),
				PaymentPreimage: preimage.String(),
				Amount:          1,
			})
		})
		router, err := NewAlbyRouter(AlbyConfig{AccessToken: "token", BaseURL: srv.URL})
		if err != nil {
			t.Fatalf("NewAlbyRouter failed: %v", err)
		}

		got, err := router.Route(context.Background(), inv)
		if err != nil {
			t.Fatalf("Route failed: %v", err)
		}
		if got != preimage {
			t.Errorf("got %s, want %s", got, preimage)
		}
		if gotInvoice != inv.String() {
			t.Errorf("server received invoice %q", gotInvoice)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		srv := albyServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":true,"code":8,"message":"insufficient balance"}`))
		})
		router, _ := NewAlbyRouter(AlbyConfig{AccessToken: "token", BaseURL: srv.URL})

		_, err := router.Route(context.Background(), inv)
		if err == nil || !strings.Contains(err.Error(), "insufficient balance") {
			t.Errorf("expected rejection message, got %v", err)
		}
	})

	t.Run("wrong preimage", func(t *testing.T) {
		srv := albyServer(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(albyPayResponse{PaymentPreimage: lntypes.Preimage{9}.String()})
		})
		router, _ := NewAlbyRouter(AlbyConfig{AccessToken: "token", BaseURL: srv.URL})

		if _, err := router.Route(context.Background(), inv); err == nil {
			t.Error("expected error for mismatched preimage")
		}
	})
}

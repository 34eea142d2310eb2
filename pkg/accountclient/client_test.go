package accountclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
)

func TestUpdateBalanceSendsSignedDeltaWithAPIKey(t *testing.T) {
	var got UpdateBalanceRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/accounts/balance" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Internal-API-Key") != "secret" {
			t.Errorf("missing api key header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "secret")
	if err := client.UpdateBalance(context.Background(), "TR01", decimal.RequireFromString("-25.50"), "tx-1"); err != nil {
		t.Fatalf("UpdateBalance returned error: %v", err)
	}
	if got.IBAN != "TR01" || !got.Amount.Equal(decimal.RequireFromString("-25.5")) || got.Reference != "tx-1" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestGetAccountByIBANMapsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "").GetAccountByIBAN(context.Background(), "TR404")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestIsReceiverBlacklistedReturnsStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "").IsReceiverBlacklisted(context.Background(), "TR02")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 StatusError, got %v", err)
	}
}

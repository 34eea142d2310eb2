/**
 * @description
 * This package provides a client for communicating with the account-service.
 * The account service owns balances; this service only reads account data and
 * asks it to apply signed balance deltas.
 */
package accountclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/domain"
)

// ErrAccountNotFound is returned when the account service answers 404.
var ErrAccountNotFound = errors.New("account not found")

// StatusError carries a non-2xx response from the account service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("account service returned error status %d: %s", e.StatusCode, e.Body)
}

// Client is a client for the account service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new account service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// UpdateBalanceRequest applies a signed delta. Negative amounts debit the account.
type UpdateBalanceRequest struct {
	IBAN      string          `json:"iban"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

type blacklistResponse struct {
	Blacklisted bool `json:"blacklisted"`
}

type fraudFlagRequest struct {
	PreviousFraudFlag bool `json:"previous_fraud_flag"`
}

// GetAccountByIBAN resolves an account and its owner.
func (c *Client) GetAccountByIBAN(ctx context.Context, iban string) (*domain.Account, error) {
	var account domain.Account
	if err := c.do(ctx, http.MethodGet, "/internal/accounts/iban/"+url.PathEscape(iban), nil, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// GetAccountProfile returns the risk-relevant profile of a user.
func (c *Client) GetAccountProfile(ctx context.Context, userID string) (*domain.AccountProfile, error) {
	var profile domain.AccountProfile
	if err := c.do(ctx, http.MethodGet, "/internal/users/"+url.PathEscape(userID)+"/profile", nil, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// UpdateBalance applies amount (signed) to the account identified by iban.
func (c *Client) UpdateBalance(ctx context.Context, iban string, amount decimal.Decimal, reference string) error {
	payload := UpdateBalanceRequest{IBAN: iban, Amount: amount, Reference: reference}
	return c.do(ctx, http.MethodPost, "/internal/accounts/balance", payload, nil)
}

// IsReceiverBlacklisted reports whether the receiving account is on the fraud blacklist.
func (c *Client) IsReceiverBlacklisted(ctx context.Context, iban string) (bool, error) {
	var resp blacklistResponse
	if err := c.do(ctx, http.MethodGet, "/internal/blacklist/"+url.PathEscape(iban), nil, &resp); err != nil {
		return false, err
	}
	return resp.Blacklisted, nil
}

// IncrementFraudCounter bumps the user's confirmed-fraud counter.
func (c *Client) IncrementFraudCounter(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, "/internal/users/"+url.PathEscape(userID)+"/fraud-count", nil, nil)
}

// SetPreviousFraudFlag sets or clears the user's prior-fraud flag.
func (c *Client) SetPreviousFraudFlag(ctx context.Context, userID string, flag bool) error {
	return c.do(ctx, http.MethodPut, "/internal/users/"+url.PathEscape(userID)+"/fraud-flag", fraudFlagRequest{PreviousFraudFlag: flag}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("account service base url is empty")
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request to account service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrAccountNotFound
	}
	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

/**
 * @description
 * Client for the ML risk-scoring service. It performs a single HTTP call per
 * evaluation; retries, circuit breaking and fallback live in internal/risk.
 */
package riskclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Request is the feature vector sent to the scoring model.
type Request struct {
	TransactionID      string          `json:"transaction_id"`
	UserID             string          `json:"user_id"`
	ReceiverReference  string          `json:"receiver_reference"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency"`
	Channel            string          `json:"channel"`
	Balance            decimal.Decimal `json:"balance"`
	CreditScore        int             `json:"credit_score"`
	AccountAgeDays     int             `json:"account_age_days"`
	PreviousFraudCount int             `json:"previous_fraud_count"`
	CardType           string          `json:"card_type,omitempty"`
	CardLimit          decimal.Decimal `json:"card_limit"`
	AIInitiated        bool            `json:"ai_initiated"`
	HourOfDay          int             `json:"hour_of_day"`
}

// Response is the model output. Score may be absent when the model abstains.
type Response struct {
	Score              *float64           `json:"risk_score"`
	RiskLevel          string             `json:"risk_level"`
	RecommendedAction  string             `json:"recommendation"`
	FeatureImportances map[string]float64 `json:"feature_importances"`
	ModelVersion       string             `json:"model_version"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Evaluate scores a single transfer.
func (c *Client) Evaluate(ctx context.Context, request Request) (*Response, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("risk service base url is empty")
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to risk service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("risk service returned error status %d", resp.StatusCode)
	}

	var response Response
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &response, nil
}

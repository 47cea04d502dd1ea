// Package odoo talks to the ERP loyalty-card ledger. The redemption engine
// treats it as a black box that can fail transiently; the outbox worker owns
// all retrying.
package odoo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultTransportTimeout = 30 * time.Second
	apiKeyHeader            = "X-Api-Key"
)

// Config carries the ERP endpoint settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client applies balance updates to ERP loyalty cards. Updates are absolute
// ("set balance to X"), so re-applying the same value is idempotent.
type Client struct {
	http *resty.Client
}

// NewClient wires a Client.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("odoo client: base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTransportTimeout
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		httpClient.SetHeader(apiKeyHeader, cfg.APIKey)
	}
	return &Client{http: httpClient}, nil
}

type setBalanceRequest struct {
	Balance     float64 `json:"balance"`
	Description string  `json:"description"`
}

type setBalanceResponse struct {
	Error string `json:"error"`
}

// SetBalance writes the card's balance. Coin cents are converted to the
// two-decimal coin quantity the ERP stores.
func (client *Client) SetBalance(ctx context.Context, cardID int64, newBalanceCents int64, description string) error {
	var parsed setBalanceResponse
	response, err := client.http.R().
		SetContext(ctx).
		SetBody(setBalanceRequest{
			Balance:     float64(newBalanceCents) / 100,
			Description: description,
		}).
		SetResult(&parsed).
		SetError(&parsed).
		Put(fmt.Sprintf("/api/loyalty/cards/%d/balance", cardID))
	if err != nil {
		return fmt.Errorf("odoo set balance: %w", err)
	}
	if response.IsError() {
		if parsed.Error != "" {
			return fmt.Errorf("odoo set balance: %s (status %d)", parsed.Error, response.StatusCode())
		}
		return fmt.Errorf("odoo set balance: unexpected status %d", response.StatusCode())
	}
	return nil
}

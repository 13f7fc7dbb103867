// Package broker provides the execution-broker client used for position
// checks and market order placement when a decision is approved.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/uteki/uteki/internal/modules/decisions"
)

// Client talks to the broker's REST API
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a new broker client
func NewClient(baseURL, apiKey string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.With().Str("client", "broker").Logger(),
	}
}

// GetPositions implements decisions.BrokerClient
func (c *Client) GetPositions(ctx context.Context) ([]decisions.BrokerPosition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/positions", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("broker positions request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("broker positions returned status %d", resp.StatusCode)
	}

	var payload struct {
		Positions []struct {
			Symbol   string  `json:"symbol"`
			Quantity float64 `json:"quantity"`
		} `json:"positions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("broker positions decode failed: %w", err)
	}

	out := make([]decisions.BrokerPosition, 0, len(payload.Positions))
	for _, p := range payload.Positions {
		out = append(out, decisions.BrokerPosition{Symbol: p.Symbol, Quantity: p.Quantity})
	}
	return out, nil
}

// PlaceOrder implements decisions.BrokerClient
func (c *Client) PlaceOrder(ctx context.Context, symbol, side string, quantity int, orderType string) (map[string]interface{}, error) {
	body, err := json.Marshal(map[string]interface{}{
		"symbol":     symbol,
		"side":       side,
		"quantity":   quantity,
		"order_type": orderType,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("broker order request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("broker order returned status %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("broker order decode failed: %w", err)
	}

	c.log.Info().Str("symbol", symbol).Str("side", side).Int("quantity", quantity).Msg("Order placed")
	return result, nil
}

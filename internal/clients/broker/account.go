package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/uteki/uteki/internal/modules/harness"
)

const accountTimeout = 30 * time.Second

// AccountState implements harness.AccountSource. The broker account is
// shared, so userID only scopes the request; the broker decides what the
// caller may see.
func (c *Client) AccountState(userID string) (harness.AccountState, error) {
	ctx, cancel := context.WithTimeout(context.Background(), accountTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/account?user_id="+userID, nil)
	if err != nil {
		return harness.AccountState{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return harness.AccountState{}, fmt.Errorf("broker account request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return harness.AccountState{}, fmt.Errorf("broker account returned status %d", resp.StatusCode)
	}

	var payload struct {
		Cash      float64 `json:"cash"`
		Total     float64 `json:"total"`
		Positions []struct {
			Symbol   string  `json:"symbol"`
			Quantity float64 `json:"quantity"`
		} `json:"positions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return harness.AccountState{}, fmt.Errorf("broker account decode failed: %w", err)
	}

	state := harness.AccountState{
		Cash:      payload.Cash,
		Total:     payload.Total,
		Positions: make([]harness.Position, 0, len(payload.Positions)),
	}
	for _, p := range payload.Positions {
		state.Positions = append(state.Positions, harness.Position{Symbol: p.Symbol, Quantity: p.Quantity})
	}
	return state, nil
}

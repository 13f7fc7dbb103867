// Package fmp provides the Financial Modeling Prep client, the primary
// source for ETF quotes and daily price history.
package fmp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

const baseURL = "https://financialmodelingprep.com/api/v3"

// ErrRateLimited is returned on HTTP 429 so callers can fall back
type ErrRateLimited struct{}

func (e ErrRateLimited) Error() string {
	return "fmp rate limit exceeded"
}

// Quote is one realtime quote from the /quote endpoint
type Quote struct {
	Symbol            string   `json:"symbol"`
	Price             *float64 `json:"price"`
	ChangesPercentage *float64 `json:"changesPercentage"`
	PE                *float64 `json:"pe"`
	MarketCap         *float64 `json:"marketCap"`
	Volume            *int64   `json:"volume"`
	YearHigh          *float64 `json:"yearHigh"`
	YearLow           *float64 `json:"yearLow"`
	PriceAvg50        *float64 `json:"priceAvg50"`
	PriceAvg200       *float64 `json:"priceAvg200"`
	Open              *float64 `json:"open"`
	DayHigh           *float64 `json:"dayHigh"`
	DayLow            *float64 `json:"dayLow"`
	PreviousClose     *float64 `json:"previousClose"`
	Timestamp         int64    `json:"timestamp"`
}

// HistoricalPrice is one daily OHLCV bar
type HistoricalPrice struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// Client is an FMP API client
type Client struct {
	apiKey     string
	base       string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a new FMP client
func NewClient(apiKey string, log zerolog.Logger) *Client {
	return &Client{
		apiKey:     apiKey,
		base:       baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.With().Str("client", "fmp").Logger(),
	}
}

// GetQuote fetches the realtime quote for one symbol. Returns nil when the
// symbol has no data.
func (c *Client) GetQuote(symbol string) (*Quote, error) {
	endpoint := fmt.Sprintf("%s/quote/%s?apikey=%s", c.base, url.PathEscape(symbol), url.QueryEscape(c.apiKey))

	resp, err := c.httpClient.Get(endpoint)
	if err != nil {
		return nil, fmt.Errorf("fmp quote request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited{}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fmp quote returned status %d", resp.StatusCode)
	}

	var quotes []Quote
	if err := json.NewDecoder(resp.Body).Decode(&quotes); err != nil {
		return nil, fmt.Errorf("fmp quote decode failed: %w", err)
	}
	if len(quotes) == 0 {
		return nil, nil
	}
	return &quotes[0], nil
}

// GetHistory fetches daily bars for a symbol starting at fromDate
// (YYYY-MM-DD, empty for the provider default range).
func (c *Client) GetHistory(symbol, fromDate string) ([]HistoricalPrice, error) {
	endpoint := fmt.Sprintf("%s/historical-price-full/%s?apikey=%s", c.base, url.PathEscape(symbol), url.QueryEscape(c.apiKey))
	if fromDate != "" {
		endpoint += "&from=" + url.QueryEscape(fromDate)
	}

	resp, err := c.httpClient.Get(endpoint)
	if err != nil {
		return nil, fmt.Errorf("fmp history request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited{}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fmp history returned status %d", resp.StatusCode)
	}

	var payload struct {
		Historical []HistoricalPrice `json:"historical"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("fmp history decode failed: %w", err)
	}
	return payload.Historical, nil
}

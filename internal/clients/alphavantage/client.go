// Package alphavantage provides the Alpha Vantage quote client used as the
// secondary market-data source when FMP is unavailable.
package alphavantage

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const baseURL = "https://www.alphavantage.co/query"

// Free tier allows 25 requests per day
const dailyRequestLimit = 25

// ErrRateLimitExceeded is returned when the daily request budget is spent
type ErrRateLimitExceeded struct{}

func (e ErrRateLimitExceeded) Error() string {
	return "alpha vantage daily rate limit exceeded"
}

// ErrInvalidAPIKey is returned on an authentication failure
type ErrInvalidAPIKey struct{}

func (e ErrInvalidAPIKey) Error() string {
	return "alpha vantage invalid API key"
}

// ErrSymbolNotFound is returned when a symbol has no quote data
type ErrSymbolNotFound struct {
	Symbol string
}

func (e ErrSymbolNotFound) Error() string {
	return fmt.Sprintf("alpha vantage symbol not found: %s", e.Symbol)
}

// GlobalQuote is one near-realtime quote
type GlobalQuote struct {
	Symbol           string
	Open             float64
	High             float64
	Low              float64
	Price            float64
	Volume           int64
	LatestTradingDay string
	PreviousClose    float64
	Change           float64
	ChangePercent    float64
}

type cacheEntry struct {
	data      interface{}
	expiresAt time.Time
}

// Client is a rate-limited, caching Alpha Vantage API client
type Client struct {
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger

	mu           sync.Mutex
	requestCount int
	counterDay   time.Time

	cacheMu sync.RWMutex
	cache   map[string]cacheEntry

	quoteTTL time.Duration
}

// NewClient creates a new Alpha Vantage client
func NewClient(apiKey string, log zerolog.Logger) *Client {
	return &Client{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.With().Str("client", "alphavantage").Logger(),
		counterDay: time.Now().UTC().Truncate(24 * time.Hour),
		cache:      make(map[string]cacheEntry),
		quoteTTL:   15 * time.Minute,
	}
}

// GetRemainingRequests returns the remaining daily request budget
func (c *Client) GetRemainingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeRollDay()
	return dailyRequestLimit - c.requestCount
}

// ResetDailyCounter manually resets the daily request counter
func (c *Client) ResetDailyCounter() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestCount = 0
	c.counterDay = time.Now().UTC().Truncate(24 * time.Hour)
}

func (c *Client) checkRateLimit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeRollDay()
	if c.requestCount >= dailyRequestLimit {
		return ErrRateLimitExceeded{}
	}
	c.requestCount++
	return nil
}

// maybeRollDay resets the counter at UTC midnight. Caller holds mu.
func (c *Client) maybeRollDay() {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	if today.After(c.counterDay) {
		c.requestCount = 0
		c.counterDay = today
	}
}

// GetGlobalQuote fetches a quote, serving from cache within the TTL
func (c *Client) GetGlobalQuote(symbol string) (*GlobalQuote, error) {
	params := map[string]string{"symbol": symbol}
	key := buildCacheKey("GLOBAL_QUOTE", params)
	if cached, ok := c.getFromCache(key); ok {
		return cached.(*GlobalQuote), nil
	}

	if err := c.checkRateLimit(); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("function", "GLOBAL_QUOTE")
	q.Set("symbol", symbol)
	q.Set("apikey", c.apiKey)

	resp, err := c.httpClient.Get(baseURL + "?" + q.Encode())
	if err != nil {
		return nil, fmt.Errorf("alpha vantage request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("alpha vantage read failed: %w", err)
	}
	if err := detectAPIError(body); err != nil {
		return nil, err
	}

	quote, err := parseGlobalQuote(body)
	if err != nil {
		return nil, err
	}
	if quote.Symbol == "" {
		return nil, ErrSymbolNotFound{Symbol: symbol}
	}

	c.setCache(key, quote, c.quoteTTL)
	return quote, nil
}

func (c *Client) getFromCache(key string) (interface{}, bool) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	entry, ok := c.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.data, true
}

func (c *Client) setCache(key string, data interface{}, ttl time.Duration) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache[key] = cacheEntry{data: data, expiresAt: time.Now().Add(ttl)}
}

// ClearCache drops all cached responses
func (c *Client) ClearCache() {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache = make(map[string]cacheEntry)
}

// buildCacheKey builds a deterministic cache key, excluding the api key
func buildCacheKey(function string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "apikey" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(function)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%s", k, params[k])
	}
	return b.String()
}

// detectAPIError recognizes Alpha Vantage's in-band error payloads
func detectAPIError(body []byte) error {
	var probe map[string]interface{}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil
	}
	if note, ok := probe["Note"].(string); ok && strings.Contains(strings.ToLower(note), "frequency") {
		return ErrRateLimitExceeded{}
	}
	if msg, ok := probe["Error Message"].(string); ok {
		if strings.Contains(strings.ToLower(msg), "apikey") {
			return ErrInvalidAPIKey{}
		}
		return fmt.Errorf("alpha vantage error: %s", msg)
	}
	return nil
}

func parseGlobalQuote(body []byte) (*GlobalQuote, error) {
	var envelope struct {
		Quote map[string]string `json:"Global Quote"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse global quote: %w", err)
	}
	q := envelope.Quote
	return &GlobalQuote{
		Symbol:           q["01. symbol"],
		Open:             parseFloat64(q["02. open"]),
		High:             parseFloat64(q["03. high"]),
		Low:              parseFloat64(q["04. low"]),
		Price:            parseFloat64(q["05. price"]),
		Volume:           parseInt64(q["06. volume"]),
		LatestTradingDay: q["07. latest trading day"],
		PreviousClose:    parseFloat64(q["08. previous close"]),
		Change:           parseFloat64(q["09. change"]),
		ChangePercent:    parsePercent(q["10. change percent"]),
	}, nil
}

func parseFloat64(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}

func parseInt64(s string) int64 {
	v, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return v
}

func parsePercent(s string) float64 {
	return parseFloat64(strings.TrimSuffix(strings.TrimSpace(s), "%"))
}

// Package marketdata maintains the ETF watchlist and its price history:
// quote fetching with layered fallback, incremental daily updates with retry
// and backfill, continuity and anomaly validation, and derived indicators.
package marketdata

import "time"

// WatchlistItem is one tracked ETF
type WatchlistItem struct {
	Symbol    string    `json:"symbol"`
	Name      string    `json:"name,omitempty"`
	ETFType   string    `json:"etf_type,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// PricePoint is one daily OHLCV bar
type PricePoint struct {
	Symbol string  `json:"symbol"`
	Date   string  `json:"date"` // YYYY-MM-DD
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// Quote is the merged quote shape served to callers. Nil fields were not
// available from the source that answered.
type Quote struct {
	Symbol        string   `json:"symbol"`
	Price         *float64 `json:"price"`
	ChangePct     *float64 `json:"change_pct"`
	PERatio       *float64 `json:"pe_ratio"`
	MarketCap     *float64 `json:"market_cap"`
	Volume        *int64   `json:"volume"`
	High52W       *float64 `json:"high_52w"`
	Low52W        *float64 `json:"low_52w"`
	MA50          *float64 `json:"ma50"`
	MA200         *float64 `json:"ma200"`
	RSI           *float64 `json:"rsi"`
	Timestamp     string   `json:"timestamp,omitempty"`
	Stale         bool     `json:"stale"`
	TodayOpen     *float64 `json:"today_open"`
	TodayHigh     *float64 `json:"today_high"`
	TodayLow      *float64 `json:"today_low"`
	PreviousClose *float64 `json:"previous_close"`
	Error         string   `json:"error,omitempty"`
}

// Indicators holds the derived technicals for one symbol
type Indicators struct {
	Symbol string   `json:"symbol"`
	MA50   *float64 `json:"ma50"`
	MA200  *float64 `json:"ma200"`
	RSI    *float64 `json:"rsi"`
}

// Anomaly flags a suspicious day-over-day price move
type Anomaly struct {
	Symbol      string  `json:"symbol"`
	Date        string  `json:"date"`
	PrevClose   float64 `json:"prev_close"`
	Close       float64 `json:"close"`
	ChangePct   float64 `json:"change_pct"`
	ZScore      float64 `json:"z_score"`
	NeedsReview bool    `json:"needs_review"`
}

// ContinuityReport describes gaps in a symbol's daily series
type ContinuityReport struct {
	Symbol       string   `json:"symbol"`
	IsValid      bool     `json:"is_valid"`
	MissingDates []string `json:"missing_dates"`
	FirstDate    string   `json:"first_date,omitempty"`
	LastDate     string   `json:"last_date,omitempty"`
	TotalRecords int      `json:"total_records"`
	Error        string   `json:"error,omitempty"`
}

// BackfillResult describes one smart-backfill pass for a symbol
type BackfillResult struct {
	Symbol        string `json:"symbol"`
	Action        string `json:"action"` // "initial_load" | "backfill" | "up_to_date"
	Records       int    `json:"records"`
	MissingFilled int    `json:"missing_filled,omitempty"`
	DaysBehind    int    `json:"days_behind,omitempty"`
}

// FailedSymbol records a symbol that exhausted its update retries
type FailedSymbol struct {
	Symbol string `json:"symbol"`
	Error  string `json:"error"`
}

// UpdateReport is the outcome of a robust full-watchlist update. The
// scheduler maps it to success / success_with_warnings / partial_failure.
type UpdateReport struct {
	Success      []string         `json:"success"`
	Failed       []FailedSymbol   `json:"failed"`
	Backfilled   []BackfillResult `json:"backfilled"`
	Anomalies    []Anomaly        `json:"anomalies"`
	TotalRecords int              `json:"total_records"`
}

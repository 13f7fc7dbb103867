package marketdata

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultWatchlist seeds an empty watchlist
var DefaultWatchlist = []WatchlistItem{
	{Symbol: "VOO", Name: "Vanguard S&P 500 ETF", ETFType: "broad_market"},
	{Symbol: "IVV", Name: "iShares Core S&P 500 ETF", ETFType: "broad_market"},
	{Symbol: "QQQ", Name: "Invesco QQQ Trust", ETFType: "nasdaq100"},
	{Symbol: "ACWI", Name: "iShares MSCI ACWI ETF", ETFType: "global"},
	{Symbol: "VGT", Name: "Vanguard Information Technology ETF", ETFType: "sector_tech"},
}

// Repository persists watchlist entries, daily prices, and the quote cache
// in market.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new market data repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "marketdata").Logger(),
	}
}

// ── Watchlist ──

// GetWatchlist returns watchlist entries, oldest first
func (r *Repository) GetWatchlist(activeOnly bool) ([]WatchlistItem, error) {
	query := `SELECT symbol, name, etf_type, is_active, created_at FROM watchlist`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query watchlist: %w", err)
	}
	defer rows.Close()

	var out []WatchlistItem
	for rows.Next() {
		var w WatchlistItem
		var name, etfType sql.NullString
		var createdAt int64
		if err := rows.Scan(&w.Symbol, &name, &etfType, &w.IsActive, &createdAt); err != nil {
			return nil, err
		}
		w.Name = name.String
		w.ETFType = etfType.String
		w.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, w)
	}
	return out, rows.Err()
}

// AddToWatchlist adds a symbol, or reactivates it if previously removed
func (r *Repository) AddToWatchlist(symbol, name, etfType string) error {
	symbol = strings.ToUpper(symbol)
	_, err := r.db.Exec(`
		INSERT INTO watchlist (symbol, name, etf_type, is_active, created_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(symbol) DO UPDATE SET is_active = 1
	`, symbol, name, etfType, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to add %s to watchlist: %w", symbol, err)
	}
	return nil
}

// RemoveFromWatchlist marks a symbol inactive, keeping its price history
func (r *Repository) RemoveFromWatchlist(symbol string) (bool, error) {
	res, err := r.db.Exec(`UPDATE watchlist SET is_active = 0 WHERE symbol = ?`, strings.ToUpper(symbol))
	if err != nil {
		return false, fmt.Errorf("failed to remove %s from watchlist: %w", symbol, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SeedDefaults inserts the default watchlist when the table is empty.
// Returns the number of seeded rows.
func (r *Repository) SeedDefaults() (int, error) {
	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM watchlist`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count watchlist: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	now := time.Now().Unix()
	for i, item := range DefaultWatchlist {
		// Offset keeps seed order stable under created_at sorting
		_, err := r.db.Exec(`
			INSERT INTO watchlist (symbol, name, etf_type, is_active, created_at)
			VALUES (?, ?, ?, 1, ?)
		`, item.Symbol, item.Name, item.ETFType, now+int64(i))
		if err != nil {
			return 0, fmt.Errorf("failed to seed %s: %w", item.Symbol, err)
		}
	}
	r.log.Info().Int("count", len(DefaultWatchlist)).Msg("Seeded default watchlist")
	return len(DefaultWatchlist), nil
}

// ── Daily prices ──

// InsertPrices stores bars, silently skipping dates already present.
// Returns the number of newly inserted rows.
func (r *Repository) InsertPrices(prices []PricePoint) (int, error) {
	count := 0
	for _, p := range prices {
		res, err := r.db.Exec(`
			INSERT OR IGNORE INTO index_prices (symbol, date, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, p.Symbol, p.Date, p.Open, p.High, p.Low, p.Close, p.Volume)
		if err != nil {
			r.log.Warn().Err(err).Str("symbol", p.Symbol).Str("date", p.Date).Msg("Skip price row")
			continue
		}
		n, _ := res.RowsAffected()
		count += int(n)
	}
	return count, nil
}

// LastDate returns the newest stored date for a symbol, empty when none
func (r *Repository) LastDate(symbol string) (string, error) {
	var last sql.NullString
	err := r.db.QueryRow(`SELECT MAX(date) FROM index_prices WHERE symbol = ?`, symbol).Scan(&last)
	if err != nil {
		return "", fmt.Errorf("failed to query last date for %s: %w", symbol, err)
	}
	return last.String, nil
}

// Dates returns all stored dates for a symbol in ascending order
func (r *Repository) Dates(symbol string) ([]string, error) {
	rows, err := r.db.Query(`SELECT date FROM index_prices WHERE symbol = ? ORDER BY date ASC`, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query dates for %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ClosesAsc returns up to limit most recent closes in ascending date order
func (r *Repository) ClosesAsc(symbol string, limit int) ([]float64, error) {
	rows, err := r.db.Query(`
		SELECT close FROM (
			SELECT date, close FROM index_prices
			WHERE symbol = ?
			ORDER BY date DESC
			LIMIT ?
		) ORDER BY date ASC
	`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query closes for %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var c float64
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SeriesAsc returns the full (date, close) series in ascending order
func (r *Repository) SeriesAsc(symbol string) ([]PricePoint, error) {
	rows, err := r.db.Query(`
		SELECT symbol, date, open, high, low, close, volume
		FROM index_prices WHERE symbol = ? ORDER BY date ASC
	`, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query series for %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []PricePoint
	for rows.Next() {
		var p PricePoint
		if err := rows.Scan(&p.Symbol, &p.Date, &p.Open, &p.High, &p.Low, &p.Close, &p.Volume); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LatestBar returns the newest stored bar for a symbol
func (r *Repository) LatestBar(symbol string) (*PricePoint, error) {
	row := r.db.QueryRow(`
		SELECT symbol, date, open, high, low, close, volume
		FROM index_prices WHERE symbol = ?
		ORDER BY date DESC LIMIT 1
	`, symbol)
	var p PricePoint
	err := row.Scan(&p.Symbol, &p.Date, &p.Open, &p.High, &p.Low, &p.Close, &p.Volume)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CloseOnOrBefore returns the close at the given date, or the nearest
// earlier trading day. Used by counterfactual evaluation.
func (r *Repository) CloseOnOrBefore(symbol string, date time.Time) (float64, error) {
	var close float64
	err := r.db.QueryRow(`
		SELECT close FROM index_prices
		WHERE symbol = ? AND date <= ?
		ORDER BY date DESC LIMIT 1
	`, symbol, date.UTC().Format("2006-01-02")).Scan(&close)
	if err != nil {
		return 0, err
	}
	return close, nil
}

// ── Quote cache ──

// CacheQuote stores the latest live quote as a msgpack blob
func (r *Repository) CacheQuote(q *Quote) error {
	payload, err := msgpack.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to encode quote for %s: %w", q.Symbol, err)
	}
	_, err = r.db.Exec(`
		INSERT INTO quote_cache (symbol, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, q.Symbol, payload, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to cache quote for %s: %w", q.Symbol, err)
	}
	return nil
}

// CachedQuote loads the last cached quote if it is newer than maxAge.
// Returns nil when absent or stale.
func (r *Repository) CachedQuote(symbol string, maxAge time.Duration) (*Quote, error) {
	var payload []byte
	var updatedAt int64
	err := r.db.QueryRow(`SELECT payload, updated_at FROM quote_cache WHERE symbol = ?`, symbol).
		Scan(&payload, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read quote cache for %s: %w", symbol, err)
	}
	if time.Since(time.Unix(updatedAt, 0)) > maxAge {
		return nil, nil
	}

	var q Quote
	if err := msgpack.Unmarshal(payload, &q); err != nil {
		return nil, fmt.Errorf("failed to decode cached quote for %s: %w", symbol, err)
	}
	return &q, nil
}

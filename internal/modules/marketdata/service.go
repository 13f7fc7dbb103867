package marketdata

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/uteki/uteki/internal/clients/alphavantage"
	"github.com/uteki/uteki/internal/clients/fmp"
	"github.com/uteki/uteki/internal/modules/harness"
)

const (
	historyYears     = 5
	backfillLookback = 30 // days
	updateRetries    = 3
	quoteCacheMaxAge = 24 * time.Hour

	// A day-over-day move above this is always flagged
	anomalyChangePct = 20.0
	// Statistical outlier threshold on the return distribution
	anomalyZScore = 8.0
)

// FMPSource is the primary quote and history provider
type FMPSource interface {
	GetQuote(symbol string) (*fmp.Quote, error)
	GetHistory(symbol, fromDate string) ([]fmp.HistoricalPrice, error)
}

// AVSource is the secondary quote provider
type AVSource interface {
	GetGlobalQuote(symbol string) (*alphavantage.GlobalQuote, error)
}

// Service provides watchlist market data with layered quote fallback and
// robust daily-price maintenance.
type Service struct {
	repo  *Repository
	fmp   FMPSource
	av    AVSource
	sleep func(time.Duration) // backoff hook, overridable in tests
	log   zerolog.Logger
}

// NewService creates a new market data service. Either client may be nil
// when its API key is not configured.
func NewService(repo *Repository, fmpClient FMPSource, avClient AVSource, log zerolog.Logger) *Service {
	return &Service{
		repo:  repo,
		fmp:   fmpClient,
		av:    avClient,
		sleep: time.Sleep,
		log:   log.With().Str("component", "marketdata").Logger(),
	}
}

// ── Quotes ──

// GetQuote fetches a live quote, FMP first, Alpha Vantage second, then the
// local cache. A cache-served quote is marked stale.
func (s *Service) GetQuote(symbol string) (*Quote, error) {
	if q := s.quoteFromFMP(symbol); q != nil {
		if err := s.repo.CacheQuote(q); err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to cache quote")
		}
		return q, nil
	}
	if q := s.quoteFromAV(symbol); q != nil {
		if err := s.repo.CacheQuote(q); err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to cache quote")
		}
		return q, nil
	}
	return s.quoteFromCache(symbol)
}

func (s *Service) quoteFromFMP(symbol string) *Quote {
	if s.fmp == nil {
		return nil
	}
	q, err := s.fmp.GetQuote(symbol)
	if err != nil {
		s.log.Error().Err(err).Str("symbol", symbol).Msg("FMP quote error")
		return nil
	}
	if q == nil || q.Price == nil {
		return nil
	}
	ts := ""
	if q.Timestamp > 0 {
		ts = time.Unix(q.Timestamp, 0).UTC().Format(time.RFC3339)
	}
	return &Quote{
		Symbol:        symbol,
		Price:         q.Price,
		ChangePct:     q.ChangesPercentage,
		PERatio:       q.PE,
		MarketCap:     q.MarketCap,
		Volume:        q.Volume,
		High52W:       q.YearHigh,
		Low52W:        q.YearLow,
		MA50:          q.PriceAvg50,
		MA200:         q.PriceAvg200,
		Timestamp:     ts,
		TodayOpen:     q.Open,
		TodayHigh:     q.DayHigh,
		TodayLow:      q.DayLow,
		PreviousClose: q.PreviousClose,
	}
}

func (s *Service) quoteFromAV(symbol string) *Quote {
	if s.av == nil {
		return nil
	}
	q, err := s.av.GetGlobalQuote(symbol)
	if err != nil {
		s.log.Error().Err(err).Str("symbol", symbol).Msg("AV quote error")
		return nil
	}
	if q == nil || q.Price == 0 {
		return nil
	}
	out := &Quote{
		Symbol:    symbol,
		Price:     f64ptr(q.Price),
		Volume:    i64ptr(q.Volume),
		Timestamp: q.LatestTradingDay,
	}
	if q.PreviousClose > 0 {
		out.PreviousClose = f64ptr(q.PreviousClose)
		out.ChangePct = f64ptr((q.Price - q.PreviousClose) / q.PreviousClose * 100)
	}
	if q.Open > 0 {
		out.TodayOpen = f64ptr(q.Open)
	}
	if q.High > 0 {
		out.TodayHigh = f64ptr(q.High)
	}
	if q.Low > 0 {
		out.TodayLow = f64ptr(q.Low)
	}
	return out
}

// quoteFromCache serves the msgpack quote cache, then the newest stored
// bar, then an explicit no-data quote. Never errors on missing data.
func (s *Service) quoteFromCache(symbol string) (*Quote, error) {
	cached, err := s.repo.CachedQuote(symbol, quoteCacheMaxAge)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		cached.Stale = true
		return cached, nil
	}

	bar, err := s.repo.LatestBar(symbol)
	if err == nil {
		return &Quote{
			Symbol:    symbol,
			Price:     f64ptr(bar.Close),
			Volume:    i64ptr(bar.Volume),
			Timestamp: bar.Date,
			Stale:     true,
			TodayOpen: f64ptr(bar.Open),
			TodayHigh: f64ptr(bar.High),
			TodayLow:  f64ptr(bar.Low),
		}, nil
	}

	return &Quote{Symbol: symbol, Stale: true, Error: "No data available"}, nil
}

// ── History maintenance ──

// FetchAndStoreHistory pulls daily bars from FMP starting at fromDate and
// stores the ones not yet present. Returns the number of new rows.
func (s *Service) FetchAndStoreHistory(symbol, fromDate string) (int, error) {
	if s.fmp == nil {
		s.log.Warn().Msg("FMP client not configured, skipping history fetch")
		return 0, nil
	}
	bars, err := s.fmp.GetHistory(symbol, fromDate)
	if err != nil {
		return 0, fmt.Errorf("history fetch for %s failed: %w", symbol, err)
	}

	prices := make([]PricePoint, 0, len(bars))
	for _, b := range bars {
		prices = append(prices, PricePoint{
			Symbol: symbol,
			Date:   b.Date,
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
		})
	}
	count, err := s.repo.InsertPrices(prices)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.log.Info().Str("symbol", symbol).Int("records", count).Msg("Stored price records")
	}
	return count, nil
}

// InitialHistoryLoad pulls the last five years of history
func (s *Service) InitialHistoryLoad(symbol string) (int, error) {
	from := time.Now().UTC().AddDate(-historyYears, 0, 0).Format("2006-01-02")
	return s.FetchAndStoreHistory(symbol, from)
}

// IncrementalUpdate pulls only dates newer than the stored series
func (s *Service) IncrementalUpdate(symbol string) (int, error) {
	last, err := s.repo.LastDate(symbol)
	if err != nil {
		return 0, err
	}
	if last == "" {
		return s.InitialHistoryLoad(symbol)
	}
	lastDate, err := time.Parse("2006-01-02", last)
	if err != nil {
		return 0, fmt.Errorf("bad stored date for %s: %w", symbol, err)
	}
	from := lastDate.AddDate(0, 0, 1).Format("2006-01-02")
	return s.FetchAndStoreHistory(symbol, from)
}

// updateWithRetry retries the incremental update with exponential backoff
func (s *Service) updateWithRetry(symbol string) (int, error) {
	var lastErr error
	for attempt := 0; attempt < updateRetries; attempt++ {
		count, err := s.IncrementalUpdate(symbol)
		if err == nil {
			return count, nil
		}
		lastErr = err
		s.log.Warn().Err(err).
			Str("symbol", symbol).
			Int("attempt", attempt+1).
			Int("max", updateRetries).
			Msg("Update retry")
		if attempt < updateRetries-1 {
			s.sleep(time.Duration(1<<attempt) * 2 * time.Second)
		}
	}
	return 0, lastErr
}

// SmartBackfill detects missing recent trading days and refetches from the
// earliest gap. Handles skipped scheduler runs and partial syncs.
func (s *Service) SmartBackfill(symbol string) (*BackfillResult, error) {
	continuity, err := s.ValidateContinuity(symbol)
	if err != nil {
		return nil, err
	}

	if continuity.LastDate == "" {
		count, err := s.InitialHistoryLoad(symbol)
		if err != nil {
			return nil, err
		}
		return &BackfillResult{Symbol: symbol, Action: "initial_load", Records: count}, nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -backfillLookback).Format("2006-01-02")
	var recentMissing []string
	for _, d := range continuity.MissingDates {
		if d >= cutoff {
			recentMissing = append(recentMissing, d)
		}
	}

	// Weekdays between the last stored bar and today
	lastDate, err := time.Parse("2006-01-02", continuity.LastDate)
	if err != nil {
		return nil, fmt.Errorf("bad stored date for %s: %w", symbol, err)
	}
	daysBehind := 0
	today := time.Now().UTC().Format("2006-01-02")
	for d := lastDate.AddDate(0, 0, 1); d.Format("2006-01-02") < today; d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			daysBehind++
		}
	}

	if len(recentMissing) == 0 && daysBehind == 0 {
		return &BackfillResult{Symbol: symbol, Action: "up_to_date"}, nil
	}

	from := continuity.LastDate
	if len(recentMissing) > 0 {
		earliest, err := time.Parse("2006-01-02", recentMissing[0])
		if err != nil {
			return nil, fmt.Errorf("bad missing date for %s: %w", symbol, err)
		}
		from = earliest.AddDate(0, 0, -1).Format("2006-01-02")
	}

	count, err := s.FetchAndStoreHistory(symbol, from)
	if err != nil {
		return nil, err
	}
	return &BackfillResult{
		Symbol:        symbol,
		Action:        "backfill",
		Records:       count,
		MissingFilled: len(recentMissing),
		DaysBehind:    daysBehind,
	}, nil
}

// ── Validation ──

// ValidateContinuity detects missing weekdays between the first and last
// stored bar.
func (s *Service) ValidateContinuity(symbol string) (*ContinuityReport, error) {
	dates, err := s.repo.Dates(symbol)
	if err != nil {
		return nil, err
	}
	if len(dates) == 0 {
		return &ContinuityReport{Symbol: symbol, Error: "No data available"}, nil
	}

	present := make(map[string]struct{}, len(dates))
	for _, d := range dates {
		present[d] = struct{}{}
	}

	first, err := time.Parse("2006-01-02", dates[0])
	if err != nil {
		return nil, fmt.Errorf("bad stored date for %s: %w", symbol, err)
	}
	last, err := time.Parse("2006-01-02", dates[len(dates)-1])
	if err != nil {
		return nil, fmt.Errorf("bad stored date for %s: %w", symbol, err)
	}

	var missing []string
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		key := d.Format("2006-01-02")
		if _, ok := present[key]; !ok {
			missing = append(missing, key)
		}
	}

	return &ContinuityReport{
		Symbol:       symbol,
		IsValid:      len(missing) == 0,
		MissingDates: missing,
		FirstDate:    dates[0],
		LastDate:     dates[len(dates)-1],
		TotalRecords: len(dates),
	}, nil
}

// ValidatePrices flags suspicious day-over-day moves: anything above the
// hard percentage threshold, plus statistical outliers against the symbol's
// own return distribution.
func (s *Service) ValidatePrices(symbol string) ([]Anomaly, error) {
	series, err := s.repo.SeriesAsc(symbol)
	if err != nil {
		return nil, err
	}
	if len(series) < 2 {
		return nil, nil
	}

	returns := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		prev := series[i-1].Close
		if prev > 0 {
			returns = append(returns, (series[i].Close-prev)/prev*100)
		}
	}
	mean := stat.Mean(returns, nil)
	std := stat.StdDev(returns, nil)

	var anomalies []Anomaly
	ri := 0
	for i := 1; i < len(series); i++ {
		prev := series[i-1].Close
		if prev <= 0 {
			continue
		}
		change := returns[ri]
		ri++

		z := 0.0
		if std > 0 {
			z = (change - mean) / std
		}
		if math.Abs(change) > anomalyChangePct || math.Abs(z) > anomalyZScore {
			anomalies = append(anomalies, Anomaly{
				Symbol:      symbol,
				Date:        series[i].Date,
				PrevClose:   prev,
				Close:       series[i].Close,
				ChangePct:   math.Round(math.Abs(change)*100) / 100,
				ZScore:      math.Round(z*100) / 100,
				NeedsReview: true,
			})
			s.log.Warn().
				Str("symbol", symbol).
				Str("date", series[i].Date).
				Float64("change_pct", change).
				Float64("z_score", z).
				Msg("Price anomaly")
		}
	}
	return anomalies, nil
}

// ── Robust full update ──

// RobustUpdateAll refreshes every active watchlist symbol: smart backfill,
// retried incremental update, and anomaly validation. Per-symbol failures
// are collected, never raised, so the report always covers the whole
// watchlist.
func (s *Service) RobustUpdateAll(validate, backfill bool) (*UpdateReport, error) {
	watchlist, err := s.repo.GetWatchlist(true)
	if err != nil {
		return nil, err
	}

	report := &UpdateReport{
		Success:    []string{},
		Failed:     []FailedSymbol{},
		Backfilled: []BackfillResult{},
		Anomalies:  []Anomaly{},
	}

	for _, w := range watchlist {
		symbol := w.Symbol

		if backfill {
			bf, err := s.SmartBackfill(symbol)
			if err != nil {
				report.Failed = append(report.Failed, FailedSymbol{Symbol: symbol, Error: err.Error()})
				continue
			}
			if bf.Action == "backfill" {
				report.Backfilled = append(report.Backfilled, *bf)
				report.TotalRecords += bf.Records
				s.log.Info().
					Str("symbol", symbol).
					Int("records", bf.Records).
					Int("missing_filled", bf.MissingFilled).
					Msg("Backfilled")
				continue
			}
		}

		count, err := s.updateWithRetry(symbol)
		if err != nil {
			report.Failed = append(report.Failed, FailedSymbol{Symbol: symbol, Error: err.Error()})
			continue
		}
		report.Success = append(report.Success, symbol)
		report.TotalRecords += count

		if validate {
			anomalies, err := s.ValidatePrices(symbol)
			if err != nil {
				s.log.Warn().Err(err).Str("symbol", symbol).Msg("Validation error")
				continue
			}
			report.Anomalies = append(report.Anomalies, anomalies...)
		}
	}

	s.log.Info().
		Int("success", len(report.Success)).
		Int("failed", len(report.Failed)).
		Int("backfilled", len(report.Backfilled)).
		Int("anomalies", len(report.Anomalies)).
		Int("total_records", report.TotalRecords).
		Msg("Robust update completed")
	return report, nil
}

// ── Harness integration ──

// ActiveSymbols implements the harness builder's market source
func (s *Service) ActiveSymbols() ([]string, error) {
	watchlist, err := s.repo.GetWatchlist(true)
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(watchlist))
	for _, w := range watchlist {
		symbols = append(symbols, w.Symbol)
	}
	return symbols, nil
}

// SymbolSnapshot merges the live quote with stored indicators
func (s *Service) SymbolSnapshot(symbol string) (harness.SymbolSnapshot, error) {
	quote, err := s.GetQuote(symbol)
	if err != nil {
		return harness.SymbolSnapshot{}, err
	}
	snap := harness.SymbolSnapshot{
		Price:   quote.Price,
		PERatio: quote.PERatio,
		MA50:    quote.MA50,
		MA200:   quote.MA200,
		RSI:     quote.RSI,
	}

	// Fill indicator gaps from the stored series
	if snap.MA50 == nil || snap.MA200 == nil || snap.RSI == nil {
		ind, err := s.ComputeIndicators(symbol)
		if err == nil {
			if snap.MA50 == nil {
				snap.MA50 = ind.MA50
			}
			if snap.MA200 == nil {
				snap.MA200 = ind.MA200
			}
			if snap.RSI == nil {
				snap.RSI = ind.RSI
			}
		}
	}
	return snap, nil
}

// CloseOnOrBefore implements the counterfactual price source
func (s *Service) CloseOnOrBefore(symbol string, date time.Time) (float64, error) {
	return s.repo.CloseOnOrBefore(symbol, date)
}

// History returns the full stored daily series for a symbol, oldest first
func (s *Service) History(symbol string) ([]PricePoint, error) {
	return s.repo.SeriesAsc(symbol)
}

// Watchlist returns the watchlist entries
func (s *Service) Watchlist(activeOnly bool) ([]WatchlistItem, error) {
	return s.repo.GetWatchlist(activeOnly)
}

// AddSymbol adds a symbol to the watchlist and loads its history
func (s *Service) AddSymbol(symbol, name, etfType string) error {
	if err := s.repo.AddToWatchlist(symbol, name, etfType); err != nil {
		return err
	}
	if _, err := s.InitialHistoryLoad(symbol); err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("Initial history load failed")
	}
	return nil
}

// RemoveSymbol deactivates a symbol, keeping its history
func (s *Service) RemoveSymbol(symbol string) (bool, error) {
	return s.repo.RemoveFromWatchlist(symbol)
}

// SeedDefaults seeds the default watchlist when empty
func (s *Service) SeedDefaults() (int, error) {
	return s.repo.SeedDefaults()
}

func f64ptr(v float64) *float64 { return &v }
func i64ptr(v int64) *int64     { return &v }

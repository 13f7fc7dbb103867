package marketdata

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uteki/uteki/internal/clients/alphavantage"
	"github.com/uteki/uteki/internal/clients/fmp"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE watchlist (
			symbol TEXT PRIMARY KEY,
			name TEXT,
			etf_type TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL
		);
		CREATE TABLE index_prices (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			date TEXT NOT NULL,
			open REAL NOT NULL,
			high REAL NOT NULL,
			low REAL NOT NULL,
			close REAL NOT NULL,
			volume INTEGER NOT NULL DEFAULT 0,
			UNIQUE(symbol, date)
		);
		CREATE TABLE quote_cache (
			symbol TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	require.NoError(t, err)
	return db
}

type stubFMP struct {
	quote      *fmp.Quote
	quoteErr   error
	history    map[string][]fmp.HistoricalPrice
	historyErr map[string]error
	// historyFailures[symbol] fails that many calls before succeeding
	historyFailures map[string]int
	calls           int
}

func (s *stubFMP) GetQuote(symbol string) (*fmp.Quote, error) {
	return s.quote, s.quoteErr
}

func (s *stubFMP) GetHistory(symbol, fromDate string) ([]fmp.HistoricalPrice, error) {
	s.calls++
	if n := s.historyFailures[symbol]; n > 0 {
		s.historyFailures[symbol] = n - 1
		return nil, errors.New("transient upstream error")
	}
	if err := s.historyErr[symbol]; err != nil {
		return nil, err
	}
	var out []fmp.HistoricalPrice
	for _, bar := range s.history[symbol] {
		if fromDate == "" || bar.Date >= fromDate {
			out = append(out, bar)
		}
	}
	return out, nil
}

type stubAV struct {
	quote *alphavantage.GlobalQuote
	err   error
}

func (s *stubAV) GetGlobalQuote(symbol string) (*alphavantage.GlobalQuote, error) {
	return s.quote, s.err
}

func newTestService(t *testing.T, fmpClient FMPSource, avClient AVSource) (*Service, *Repository) {
	t.Helper()
	repo := NewRepository(setupTestDB(t), zerolog.Nop())
	svc := NewService(repo, fmpClient, avClient, zerolog.Nop())
	svc.sleep = func(time.Duration) {} // no backoff in tests
	return svc, repo
}

func TestGetQuote_FMPFirst(t *testing.T) {
	price := 512.3
	pe := 27.1
	svc, _ := newTestService(t, &stubFMP{quote: &fmp.Quote{Symbol: "VOO", Price: &price, PE: &pe}}, &stubAV{})

	q, err := svc.GetQuote("VOO")
	require.NoError(t, err)
	require.NotNil(t, q.Price)
	assert.Equal(t, 512.3, *q.Price)
	assert.Equal(t, 27.1, *q.PERatio)
	assert.False(t, q.Stale)
}

func TestGetQuote_FallsBackToAV(t *testing.T) {
	av := &stubAV{quote: &alphavantage.GlobalQuote{Symbol: "VOO", Price: 510.0, PreviousClose: 500.0, Volume: 1000}}
	svc, _ := newTestService(t, &stubFMP{quoteErr: fmp.ErrRateLimited{}}, av)

	q, err := svc.GetQuote("VOO")
	require.NoError(t, err)
	require.NotNil(t, q.Price)
	assert.Equal(t, 510.0, *q.Price)
	require.NotNil(t, q.ChangePct)
	assert.InDelta(t, 2.0, *q.ChangePct, 1e-9)
	assert.False(t, q.Stale)
}

func TestGetQuote_ServesCacheWhenLiveSourcesFail(t *testing.T) {
	svc, repo := newTestService(t, &stubFMP{quoteErr: errors.New("down")}, &stubAV{err: errors.New("down")})

	price := 505.5
	require.NoError(t, repo.CacheQuote(&Quote{Symbol: "VOO", Price: &price}))

	q, err := svc.GetQuote("VOO")
	require.NoError(t, err)
	require.NotNil(t, q.Price)
	assert.Equal(t, 505.5, *q.Price)
	assert.True(t, q.Stale, "cache-served quotes are marked stale")
}

func TestGetQuote_FallsBackToStoredBar(t *testing.T) {
	svc, repo := newTestService(t, &stubFMP{quoteErr: errors.New("down")}, &stubAV{err: errors.New("down")})

	_, err := repo.InsertPrices([]PricePoint{
		{Symbol: "VOO", Date: "2026-08-28", Open: 500, High: 512, Low: 499, Close: 510, Volume: 1200},
	})
	require.NoError(t, err)

	q, err := svc.GetQuote("VOO")
	require.NoError(t, err)
	require.NotNil(t, q.Price)
	assert.Equal(t, 510.0, *q.Price)
	assert.True(t, q.Stale)
	assert.Equal(t, "2026-08-28", q.Timestamp)
}

func TestGetQuote_NoDataAnywhere(t *testing.T) {
	svc, _ := newTestService(t, &stubFMP{}, &stubAV{})

	q, err := svc.GetQuote("VOO")
	require.NoError(t, err)
	assert.Nil(t, q.Price)
	assert.True(t, q.Stale)
	assert.Equal(t, "No data available", q.Error)
}

func TestIncrementalUpdate_FetchesOnlyNewDates(t *testing.T) {
	fmpStub := &stubFMP{
		history: map[string][]fmp.HistoricalPrice{
			"VOO": {
				{Date: "2026-08-25", Open: 1, High: 1, Low: 1, Close: 500, Volume: 1},
				{Date: "2026-08-26", Open: 1, High: 1, Low: 1, Close: 502, Volume: 1},
				{Date: "2026-08-27", Open: 1, High: 1, Low: 1, Close: 504, Volume: 1},
			},
		},
	}
	svc, repo := newTestService(t, fmpStub, &stubAV{})

	_, err := repo.InsertPrices([]PricePoint{
		{Symbol: "VOO", Date: "2026-08-25", Open: 1, High: 1, Low: 1, Close: 500, Volume: 1},
	})
	require.NoError(t, err)

	count, err := svc.IncrementalUpdate("VOO")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	dates, err := repo.Dates("VOO")
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-08-25", "2026-08-26", "2026-08-27"}, dates)
}

func TestUpdateWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	fmpStub := &stubFMP{
		history: map[string][]fmp.HistoricalPrice{
			"VOO": {{Date: "2026-08-28", Open: 1, High: 1, Low: 1, Close: 505, Volume: 1}},
		},
		historyFailures: map[string]int{"VOO": 2},
	}
	svc, _ := newTestService(t, fmpStub, &stubAV{})

	count, err := svc.updateWithRetry("VOO")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUpdateWithRetry_ExhaustsRetries(t *testing.T) {
	fmpStub := &stubFMP{
		historyErr:      map[string]error{"VOO": errors.New("persistent failure")},
		historyFailures: map[string]int{},
	}
	svc, _ := newTestService(t, fmpStub, &stubAV{})

	_, err := svc.updateWithRetry("VOO")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persistent failure")
	assert.Equal(t, 3, fmpStub.calls)
}

func TestValidateContinuity_DetectsWeekdayGaps(t *testing.T) {
	svc, repo := newTestService(t, &stubFMP{}, &stubAV{})

	// Mon 2026-08-17 through Fri 2026-08-21, Wednesday missing
	_, err := repo.InsertPrices([]PricePoint{
		{Symbol: "VOO", Date: "2026-08-17", Open: 1, High: 1, Low: 1, Close: 500},
		{Symbol: "VOO", Date: "2026-08-18", Open: 1, High: 1, Low: 1, Close: 501},
		{Symbol: "VOO", Date: "2026-08-20", Open: 1, High: 1, Low: 1, Close: 503},
		{Symbol: "VOO", Date: "2026-08-21", Open: 1, High: 1, Low: 1, Close: 504},
	})
	require.NoError(t, err)

	report, err := svc.ValidateContinuity("VOO")
	require.NoError(t, err)
	assert.False(t, report.IsValid)
	assert.Equal(t, []string{"2026-08-19"}, report.MissingDates)
	assert.Equal(t, 4, report.TotalRecords)
}

func TestValidateContinuity_WeekendsAreNotGaps(t *testing.T) {
	svc, repo := newTestService(t, &stubFMP{}, &stubAV{})

	// Fri 2026-08-21 then Mon 2026-08-24
	_, err := repo.InsertPrices([]PricePoint{
		{Symbol: "VOO", Date: "2026-08-21", Open: 1, High: 1, Low: 1, Close: 504},
		{Symbol: "VOO", Date: "2026-08-24", Open: 1, High: 1, Low: 1, Close: 505},
	})
	require.NoError(t, err)

	report, err := svc.ValidateContinuity("VOO")
	require.NoError(t, err)
	assert.True(t, report.IsValid)
	assert.Empty(t, report.MissingDates)
}

func TestValidatePrices_FlagsLargeMoves(t *testing.T) {
	svc, repo := newTestService(t, &stubFMP{}, &stubAV{})

	_, err := repo.InsertPrices([]PricePoint{
		{Symbol: "VOO", Date: "2026-08-17", Open: 1, High: 1, Low: 1, Close: 100},
		{Symbol: "VOO", Date: "2026-08-18", Open: 1, High: 1, Low: 1, Close: 101},
		{Symbol: "VOO", Date: "2026-08-19", Open: 1, High: 1, Low: 1, Close: 130}, // +28.7%
		{Symbol: "VOO", Date: "2026-08-20", Open: 1, High: 1, Low: 1, Close: 131},
	})
	require.NoError(t, err)

	anomalies, err := svc.ValidatePrices("VOO")
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "2026-08-19", anomalies[0].Date)
	assert.Greater(t, anomalies[0].ChangePct, 20.0)
	assert.True(t, anomalies[0].NeedsReview)
}

func TestValidatePrices_CleanSeries(t *testing.T) {
	svc, repo := newTestService(t, &stubFMP{}, &stubAV{})

	prices := make([]PricePoint, 0, 10)
	for i := 0; i < 10; i++ {
		prices = append(prices, PricePoint{
			Symbol: "VOO",
			Date:   fmt.Sprintf("2026-08-%02d", 10+i),
			Open:   1, High: 1, Low: 1,
			Close: 100 + float64(i)*0.5,
		})
	}
	_, err := repo.InsertPrices(prices)
	require.NoError(t, err)

	anomalies, err := svc.ValidatePrices("VOO")
	require.NoError(t, err)
	assert.Empty(t, anomalies)
}

func TestRobustUpdateAll_CollectsPartialFailures(t *testing.T) {
	fmpStub := &stubFMP{
		history: map[string][]fmp.HistoricalPrice{
			"VOO":  {{Date: "2026-08-28", Open: 1, High: 1, Low: 1, Close: 500, Volume: 1}},
			"QQQ":  {{Date: "2026-08-28", Open: 1, High: 1, Low: 1, Close: 450, Volume: 1}},
			"ACWI": {{Date: "2026-08-28", Open: 1, High: 1, Low: 1, Close: 110, Volume: 1}},
		},
		historyErr: map[string]error{
			"IVV": errors.New("upstream down"),
			"VGT": errors.New("upstream down"),
		},
		historyFailures: map[string]int{},
	}
	svc, repo := newTestService(t, fmpStub, &stubAV{})

	_, err := repo.SeedDefaults()
	require.NoError(t, err)

	report, err := svc.RobustUpdateAll(true, false)
	require.NoError(t, err)

	assert.Len(t, report.Success, 3)
	require.Len(t, report.Failed, 2)
	failedSymbols := []string{report.Failed[0].Symbol, report.Failed[1].Symbol}
	assert.ElementsMatch(t, []string{"IVV", "VGT"}, failedSymbols)
	assert.Equal(t, 3, report.TotalRecords)
}

func TestRobustUpdateAll_BackfillSkipsIncremental(t *testing.T) {
	// Symbol has a recent gap: backfill path runs instead of incremental
	fmpStub := &stubFMP{
		history: map[string][]fmp.HistoricalPrice{
			"VOO": {
				{Date: "2026-08-26", Open: 1, High: 1, Low: 1, Close: 501, Volume: 1},
				{Date: "2026-08-27", Open: 1, High: 1, Low: 1, Close: 502, Volume: 1},
			},
		},
		historyFailures: map[string]int{},
	}
	svc, repo := newTestService(t, fmpStub, &stubAV{})

	require.NoError(t, repo.AddToWatchlist("VOO", "Vanguard S&P 500 ETF", "broad_market"))
	// Tue 2026-08-25 stored, Wed-Thu missing; today is well past
	_, err := repo.InsertPrices([]PricePoint{
		{Symbol: "VOO", Date: "2026-08-25", Open: 1, High: 1, Low: 1, Close: 500, Volume: 1},
	})
	require.NoError(t, err)

	report, err := svc.RobustUpdateAll(false, true)
	require.NoError(t, err)

	require.Len(t, report.Backfilled, 1)
	assert.Equal(t, "backfill", report.Backfilled[0].Action)
	assert.Empty(t, report.Failed)
}

func TestComputeIndicators_PartialHistory(t *testing.T) {
	svc, repo := newTestService(t, &stubFMP{}, &stubAV{})

	// 60 bars: enough for MA50 and RSI, not MA200
	prices := make([]PricePoint, 0, 60)
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 60; i++ {
		prices = append(prices, PricePoint{
			Symbol: "VOO",
			Date:   base.AddDate(0, 0, i).Format("2006-01-02"),
			Open:   1, High: 1, Low: 1,
			Close: 100 + float64(i),
		})
	}
	_, err := repo.InsertPrices(prices)
	require.NoError(t, err)

	ind, err := svc.ComputeIndicators("VOO")
	require.NoError(t, err)
	assert.NotNil(t, ind.MA50)
	assert.Nil(t, ind.MA200)
	assert.NotNil(t, ind.RSI)
}

func TestSeedDefaults_OnlyWhenEmpty(t *testing.T) {
	_, repo := newTestService(t, &stubFMP{}, &stubAV{})

	n, err := repo.SeedDefaults()
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = repo.SeedDefaults()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	items, err := repo.GetWatchlist(true)
	require.NoError(t, err)
	require.Len(t, items, 5)
	assert.Equal(t, "VOO", items[0].Symbol)
}

func TestQuoteCache_RoundTripAndExpiry(t *testing.T) {
	_, repo := newTestService(t, &stubFMP{}, &stubAV{})

	price := 512.3
	pe := 27.1
	require.NoError(t, repo.CacheQuote(&Quote{Symbol: "VOO", Price: &price, PERatio: &pe}))

	q, err := repo.CachedQuote("VOO", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, 512.3, *q.Price)
	assert.Equal(t, 27.1, *q.PERatio)

	// Zero max age: everything is expired
	q, err = repo.CachedQuote("VOO", 0)
	require.NoError(t, err)
	assert.Nil(t, q)

	q, err = repo.CachedQuote("MISSING", time.Hour)
	require.NoError(t, err)
	assert.Nil(t, q)
}

func TestCloseOnOrBefore(t *testing.T) {
	svc, repo := newTestService(t, &stubFMP{}, &stubAV{})

	_, err := repo.InsertPrices([]PricePoint{
		{Symbol: "VOO", Date: "2026-08-21", Open: 1, High: 1, Low: 1, Close: 504},
		{Symbol: "VOO", Date: "2026-08-24", Open: 1, High: 1, Low: 1, Close: 505},
	})
	require.NoError(t, err)

	// Sunday resolves to the preceding Friday
	close, err := svc.CloseOnOrBefore("VOO", time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 504.0, close)

	_, err = svc.CloseOnOrBefore("VOO", time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

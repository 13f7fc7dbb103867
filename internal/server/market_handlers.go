package server

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/uteki/uteki/internal/modules/marketdata"
)

// MarketService covers the market data operations the API exposes
type MarketService interface {
	Watchlist(activeOnly bool) ([]marketdata.WatchlistItem, error)
	AddSymbol(symbol, name, etfType string) error
	RemoveSymbol(symbol string) (bool, error)
	GetQuote(symbol string) (*marketdata.Quote, error)
	History(symbol string) ([]marketdata.PricePoint, error)
	ComputeIndicators(symbol string) (*marketdata.Indicators, error)
	RobustUpdateAll(validate, backfill bool) (*marketdata.UpdateReport, error)
	ValidateContinuity(symbol string) (*marketdata.ContinuityReport, error)
	ValidatePrices(symbol string) ([]marketdata.Anomaly, error)
	SmartBackfill(symbol string) (*marketdata.BackfillResult, error)
}

// MarketHandlers serves watchlist, quote and price maintenance endpoints
type MarketHandlers struct {
	svc MarketService
	log zerolog.Logger
}

// NewMarketHandlers creates market data handlers
func NewMarketHandlers(svc MarketService, log zerolog.Logger) *MarketHandlers {
	return &MarketHandlers{
		svc: svc,
		log: log.With().Str("component", "market_handlers").Logger(),
	}
}

// HandleWatchlist handles GET /api/market/watchlist
func (h *MarketHandlers) HandleWatchlist(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") != "false"

	items, err := h.svc.Watchlist(activeOnly)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, items)
}

// HandleAddSymbol handles POST /api/market/watchlist
func (h *MarketHandlers) HandleAddSymbol(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol  string `json:"symbol"`
		Name    string `json:"name,omitempty"`
		ETFType string `json:"etf_type,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		respondError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	if err := h.svc.AddSymbol(symbol, req.Name, req.ETFType); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondMessage(w, http.StatusCreated, "Symbol added to watchlist")
}

// HandleRemoveSymbol handles DELETE /api/market/watchlist/{symbol}
func (h *MarketHandlers) HandleRemoveSymbol(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))

	removed, err := h.svc.RemoveSymbol(symbol)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !removed {
		respondError(w, http.StatusNotFound, "Symbol not on watchlist")
		return
	}

	respondMessage(w, http.StatusOK, "Symbol removed from watchlist")
}

// HandleQuote handles GET /api/market/quote/{symbol}. The quote may be
// stale when every provider and the cache fell through to the last
// stored bar; the payload carries the staleness flag.
func (h *MarketHandlers) HandleQuote(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))

	quote, err := h.svc.GetQuote(symbol)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, quote)
}

// HandleHistory handles GET /api/market/history/{symbol}
func (h *MarketHandlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))

	series, err := h.svc.History(symbol)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, series)
}

// HandleIndicators handles GET /api/market/indicators/{symbol}
func (h *MarketHandlers) HandleIndicators(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))

	ind, err := h.svc.ComputeIndicators(symbol)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "No price history for symbol")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, ind)
}

// HandleUpdatePrices handles POST /api/market/update
func (h *MarketHandlers) HandleUpdatePrices(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Validate bool `json:"validate,omitempty"`
		Backfill bool `json:"backfill,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	report, err := h.svc.RobustUpdateAll(req.Validate, req.Backfill)
	if err != nil {
		h.log.Error().Err(err).Msg("Price update failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, report)
}

// HandleValidate handles GET /api/market/validate/{symbol}
func (h *MarketHandlers) HandleValidate(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))

	continuity, err := h.svc.ValidateContinuity(symbol)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	anomalies, err := h.svc.ValidatePrices(symbol)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"continuity": continuity,
		"anomalies":  anomalies,
	})
}

// HandleBackfill handles POST /api/market/backfill/{symbol}
func (h *MarketHandlers) HandleBackfill(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))

	result, err := h.svc.SmartBackfill(symbol)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, result)
}

package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/uteki/uteki/internal/modules/decisions"
)

// DecisionService covers the decision lifecycle operations the API exposes
type DecisionService interface {
	Approve(ctx context.Context, harnessID string, req decisions.ApproveRequest) (*decisions.DecisionLog, error)
	Skip(harnessID, notes string) (*decisions.DecisionLog, error)
	Reject(harnessID, notes string) (*decisions.DecisionLog, error)
	Adopt(harnessID, invocationID string) (*decisions.DecisionCard, error)
	RunCounterfactualBatch(horizonDays int) (*decisions.CounterfactualBatchResult, error)
	Timeline(limit int) ([]*decisions.DecisionLog, error)
	History(harnessID string) ([]*decisions.DecisionLog, error)
	Counterfactuals(decisionLogID string) ([]*decisions.Counterfactual, error)
}

// DecisionHandlers serves the decision lifecycle endpoints
type DecisionHandlers struct {
	svc DecisionService
	log zerolog.Logger
}

// NewDecisionHandlers creates decision handlers
func NewDecisionHandlers(svc DecisionService, log zerolog.Logger) *DecisionHandlers {
	return &DecisionHandlers{
		svc: svc,
		log: log.With().Str("component", "decision_handlers").Logger(),
	}
}

type approveRequest struct {
	Allocations []struct {
		Symbol string  `json:"symbol"`
		Amount float64 `json:"amount"`
	} `json:"allocations"`
	AdoptedInvocationID string `json:"adopted_invocation_id,omitempty"`
	Notes               string `json:"notes,omitempty"`
}

type notesRequest struct {
	Notes string `json:"notes,omitempty"`
}

// HandleApprove handles POST /api/decisions/{harnessID}/approve
func (h *DecisionHandlers) HandleApprove(w http.ResponseWriter, r *http.Request) {
	harnessID := chi.URLParam(r, "harnessID")

	// An approval with no allocations is valid: the user endorses the
	// harness without placing orders.
	var req approveRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	allocations := make([]decisions.Allocation, 0, len(req.Allocations))
	for _, a := range req.Allocations {
		if a.Symbol == "" || a.Amount <= 0 {
			respondError(w, http.StatusBadRequest, "each allocation needs a symbol and a positive amount")
			return
		}
		allocations = append(allocations, decisions.Allocation{Symbol: a.Symbol, Amount: a.Amount})
	}

	log, err := h.svc.Approve(r.Context(), harnessID, decisions.ApproveRequest{
		Allocations:         allocations,
		AdoptedInvocationID: req.AdoptedInvocationID,
		Notes:               req.Notes,
	})
	if err != nil {
		h.respondDecisionError(w, harnessID, err)
		return
	}

	respondJSON(w, http.StatusOK, log)
}

// HandleSkip handles POST /api/decisions/{harnessID}/skip
func (h *DecisionHandlers) HandleSkip(w http.ResponseWriter, r *http.Request) {
	h.handleSimpleAction(w, r, h.svc.Skip)
}

// HandleReject handles POST /api/decisions/{harnessID}/reject
func (h *DecisionHandlers) HandleReject(w http.ResponseWriter, r *http.Request) {
	h.handleSimpleAction(w, r, h.svc.Reject)
}

func (h *DecisionHandlers) handleSimpleAction(w http.ResponseWriter, r *http.Request, action func(harnessID, notes string) (*decisions.DecisionLog, error)) {
	harnessID := chi.URLParam(r, "harnessID")

	var req notesRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	log, err := action(harnessID, req.Notes)
	if err != nil {
		h.respondDecisionError(w, harnessID, err)
		return
	}

	respondJSON(w, http.StatusOK, log)
}

// HandleAdopt handles POST /api/decisions/{harnessID}/adopt
func (h *DecisionHandlers) HandleAdopt(w http.ResponseWriter, r *http.Request) {
	harnessID := chi.URLParam(r, "harnessID")

	var req struct {
		InvocationID string `json:"invocation_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.InvocationID == "" {
		respondError(w, http.StatusBadRequest, "invocation_id is required")
		return
	}

	card, err := h.svc.Adopt(harnessID, req.InvocationID)
	if err != nil {
		h.respondDecisionError(w, harnessID, err)
		return
	}

	respondJSON(w, http.StatusOK, card)
}

// HandleTimeline handles GET /api/decisions/timeline
func (h *DecisionHandlers) HandleTimeline(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)

	logs, err := h.svc.Timeline(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, logs)
}

// HandleHistory handles GET /api/decisions/{harnessID}/history
func (h *DecisionHandlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	harnessID := chi.URLParam(r, "harnessID")

	logs, err := h.svc.History(harnessID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, logs)
}

// HandleCounterfactuals handles GET /api/decisions/logs/{logID}/counterfactuals
func (h *DecisionHandlers) HandleCounterfactuals(w http.ResponseWriter, r *http.Request) {
	logID := chi.URLParam(r, "logID")

	cfs, err := h.svc.Counterfactuals(logID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, cfs)
}

// HandleRunCounterfactuals handles POST /api/decisions/counterfactuals/run
func (h *DecisionHandlers) HandleRunCounterfactuals(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HorizonDays int `json:"horizon_days"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !decisions.ValidHorizon(req.HorizonDays) {
		respondError(w, http.StatusBadRequest, "horizon_days must be one of 7, 30 or 90")
		return
	}

	result, err := h.svc.RunCounterfactualBatch(req.HorizonDays)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (h *DecisionHandlers) respondDecisionError(w http.ResponseWriter, harnessID string, err error) {
	switch {
	case errors.Is(err, decisions.ErrPositionLimit):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, sql.ErrNoRows):
		respondError(w, http.StatusNotFound, "Harness not found")
	default:
		h.log.Error().Err(err).Str("harness_id", harnessID).Msg("Decision action failed")
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/uteki/uteki/internal/modules/arena"
	"github.com/uteki/uteki/internal/modules/harness"
	"github.com/uteki/uteki/internal/modules/scoring"
)

// HarnessBuilder builds and persists decision harnesses
type HarnessBuilder interface {
	Build(req harness.BuildRequest) (*harness.DecisionHarness, error)
}

// HarnessStore reads stored harnesses
type HarnessStore interface {
	GetByID(id string) (*harness.DecisionHarness, error)
	ListRecent(limit int) ([]*harness.DecisionHarness, error)
}

// ArenaRunner fans a harness out to the configured models
type ArenaRunner interface {
	Run(ctx context.Context, harnessID string) ([]*arena.InvocationRecord, error)
}

// InvocationStore reads persisted model invocations
type InvocationStore interface {
	ListByHarness(harnessID string) ([]*arena.InvocationRecord, error)
}

// ScoreSource reads the model leaderboard
type ScoreSource interface {
	Leaderboard(promptVersionID string) ([]*scoring.ModelScore, error)
}

// ArenaHandlers serves harness building, arena runs and the leaderboard
type ArenaHandlers struct {
	builder     HarnessBuilder
	harnesses   HarnessStore
	arena       ArenaRunner
	invocations InvocationStore
	scores      ScoreSource
	log         zerolog.Logger
}

// NewArenaHandlers creates arena handlers
func NewArenaHandlers(builder HarnessBuilder, harnesses HarnessStore, runner ArenaRunner, invocations InvocationStore, scores ScoreSource, log zerolog.Logger) *ArenaHandlers {
	return &ArenaHandlers{
		builder:     builder,
		harnesses:   harnesses,
		arena:       runner,
		invocations: invocations,
		scores:      scores,
		log:         log.With().Str("component", "arena_handlers").Logger(),
	}
}

type buildHarnessRequest struct {
	HarnessType string                 `json:"harness_type"`
	UserID      string                 `json:"user_id"`
	Budget      *float64               `json:"budget,omitempty"`
	Constraints map[string]interface{} `json:"constraints,omitempty"`
}

// HandleBuildHarness handles POST /api/harness
func (h *ArenaHandlers) HandleBuildHarness(w http.ResponseWriter, r *http.Request) {
	var req buildHarnessRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.HarnessType == "" {
		respondError(w, http.StatusBadRequest, "harness_type is required")
		return
	}
	if req.UserID == "" {
		req.UserID = "default"
	}

	built, err := h.builder.Build(harness.BuildRequest{
		HarnessType: req.HarnessType,
		UserID:      req.UserID,
		Budget:      req.Budget,
		Constraints: req.Constraints,
	})
	if err != nil {
		h.log.Error().Err(err).Str("type", req.HarnessType).Msg("Harness build failed")
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, built)
}

// HandleGetHarness handles GET /api/harness/{harnessID}
func (h *ArenaHandlers) HandleGetHarness(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "harnessID")

	found, err := h.harnesses.GetByID(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "Harness not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, found)
}

// HandleListHarnesses handles GET /api/harness
func (h *ArenaHandlers) HandleListHarnesses(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)

	list, err := h.harnesses.ListRecent(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, list)
}

// HandleRunArena handles POST /api/arena/run. The run is synchronous: the
// response carries one invocation record per configured model, including
// the failed ones. Progress is streamed separately over the websocket.
func (h *ArenaHandlers) HandleRunArena(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HarnessID string `json:"harness_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.HarnessID == "" {
		respondError(w, http.StatusBadRequest, "harness_id is required")
		return
	}

	records, err := h.arena.Run(r.Context(), req.HarnessID)
	if err != nil {
		h.log.Error().Err(err).Str("harness_id", req.HarnessID).Msg("Arena run failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"harness_id":  req.HarnessID,
		"invocations": records,
	})
}

// HandleArenaResults handles GET /api/arena/results/{harnessID}
func (h *ArenaHandlers) HandleArenaResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "harnessID")

	records, err := h.invocations.ListByHarness(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, records)
}

// HandleLeaderboard handles GET /api/scores/leaderboard
func (h *ArenaHandlers) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	promptVersion := r.URL.Query().Get("prompt_version")

	scores, err := h.scores.Leaderboard(promptVersion)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, scores)
}

// queryInt parses an integer query parameter with a fallback
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

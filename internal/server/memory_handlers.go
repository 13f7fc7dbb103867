package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/uteki/uteki/internal/modules/memory"
	"github.com/uteki/uteki/internal/modules/reflection"
)

// MemoryService covers the memory operations the API exposes
type MemoryService interface {
	List(userID, category string, limit int) ([]memory.Memory, error)
	RecordExperience(userID, content string, metadata map[string]interface{}) (string, error)
}

// ReflectionService generates reflections on demand
type ReflectionService interface {
	Generate(ctx context.Context, userID string, lookbackDays int) (*reflection.Result, error)
}

// MemoryHandlers serves memory reads, experience notes and reflections
type MemoryHandlers struct {
	memory     MemoryService
	reflection ReflectionService
	log        zerolog.Logger
}

// NewMemoryHandlers creates memory handlers
func NewMemoryHandlers(mem MemoryService, refl ReflectionService, log zerolog.Logger) *MemoryHandlers {
	return &MemoryHandlers{
		memory:     mem,
		reflection: refl,
		log:        log.With().Str("component", "memory_handlers").Logger(),
	}
}

// HandleList handles GET /api/memory
func (h *MemoryHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = "default"
	}
	category := r.URL.Query().Get("category")
	limit := queryInt(r, "limit", 50)

	entries, err := h.memory.List(userID, category, limit)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, entries)
}

// HandleRecordExperience handles POST /api/memory/experience
func (h *MemoryHandlers) HandleRecordExperience(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string                 `json:"user_id,omitempty"`
		Content  string                 `json:"content"`
		Metadata map[string]interface{} `json:"metadata,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Content == "" {
		respondError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.UserID == "" {
		req.UserID = "default"
	}

	id, err := h.memory.RecordExperience(req.UserID, req.Content, req.Metadata)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// HandleGenerateReflection handles POST /api/reflection/generate. A run
// over an empty lookback window completes with a skipped result rather
// than an error.
func (h *MemoryHandlers) HandleGenerateReflection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID       string `json:"user_id,omitempty"`
		LookbackDays int    `json:"lookback_days,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" {
		req.UserID = "default"
	}

	result, err := h.reflection.Generate(r.Context(), req.UserID, req.LookbackDays)
	if err != nil {
		h.log.Error().Err(err).Msg("Reflection generation failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, result)
}

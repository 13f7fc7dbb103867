package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/uteki/uteki/internal/modules/prompts"
)

// PromptService covers the prompt versioning operations the API exposes
type PromptService interface {
	GetCurrent() (*prompts.PromptVersion, error)
	History() ([]prompts.PromptVersion, error)
	Update(content, description string) (*prompts.PromptVersion, error)
	Activate(versionID string) (*prompts.PromptVersion, error)
	Delete(versionID string) error
}

// PromptHandlers serves the system prompt versioning endpoints
type PromptHandlers struct {
	svc PromptService
	log zerolog.Logger
}

// NewPromptHandlers creates prompt handlers
func NewPromptHandlers(svc PromptService, log zerolog.Logger) *PromptHandlers {
	return &PromptHandlers{
		svc: svc,
		log: log.With().Str("component", "prompt_handlers").Logger(),
	}
}

// HandleCurrent handles GET /api/prompts/current. The default version is
// created on first access, so this never 404s.
func (h *PromptHandlers) HandleCurrent(w http.ResponseWriter, r *http.Request) {
	current, err := h.svc.GetCurrent()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, current)
}

// HandleHistory handles GET /api/prompts/history
func (h *PromptHandlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.svc.History()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, history)
}

// HandleUpdate handles POST /api/prompts. The new content becomes a new
// active version; prior versions stay in the history.
func (h *PromptHandlers) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content     string `json:"content"`
		Description string `json:"description,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Content == "" {
		respondError(w, http.StatusBadRequest, "content is required")
		return
	}

	version, err := h.svc.Update(req.Content, req.Description)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, version)
}

// HandleActivate handles POST /api/prompts/{versionID}/activate
func (h *PromptHandlers) HandleActivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "versionID")

	version, err := h.svc.Activate(id)
	if err != nil {
		if errors.Is(err, prompts.ErrVersionNotFound) {
			respondError(w, http.StatusNotFound, "Prompt version not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, version)
}

// HandleDelete handles DELETE /api/prompts/{versionID}
func (h *PromptHandlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "versionID")

	if err := h.svc.Delete(id); err != nil {
		switch {
		case errors.Is(err, prompts.ErrVersionNotFound):
			respondError(w, http.StatusNotFound, "Prompt version not found")
		case errors.Is(err, prompts.ErrDeleteActive):
			respondError(w, http.StatusConflict, "Cannot delete the active prompt version")
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	respondMessage(w, http.StatusOK, "Prompt version deleted")
}

package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/uteki/uteki/internal/scheduler"
)

// ScheduleStore manages persisted schedule tasks
type ScheduleStore interface {
	Create(name, cronExpression, taskType string, config map[string]interface{}) (*scheduler.ScheduleTask, error)
	Get(id string) (*scheduler.ScheduleTask, error)
	List() ([]*scheduler.ScheduleTask, error)
	Update(id string, req scheduler.UpdateRequest) (*scheduler.ScheduleTask, error)
	Delete(id string) (bool, error)
}

// TaskRunner drives registered cron entries and manual triggers
type TaskRunner interface {
	Register(t *scheduler.ScheduleTask) error
	Unregister(taskID string)
	TriggerNow(ctx context.Context, taskID string) (*scheduler.RunOutcome, error)
}

// ScheduleHandlers serves schedule CRUD and manual triggering
type ScheduleHandlers struct {
	store  ScheduleStore
	runner TaskRunner
	log    zerolog.Logger
}

// NewScheduleHandlers creates schedule handlers
func NewScheduleHandlers(store ScheduleStore, runner TaskRunner, log zerolog.Logger) *ScheduleHandlers {
	return &ScheduleHandlers{
		store:  store,
		runner: runner,
		log:    log.With().Str("component", "schedule_handlers").Logger(),
	}
}

// HandleList handles GET /api/schedules
func (h *ScheduleHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.store.List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, tasks)
}

// HandleGet handles GET /api/schedules/{taskID}
func (h *ScheduleHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")

	task, err := h.store.Get(id)
	if err != nil {
		if errors.Is(err, scheduler.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "Schedule not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, task)
}

// HandleCreate handles POST /api/schedules. New tasks are registered with
// the runner immediately when enabled.
func (h *ScheduleHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string                 `json:"name"`
		CronExpression string                 `json:"cron_expression"`
		TaskType       string                 `json:"task_type"`
		Config         map[string]interface{} `json:"config,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" || req.CronExpression == "" || req.TaskType == "" {
		respondError(w, http.StatusBadRequest, "name, cron_expression and task_type are required")
		return
	}

	task, err := h.store.Create(req.Name, req.CronExpression, req.TaskType, req.Config)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.runner.Register(task); err != nil {
		// The row exists but the cron expression was rejected; remove it
		// so the store never carries an unschedulable task.
		_, _ = h.store.Delete(task.ID)
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, task)
}

// HandleUpdate handles PUT /api/schedules/{taskID}
func (h *ScheduleHandlers) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")

	var req struct {
		CronExpression *string                `json:"cron_expression,omitempty"`
		IsEnabled      *bool                  `json:"is_enabled,omitempty"`
		Config         map[string]interface{} `json:"config,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	task, err := h.store.Update(id, scheduler.UpdateRequest{
		CronExpression: req.CronExpression,
		IsEnabled:      req.IsEnabled,
		Config:         req.Config,
	})
	if err != nil {
		if errors.Is(err, scheduler.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "Schedule not found")
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Keep the cron runner in sync with the stored state
	if task.IsEnabled {
		if err := h.runner.Register(task); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	} else {
		h.runner.Unregister(task.ID)
	}

	respondJSON(w, http.StatusOK, task)
}

// HandleDelete handles DELETE /api/schedules/{taskID}
func (h *ScheduleHandlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")

	deleted, err := h.store.Delete(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !deleted {
		respondError(w, http.StatusNotFound, "Schedule not found")
		return
	}

	h.runner.Unregister(id)
	respondMessage(w, http.StatusOK, "Schedule deleted")
}

// HandleTrigger handles POST /api/schedules/{taskID}/trigger. The task
// runs synchronously; the outcome carries the recorded status and any
// task-specific payload.
func (h *ScheduleHandlers) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")

	outcome, err := h.runner.TriggerNow(r.Context(), id)
	if err != nil {
		if errors.Is(err, scheduler.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "Schedule not found")
			return
		}
		h.log.Error().Err(err).Str("task_id", id).Msg("Manual trigger failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, outcome)
}

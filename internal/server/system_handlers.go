package server

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/uteki/uteki/internal/database"
	"github.com/uteki/uteki/internal/reliability"
)

// BackupRunner covers the backup operations the API exposes. Nil when
// backups are not configured.
type BackupRunner interface {
	CreateAndUpload(ctx context.Context) error
	ListBackups(ctx context.Context) ([]reliability.BackupInfo, error)
	RotateOldBackups(ctx context.Context, retentionDays int) (int, error)
}

// MaintenanceRunner runs the database maintenance pass
type MaintenanceRunner interface {
	Run(ctx context.Context) error
}

// SystemHandlers serves health, status and operational endpoints
type SystemHandlers struct {
	databases   map[string]*database.DB
	backup      BackupRunner
	maintenance MaintenanceRunner
	hub         *ProgressHub
	startTime   time.Time
	log         zerolog.Logger
}

// NewSystemHandlers creates system handlers
func NewSystemHandlers(databases map[string]*database.DB, backup BackupRunner, maintenance MaintenanceRunner, hub *ProgressHub, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		databases:   databases,
		backup:      backup,
		maintenance: maintenance,
		hub:         hub,
		startTime:   time.Now(),
		log:         log.With().Str("component", "system_handlers").Logger(),
	}
}

// HandleHealth handles GET /health
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	for name, db := range h.databases {
		if err := db.HealthCheck(r.Context()); err != nil {
			h.log.Error().Err(err).Str("database", name).Msg("Health check failed")
			respondError(w, http.StatusServiceUnavailable, "database unavailable: "+name)
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// HandleSystemStatus handles GET /api/system/status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
	}

	if percentages, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percentages) > 0 {
		status["cpu_percent"] = percentages[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		status["memory"] = map[string]interface{}{
			"total_mb":     vm.Total / 1024 / 1024,
			"used_mb":      vm.Used / 1024 / 1024,
			"used_percent": vm.UsedPercent,
		}
	}

	dbStatus := make(map[string]string, len(h.databases))
	for name, db := range h.databases {
		if err := db.HealthCheck(r.Context()); err != nil {
			dbStatus[name] = "unhealthy: " + err.Error()
		} else {
			dbStatus[name] = "healthy"
		}
	}
	status["databases"] = dbStatus

	if h.hub != nil {
		status["progress_subscribers"] = h.hub.SubscriberCount()
	}

	respondJSON(w, http.StatusOK, status)
}

// HandleCreateBackup handles POST /api/system/backup
func (h *SystemHandlers) HandleCreateBackup(w http.ResponseWriter, r *http.Request) {
	if h.backup == nil {
		respondError(w, http.StatusServiceUnavailable, "Backups are not configured")
		return
	}

	if err := h.backup.CreateAndUpload(r.Context()); err != nil {
		h.log.Error().Err(err).Msg("Backup failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondMessage(w, http.StatusOK, "Backup created and uploaded")
}

// HandleListBackups handles GET /api/system/backups
func (h *SystemHandlers) HandleListBackups(w http.ResponseWriter, r *http.Request) {
	if h.backup == nil {
		respondError(w, http.StatusServiceUnavailable, "Backups are not configured")
		return
	}

	backups, err := h.backup.ListBackups(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, backups)
}

// HandleRotateBackups handles POST /api/system/backup/rotate
func (h *SystemHandlers) HandleRotateBackups(w http.ResponseWriter, r *http.Request) {
	if h.backup == nil {
		respondError(w, http.StatusServiceUnavailable, "Backups are not configured")
		return
	}

	var req struct {
		RetentionDays int `json:"retention_days"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	deleted, err := h.backup.RotateOldBackups(r.Context(), req.RetentionDays)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

// HandleRunMaintenance handles POST /api/system/maintenance
func (h *SystemHandlers) HandleRunMaintenance(w http.ResponseWriter, r *http.Request) {
	if err := h.maintenance.Run(r.Context()); err != nil {
		h.log.Error().Err(err).Msg("Maintenance run failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondMessage(w, http.StatusOK, "Maintenance completed")
}

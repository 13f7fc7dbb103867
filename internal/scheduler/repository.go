package scheduler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Task types
const (
	TaskArenaAnalysis  = "arena_analysis"
	TaskReflection     = "reflection"
	TaskCounterfactual = "counterfactual"
	TaskPriceUpdate    = "price_update"
)

// Run statuses
const (
	StatusSuccess             = "success"
	StatusSuccessWithWarnings = "success_with_warnings"
	StatusPartialFailure      = "partial_failure"
	StatusPendingUserAction   = "pending_user_action"
	StatusSkipped             = "skipped"
	StatusFailed              = "failed"
)

var ErrTaskNotFound = errors.New("schedule task not found")

// ScheduleTask is one recurring background task
type ScheduleTask struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	CronExpression string                 `json:"cron_expression"`
	TaskType       string                 `json:"task_type"`
	Config         map[string]interface{} `json:"config,omitempty"`
	IsEnabled      bool                   `json:"is_enabled"`
	LastRunAt      *time.Time             `json:"last_run_at,omitempty"`
	LastRunStatus  string                 `json:"last_run_status,omitempty"`
	NextRunAt      *time.Time             `json:"next_run_at,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// defaultSchedules is seeded on first startup
var defaultSchedules = []ScheduleTask{
	{
		Name:           "monthly_dca",
		CronExpression: "0 9 1 * *",
		TaskType:       TaskArenaAnalysis,
		Config:         map[string]interface{}{"harness_type": "monthly_dca", "budget": 1000.0},
	},
	{
		Name:           "weekly_check",
		CronExpression: "0 9 * * 1",
		TaskType:       TaskArenaAnalysis,
		Config:         map[string]interface{}{"harness_type": "weekly_check"},
	},
	{
		Name:           "monthly_reflection",
		CronExpression: "0 18 28 * *",
		TaskType:       TaskReflection,
		Config:         map[string]interface{}{},
	},
	{
		// UTC 5:00, US market close plus buffer
		Name:           "daily_price_update",
		CronExpression: "0 5 * * *",
		TaskType:       TaskPriceUpdate,
		Config: map[string]interface{}{
			"validate_after_update": true,
			"enable_backfill":       true,
		},
	},
}

// Repository persists schedule tasks and their run state
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "schedule_tasks").Logger(),
	}
}

// Create stores a new enabled task
func (r *Repository) Create(name, cronExpression, taskType string, config map[string]interface{}) (*ScheduleTask, error) {
	t := &ScheduleTask{
		ID:             uuid.New().String(),
		Name:           name,
		CronExpression: cronExpression,
		TaskType:       taskType,
		Config:         config,
		IsEnabled:      true,
		CreatedAt:      time.Now().UTC(),
	}

	configJSON, err := marshalConfig(config)
	if err != nil {
		return nil, err
	}
	_, err = r.db.Exec(`
		INSERT INTO schedule_tasks (id, name, cron_expression, task_type, config, is_enabled, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
	`, t.ID, t.Name, t.CronExpression, t.TaskType, configJSON, t.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to create schedule task: %w", err)
	}

	r.log.Info().Str("id", t.ID).Str("name", name).Str("cron", cronExpression).Msg("Schedule task created")
	return t, nil
}

// Get returns one task
func (r *Repository) Get(id string) (*ScheduleTask, error) {
	row := r.db.QueryRow(`
		SELECT id, name, cron_expression, task_type, config, is_enabled, last_run_at, last_run_status, next_run_at, created_at
		FROM schedule_tasks WHERE id = ?
	`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return t, err
}

// List returns all tasks in creation order
func (r *Repository) List() ([]*ScheduleTask, error) {
	return r.query(`
		SELECT id, name, cron_expression, task_type, config, is_enabled, last_run_at, last_run_status, next_run_at, created_at
		FROM schedule_tasks ORDER BY created_at, rowid
	`)
}

// EnabledTasks returns the tasks the runner should register at startup
func (r *Repository) EnabledTasks() ([]*ScheduleTask, error) {
	return r.query(`
		SELECT id, name, cron_expression, task_type, config, is_enabled, last_run_at, last_run_status, next_run_at, created_at
		FROM schedule_tasks WHERE is_enabled = 1 ORDER BY created_at, rowid
	`)
}

// UpdateRequest carries the mutable task fields, nil means unchanged
type UpdateRequest struct {
	CronExpression *string
	IsEnabled      *bool
	Config         map[string]interface{}
}

// Update patches a task and returns the new state
func (r *Repository) Update(id string, req UpdateRequest) (*ScheduleTask, error) {
	t, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	if req.CronExpression != nil {
		t.CronExpression = *req.CronExpression
	}
	if req.IsEnabled != nil {
		t.IsEnabled = *req.IsEnabled
	}
	if req.Config != nil {
		t.Config = req.Config
	}

	configJSON, err := marshalConfig(t.Config)
	if err != nil {
		return nil, err
	}
	enabled := 0
	if t.IsEnabled {
		enabled = 1
	}
	_, err = r.db.Exec(`
		UPDATE schedule_tasks SET cron_expression = ?, is_enabled = ?, config = ? WHERE id = ?
	`, t.CronExpression, enabled, configJSON, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update schedule task: %w", err)
	}
	return t, nil
}

// Delete removes a task
func (r *Repository) Delete(id string) (bool, error) {
	res, err := r.db.Exec(`DELETE FROM schedule_tasks WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete schedule task: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecordRunOutcome stamps the last run and its status
func (r *Repository) RecordRunOutcome(id, status string) error {
	_, err := r.db.Exec(`
		UPDATE schedule_tasks SET last_run_at = ?, last_run_status = ? WHERE id = ?
	`, time.Now().Unix(), status, id)
	if err != nil {
		return fmt.Errorf("failed to record run outcome: %w", err)
	}
	return nil
}

// SetNextRun stores the computed next fire time
func (r *Repository) SetNextRun(id string, next time.Time) error {
	_, err := r.db.Exec(`UPDATE schedule_tasks SET next_run_at = ? WHERE id = ?`, next.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set next run: %w", err)
	}
	return nil
}

// SeedDefaults inserts the default schedules when the table is empty
func (r *Repository) SeedDefaults() (int, error) {
	var count int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM schedule_tasks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count schedule tasks: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	added := 0
	for _, s := range defaultSchedules {
		if _, err := r.Create(s.Name, s.CronExpression, s.TaskType, s.Config); err != nil {
			return added, err
		}
		added++
	}
	r.log.Info().Int("count", added).Msg("Seeded default schedule tasks")
	return added, nil
}

func (r *Repository) query(q string, args ...interface{}) ([]*ScheduleTask, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule tasks: %w", err)
	}
	defer rows.Close()

	var out []*ScheduleTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*ScheduleTask, error) {
	var t ScheduleTask
	var config, lastStatus sql.NullString
	var enabled int
	var lastRun, nextRun sql.NullInt64
	var createdAt int64
	err := row.Scan(&t.ID, &t.Name, &t.CronExpression, &t.TaskType, &config, &enabled, &lastRun, &lastStatus, &nextRun, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan schedule task: %w", err)
	}

	if config.Valid && config.String != "" {
		if err := json.Unmarshal([]byte(config.String), &t.Config); err != nil {
			return nil, fmt.Errorf("bad config for task %s: %w", t.ID, err)
		}
	}
	t.IsEnabled = enabled == 1
	t.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		ts := time.Unix(lastRun.Int64, 0).UTC()
		t.LastRunAt = &ts
	}
	if nextRun.Valid {
		ts := time.Unix(nextRun.Int64, 0).UTC()
		t.NextRunAt = &ts
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &t, nil
}

func marshalConfig(config map[string]interface{}) (interface{}, error) {
	if config == nil {
		return nil, nil
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task config: %w", err)
	}
	return string(raw), nil
}

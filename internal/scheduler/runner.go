package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/uteki/uteki/internal/modules/arena"
	"github.com/uteki/uteki/internal/modules/decisions"
	"github.com/uteki/uteki/internal/modules/harness"
	"github.com/uteki/uteki/internal/modules/marketdata"
	"github.com/uteki/uteki/internal/modules/reflection"
)

const (
	defaultUserID      = "default"
	defaultHarnessType = harness.TypeMonthlyDCA
	dispatchTimeout    = 10 * time.Minute
)

// HarnessBuilder assembles decision harnesses for arena runs
type HarnessBuilder interface {
	Build(req harness.BuildRequest) (*harness.DecisionHarness, error)
}

// ArenaRunner fans a harness out to the model arena
type ArenaRunner interface {
	Run(ctx context.Context, harnessID string) ([]*arena.InvocationRecord, error)
}

// ScoreSink records model participation after a completed arena run
type ScoreSink interface {
	OnParticipation(provider, model, promptVersionID string) error
}

// Reflector generates periodic reflections over recent decisions
type Reflector interface {
	Generate(ctx context.Context, userID string, lookbackDays int) (*reflection.Result, error)
}

// CounterfactualRunner evaluates matured approved decisions at one horizon
type CounterfactualRunner interface {
	RunCounterfactualBatch(horizonDays int) (*decisions.CounterfactualBatchResult, error)
}

// PriceUpdater refreshes the watchlist price series
type PriceUpdater interface {
	RobustUpdateAll(validate, backfill bool) (*marketdata.UpdateReport, error)
}

// RunOutcome is the result of one dispatched task run
type RunOutcome struct {
	TaskID   string      `json:"task_id"`
	TaskType string      `json:"task_type"`
	Status   string      `json:"status"`
	Data     interface{} `json:"data,omitempty"`
}

// Runner loads enabled schedule tasks at startup, keeps them registered
// with cron, and dispatches each fire to the matching subsystem. Run state
// survives restarts through the repository.
type Runner struct {
	repo            *Repository
	cron            *cron.Cron
	parser          cron.Parser
	harnesses       HarnessBuilder
	arena           ArenaRunner
	scores          ScoreSink
	reflections     Reflector
	counterfactuals CounterfactualRunner
	prices          PriceUpdater
	log             zerolog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewRunner creates the task runner
func NewRunner(
	repo *Repository,
	harnesses HarnessBuilder,
	arenaRunner ArenaRunner,
	scores ScoreSink,
	reflections Reflector,
	counterfactuals CounterfactualRunner,
	prices PriceUpdater,
	log zerolog.Logger,
) *Runner {
	return &Runner{
		repo:            repo,
		cron:            cron.New(),
		parser:          cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		harnesses:       harnesses,
		arena:           arenaRunner,
		scores:          scores,
		reflections:     reflections,
		counterfactuals: counterfactuals,
		prices:          prices,
		log:             log.With().Str("component", "scheduler").Logger(),
		entries:         map[string]cron.EntryID{},
	}
}

// Start registers all enabled tasks and starts the cron loop
func (r *Runner) Start() error {
	tasks, err := r.repo.EnabledTasks()
	if err != nil {
		return fmt.Errorf("failed to load enabled tasks: %w", err)
	}
	for _, t := range tasks {
		if err := r.Register(t); err != nil {
			r.log.Error().Err(err).Str("task", t.Name).Msg("Failed to register task")
		}
	}
	r.cron.Start()
	r.log.Info().Int("tasks", len(tasks)).Msg("Scheduler started")
	return nil
}

// Stop stops the cron loop and waits for running jobs
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.log.Info().Msg("Scheduler stopped")
}

// Register adds a task to the cron loop and records its next fire time.
// An already registered task is rescheduled.
func (r *Runner) Register(t *ScheduleTask) error {
	schedule, err := r.parser.Parse(t.CronExpression)
	if err != nil {
		return fmt.Errorf("bad cron expression %q: %w", t.CronExpression, err)
	}

	r.Unregister(t.ID)

	taskID := t.ID
	entryID := r.cron.Schedule(schedule, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		if _, err := r.TriggerNow(ctx, taskID); err != nil {
			r.log.Error().Err(err).Str("task_id", taskID).Msg("Scheduled run failed")
		}
	}))

	r.mu.Lock()
	r.entries[t.ID] = entryID
	r.mu.Unlock()

	next := schedule.Next(time.Now().UTC())
	if err := r.repo.SetNextRun(t.ID, next); err != nil {
		r.log.Warn().Err(err).Str("task_id", t.ID).Msg("Failed to store next run")
	}

	r.log.Info().
		Str("task", t.Name).
		Str("cron", t.CronExpression).
		Time("next_run", next).
		Msg("Task registered")
	return nil
}

// Unregister removes a task from the cron loop
func (r *Runner) Unregister(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entryID, ok := r.entries[taskID]; ok {
		r.cron.Remove(entryID)
		delete(r.entries, taskID)
	}
}

// TriggerNow runs a task immediately, records the run outcome, and
// refreshes the next scheduled fire time.
func (r *Runner) TriggerNow(ctx context.Context, taskID string) (*RunOutcome, error) {
	t, err := r.repo.Get(taskID)
	if err != nil {
		return nil, err
	}

	r.log.Info().Str("task", t.Name).Str("type", t.TaskType).Msg("Running task")

	status, data, err := r.dispatch(ctx, t)
	if err != nil {
		if recErr := r.repo.RecordRunOutcome(taskID, StatusFailed); recErr != nil {
			r.log.Warn().Err(recErr).Str("task_id", taskID).Msg("Failed to record run outcome")
		}
		return nil, err
	}

	if err := r.repo.RecordRunOutcome(taskID, status); err != nil {
		r.log.Warn().Err(err).Str("task_id", taskID).Msg("Failed to record run outcome")
	}
	if schedule, perr := r.parser.Parse(t.CronExpression); perr == nil {
		if serr := r.repo.SetNextRun(taskID, schedule.Next(time.Now().UTC())); serr != nil {
			r.log.Warn().Err(serr).Str("task_id", taskID).Msg("Failed to store next run")
		}
	}

	r.log.Info().Str("task", t.Name).Str("status", status).Msg("Task completed")
	return &RunOutcome{TaskID: taskID, TaskType: t.TaskType, Status: status, Data: data}, nil
}

func (r *Runner) dispatch(ctx context.Context, t *ScheduleTask) (string, interface{}, error) {
	switch t.TaskType {
	case TaskArenaAnalysis:
		return r.runArenaAnalysis(ctx, t)
	case TaskReflection:
		return r.runReflection(ctx, t)
	case TaskCounterfactual:
		return r.runCounterfactuals()
	case TaskPriceUpdate:
		return r.runPriceUpdate(t)
	default:
		return "", nil, fmt.Errorf("unknown task type: %s", t.TaskType)
	}
}

// runArenaAnalysis builds a fresh harness, fans it out to the arena, and
// credits participation for every successful invocation. The run then waits
// on the user, so the task lands in pending_user_action rather than success.
func (r *Runner) runArenaAnalysis(ctx context.Context, t *ScheduleTask) (string, interface{}, error) {
	harnessType := configString(t.Config, "harness_type", defaultHarnessType)
	var budget *float64
	if v, ok := configFloat(t.Config, "budget"); ok {
		budget = &v
	}

	h, err := r.harnesses.Build(harness.BuildRequest{
		HarnessType: harnessType,
		UserID:      defaultUserID,
		Budget:      budget,
	})
	if err != nil {
		return "", nil, fmt.Errorf("harness build failed: %w", err)
	}

	records, err := r.arena.Run(ctx, h.ID)
	if err != nil {
		return "", nil, fmt.Errorf("arena run failed: %w", err)
	}

	for _, rec := range records {
		if rec.Status != "success" {
			continue
		}
		if err := r.scores.OnParticipation(string(rec.Provider), rec.Model, h.PromptVersionID); err != nil {
			r.log.Warn().Err(err).
				Str("provider", string(rec.Provider)).
				Str("model", rec.Model).
				Msg("Failed to record participation")
		}
	}

	return StatusPendingUserAction, map[string]interface{}{
		"harness_id": h.ID,
		"models":     records,
	}, nil
}

func (r *Runner) runReflection(ctx context.Context, t *ScheduleTask) (string, interface{}, error) {
	lookback := reflection.DefaultLookbackDays
	if v, ok := configFloat(t.Config, "lookback_days"); ok {
		lookback = int(v)
	}

	result, err := r.reflections.Generate(ctx, defaultUserID, lookback)
	if err != nil {
		return "", nil, err
	}

	status := StatusSkipped
	if result.Status == reflection.StatusCompleted {
		status = StatusSuccess
	}
	return status, result, nil
}

func (r *Runner) runCounterfactuals() (string, interface{}, error) {
	results := map[string]*decisions.CounterfactualBatchResult{}
	for _, days := range decisions.Horizons {
		batch, err := r.counterfactuals.RunCounterfactualBatch(days)
		if err != nil {
			return "", nil, fmt.Errorf("counterfactual batch at %dd failed: %w", days, err)
		}
		results[fmt.Sprintf("%dd", days)] = batch
	}
	return StatusSuccess, results, nil
}

// runPriceUpdate refreshes all watchlist symbols. Per-symbol failures drop
// the run to partial_failure; anomalies without failures become
// success_with_warnings.
func (r *Runner) runPriceUpdate(t *ScheduleTask) (string, interface{}, error) {
	validate := configBool(t.Config, "validate_after_update", true)
	backfill := configBool(t.Config, "enable_backfill", true)

	report, err := r.prices.RobustUpdateAll(validate, backfill)
	if err != nil {
		return "", nil, fmt.Errorf("price update failed: %w", err)
	}

	status := StatusSuccess
	switch {
	case len(report.Failed) > 0:
		status = StatusPartialFailure
		r.log.Warn().Int("failed", len(report.Failed)).Msg("Price update partial failure")
	case len(report.Anomalies) > 0:
		status = StatusSuccessWithWarnings
		r.log.Warn().Int("anomalies", len(report.Anomalies)).Msg("Price update completed with anomalies")
	}
	return status, report, nil
}

func configString(config map[string]interface{}, key, fallback string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func configFloat(config map[string]interface{}, key string) (float64, bool) {
	switch v := config[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func configBool(config map[string]interface{}, key string, fallback bool) bool {
	if v, ok := config[key].(bool); ok {
		return v
	}
	return fallback
}

package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uteki/uteki/internal/llm"
	"github.com/uteki/uteki/internal/modules/arena"
	"github.com/uteki/uteki/internal/modules/decisions"
	"github.com/uteki/uteki/internal/modules/harness"
	"github.com/uteki/uteki/internal/modules/marketdata"
	"github.com/uteki/uteki/internal/modules/reflection"
)

func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE schedule_tasks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cron_expression TEXT NOT NULL,
			task_type TEXT NOT NULL,
			config TEXT,
			is_enabled INTEGER NOT NULL DEFAULT 1,
			last_run_at INTEGER,
			last_run_status TEXT,
			next_run_at INTEGER,
			created_at INTEGER NOT NULL
		);
	`)
	require.NoError(t, err)
	return NewRepository(db, zerolog.Nop())
}

type stubHarnessBuilder struct {
	built *harness.BuildRequest
	err   error
}

func (s *stubHarnessBuilder) Build(req harness.BuildRequest) (*harness.DecisionHarness, error) {
	s.built = &req
	if s.err != nil {
		return nil, s.err
	}
	return &harness.DecisionHarness{ID: "h-1", PromptVersionID: "pv-1"}, nil
}

type stubArena struct {
	records []*arena.InvocationRecord
	err     error
}

func (s *stubArena) Run(ctx context.Context, harnessID string) ([]*arena.InvocationRecord, error) {
	return s.records, s.err
}

type stubScores struct {
	participations [][2]string
}

func (s *stubScores) OnParticipation(provider, model, promptVersionID string) error {
	s.participations = append(s.participations, [2]string{provider, model})
	return nil
}

type stubReflector struct {
	result   *reflection.Result
	lookback int
}

func (s *stubReflector) Generate(ctx context.Context, userID string, lookbackDays int) (*reflection.Result, error) {
	s.lookback = lookbackDays
	return s.result, nil
}

type stubCounterfactuals struct {
	horizons []int
	err      error
}

func (s *stubCounterfactuals) RunCounterfactualBatch(horizonDays int) (*decisions.CounterfactualBatchResult, error) {
	s.horizons = append(s.horizons, horizonDays)
	if s.err != nil {
		return nil, s.err
	}
	return &decisions.CounterfactualBatchResult{HorizonDays: horizonDays, Evaluated: 1}, nil
}

type stubPrices struct {
	report   *marketdata.UpdateReport
	validate bool
	backfill bool
}

func (s *stubPrices) RobustUpdateAll(validate, backfill bool) (*marketdata.UpdateReport, error) {
	s.validate = validate
	s.backfill = backfill
	return s.report, nil
}

type runnerFixture struct {
	runner          *Runner
	repo            *Repository
	harnesses       *stubHarnessBuilder
	arena           *stubArena
	scores          *stubScores
	reflections     *stubReflector
	counterfactuals *stubCounterfactuals
	prices          *stubPrices
}

func newFixture(t *testing.T) *runnerFixture {
	t.Helper()
	f := &runnerFixture{
		repo:            setupTestRepo(t),
		harnesses:       &stubHarnessBuilder{},
		arena:           &stubArena{},
		scores:          &stubScores{},
		reflections:     &stubReflector{result: &reflection.Result{Status: reflection.StatusCompleted}},
		counterfactuals: &stubCounterfactuals{},
		prices:          &stubPrices{report: &marketdata.UpdateReport{}},
	}
	f.runner = NewRunner(f.repo, f.harnesses, f.arena, f.scores, f.reflections, f.counterfactuals, f.prices, zerolog.Nop())
	return f
}

func TestSeedDefaults(t *testing.T) {
	repo := setupTestRepo(t)

	n, err := repo.SeedDefaults()
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = repo.SeedDefaults()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	tasks, err := repo.List()
	require.NoError(t, err)
	require.Len(t, tasks, 4)
	assert.Equal(t, "monthly_dca", tasks[0].Name)
	assert.Equal(t, TaskArenaAnalysis, tasks[0].TaskType)
	assert.Equal(t, 1000.0, tasks[0].Config["budget"])
	assert.True(t, tasks[0].IsEnabled)
}

func TestRepositoryUpdateAndDelete(t *testing.T) {
	repo := setupTestRepo(t)

	task, err := repo.Create("custom", "0 9 * * *", TaskPriceUpdate, nil)
	require.NoError(t, err)

	newCron := "30 9 * * *"
	disabled := false
	updated, err := repo.Update(task.ID, UpdateRequest{CronExpression: &newCron, IsEnabled: &disabled})
	require.NoError(t, err)
	assert.Equal(t, newCron, updated.CronExpression)
	assert.False(t, updated.IsEnabled)

	enabled, err := repo.EnabledTasks()
	require.NoError(t, err)
	assert.Empty(t, enabled)

	ok, err := repo.Delete(task.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = repo.Get(task.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	ok, err = repo.Delete(task.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTriggerNow_ArenaAnalysis(t *testing.T) {
	f := newFixture(t)
	f.arena.records = []*arena.InvocationRecord{
		{Provider: llm.ProviderAnthropic, Model: "claude-sonnet-4-20250514", Status: "success"},
		{Provider: llm.ProviderOpenAI, Model: "gpt-4o", Status: "error"},
		{Provider: llm.ProviderDeepSeek, Model: "deepseek-chat", Status: "success"},
	}

	task, err := f.repo.Create("monthly_dca", "0 9 1 * *", TaskArenaAnalysis,
		map[string]interface{}{"harness_type": "weekly_check", "budget": 500.0})
	require.NoError(t, err)

	outcome, err := f.runner.TriggerNow(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingUserAction, outcome.Status)

	require.NotNil(t, f.harnesses.built)
	assert.Equal(t, "weekly_check", f.harnesses.built.HarnessType)
	require.NotNil(t, f.harnesses.built.Budget)
	assert.Equal(t, 500.0, *f.harnesses.built.Budget)

	// Only successful invocations earn participation credit
	require.Len(t, f.scores.participations, 2)
	assert.Equal(t, "anthropic", f.scores.participations[0][0])
	assert.Equal(t, "deepseek-chat", f.scores.participations[1][1])

	stored, err := f.repo.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingUserAction, stored.LastRunStatus)
	assert.NotNil(t, stored.LastRunAt)
	assert.NotNil(t, stored.NextRunAt)
}

func TestTriggerNow_ReflectionStatusMapping(t *testing.T) {
	f := newFixture(t)

	task, err := f.repo.Create("monthly_reflection", "0 18 28 * *", TaskReflection,
		map[string]interface{}{"lookback_days": 60.0})
	require.NoError(t, err)

	outcome, err := f.runner.TriggerNow(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, outcome.Status)
	assert.Equal(t, 60, f.reflections.lookback)

	f.reflections.result = &reflection.Result{Status: reflection.StatusSkipped}
	outcome, err = f.runner.TriggerNow(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, outcome.Status)
}

func TestTriggerNow_CounterfactualHorizons(t *testing.T) {
	f := newFixture(t)

	task, err := f.repo.Create("counterfactuals", "0 6 * * *", TaskCounterfactual, nil)
	require.NoError(t, err)

	outcome, err := f.runner.TriggerNow(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, outcome.Status)
	assert.Equal(t, []int{7, 30, 90}, f.counterfactuals.horizons)
}

func TestTriggerNow_PriceUpdateStatuses(t *testing.T) {
	f := newFixture(t)

	task, err := f.repo.Create("daily_price_update", "0 5 * * *", TaskPriceUpdate,
		map[string]interface{}{"validate_after_update": true, "enable_backfill": false})
	require.NoError(t, err)

	// Clean run
	outcome, err := f.runner.TriggerNow(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, outcome.Status)
	assert.True(t, f.prices.validate)
	assert.False(t, f.prices.backfill)

	// Anomalies without failures
	f.prices.report = &marketdata.UpdateReport{
		Anomalies: []marketdata.Anomaly{{Symbol: "VOO", Date: "2026-08-19"}},
	}
	outcome, err = f.runner.TriggerNow(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccessWithWarnings, outcome.Status)

	// Any per-symbol failure wins over anomalies
	f.prices.report = &marketdata.UpdateReport{
		Failed:    []marketdata.FailedSymbol{{Symbol: "IVV"}, {Symbol: "VGT"}},
		Anomalies: []marketdata.Anomaly{{Symbol: "VOO"}},
	}
	outcome, err = f.runner.TriggerNow(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPartialFailure, outcome.Status)

	stored, err := f.repo.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPartialFailure, stored.LastRunStatus)
}

func TestTriggerNow_FailureRecordsFailedStatus(t *testing.T) {
	f := newFixture(t)
	f.harnesses.err = errors.New("market source down")

	task, err := f.repo.Create("monthly_dca", "0 9 1 * *", TaskArenaAnalysis, nil)
	require.NoError(t, err)

	_, err = f.runner.TriggerNow(context.Background(), task.ID)
	require.Error(t, err)

	stored, err := f.repo.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.LastRunStatus)
}

func TestTriggerNow_UnknownTask(t *testing.T) {
	f := newFixture(t)

	_, err := f.runner.TriggerNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestRegisterRejectsBadCron(t *testing.T) {
	f := newFixture(t)

	err := f.runner.Register(&ScheduleTask{ID: "t-1", Name: "bad", CronExpression: "not a cron"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad cron expression")
}

func TestStartRegistersEnabledTasks(t *testing.T) {
	f := newFixture(t)

	_, err := f.repo.SeedDefaults()
	require.NoError(t, err)
	require.NoError(t, f.runner.Start())
	defer f.runner.Stop()

	tasks, err := f.repo.List()
	require.NoError(t, err)
	for _, task := range tasks {
		assert.NotNil(t, task.NextRunAt, "next run computed for %s", task.Name)
	}
}

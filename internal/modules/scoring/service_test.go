package scoring

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE model_scores (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			prompt_version_id TEXT,
			participation_count INTEGER NOT NULL DEFAULT 0,
			adoption_count INTEGER NOT NULL DEFAULT 0,
			score REAL NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			UNIQUE(provider, model, prompt_version_id)
		)
	`)
	require.NoError(t, err)
	return db
}

func newTestService(t *testing.T) (*Service, *Repository) {
	t.Helper()
	repo := NewRepository(setupTestDB(t), zerolog.Nop())
	return NewService(repo, zerolog.Nop()), repo
}

func TestOnParticipation_CreatesAndIncrements(t *testing.T) {
	svc, repo := newTestService(t)

	require.NoError(t, svc.OnParticipation("anthropic", "claude", "pv-1"))
	require.NoError(t, svc.OnParticipation("anthropic", "claude", "pv-1"))

	score, err := repo.Get("anthropic", "claude", "pv-1")
	require.NoError(t, err)
	assert.Equal(t, 2, score.ParticipationCount)
	assert.Equal(t, 0, score.AdoptionCount)
	assert.Equal(t, 0.0, score.Score)
}

func TestOnAdoption_RecomputesScore(t *testing.T) {
	svc, repo := newTestService(t)

	for i := 0; i < 4; i++ {
		require.NoError(t, svc.OnParticipation("openai", "gpt-4o", "pv-1"))
	}
	require.NoError(t, svc.OnAdoption("openai", "gpt-4o", "pv-1"))

	score, err := repo.Get("openai", "gpt-4o", "pv-1")
	require.NoError(t, err)
	assert.Equal(t, 4, score.ParticipationCount)
	assert.Equal(t, 1, score.AdoptionCount)
	assert.InDelta(t, 0.25, score.Score, 1e-9)
}

func TestOnAdoption_NotIdempotent(t *testing.T) {
	svc, repo := newTestService(t)

	require.NoError(t, svc.OnParticipation("openai", "gpt-4o", "pv-1"))
	require.NoError(t, svc.OnAdoption("openai", "gpt-4o", "pv-1"))
	require.NoError(t, svc.OnAdoption("openai", "gpt-4o", "pv-1"))

	score, err := repo.Get("openai", "gpt-4o", "pv-1")
	require.NoError(t, err)
	assert.Equal(t, 2, score.AdoptionCount, "double-calling double-counts")
}

func TestScores_ScopedByPromptVersion(t *testing.T) {
	svc, repo := newTestService(t)

	require.NoError(t, svc.OnParticipation("anthropic", "claude", "pv-1"))
	require.NoError(t, svc.OnParticipation("anthropic", "claude", "pv-2"))

	s1, err := repo.Get("anthropic", "claude", "pv-1")
	require.NoError(t, err)
	s2, err := repo.Get("anthropic", "claude", "pv-2")
	require.NoError(t, err)
	assert.Equal(t, 1, s1.ParticipationCount)
	assert.Equal(t, 1, s2.ParticipationCount)
}

func TestLeaderboard_OrderedByScore(t *testing.T) {
	svc, _ := newTestService(t)

	// claude: 2 participations, 2 adoptions -> 1.0
	require.NoError(t, svc.OnParticipation("anthropic", "claude", "pv-1"))
	require.NoError(t, svc.OnParticipation("anthropic", "claude", "pv-1"))
	require.NoError(t, svc.OnAdoption("anthropic", "claude", "pv-1"))
	require.NoError(t, svc.OnAdoption("anthropic", "claude", "pv-1"))

	// gpt-4o: 4 participations, 1 adoption -> 0.25
	for i := 0; i < 4; i++ {
		require.NoError(t, svc.OnParticipation("openai", "gpt-4o", "pv-1"))
	}
	require.NoError(t, svc.OnAdoption("openai", "gpt-4o", "pv-1"))

	// deepseek: participation only -> 0
	require.NoError(t, svc.OnParticipation("deepseek", "deepseek-chat", "pv-1"))

	board, err := svc.Leaderboard("pv-1")
	require.NoError(t, err)
	require.Len(t, board, 3)
	assert.Equal(t, "claude", board[0].Model)
	assert.Equal(t, "gpt-4o", board[1].Model)
	assert.Equal(t, "deepseek-chat", board[2].Model)
}

func TestLeaderboard_FilterByPromptVersion(t *testing.T) {
	svc, _ := newTestService(t)

	require.NoError(t, svc.OnParticipation("anthropic", "claude", "pv-1"))
	require.NoError(t, svc.OnParticipation("openai", "gpt-4o", "pv-2"))

	board, err := svc.Leaderboard("pv-2")
	require.NoError(t, err)
	require.Len(t, board, 1)
	assert.Equal(t, "gpt-4o", board[0].Model)

	all, err := svc.Leaderboard("")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

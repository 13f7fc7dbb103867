package harness

import (
	"database/sql"
	"errors"
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
		CREATE TABLE decision_harnesses (
			id TEXT PRIMARY KEY,
			harness_type TEXT NOT NULL,
			user_id TEXT NOT NULL,
			market_snapshot TEXT NOT NULL,
			account_state TEXT NOT NULL,
			memory_summary TEXT NOT NULL,
			task TEXT NOT NULL,
			prompt_version_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		)
	`)
	require.NoError(t, err)
	return db
}

type stubMarket struct {
	symbols []string
	err     error
}

func (s *stubMarket) ActiveSymbols() ([]string, error) { return s.symbols, s.err }
func (s *stubMarket) SymbolSnapshot(symbol string) (SymbolSnapshot, error) {
	p := 100.0
	return SymbolSnapshot{Price: &p}, nil
}

type stubAccount struct{ err error }

func (s *stubAccount) AccountState(userID string) (AccountState, error) {
	if s.err != nil {
		return AccountState{}, s.err
	}
	return AccountState{Cash: 1000, Total: 5000}, nil
}

type stubMemory struct{}

func (s *stubMemory) Summary(userID string) (MemorySummary, error) {
	return MemorySummary{RecentDecisions: []MemoryEntry{{Content: "held"}}}, nil
}

type stubPrompts struct{}

func (s *stubPrompts) ActiveVersionID() (string, error) { return "pv-1", nil }

func newTestBuilder(t *testing.T, market *stubMarket, account *stubAccount) (*Builder, *Repository) {
	t.Helper()
	repo := NewRepository(setupTestDB(t), zerolog.Nop())
	b := NewBuilder(market, account, &stubMemory{}, &stubPrompts{}, repo, zerolog.Nop())
	return b, repo
}

func TestBuild_PersistsBeforeReturn(t *testing.T) {
	b, repo := newTestBuilder(t, &stubMarket{symbols: []string{"VOO", "QQQ"}}, &stubAccount{})

	h, err := b.Build(BuildRequest{HarnessType: TypeWeeklyCheck, UserID: "default"})
	require.NoError(t, err)
	require.NotEmpty(t, h.ID)

	stored, err := repo.GetByID(h.ID)
	require.NoError(t, err)
	assert.Equal(t, TypeWeeklyCheck, stored.HarnessType)
	assert.Equal(t, "pv-1", stored.PromptVersionID)
	assert.Len(t, stored.MarketSnapshot, 2)
	assert.Equal(t, 1000.0, stored.AccountState.Cash)
}

func TestBuild_RejectsUnknownType(t *testing.T) {
	b, _ := newTestBuilder(t, &stubMarket{symbols: []string{"VOO"}}, &stubAccount{})

	_, err := b.Build(BuildRequest{HarnessType: "quarterly", UserID: "default"})
	assert.Error(t, err)
}

func TestBuild_CollaboratorFailureFailsBuild(t *testing.T) {
	b, repo := newTestBuilder(t, &stubMarket{symbols: []string{"VOO"}}, &stubAccount{err: errors.New("broker down")})

	_, err := b.Build(BuildRequest{HarnessType: TypeAdHoc, UserID: "default"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account state")

	// Nothing persisted on failure
	recent, err := repo.ListRecent(10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestBuild_CarriesBudgetAndConstraints(t *testing.T) {
	b, repo := newTestBuilder(t, &stubMarket{symbols: []string{"VOO"}}, &stubAccount{})

	budget := 500.0
	h, err := b.Build(BuildRequest{
		HarnessType: TypeMonthlyDCA,
		UserID:      "default",
		Budget:      &budget,
		Constraints: map[string]interface{}{"max_positions": 3.0},
	})
	require.NoError(t, err)

	stored, err := repo.GetByID(h.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Task.Budget)
	assert.Equal(t, 500.0, *stored.Task.Budget)
	assert.Equal(t, 3.0, stored.Task.Constraints["max_positions"])
}

func TestRepository_RoundTrip(t *testing.T) {
	repo := NewRepository(setupTestDB(t), zerolog.Nop())

	h := testHarness()
	require.NoError(t, repo.Create(h))

	got, err := repo.GetByID("h-1")
	require.NoError(t, err)
	assert.Equal(t, Render(h), Render(got), "round trip preserves the rendered form exactly")
}

func TestRepository_GetByID_NotFound(t *testing.T) {
	repo := NewRepository(setupTestDB(t), zerolog.Nop())

	_, err := repo.GetByID("missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

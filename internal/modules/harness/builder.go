package harness

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MarketSource supplies the watchlist snapshot. Implemented by the marketdata
// module.
type MarketSource interface {
	ActiveSymbols() ([]string, error)
	SymbolSnapshot(symbol string) (SymbolSnapshot, error)
}

// AccountSource supplies current account state from the broker
type AccountSource interface {
	AccountState(userID string) (AccountState, error)
}

// MemorySource supplies the memory summary for the prompt
type MemorySource interface {
	Summary(userID string) (MemorySummary, error)
}

// PromptSource resolves the active prompt version at build time
type PromptSource interface {
	ActiveVersionID() (string, error)
}

// Builder assembles harnesses from live collaborators. A build is a single
// synchronous pass: any collaborator failure fails the build, no retries.
// The caller (scheduler or API handler) decides whether to try again.
type Builder struct {
	market  MarketSource
	account AccountSource
	memory  MemorySource
	prompts PromptSource
	repo    *Repository
	log     zerolog.Logger
}

// NewBuilder creates a new harness builder
func NewBuilder(market MarketSource, account AccountSource, memory MemorySource, prompts PromptSource, repo *Repository, log zerolog.Logger) *Builder {
	return &Builder{
		market:  market,
		account: account,
		memory:  memory,
		prompts: prompts,
		repo:    repo,
		log:     log.With().Str("component", "harness_builder").Logger(),
	}
}

// BuildRequest carries the caller-supplied parts of a harness
type BuildRequest struct {
	HarnessType string
	UserID      string
	Budget      *float64
	Constraints map[string]interface{}
}

// Build assembles and persists a harness. The harness is stored before it is
// returned so every downstream invocation can reference it by ID.
func (b *Builder) Build(req BuildRequest) (*DecisionHarness, error) {
	switch req.HarnessType {
	case TypeMonthlyDCA, TypeWeeklyCheck, TypeAdHoc:
	default:
		return nil, fmt.Errorf("unknown harness type: %s", req.HarnessType)
	}

	symbols, err := b.market.ActiveSymbols()
	if err != nil {
		return nil, fmt.Errorf("failed to load watchlist: %w", err)
	}

	snapshot := make(map[string]SymbolSnapshot, len(symbols))
	for _, sym := range symbols {
		s, err := b.market.SymbolSnapshot(sym)
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot %s: %w", sym, err)
		}
		snapshot[sym] = s
	}

	account, err := b.account.AccountState(req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account state: %w", err)
	}

	memory, err := b.memory.Summary(req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load memory summary: %w", err)
	}

	promptVersion, err := b.prompts.ActiveVersionID()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve active prompt version: %w", err)
	}

	h := &DecisionHarness{
		ID:             uuid.New().String(),
		HarnessType:    req.HarnessType,
		UserID:         req.UserID,
		MarketSnapshot: snapshot,
		AccountState:   account,
		MemorySummary:  memory,
		Task: Task{
			Type:        req.HarnessType,
			Budget:      req.Budget,
			Constraints: req.Constraints,
		},
		PromptVersionID: promptVersion,
		CreatedAt:       time.Now().UTC(),
	}

	if err := b.repo.Create(h); err != nil {
		return nil, err
	}

	b.log.Info().
		Str("harness_id", h.ID).
		Str("type", h.HarnessType).
		Int("symbols", len(snapshot)).
		Msg("Harness built")

	return h, nil
}

package harness

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Repository persists decision harnesses in arena.db. Harnesses are write-once:
// there is no update path, only Create and reads.
type Repository struct {
	db  *sql.DB // arena.db
	log zerolog.Logger
}

// NewRepository creates a new harness repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "harness").Logger(),
	}
}

// Create stores a harness. JSON columns hold the structured snapshot pieces.
func (r *Repository) Create(h *DecisionHarness) error {
	snapshot, err := json.Marshal(h.MarketSnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal market snapshot: %w", err)
	}
	account, err := json.Marshal(h.AccountState)
	if err != nil {
		return fmt.Errorf("failed to marshal account state: %w", err)
	}
	memory, err := json.Marshal(h.MemorySummary)
	if err != nil {
		return fmt.Errorf("failed to marshal memory summary: %w", err)
	}
	task, err := json.Marshal(h.Task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO decision_harnesses
			(id, harness_type, user_id, market_snapshot, account_state, memory_summary, task, prompt_version_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.HarnessType, h.UserID, string(snapshot), string(account), string(memory), string(task), h.PromptVersionID, h.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert harness: %w", err)
	}

	r.log.Debug().Str("harness_id", h.ID).Str("type", h.HarnessType).Msg("Harness created")
	return nil
}

// GetByID loads a harness by ID. Returns sql.ErrNoRows when absent.
func (r *Repository) GetByID(id string) (*DecisionHarness, error) {
	row := r.db.QueryRow(`
		SELECT id, harness_type, user_id, market_snapshot, account_state, memory_summary, task, prompt_version_id, created_at
		FROM decision_harnesses
		WHERE id = ?
	`, id)
	return scanHarness(row)
}

// ListRecent returns the most recent harnesses, newest first
func (r *Repository) ListRecent(limit int) ([]*DecisionHarness, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(`
		SELECT id, harness_type, user_id, market_snapshot, account_state, memory_summary, task, prompt_version_id, created_at
		FROM decision_harnesses
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query harnesses: %w", err)
	}
	defer rows.Close()

	var out []*DecisionHarness
	for rows.Next() {
		h, err := scanHarness(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanHarness(row rowScanner) (*DecisionHarness, error) {
	var h DecisionHarness
	var snapshot, account, memory, task string
	var createdAt int64
	err := row.Scan(&h.ID, &h.HarnessType, &h.UserID, &snapshot, &account, &memory, &task, &h.PromptVersionID, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(snapshot), &h.MarketSnapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal market snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(account), &h.AccountState); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account state: %w", err)
	}
	if err := json.Unmarshal([]byte(memory), &h.MemorySummary); err != nil {
		return nil, fmt.Errorf("failed to unmarshal memory summary: %w", err)
	}
	if err := json.Unmarshal([]byte(task), &h.Task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	h.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &h, nil
}

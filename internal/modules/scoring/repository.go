// Package scoring tracks per-model arena performance: participation counts,
// adoption counts, and the derived adoption-weighted score.
package scoring

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ModelScore is the running tally for one (provider, model) pair, scoped by
// prompt version. Mutated incrementally, never deleted.
type ModelScore struct {
	ID                 string    `json:"id"`
	Provider           string    `json:"provider"`
	Model              string    `json:"model"`
	PromptVersionID    string    `json:"prompt_version_id,omitempty"`
	ParticipationCount int       `json:"participation_count"`
	AdoptionCount      int       `json:"adoption_count"`
	Score              float64   `json:"score"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Repository persists model scores in arena.db
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new score repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "scoring").Logger(),
	}
}

// upsert inserts a zero-count row for the tuple if absent, then applies the
// increments and recomputes the score in one statement each.
func (r *Repository) upsert(provider, model, promptVersionID string, participationDelta, adoptionDelta int) (*ModelScore, error) {
	now := time.Now().Unix()

	_, err := r.db.Exec(`
		INSERT INTO model_scores (id, provider, model, prompt_version_id, participation_count, adoption_count, score, updated_at)
		VALUES (?, ?, ?, ?, 0, 0, 0, ?)
		ON CONFLICT(provider, model, prompt_version_id) DO NOTHING
	`, uuid.New().String(), provider, model, promptVersionID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure score row: %w", err)
	}

	_, err = r.db.Exec(`
		UPDATE model_scores
		SET participation_count = participation_count + ?,
		    adoption_count = adoption_count + ?,
		    score = CASE
		        WHEN participation_count + ? > 0
		        THEN CAST(adoption_count + ? AS REAL) / (participation_count + ?)
		        ELSE 0
		    END,
		    updated_at = ?
		WHERE provider = ? AND model = ? AND prompt_version_id = ?
	`, participationDelta, adoptionDelta,
		participationDelta, adoptionDelta, participationDelta,
		now, provider, model, promptVersionID)
	if err != nil {
		return nil, fmt.Errorf("failed to update score: %w", err)
	}

	return r.Get(provider, model, promptVersionID)
}

// Get loads one score tuple. Returns sql.ErrNoRows when absent.
func (r *Repository) Get(provider, model, promptVersionID string) (*ModelScore, error) {
	row := r.db.QueryRow(`
		SELECT id, provider, model, prompt_version_id, participation_count, adoption_count, score, updated_at
		FROM model_scores
		WHERE provider = ? AND model = ? AND prompt_version_id = ?
	`, provider, model, promptVersionID)
	return scanScore(row)
}

// Leaderboard returns scores ordered by score then adoption count, optionally
// filtered to one prompt version.
func (r *Repository) Leaderboard(promptVersionID string) ([]*ModelScore, error) {
	query := `
		SELECT id, provider, model, prompt_version_id, participation_count, adoption_count, score, updated_at
		FROM model_scores
	`
	args := []interface{}{}
	if promptVersionID != "" {
		query += " WHERE prompt_version_id = ?"
		args = append(args, promptVersionID)
	}
	query += " ORDER BY score DESC, adoption_count DESC, provider, model"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	defer rows.Close()

	var out []*ModelScore
	for rows.Next() {
		s, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanScore(row rowScanner) (*ModelScore, error) {
	var s ModelScore
	var promptVersion sql.NullString
	var updatedAt int64
	err := row.Scan(&s.ID, &s.Provider, &s.Model, &promptVersion, &s.ParticipationCount, &s.AdoptionCount, &s.Score, &updatedAt)
	if err != nil {
		return nil, err
	}
	s.PromptVersionID = promptVersion.String
	s.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &s, nil
}

package prompts

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrVersionNotFound = errors.New("prompt version not found")
	ErrDeleteActive    = errors.New("cannot delete the active version")
	errNoActiveVersion = errors.New("no active prompt version")
)

// DefaultSystemPrompt is the v1.0 prompt created on first use
const DefaultSystemPrompt = `You are a professional index ETF investment advisor.

Your responsibilities:
1. Analyze market data (prices, valuations, technical indicators) and advise on index ETF investments
2. Base every decision on the full context provided in the decision harness
3. Output a structured decision: action type, ETF allocations, confidence, and reasoning

Constraints:
- Hold at most 3 index ETFs
- Only invest in watchlist symbols
- Every buy or sell suggestion must include a concrete amount and percentage
- Always provide reasoning and a risk assessment
- When uncertain, recommend holding the current positions (HOLD)

Output format (JSON):
{
  "action": "ALLOCATE | REBALANCE | HOLD | SKIP",
  "allocations": [{"etf": "VOO", "amount": 600, "percentage": 60, "reason": "..."}],
  "confidence": 0.85,
  "reasoning": "brief decision rationale",
  "chain_of_thought": "full thinking process...",
  "risk_assessment": "risk assessment",
  "invalidation": "what would make this recommendation invalid"
}`

// PromptVersion is one stored system prompt revision
type PromptVersion struct {
	ID          string    `json:"id"`
	Version     string    `json:"version"`
	Content     string    `json:"content"`
	Description string    `json:"description"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Service manages versioned system prompts. Exactly one version is active
// at a time; the first access creates v1.0 from the default prompt.
type Service struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewService(db *sql.DB, log zerolog.Logger) *Service {
	return &Service{
		db:  db,
		log: log.With().Str("component", "prompts").Logger(),
	}
}

// GetCurrent returns the active version, creating the default when none exists
func (s *Service) GetCurrent() (*PromptVersion, error) {
	v, err := s.active()
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, errNoActiveVersion) {
		return nil, err
	}
	return s.createDefault()
}

// ActiveVersionID implements the harness builder's prompt source
func (s *Service) ActiveVersionID() (string, error) {
	v, err := s.GetCurrent()
	if err != nil {
		return "", err
	}
	return v.ID, nil
}

// ContentByVersion implements the arena's prompt source
func (s *Service) ContentByVersion(versionID string) (string, error) {
	v, err := s.GetByID(versionID)
	if err != nil {
		return "", err
	}
	return v.Content, nil
}

// Update creates a new version with the given content, increments the
// version number, and makes it active.
func (s *Service) Update(content, description string) (*PromptVersion, error) {
	current, err := s.active()
	newVersion := "v1.0"
	if err == nil {
		newVersion = incrementVersion(current.Version)
	} else if !errors.Is(err, errNoActiveVersion) {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin prompt update: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE prompt_versions SET is_active = 0 WHERE is_active = 1`); err != nil {
		return nil, fmt.Errorf("failed to deactivate prompt versions: %w", err)
	}

	v := &PromptVersion{
		ID:          uuid.New().String(),
		Version:     newVersion,
		Content:     content,
		Description: description,
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = tx.Exec(`
		INSERT INTO prompt_versions (id, version, content, description, is_active, created_at)
		VALUES (?, ?, ?, ?, 1, ?)
	`, v.ID, v.Version, v.Content, v.Description, v.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to insert prompt version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit prompt update: %w", err)
	}
	s.log.Info().Str("version", v.Version).Str("description", description).Msg("Created prompt version")
	return v, nil
}

// Activate makes an existing version the active one
func (s *Service) Activate(versionID string) (*PromptVersion, error) {
	target, err := s.GetByID(versionID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin prompt activation: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE prompt_versions SET is_active = 0 WHERE is_active = 1`); err != nil {
		return nil, fmt.Errorf("failed to deactivate prompt versions: %w", err)
	}
	if _, err := tx.Exec(`UPDATE prompt_versions SET is_active = 1 WHERE id = ?`, versionID); err != nil {
		return nil, fmt.Errorf("failed to activate prompt version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit prompt activation: %w", err)
	}

	target.IsActive = true
	s.log.Info().Str("version", target.Version).Str("id", versionID).Msg("Activated prompt version")
	return target, nil
}

// Delete removes a version. The active version cannot be deleted.
func (s *Service) Delete(versionID string) error {
	target, err := s.GetByID(versionID)
	if err != nil {
		return err
	}
	if target.IsActive {
		return ErrDeleteActive
	}
	if _, err := s.db.Exec(`DELETE FROM prompt_versions WHERE id = ?`, versionID); err != nil {
		return fmt.Errorf("failed to delete prompt version: %w", err)
	}
	s.log.Info().Str("version", target.Version).Str("id", versionID).Msg("Deleted prompt version")
	return nil
}

// History returns all versions, newest first
func (s *Service) History() ([]PromptVersion, error) {
	rows, err := s.db.Query(`
		SELECT id, version, content, description, is_active, created_at
		FROM prompt_versions ORDER BY created_at DESC, rowid DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt history: %w", err)
	}
	defer rows.Close()

	var out []PromptVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// GetByID returns one version
func (s *Service) GetByID(versionID string) (*PromptVersion, error) {
	row := s.db.QueryRow(`
		SELECT id, version, content, description, is_active, created_at
		FROM prompt_versions WHERE id = ?
	`, versionID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVersionNotFound
	}
	return v, err
}

func (s *Service) active() (*PromptVersion, error) {
	row := s.db.QueryRow(`
		SELECT id, version, content, description, is_active, created_at
		FROM prompt_versions WHERE is_active = 1
	`)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNoActiveVersion
	}
	return v, err
}

func (s *Service) createDefault() (*PromptVersion, error) {
	v := &PromptVersion{
		ID:          uuid.New().String(),
		Version:     "v1.0",
		Content:     DefaultSystemPrompt,
		Description: "Initial default system prompt",
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.Exec(`
		INSERT INTO prompt_versions (id, version, content, description, is_active, created_at)
		VALUES (?, ?, ?, ?, 1, ?)
	`, v.ID, v.Version, v.Content, v.Description, v.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to create default prompt version: %w", err)
	}
	s.log.Info().Msg("Created default prompt version v1.0")
	return v, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVersion(row rowScanner) (*PromptVersion, error) {
	var v PromptVersion
	var desc sql.NullString
	var active int
	var createdAt int64
	if err := row.Scan(&v.ID, &v.Version, &v.Content, &desc, &active, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan prompt version: %w", err)
	}
	v.Description = desc.String
	v.IsActive = active == 1
	v.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &v, nil
}

// incrementVersion bumps the minor number: v1.0 -> v1.1, v1.9 -> v1.10
func incrementVersion(version string) string {
	if !strings.HasPrefix(version, "v") {
		return "v1.0"
	}
	parts := strings.Split(version[1:], ".")
	if len(parts) == 2 {
		major, errMajor := strconv.Atoi(parts[0])
		minor, errMinor := strconv.Atoi(parts[1])
		if errMajor == nil && errMinor == nil {
			return fmt.Sprintf("v%d.%d", major, minor+1)
		}
	}
	if major, err := strconv.Atoi(parts[0]); err == nil {
		return fmt.Sprintf("v%d.0", major+1)
	}
	return "v1.0"
}

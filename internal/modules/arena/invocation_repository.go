package arena

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/uteki/uteki/internal/llm"
)

// InvocationRecord is one finalized (harness, model) invocation. Written
// exactly once with a terminal status, never mutated afterward.
type InvocationRecord struct {
	ID               string                 `json:"id"`
	HarnessID        string                 `json:"harness_id"`
	Provider         llm.Provider           `json:"provider"`
	Model            string                 `json:"model"`
	InputPrompt      string                 `json:"-"`
	InputTokens      int                    `json:"input_tokens"`
	OutputRaw        string                 `json:"output_raw"`
	OutputStructured map[string]interface{} `json:"output_structured,omitempty"`
	OutputTokens     int                    `json:"output_tokens"`
	LatencyMS        int64                  `json:"latency_ms"`
	CostUSD          float64                `json:"cost_usd"`
	ParseStatus      string                 `json:"parse_status"`
	Status           string                 `json:"status"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

// Execer is the write handle an invocation is persisted through. Each
// concurrent arena task passes its own *sql.Conn here so no transactional
// context is ever shared across tasks.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// InvocationRepository persists and reads model invocation records
type InvocationRepository struct {
	db  *sql.DB // arena.db
	log zerolog.Logger
}

// NewInvocationRepository creates a new invocation repository
func NewInvocationRepository(db *sql.DB, log zerolog.Logger) *InvocationRepository {
	return &InvocationRepository{
		db:  db,
		log: log.With().Str("repository", "invocation").Logger(),
	}
}

// CreateWith inserts a finalized record through the caller's own handle
func (r *InvocationRepository) CreateWith(ctx context.Context, ex Execer, rec *InvocationRecord) error {
	var structured interface{}
	if rec.OutputStructured != nil {
		data, err := json.Marshal(rec.OutputStructured)
		if err != nil {
			return fmt.Errorf("failed to marshal structured output: %w", err)
		}
		structured = string(data)
	}

	var errMsg interface{}
	if rec.ErrorMessage != "" {
		errMsg = rec.ErrorMessage
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO model_invocations
			(id, harness_id, provider, model, input_prompt, input_tokens, output_raw,
			 output_structured, output_tokens, latency_ms, cost_usd, parse_status,
			 status, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.HarnessID, string(rec.Provider), rec.Model, rec.InputPrompt,
		rec.InputTokens, rec.OutputRaw, structured, rec.OutputTokens, rec.LatencyMS,
		rec.CostUSD, rec.ParseStatus, rec.Status, errMsg, rec.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert invocation: %w", err)
	}
	return nil
}

// GetByID loads one invocation record
func (r *InvocationRepository) GetByID(id string) (*InvocationRecord, error) {
	row := r.db.QueryRow(`
		SELECT id, harness_id, provider, model, input_prompt, input_tokens, output_raw,
		       output_structured, output_tokens, latency_ms, cost_usd, parse_status,
		       status, error_message, created_at
		FROM model_invocations WHERE id = ?
	`, id)
	return scanInvocation(row)
}

// ListByHarness returns all invocation records for a harness
func (r *InvocationRepository) ListByHarness(harnessID string) ([]*InvocationRecord, error) {
	rows, err := r.db.Query(`
		SELECT id, harness_id, provider, model, input_prompt, input_tokens, output_raw,
		       output_structured, output_tokens, latency_ms, cost_usd, parse_status,
		       status, error_message, created_at
		FROM model_invocations WHERE harness_id = ?
		ORDER BY created_at, id
	`, harnessID)
	if err != nil {
		return nil, fmt.Errorf("failed to query invocations: %w", err)
	}
	defer rows.Close()

	var out []*InvocationRecord
	for rows.Next() {
		rec, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInvocation(row rowScanner) (*InvocationRecord, error) {
	var rec InvocationRecord
	var provider string
	var structured, errMsg sql.NullString
	var createdAt int64
	err := row.Scan(&rec.ID, &rec.HarnessID, &provider, &rec.Model, &rec.InputPrompt,
		&rec.InputTokens, &rec.OutputRaw, &structured, &rec.OutputTokens, &rec.LatencyMS,
		&rec.CostUSD, &rec.ParseStatus, &rec.Status, &errMsg, &createdAt)
	if err != nil {
		return nil, err
	}
	rec.Provider = llm.Provider(provider)
	if structured.Valid {
		if err := json.Unmarshal([]byte(structured.String), &rec.OutputStructured); err != nil {
			return nil, fmt.Errorf("failed to unmarshal structured output: %w", err)
		}
	}
	rec.ErrorMessage = errMsg.String
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &rec, nil
}

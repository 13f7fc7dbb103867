package decisions

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Repository persists decision logs and counterfactuals in arena.db
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new decision repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "decisions").Logger(),
	}
}

// CreateLog appends one disposition event
func (r *Repository) CreateLog(log *DecisionLog) error {
	var allocations, results interface{}
	if log.ExecutedAllocations != nil {
		data, err := json.Marshal(log.ExecutedAllocations)
		if err != nil {
			return fmt.Errorf("failed to marshal allocations: %w", err)
		}
		allocations = string(data)
	}
	if log.ExecutionResults != nil {
		data, err := json.Marshal(log.ExecutionResults)
		if err != nil {
			return fmt.Errorf("failed to marshal execution results: %w", err)
		}
		results = string(data)
	}

	var adopted interface{}
	if log.AdoptedInvocationID != "" {
		adopted = log.AdoptedInvocationID
	}
	var notes interface{}
	if log.UserNotes != "" {
		notes = log.UserNotes
	}

	_, err := r.db.Exec(`
		INSERT INTO decision_logs
			(id, harness_id, user_action, adopted_invocation_id, executed_allocations, execution_results, user_notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, log.ID, log.HarnessID, log.UserAction, adopted, allocations, results, notes, log.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert decision log: %w", err)
	}
	return nil
}

// ListByHarness returns all disposition events for a harness, oldest first
func (r *Repository) ListByHarness(harnessID string) ([]*DecisionLog, error) {
	rows, err := r.db.Query(`
		SELECT id, harness_id, user_action, adopted_invocation_id, executed_allocations, execution_results, user_notes, created_at
		FROM decision_logs
		WHERE harness_id = ?
		ORDER BY created_at, id
	`, harnessID)
	if err != nil {
		return nil, fmt.Errorf("failed to query decision logs: %w", err)
	}
	defer rows.Close()
	return collectLogs(rows)
}

// ListApprovedBefore returns approved logs created at or before the cutoff,
// the candidate set for counterfactual evaluation at a given horizon.
func (r *Repository) ListApprovedBefore(cutoff time.Time) ([]*DecisionLog, error) {
	rows, err := r.db.Query(`
		SELECT id, harness_id, user_action, adopted_invocation_id, executed_allocations, execution_results, user_notes, created_at
		FROM decision_logs
		WHERE user_action = ? AND created_at <= ?
		ORDER BY created_at, id
	`, ActionApproved, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query approved logs: %w", err)
	}
	defer rows.Close()
	return collectLogs(rows)
}

// ListLogsSince returns all disposition events at or after the cutoff,
// oldest first. Feeds the reflection lookback window.
func (r *Repository) ListLogsSince(since time.Time) ([]*DecisionLog, error) {
	rows, err := r.db.Query(`
		SELECT id, harness_id, user_action, adopted_invocation_id, executed_allocations, execution_results, user_notes, created_at
		FROM decision_logs
		WHERE created_at >= ?
		ORDER BY created_at, id
	`, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query logs since cutoff: %w", err)
	}
	defer rows.Close()
	return collectLogs(rows)
}

// ListRecentLogs returns the newest disposition events across all harnesses
func (r *Repository) ListRecentLogs(limit int) ([]*DecisionLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(`
		SELECT id, harness_id, user_action, adopted_invocation_id, executed_allocations, execution_results, user_notes, created_at
		FROM decision_logs
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decision logs: %w", err)
	}
	defer rows.Close()
	return collectLogs(rows)
}

func collectLogs(rows *sql.Rows) ([]*DecisionLog, error) {
	var out []*DecisionLog
	for rows.Next() {
		var l DecisionLog
		var adopted, allocations, results, notes sql.NullString
		var createdAt int64
		if err := rows.Scan(&l.ID, &l.HarnessID, &l.UserAction, &adopted, &allocations, &results, &notes, &createdAt); err != nil {
			return nil, err
		}
		l.AdoptedInvocationID = adopted.String
		l.UserNotes = notes.String
		l.CreatedAt = time.Unix(createdAt, 0).UTC()
		if allocations.Valid {
			if err := json.Unmarshal([]byte(allocations.String), &l.ExecutedAllocations); err != nil {
				return nil, fmt.Errorf("failed to unmarshal allocations: %w", err)
			}
		}
		if results.Valid {
			if err := json.Unmarshal([]byte(results.String), &l.ExecutionResults); err != nil {
				return nil, fmt.Errorf("failed to unmarshal execution results: %w", err)
			}
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// UpsertCounterfactual stores one realized-outcome row; re-evaluation of the
// same (log, symbol, horizon) overwrites the previous result.
func (r *Repository) UpsertCounterfactual(cf *Counterfactual) error {
	if cf.ID == "" {
		cf.ID = uuid.New().String()
	}
	_, err := r.db.Exec(`
		INSERT INTO counterfactuals
			(id, decision_log_id, symbol, horizon_days, decision_price, realized_price, return_pct, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(decision_log_id, symbol, horizon_days) DO UPDATE SET
			realized_price = excluded.realized_price,
			return_pct = excluded.return_pct,
			evaluated_at = excluded.evaluated_at
	`, cf.ID, cf.DecisionLogID, cf.Symbol, cf.HorizonDays, cf.DecisionPrice, cf.RealizedPrice, cf.ReturnPct, cf.EvaluatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert counterfactual: %w", err)
	}
	return nil
}

// ListCounterfactuals returns all realized outcomes for a decision log
func (r *Repository) ListCounterfactuals(decisionLogID string) ([]*Counterfactual, error) {
	rows, err := r.db.Query(`
		SELECT id, decision_log_id, symbol, horizon_days, decision_price, realized_price, return_pct, evaluated_at
		FROM counterfactuals
		WHERE decision_log_id = ?
		ORDER BY horizon_days, symbol
	`, decisionLogID)
	if err != nil {
		return nil, fmt.Errorf("failed to query counterfactuals: %w", err)
	}
	defer rows.Close()

	var out []*Counterfactual
	for rows.Next() {
		var cf Counterfactual
		var evaluatedAt int64
		if err := rows.Scan(&cf.ID, &cf.DecisionLogID, &cf.Symbol, &cf.HorizonDays, &cf.DecisionPrice, &cf.RealizedPrice, &cf.ReturnPct, &evaluatedAt); err != nil {
			return nil, err
		}
		cf.EvaluatedAt = time.Unix(evaluatedAt, 0).UTC()
		out = append(out, &cf)
	}
	return out, rows.Err()
}

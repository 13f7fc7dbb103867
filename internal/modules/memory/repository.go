package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Memory categories
const (
	CategoryDecision   = "decision"
	CategoryReflection = "reflection"
	CategoryExperience = "experience"
)

// Memory is one stored agent memory
type Memory struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id"`
	Category  string                 `json:"category"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Repository persists agent memories in memory.db
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "memory").Logger(),
	}
}

// Write stores a new memory and returns its generated ID
func (r *Repository) Write(userID, category, content string, metadata map[string]interface{}) (string, error) {
	id := uuid.New().String()

	var metaJSON interface{}
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return "", fmt.Errorf("failed to encode memory metadata: %w", err)
		}
		metaJSON = string(raw)
	}

	_, err := r.db.Exec(`
		INSERT INTO agent_memories (id, user_id, category, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, userID, category, content, metaJSON, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("failed to write memory: %w", err)
	}

	r.log.Debug().Str("user_id", userID).Str("category", category).Msg("Memory written")
	return id, nil
}

// Read returns the newest memories for a user, optionally filtered by
// category. A limit of 0 means no limit.
func (r *Repository) Read(userID, category string, limit int) ([]Memory, error) {
	query := `
		SELECT id, user_id, category, content, metadata, created_at
		FROM agent_memories WHERE user_id = ?`
	args := []interface{}{userID}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	// rowid breaks ties between writes landing in the same second
	query += ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		var meta sql.NullString
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.UserID, &m.Category, &m.Content, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &m.Metadata); err != nil {
				r.log.Warn().Err(err).Str("id", m.ID).Msg("Bad memory metadata, skipping field")
			}
		}
		m.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// Latest returns the newest memory in a category, nil when none exists
func (r *Repository) Latest(userID, category string) (*Memory, error) {
	memories, err := r.Read(userID, category, 1)
	if err != nil {
		return nil, err
	}
	if len(memories) == 0 {
		return nil, nil
	}
	return &memories[0], nil
}

// Count returns the number of memories for a user
func (r *Repository) Count(userID string) (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM agent_memories WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count memories: %w", err)
	}
	return n, nil
}

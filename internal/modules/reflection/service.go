package reflection

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/uteki/uteki/internal/llm"
	"github.com/uteki/uteki/internal/modules/decisions"
)

const (
	DefaultLookbackDays = 30
	invokeTimeout       = 60 * time.Second
)

// Result statuses
const (
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
)

// Result is the outcome of one reflection run
type Result struct {
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	MemoryID     string `json:"memory_id,omitempty"`
	Content      string `json:"content,omitempty"`
	DecisionsIn  int    `json:"decisions_reviewed"`
	LookbackDays int    `json:"lookback_days"`
}

// DecisionSource supplies the decision history to reflect over
type DecisionSource interface {
	ListLogsSince(since time.Time) ([]*decisions.DecisionLog, error)
}

// MemorySink stores the generated reflection
type MemorySink interface {
	RecordReflection(userID, content string, metadata map[string]interface{}) (string, error)
}

// Service periodically distills recent decision history into a reflection
// memory that is fed back into subsequent decision prompts.
type Service struct {
	logs    DecisionSource
	memory  MemorySink
	adapter llm.Adapter
	now     func() time.Time
	log     zerolog.Logger
}

// NewService creates a reflection service. The adapter may be nil when no
// provider key is configured; runs are then skipped.
func NewService(logs DecisionSource, memory MemorySink, adapter llm.Adapter, log zerolog.Logger) *Service {
	return &Service{
		logs:    logs,
		memory:  memory,
		adapter: adapter,
		now:     time.Now,
		log:     log.With().Str("component", "reflection").Logger(),
	}
}

// Generate reviews the decisions of the lookback window and writes a
// reflection memory. A window with no decisions, or a missing adapter,
// yields a skipped result rather than an error.
func (s *Service) Generate(ctx context.Context, userID string, lookbackDays int) (*Result, error) {
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}

	if s.adapter == nil {
		s.log.Warn().Msg("No LLM adapter configured, skipping reflection")
		return &Result{Status: StatusSkipped, Reason: "no model provider configured", LookbackDays: lookbackDays}, nil
	}

	since := s.now().UTC().AddDate(0, 0, -lookbackDays)
	logs, err := s.logs.ListLogsSince(since)
	if err != nil {
		return nil, fmt.Errorf("failed to load decision history: %w", err)
	}
	if len(logs) == 0 {
		s.log.Info().Int("lookback_days", lookbackDays).Msg("No decisions in window, skipping reflection")
		return &Result{Status: StatusSkipped, Reason: "no decisions in lookback window", LookbackDays: lookbackDays}, nil
	}

	prompt := buildPrompt(logs, lookbackDays)
	callCtx, cancel := context.WithTimeout(ctx, invokeTimeout)
	defer cancel()

	content, err := s.adapter.Invoke(callCtx, []llm.Message{
		{Role: "system", Content: reflectionSystemPrompt},
		{Role: "user", Content: prompt},
	}, llm.DefaultInvokeConfig())
	if err != nil {
		return nil, fmt.Errorf("reflection generation failed: %w", err)
	}
	content = strings.TrimSpace(content)

	memoryID, err := s.memory.RecordReflection(userID, content, map[string]interface{}{
		"lookback_days":  lookbackDays,
		"decision_count": len(logs),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store reflection: %w", err)
	}

	s.log.Info().
		Str("memory_id", memoryID).
		Int("decisions", len(logs)).
		Msg("Reflection generated")
	return &Result{
		Status:       StatusCompleted,
		MemoryID:     memoryID,
		Content:      content,
		DecisionsIn:  len(logs),
		LookbackDays: lookbackDays,
	}, nil
}

const reflectionSystemPrompt = `You are reviewing an index ETF investor's recent decisions.
Write a short reflection (under 200 words) covering: patterns in the
decisions, what worked, what should change, and one concrete guideline
for the next period. Plain text, no JSON.`

func buildPrompt(logs []*decisions.DecisionLog, lookbackDays int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Decision history for the last %d days (%d events):\n\n", lookbackDays, len(logs))
	for _, l := range logs {
		fmt.Fprintf(&b, "- %s: %s", l.CreatedAt.Format("2006-01-02"), l.UserAction)
		if len(l.ExecutedAllocations) > 0 {
			parts := make([]string, 0, len(l.ExecutedAllocations))
			for _, a := range l.ExecutedAllocations {
				parts = append(parts, fmt.Sprintf("%s $%.2f", a.Symbol, a.Amount))
			}
			fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
		}
		if l.UserNotes != "" {
			fmt.Fprintf(&b, "; notes: %s", l.UserNotes)
		}
		b.WriteString("\n")
	}
	return b.String()
}

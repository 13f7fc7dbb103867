package reflection

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uteki/uteki/internal/llm"
	"github.com/uteki/uteki/internal/modules/decisions"
)

type stubLogs struct {
	logs []*decisions.DecisionLog
	err  error
	// captured cutoff from the last call
	since time.Time
}

func (s *stubLogs) ListLogsSince(since time.Time) ([]*decisions.DecisionLog, error) {
	s.since = since
	return s.logs, s.err
}

type stubMemory struct {
	content  string
	metadata map[string]interface{}
	err      error
}

func (s *stubMemory) RecordReflection(userID, content string, metadata map[string]interface{}) (string, error) {
	s.content = content
	s.metadata = metadata
	return "mem-1", s.err
}

type stubAdapter struct {
	output string
	err    error
	prompt string
}

func (s *stubAdapter) Invoke(ctx context.Context, messages []llm.Message, cfg llm.InvokeConfig) (string, error) {
	for _, m := range messages {
		if m.Role == "user" {
			s.prompt = m.Content
		}
	}
	return s.output, s.err
}

func (s *stubAdapter) InvokeStream(ctx context.Context, messages []llm.Message, cfg llm.InvokeConfig) (<-chan string, <-chan error) {
	ch := make(chan string, 1)
	errCh := make(chan error, 1)
	ch <- s.output
	close(ch)
	close(errCh)
	return ch, errCh
}

func sampleLogs() []*decisions.DecisionLog {
	return []*decisions.DecisionLog{
		{
			ID:         "log-1",
			HarnessID:  "h-1",
			UserAction: decisions.ActionApproved,
			ExecutedAllocations: []decisions.Allocation{
				{Symbol: "VOO", Amount: 600},
			},
			CreatedAt: time.Now().UTC().AddDate(0, 0, -10),
		},
		{
			ID:         "log-2",
			HarnessID:  "h-2",
			UserAction: decisions.ActionSkipped,
			UserNotes:  "waiting for pullback",
			CreatedAt:  time.Now().UTC().AddDate(0, 0, -3),
		},
	}
}

func TestGenerate_WritesReflectionMemory(t *testing.T) {
	logs := &stubLogs{logs: sampleLogs()}
	memory := &stubMemory{}
	adapter := &stubAdapter{output: "  Stay the course with monthly buys.  "}
	svc := NewService(logs, memory, adapter, zerolog.Nop())

	result, err := svc.Generate(context.Background(), "default", 30)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "mem-1", result.MemoryID)
	assert.Equal(t, "Stay the course with monthly buys.", result.Content)
	assert.Equal(t, 2, result.DecisionsIn)
	assert.Equal(t, 30, result.LookbackDays)

	assert.Equal(t, "Stay the course with monthly buys.", memory.content)
	assert.Equal(t, 2, memory.metadata["decision_count"])

	// Prompt carries the decision history
	assert.Contains(t, adapter.prompt, "approved")
	assert.Contains(t, adapter.prompt, "VOO $600.00")
	assert.Contains(t, adapter.prompt, "waiting for pullback")
}

func TestGenerate_LookbackWindow(t *testing.T) {
	logs := &stubLogs{logs: sampleLogs()}
	svc := NewService(logs, &stubMemory{}, &stubAdapter{output: "ok"}, zerolog.Nop())
	fixed := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	_, err := svc.Generate(context.Background(), "default", 30)
	require.NoError(t, err)
	assert.Equal(t, fixed.AddDate(0, 0, -30), logs.since)

	// Zero falls back to the default window
	_, err = svc.Generate(context.Background(), "default", 0)
	require.NoError(t, err)
	assert.Equal(t, fixed.AddDate(0, 0, -DefaultLookbackDays), logs.since)
}

func TestGenerate_SkipsEmptyWindow(t *testing.T) {
	memory := &stubMemory{}
	svc := NewService(&stubLogs{}, memory, &stubAdapter{output: "unused"}, zerolog.Nop())

	result, err := svc.Generate(context.Background(), "default", 30)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, result.Status)
	assert.Equal(t, "no decisions in lookback window", result.Reason)
	assert.Empty(t, memory.content, "no memory written on skip")
}

func TestGenerate_SkipsWithoutAdapter(t *testing.T) {
	svc := NewService(&stubLogs{logs: sampleLogs()}, &stubMemory{}, nil, zerolog.Nop())

	result, err := svc.Generate(context.Background(), "default", 30)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, result.Status)
	assert.Equal(t, "no model provider configured", result.Reason)
}

func TestGenerate_AdapterError(t *testing.T) {
	svc := NewService(&stubLogs{logs: sampleLogs()}, &stubMemory{}, &stubAdapter{err: errors.New("rate limited")}, zerolog.Nop())

	_, err := svc.Generate(context.Background(), "default", 30)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "rate limited"))
}

func TestGenerate_MemoryError(t *testing.T) {
	svc := NewService(&stubLogs{logs: sampleLogs()}, &stubMemory{err: errors.New("disk full")}, &stubAdapter{output: "ok"}, zerolog.Nop())

	_, err := svc.Generate(context.Background(), "default", 30)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to store reflection")
}

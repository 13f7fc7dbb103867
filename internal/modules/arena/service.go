package arena

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/uteki/uteki/internal/config"
	"github.com/uteki/uteki/internal/llm"
	"github.com/uteki/uteki/internal/modules/harness"
)

// SessionPool hands out dedicated persistence handles. Each concurrent arena
// task acquires its own and closes it on completion.
type SessionPool interface {
	Session(ctx context.Context) (*sql.Conn, error)
}

// HarnessSource loads harnesses by ID
type HarnessSource interface {
	GetByID(id string) (*harness.DecisionHarness, error)
}

// PromptSource resolves prompt content for a stored version reference
type PromptSource interface {
	ContentByVersion(versionID string) (string, error)
}

// AdapterFactory builds a model adapter for one catalog entry. Injected so
// tests can substitute synthetic models.
type AdapterFactory func(spec ModelSpec, apiKey string) (llm.Adapter, error)

// ProgressSink receives per-model progress events during a run. May be nil.
type ProgressSink interface {
	Publish(event ProgressEvent)
}

// ProgressEvent is one model lifecycle notification within a run
type ProgressEvent struct {
	HarnessID string       `json:"harness_id"`
	Provider  llm.Provider `json:"provider"`
	Model     string       `json:"model"`
	Phase     string       `json:"phase"` // "started" | "finished"
	Status    string       `json:"status,omitempty"`
	LatencyMS int64        `json:"latency_ms,omitempty"`
}

// Service orchestrates arena runs
type Service struct {
	pool        SessionPool
	harnesses   HarnessSource
	prompts     PromptSource
	invocations *InvocationRepository
	keys        config.ProviderKeys
	cfg         Config
	factory     AdapterFactory
	progress    ProgressSink
	log         zerolog.Logger
}

// NewService creates the arena orchestrator. googleBaseURL is the optional
// Gemini proxy endpoint; progress may be nil.
func NewService(pool SessionPool, harnesses HarnessSource, prompts PromptSource, invocations *InvocationRepository, keys config.ProviderKeys, cfg Config, googleBaseURL string, progress ProgressSink, log zerolog.Logger) *Service {
	return &Service{
		pool:        pool,
		harnesses:   harnesses,
		prompts:     prompts,
		invocations: invocations,
		keys:        keys,
		cfg:         cfg,
		factory: func(spec ModelSpec, apiKey string) (llm.Adapter, error) {
			return llm.NewAdapter(spec.Provider, apiKey, spec.Model, llm.FactoryOptions{GoogleBaseURL: googleBaseURL})
		},
		progress: progress,
		log:      log.With().Str("component", "arena").Logger(),
	}
}

// WithFactory overrides the adapter factory. Test hook.
func (s *Service) WithFactory(f AdapterFactory) *Service {
	s.factory = f
	return s
}

// Run executes the arena for a harness: one concurrent invocation per
// catalog model whose provider has a credential. Every task finalizes
// exactly one record; per-task failures never abort siblings. The result
// order is completion order and carries no meaning.
func (s *Service) Run(ctx context.Context, harnessID string) ([]*InvocationRecord, error) {
	h, err := s.harnesses.GetByID(harnessID)
	if err != nil {
		return nil, fmt.Errorf("harness not found: %s: %w", harnessID, err)
	}

	systemPrompt, err := s.prompts.ContentByVersion(h.PromptVersionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt version %s: %w", h.PromptVersionID, err)
	}

	userPrompt := harness.Render(h)

	// Candidate set: catalog intersected with configured credentials
	type candidate struct {
		spec   ModelSpec
		apiKey string
	}
	var candidates []candidate
	for _, spec := range s.cfg.Models {
		key := s.keys.Key(string(spec.Provider))
		if key != "" {
			candidates = append(candidates, candidate{spec: spec, apiKey: key})
		}
	}
	if len(candidates) == 0 {
		s.log.Error().Msg("No models configured with API keys for arena")
		return []*InvocationRecord{}, nil
	}

	s.log.Info().
		Str("harness_id", harnessID).
		Int("models", len(candidates)).
		Msg("Arena run started")

	results := make([]*InvocationRecord, len(candidates))
	var wg sync.WaitGroup
	for i, c := range candidates {
		wg.Add(1)
		go func(i int, c candidate) {
			defer wg.Done()
			results[i] = s.invokeModel(ctx, c.spec, c.apiKey, h.ID, systemPrompt, userPrompt)
		}(i, c)
	}
	wg.Wait()

	return results, nil
}

// invokeModel runs one model against the rendered harness and finalizes one
// record through its own session. Always returns a record, never nil.
func (s *Service) invokeModel(ctx context.Context, spec ModelSpec, apiKey, harnessID, systemPrompt, userPrompt string) *InvocationRecord {
	fullInput := fmt.Sprintf("[System Prompt]\n%s\n\n[Decision Harness]\n%s", systemPrompt, userPrompt)

	rec := &InvocationRecord{
		ID:          uuid.New().String(),
		HarnessID:   harnessID,
		Provider:    spec.Provider,
		Model:       spec.Model,
		InputPrompt: fullInput,
		ParseStatus: ParseRawOnly,
		CreatedAt:   time.Now().UTC(),
	}

	s.emit(ProgressEvent{HarnessID: harnessID, Provider: spec.Provider, Model: spec.Model, Phase: "started"})

	start := time.Now()
	output, err := s.callWithTimeout(ctx, spec, apiKey, systemPrompt, userPrompt)
	rec.LatencyMS = time.Since(start).Milliseconds()

	switch {
	case err == nil:
		structured, parseStatus := ParseStructuredOutput(output)
		rec.Status = "success"
		rec.OutputRaw = output
		rec.OutputStructured = structured
		rec.ParseStatus = parseStatus
		rec.InputTokens = EstimateTokens(fullInput)
		rec.OutputTokens = EstimateTokens(output)
		rec.CostUSD = s.cfg.EstimateCost(spec.Provider, rec.InputTokens, rec.OutputTokens)
		s.log.Info().
			Str("provider", string(spec.Provider)).
			Str("model", spec.Model).
			Int64("latency_ms", rec.LatencyMS).
			Str("parse_status", parseStatus).
			Msg("Arena model finished")

	case errors.Is(err, context.DeadlineExceeded):
		rec.Status = "timeout"
		rec.ErrorMessage = fmt.Sprintf("Timeout after %ds", int(s.cfg.Timeout.Seconds()))
		s.log.Warn().
			Str("provider", string(spec.Provider)).
			Str("model", spec.Model).
			Int64("latency_ms", rec.LatencyMS).
			Msg("Arena model timed out")

	default:
		rec.Status = "error"
		rec.ErrorMessage = err.Error()
		s.log.Error().
			Err(err).
			Str("provider", string(spec.Provider)).
			Str("model", spec.Model).
			Msg("Arena model failed")
	}

	s.persist(rec)
	s.emit(ProgressEvent{HarnessID: harnessID, Provider: spec.Provider, Model: spec.Model, Phase: "finished", Status: rec.Status, LatencyMS: rec.LatencyMS})
	return rec
}

// callWithTimeout invokes the adapter under the configured deadline. The
// underlying network call is abandoned on timeout, not guaranteed to stop.
func (s *Service) callWithTimeout(ctx context.Context, spec ModelSpec, apiKey, systemPrompt, userPrompt string) (string, error) {
	adapter, err := s.factory(spec, apiKey)
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}
	output, err := adapter.Invoke(callCtx, messages, llm.DefaultInvokeConfig())
	if err != nil {
		// The deadline may surface wrapped inside a transport error
		if callCtx.Err() == context.DeadlineExceeded {
			return "", context.DeadlineExceeded
		}
		return "", err
	}
	return output, nil
}

// persist writes the finalized record through this task's own session.
// A fresh background context is used so a run-level cancellation cannot
// lose an already-finalized record.
func (s *Service) persist(rec *InvocationRecord) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := s.pool.Session(writeCtx)
	if err != nil {
		s.log.Error().Err(err).Str("invocation_id", rec.ID).Msg("Failed to acquire session")
		return
	}
	defer conn.Close()

	if err := s.invocations.CreateWith(writeCtx, conn, rec); err != nil {
		s.log.Error().Err(err).Str("invocation_id", rec.ID).Msg("Failed to persist invocation")
	}
}

func (s *Service) emit(evt ProgressEvent) {
	if s.progress != nil {
		s.progress.Publish(evt)
	}
}

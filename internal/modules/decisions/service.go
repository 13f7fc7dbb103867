package decisions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/uteki/uteki/internal/modules/arena"
	"github.com/uteki/uteki/internal/modules/harness"
)

// ErrPositionLimit is returned when an approval would exceed the distinct
// position cap. The whole approval is rejected, no order is placed and no
// log is written.
var ErrPositionLimit = errors.New("position limit exceeded")

// BrokerPosition is one held position reported by the broker
type BrokerPosition struct {
	Symbol   string
	Quantity float64
}

// BrokerClient places orders and reports positions
type BrokerClient interface {
	GetPositions(ctx context.Context) ([]BrokerPosition, error)
	PlaceOrder(ctx context.Context, symbol, side string, quantity int, orderType string) (map[string]interface{}, error)
}

// InvocationSource loads arena invocation records
type InvocationSource interface {
	GetByID(id string) (*arena.InvocationRecord, error)
}

// HarnessSource loads harnesses
type HarnessSource interface {
	GetByID(id string) (*harness.DecisionHarness, error)
}

// ScoreSink receives adoption events
type ScoreSink interface {
	OnAdoption(provider, model, promptVersionID string) error
}

// PriceSource resolves a close price at or before a date
type PriceSource interface {
	CloseOnOrBefore(symbol string, date time.Time) (float64, error)
}

// Service drives the decision lifecycle
type Service struct {
	repo        *Repository
	broker      BrokerClient
	invocations InvocationSource
	harnesses   HarnessSource
	scores      ScoreSink
	prices      PriceSource
	log         zerolog.Logger
}

// NewService creates a new decision service
func NewService(repo *Repository, broker BrokerClient, invocations InvocationSource, harnesses HarnessSource, scores ScoreSink, prices PriceSource, log zerolog.Logger) *Service {
	return &Service{
		repo:        repo,
		broker:      broker,
		invocations: invocations,
		harnesses:   harnesses,
		scores:      scores,
		prices:      prices,
		log:         log.With().Str("component", "decisions").Logger(),
	}
}

// ApproveRequest carries an approval's allocations and metadata
type ApproveRequest struct {
	Allocations         []Allocation
	AdoptedInvocationID string
	Notes               string
}

// Approve executes an approval: the position-count constraint is checked
// before any order is placed, and a violation rejects the entire approval
// with no partial state change. Individual order failures are recorded in
// the log's execution results, never raised.
func (s *Service) Approve(ctx context.Context, harnessID string, req ApproveRequest) (*DecisionLog, error) {
	// A referenced invocation must belong to this harness, checked before
	// any order is placed.
	if req.AdoptedInvocationID != "" {
		inv, err := s.invocations.GetByID(req.AdoptedInvocationID)
		if err != nil {
			return nil, fmt.Errorf("adopted invocation not found: %s: %w", req.AdoptedInvocationID, err)
		}
		if inv.HarnessID != harnessID {
			return nil, fmt.Errorf("invocation %s does not belong to harness %s", req.AdoptedInvocationID, harnessID)
		}
	}

	var executionResults []ExecutionResult

	if len(req.Allocations) > 0 {
		positions, err := s.broker.GetPositions(ctx)
		if err != nil {
			// Broker unreachable: approval is still logged, orders are not placed
			s.log.Warn().Err(err).Msg("Order execution skipped")
			executionResults = append(executionResults, ExecutionResult{Status: "skipped", Reason: err.Error()})
		} else {
			combined := map[string]struct{}{}
			for _, p := range positions {
				combined[p.Symbol] = struct{}{}
			}
			for _, a := range req.Allocations {
				combined[a.Symbol] = struct{}{}
			}
			if len(combined) > MaxDistinctPositions {
				return nil, fmt.Errorf("%w: max %d symbols, would have %d", ErrPositionLimit, MaxDistinctPositions, len(combined))
			}

			for _, alloc := range req.Allocations {
				if alloc.Symbol == "" || alloc.Amount <= 0 {
					continue
				}
				order, err := s.broker.PlaceOrder(ctx, alloc.Symbol, "BUY", int(alloc.Amount), "MKT")
				if err != nil {
					executionResults = append(executionResults, ExecutionResult{
						Symbol: alloc.Symbol,
						Amount: alloc.Amount,
						Status: "error",
						Error:  err.Error(),
					})
					continue
				}
				executionResults = append(executionResults, ExecutionResult{
					Symbol: alloc.Symbol,
					Amount: alloc.Amount,
					Status: "submitted",
					Order:  order,
				})
			}
		}
	}

	log := &DecisionLog{
		ID:                  uuid.New().String(),
		HarnessID:           harnessID,
		UserAction:          ActionApproved,
		AdoptedInvocationID: req.AdoptedInvocationID,
		ExecutedAllocations: req.Allocations,
		ExecutionResults:    executionResults,
		UserNotes:           req.Notes,
		CreatedAt:           time.Now().UTC(),
	}
	if err := s.repo.CreateLog(log); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("harness_id", harnessID).
		Int("allocations", len(req.Allocations)).
		Msg("Decision approved")
	return log, nil
}

// Skip records a skip disposition
func (s *Service) Skip(harnessID, notes string) (*DecisionLog, error) {
	return s.appendLog(harnessID, ActionSkipped, notes)
}

// Reject records a reject disposition
func (s *Service) Reject(harnessID, notes string) (*DecisionLog, error) {
	return s.appendLog(harnessID, ActionRejected, notes)
}

func (s *Service) appendLog(harnessID, action, notes string) (*DecisionLog, error) {
	log := &DecisionLog{
		ID:         uuid.New().String(),
		HarnessID:  harnessID,
		UserAction: action,
		UserNotes:  notes,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.CreateLog(log); err != nil {
		return nil, err
	}
	s.log.Info().Str("harness_id", harnessID).Str("action", action).Msg("Decision logged")
	return log, nil
}

// DecisionCard summarizes an adopted model recommendation
type DecisionCard struct {
	InvocationID string    `json:"invocation_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Action       string    `json:"action,omitempty"`
	Confidence   float64   `json:"confidence,omitempty"`
	ParseStatus  string    `json:"parse_status"`
	OutputRaw    string    `json:"output_raw"`
	CreatedAt    time.Time `json:"created_at"`
}

// Adopt marks one model's recommendation as the one the human followed and
// credits the model's score. The invocation must belong to the harness.
func (s *Service) Adopt(harnessID, invocationID string) (*DecisionCard, error) {
	inv, err := s.invocations.GetByID(invocationID)
	if err != nil {
		return nil, fmt.Errorf("invocation not found: %s: %w", invocationID, err)
	}
	if inv.HarnessID != harnessID {
		return nil, fmt.Errorf("invocation %s does not belong to harness %s", invocationID, harnessID)
	}

	h, err := s.harnesses.GetByID(harnessID)
	if err != nil {
		return nil, fmt.Errorf("harness not found: %s: %w", harnessID, err)
	}

	if err := s.scores.OnAdoption(string(inv.Provider), inv.Model, h.PromptVersionID); err != nil {
		return nil, err
	}

	card := &DecisionCard{
		InvocationID: inv.ID,
		Provider:     string(inv.Provider),
		Model:        inv.Model,
		ParseStatus:  inv.ParseStatus,
		OutputRaw:    inv.OutputRaw,
		CreatedAt:    inv.CreatedAt,
	}
	if action, ok := inv.OutputStructured["action"].(string); ok {
		card.Action = action
	}
	if confidence, ok := inv.OutputStructured["confidence"].(float64); ok {
		card.Confidence = confidence
	}
	return card, nil
}

// CounterfactualBatchResult summarizes one horizon's evaluation pass
type CounterfactualBatchResult struct {
	HorizonDays int `json:"horizon_days"`
	Evaluated   int `json:"evaluated"`
	Skipped     int `json:"skipped"`
}

// RunCounterfactualBatch re-evaluates approved decisions old enough to have
// reached the horizon, comparing the decision-date close against the
// realized close. Missing price data skips the row rather than failing the
// batch.
func (s *Service) RunCounterfactualBatch(horizonDays int) (*CounterfactualBatchResult, error) {
	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, -horizonDays)

	logs, err := s.repo.ListApprovedBefore(cutoff)
	if err != nil {
		return nil, err
	}

	result := &CounterfactualBatchResult{HorizonDays: horizonDays}
	for _, log := range logs {
		for _, alloc := range log.ExecutedAllocations {
			if alloc.Symbol == "" {
				continue
			}
			decisionPrice, err := s.prices.CloseOnOrBefore(alloc.Symbol, log.CreatedAt)
			if err != nil {
				result.Skipped++
				continue
			}
			realizedPrice, err := s.prices.CloseOnOrBefore(alloc.Symbol, log.CreatedAt.AddDate(0, 0, horizonDays))
			if err != nil {
				result.Skipped++
				continue
			}
			cf := &Counterfactual{
				DecisionLogID: log.ID,
				Symbol:        alloc.Symbol,
				HorizonDays:   horizonDays,
				DecisionPrice: decisionPrice,
				RealizedPrice: realizedPrice,
				ReturnPct:     (realizedPrice - decisionPrice) / decisionPrice * 100,
				EvaluatedAt:   now,
			}
			if err := s.repo.UpsertCounterfactual(cf); err != nil {
				return nil, err
			}
			result.Evaluated++
		}
	}

	s.log.Info().
		Int("horizon_days", horizonDays).
		Int("evaluated", result.Evaluated).
		Int("skipped", result.Skipped).
		Msg("Counterfactual batch completed")
	return result, nil
}

// Timeline returns the newest disposition events across harnesses
func (s *Service) Timeline(limit int) ([]*DecisionLog, error) {
	return s.repo.ListRecentLogs(limit)
}

// History returns all disposition events for one harness
func (s *Service) History(harnessID string) ([]*DecisionLog, error) {
	return s.repo.ListByHarness(harnessID)
}

// Counterfactuals returns realized outcomes for one decision log
func (s *Service) Counterfactuals(decisionLogID string) ([]*Counterfactual, error) {
	return s.repo.ListCounterfactuals(decisionLogID)
}

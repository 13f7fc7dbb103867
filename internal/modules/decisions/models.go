// Package decisions implements the human disposition lifecycle for decision
// harnesses: approve, skip, reject, adopt, plus counterfactual re-evaluation
// of past decisions against realized prices.
package decisions

import "time"

// User actions on a harness
const (
	ActionApproved = "approved"
	ActionSkipped  = "skipped"
	ActionRejected = "rejected"
)

// MaxDistinctPositions is the hard cap on distinct held symbols after an
// approval executes (existing positions plus new allocations).
const MaxDistinctPositions = 3

// Horizons are the spans, in days, at which approved decisions are
// re-evaluated. The counterfactuals table enforces the same set.
var Horizons = []int{7, 30, 90}

// ValidHorizon reports whether days is an evaluated horizon
func ValidHorizon(days int) bool {
	for _, h := range Horizons {
		if days == h {
			return true
		}
	}
	return false
}

// Allocation is one requested purchase inside an approval
type Allocation struct {
	Symbol string  `json:"symbol"`
	Amount float64 `json:"amount"`
}

// ExecutionResult records the outcome of placing one allocation's order.
// Order carries the broker's response for a submitted order.
type ExecutionResult struct {
	Symbol string                 `json:"symbol,omitempty"`
	Amount float64                `json:"amount,omitempty"`
	Status string                 `json:"status"` // "submitted" | "error" | "skipped"
	Error  string                 `json:"error,omitempty"`
	Reason string                 `json:"reason,omitempty"`
	Order  map[string]interface{} `json:"order,omitempty"`
}

// DecisionLog is one disposition event on a harness. Append-only: the set of
// logs is the authoritative history, there is no mutable current-state field.
type DecisionLog struct {
	ID                  string            `json:"id"`
	HarnessID           string            `json:"harness_id"`
	UserAction          string            `json:"user_action"`
	AdoptedInvocationID string            `json:"adopted_invocation_id,omitempty"`
	ExecutedAllocations []Allocation      `json:"executed_allocations,omitempty"`
	ExecutionResults    []ExecutionResult `json:"execution_results,omitempty"`
	UserNotes           string            `json:"user_notes,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
}

// Counterfactual is the realized outcome of one approved allocation at a
// fixed horizon after the decision.
type Counterfactual struct {
	ID            string    `json:"id"`
	DecisionLogID string    `json:"decision_log_id"`
	Symbol        string    `json:"symbol"`
	HorizonDays   int       `json:"horizon_days"`
	DecisionPrice float64   `json:"decision_price"`
	RealizedPrice float64   `json:"realized_price"`
	ReturnPct     float64   `json:"return_pct"`
	EvaluatedAt   time.Time `json:"evaluated_at"`
}

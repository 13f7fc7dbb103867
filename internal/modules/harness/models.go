// Package harness assembles immutable decision harnesses: one snapshot of
// market, account, and memory state used as identical input to every model
// in an arena run.
package harness

import "time"

// Harness types. The type selects the system task the models are asked to
// perform (recurring contribution sizing, periodic portfolio check, or a
// one-off analysis).
const (
	TypeMonthlyDCA  = "monthly_dca"
	TypeWeeklyCheck = "weekly_check"
	TypeAdHoc       = "ad_hoc"
)

// SymbolSnapshot captures one watchlist symbol at harness build time.
// Nil pointers render as N/A; a missing indicator is information too.
type SymbolSnapshot struct {
	Price   *float64 `json:"price"`
	PERatio *float64 `json:"pe_ratio"`
	MA50    *float64 `json:"ma50"`
	MA200   *float64 `json:"ma200"`
	RSI     *float64 `json:"rsi"`
}

// Position is one held symbol inside the account state
type Position struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
}

// AccountState captures cash, total value and positions at build time
type AccountState struct {
	Cash      float64    `json:"cash"`
	Total     float64    `json:"total"`
	Positions []Position `json:"positions"`
}

// MemoryEntry is a single free-text memory item
type MemoryEntry struct {
	Content string `json:"content"`
}

// MemorySummary bundles the recent decision history, the latest reflection,
// and sampled experiences for the prompt.
type MemorySummary struct {
	RecentDecisions  []MemoryEntry `json:"recent_decisions"`
	RecentReflection *MemoryEntry  `json:"recent_reflection,omitempty"`
	Experiences      []MemoryEntry `json:"experiences"`
}

// Task describes what the models are being asked to decide
type Task struct {
	Type        string                 `json:"type"`
	Budget      *float64               `json:"budget,omitempty"`
	Constraints map[string]interface{} `json:"constraints,omitempty"`
}

// DecisionHarness is immutable once created. Every model invocation spawned
// from it references it by ID.
type DecisionHarness struct {
	ID              string
	HarnessType     string
	UserID          string
	MarketSnapshot  map[string]SymbolSnapshot
	AccountState    AccountState
	MemorySummary   MemorySummary
	Task            Task
	PromptVersionID string
	CreatedAt       time.Time
}

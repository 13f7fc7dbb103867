package harness

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func testHarness() *DecisionHarness {
	return &DecisionHarness{
		ID:          "h-1",
		HarnessType: TypeMonthlyDCA,
		UserID:      "default",
		MarketSnapshot: map[string]SymbolSnapshot{
			"QQQ": {Price: f(450.12), PERatio: f(32.5), MA50: f(440.0), MA200: f(410.0), RSI: f(61.2)},
			"VOO": {Price: f(512.30), PERatio: nil, MA50: f(505.1), MA200: f(480.7), RSI: f(55.0)},
		},
		AccountState: AccountState{
			Cash:  1200.50,
			Total: 15000.00,
			Positions: []Position{
				{Symbol: "VOO", Quantity: 20},
			},
		},
		MemorySummary: MemorySummary{
			RecentDecisions:  []MemoryEntry{{Content: "Bought VOO on dip"}},
			RecentReflection: &MemoryEntry{Content: "Stayed disciplined during volatility"},
			Experiences:      []MemoryEntry{{Content: "Dollar cost averaging beats timing"}},
		},
		Task: Task{
			Type:   TypeMonthlyDCA,
			Budget: f(500),
		},
		PromptVersionID: "pv-1",
		CreatedAt:       time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestRender_Deterministic(t *testing.T) {
	h := testHarness()

	first := Render(h)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Render(h), "render must be byte-identical across calls")
	}
}

func TestRender_SymbolsSorted(t *testing.T) {
	h := testHarness()
	out := Render(h)

	qqq := strings.Index(out, "QQQ:")
	voo := strings.Index(out, "VOO:")
	require.Greater(t, qqq, 0)
	require.Greater(t, voo, 0)
	assert.Less(t, qqq, voo, "symbols render in lexical order")
}

func TestRender_MissingIndicatorAsNA(t *testing.T) {
	h := testHarness()
	out := Render(h)

	assert.Contains(t, out, "VOO: price=$512.30 | PE=N/A")
}

func TestRender_Sections(t *testing.T) {
	out := Render(testHarness())

	assert.Contains(t, out, "Date: 2026-08-01")
	assert.Contains(t, out, "Harness type: monthly_dca")
	assert.Contains(t, out, "## Market snapshot")
	assert.Contains(t, out, "## Account state")
	assert.Contains(t, out, "Cash: $1200.50")
	assert.Contains(t, out, "- VOO x 20.00")
	assert.Contains(t, out, "## Memory")
	assert.Contains(t, out, "## Task")
	assert.Contains(t, out, "Budget: $500.00")

	// Sections appear in fixed order
	market := strings.Index(out, "## Market snapshot")
	account := strings.Index(out, "## Account state")
	memory := strings.Index(out, "## Memory")
	task := strings.Index(out, "## Task")
	assert.True(t, market < account && account < memory && memory < task)
}

func TestRender_TruncatesLongMemory(t *testing.T) {
	h := testHarness()
	long := strings.Repeat("x", 300)
	h.MemorySummary.RecentDecisions = []MemoryEntry{{Content: long}}
	h.MemorySummary.RecentReflection = &MemoryEntry{Content: long}
	h.MemorySummary.Experiences = []MemoryEntry{{Content: long}}

	out := Render(h)

	assert.Contains(t, out, "- "+strings.Repeat("x", 100)+"...\n")
	assert.Contains(t, out, "Latest reflection: "+strings.Repeat("x", 100)+"...")
	assert.Contains(t, out, "- "+strings.Repeat("x", 80)+"...\n")
	assert.NotContains(t, out, strings.Repeat("x", 101))
}

func TestRender_EmptySections(t *testing.T) {
	h := testHarness()
	h.AccountState.Positions = nil
	h.MemorySummary = MemorySummary{}

	out := Render(h)

	assert.Contains(t, out, "Positions: none")
	assert.Contains(t, out, "Recent decisions: none")
	assert.NotContains(t, out, "Latest reflection:")
}

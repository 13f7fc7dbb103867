package harness

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Truncation limits applied when rendering memory content into the prompt.
const (
	decisionMaxRunes   = 100
	reflectionMaxRunes = 100
	experienceMaxRunes = 80
)

// Render produces the canonical textual form of the harness. It is
// byte-deterministic: same harness, same bytes, so every model in a run
// sees identical input and replays are exact.
func Render(h *DecisionHarness) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Date: %s\n", h.CreatedAt.UTC().Format("2006-01-02"))
	fmt.Fprintf(&b, "Harness type: %s\n", h.HarnessType)

	b.WriteString("\n## Market snapshot\n")
	symbols := make([]string, 0, len(h.MarketSnapshot))
	for sym := range h.MarketSnapshot {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		s := h.MarketSnapshot[sym]
		fmt.Fprintf(&b, "%s: price=%s | PE=%s | MA50=%s | MA200=%s | RSI=%s\n",
			sym, money(s.Price), num(s.PERatio), num(s.MA50), num(s.MA200), num(s.RSI))
	}

	b.WriteString("\n## Account state\n")
	fmt.Fprintf(&b, "Cash: $%s\n", formatFloat(h.AccountState.Cash))
	fmt.Fprintf(&b, "Total value: $%s\n", formatFloat(h.AccountState.Total))
	if len(h.AccountState.Positions) == 0 {
		b.WriteString("Positions: none\n")
	} else {
		b.WriteString("Positions:\n")
		for _, p := range h.AccountState.Positions {
			fmt.Fprintf(&b, "- %s x %s\n", p.Symbol, formatFloat(p.Quantity))
		}
	}

	b.WriteString("\n## Memory\n")
	if len(h.MemorySummary.RecentDecisions) == 0 {
		b.WriteString("Recent decisions: none\n")
	} else {
		b.WriteString("Recent decisions:\n")
		for _, d := range h.MemorySummary.RecentDecisions {
			fmt.Fprintf(&b, "- %s\n", truncate(d.Content, decisionMaxRunes))
		}
	}
	if h.MemorySummary.RecentReflection != nil {
		fmt.Fprintf(&b, "Latest reflection: %s\n", truncate(h.MemorySummary.RecentReflection.Content, reflectionMaxRunes))
	}
	if len(h.MemorySummary.Experiences) > 0 {
		b.WriteString("Experiences:\n")
		for _, e := range h.MemorySummary.Experiences {
			fmt.Fprintf(&b, "- %s\n", truncate(e.Content, experienceMaxRunes))
		}
	}

	b.WriteString("\n## Task\n")
	fmt.Fprintf(&b, "Type: %s\n", h.Task.Type)
	if h.Task.Budget != nil {
		fmt.Fprintf(&b, "Budget: $%s\n", formatFloat(*h.Task.Budget))
	}
	if len(h.Task.Constraints) > 0 {
		keys := make([]string, 0, len(h.Task.Constraints))
		for k := range h.Task.Constraints {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Constraints:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %v\n", k, h.Task.Constraints[k])
		}
	}

	return b.String()
}

func money(v *float64) string {
	if v == nil {
		return "N/A"
	}
	return "$" + formatFloat(*v)
}

func num(v *float64) string {
	if v == nil {
		return "N/A"
	}
	return formatFloat(*v)
}

// formatFloat renders with two decimals, the precision the prompt needs
// without drifting on float noise.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}

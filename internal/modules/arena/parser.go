package arena

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Parse statuses, in order of decreasing structure
const (
	ParseStructured = "structured"
	ParsePartial    = "partial"
	ParseRawOnly    = "raw_only"
)

var (
	jsonBlockRe  = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	actionRe     = regexp.MustCompile(`(?i)"?action"?\s*[:=]\s*"?(\w+)"?`)
	confidenceRe = regexp.MustCompile(`(?i)"?confidence"?\s*[:=]\s*([\d.]+)`)
)

// ParseStructuredOutput recovers a decision object from free-form model text.
// Three tiers, first success wins: fenced/whole-text JSON, then a regex
// scrape for action and confidence, then raw_only. It never fails — format
// compliance varies across models and a non-conforming response is still a
// valid arena result.
func ParseStructuredOutput(raw string) (map[string]interface{}, string) {
	// Tier 1: JSON. Prefer a fenced block, else the whole text.
	candidate := raw
	if m := jsonBlockRe.FindStringSubmatch(raw); m != nil {
		candidate = m[1]
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(candidate)), &obj); err == nil && obj != nil {
		return obj, ParseStructured
	}

	// Tier 2: regex scrape
	result := map[string]interface{}{}
	if m := actionRe.FindStringSubmatch(raw); m != nil {
		result["action"] = strings.ToUpper(m[1])
	}
	if m := confidenceRe.FindStringSubmatch(raw); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			result["confidence"] = v
		}
	}
	if len(result) > 0 {
		return result, ParsePartial
	}

	// Tier 3: nothing recoverable
	return nil, ParseRawOnly
}

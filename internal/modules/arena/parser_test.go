package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_FencedJSONBlock(t *testing.T) {
	raw := "Here is my analysis.\n```json\n{\"action\": \"HOLD\", \"confidence\": 0.9}\n```\nDone."

	fields, status := ParseStructuredOutput(raw)

	assert.Equal(t, ParseStructured, status)
	assert.Equal(t, "HOLD", fields["action"])
	assert.Equal(t, 0.9, fields["confidence"])
}

func TestParse_WholeTextJSON(t *testing.T) {
	fields, status := ParseStructuredOutput(`{"action": "BUY", "confidence": 0.85, "symbol": "VOO"}`)

	assert.Equal(t, ParseStructured, status)
	assert.Equal(t, "BUY", fields["action"])
	assert.Equal(t, "VOO", fields["symbol"])
}

func TestParse_RegexFallback(t *testing.T) {
	fields, status := ParseStructuredOutput("Action: buy, confidence=0.7")

	assert.Equal(t, ParsePartial, status)
	assert.Equal(t, "BUY", fields["action"])
	assert.Equal(t, 0.7, fields["confidence"])
}

func TestParse_RegexFallback_ActionOnly(t *testing.T) {
	fields, status := ParseStructuredOutput("I recommend action: hold for now.")

	assert.Equal(t, ParsePartial, status)
	assert.Equal(t, "HOLD", fields["action"])
	_, hasConfidence := fields["confidence"]
	assert.False(t, hasConfidence)
}

func TestParse_RawOnly(t *testing.T) {
	fields, status := ParseStructuredOutput("The market looks uncertain today.")

	assert.Equal(t, ParseRawOnly, status)
	assert.Empty(t, fields)
}

func TestParse_MalformedJSONFallsThrough(t *testing.T) {
	// Broken JSON in a fenced block still yields the regex tier
	raw := "```json\n{\"action\": \"SELL\", \"confidence\": 0.6,}\n```"

	fields, status := ParseStructuredOutput(raw)

	assert.Equal(t, ParsePartial, status)
	assert.Equal(t, "SELL", fields["action"])
	assert.Equal(t, 0.6, fields["confidence"])
}

func TestParse_NonObjectJSONFallsThrough(t *testing.T) {
	_, status := ParseStructuredOutput("[1, 2, 3]")
	assert.Equal(t, ParseRawOnly, status)
}

func TestParse_NeverErrors(t *testing.T) {
	for _, raw := range []string{"", "```json\n```", "{", "confidence: not-a-number"} {
		require.NotPanics(t, func() { ParseStructuredOutput(raw) })
	}
}

package swarm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAgentOutputJSON(t *testing.T) {
	out := parseAgentOutput(`{"verdict": "pass", "score": 9}`)
	assert.Equal(t, "pass", out["verdict"])
	assert.Equal(t, float64(9), out["score"])
}

func TestParseAgentOutputFencedJSON(t *testing.T) {
	out := parseAgentOutput("```json\n{\"ok\": true}\n```\n")
	assert.Equal(t, true, out["ok"])
}

func TestParseAgentOutputPlainText(t *testing.T) {
	out := parseAgentOutput("  all checks passed  ")
	assert.Equal(t, "all checks passed", out["text"])
	assert.Equal(t, "  all checks passed  ", out["raw"])
}

func TestEvaluateCondition(t *testing.T) {
	output := map[string]interface{}{"verdict": "pass", "score": float64(9)}

	ok, err := evaluateCondition(`output.verdict == "pass"`, output)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = evaluateCondition(`output.score > 10`, output)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateConditionOnText(t *testing.T) {
	output := parseAgentOutput("deploy approved by reviewer")
	ok, err := evaluateCondition(`output.text contains "approved"`, output)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateConditionMissingField(t *testing.T) {
	ok, err := evaluateCondition(`output.verdict == "pass"`, map[string]interface{}{"text": "hi"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateConditionCompileError(t *testing.T) {
	_, err := evaluateCondition(`output.verdict ==`, map[string]interface{}{})
	assert.Error(t, err)
}

func TestEvaluateConditionNonBool(t *testing.T) {
	_, err := evaluateCondition(`output.score`, map[string]interface{}{"score": float64(3)})
	assert.Error(t, err)
}

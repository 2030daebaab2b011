package swarm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/animadev/anima/internal/llm"
)

// parseAgentOutput converts a predecessor's output into the environment a
// dependency condition sees as `output`. JSON objects (optionally inside a
// fenced code block) are exposed as-is; anything else becomes {text, raw}.
func parseAgentOutput(output string) map[string]interface{} {
	candidate := llm.ExtractJSON(output)
	if strings.HasPrefix(candidate, "{") {
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(candidate), &parsed); err == nil {
			return parsed
		}
	}
	return map[string]interface{}{
		"text": strings.TrimSpace(output),
		"raw":  output,
	}
}

// evaluateCondition runs one dependency condition against a predecessor's
// parsed output. Conditions are expression-only: no side effects, no access
// beyond the provided environment.
func evaluateCondition(condition string, output map[string]interface{}) (bool, error) {
	env := map[string]interface{}{"output": output}
	program, err := expr.Compile(condition, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("failed to compile condition: %w", err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition: %w", err)
	}
	ok, isBool := result.(bool)
	if !isBool {
		return false, fmt.Errorf("condition evaluated to %T, expected bool", result)
	}
	return ok, nil
}

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// handleUserPrompt routes one prompt to a scenario. Scenarios are selected by
// slash command or by keyword prefix ("error:", "slow:2s", "structured: ..."),
// whichever the caller prefers; anything unrecognized gets a random mix.
func handleUserPrompt(enc *json.Encoder, scanner *bufio.Scanner, prompt, model string) {
	prompt = strings.TrimSpace(prompt)

	// Every turn opens with a system message.
	emitSystemMessage(enc)

	// Scenarios that emit their own result set this to suppress the default.
	customResult := false

	lower := strings.ToLower(prompt)

	switch {
	case strings.EqualFold(prompt, "all"):
		emitAllTypes(enc, scanner, model)
	case strings.EqualFold(prompt, "/error") || strings.HasPrefix(lower, "error:"):
		emitError(enc, model)
		customResult = true
	case strings.EqualFold(prompt, "/slow") || strings.HasPrefix(lower, "/slow "):
		emitSlowResponse(enc, scanner, prompt[len("/slow"):], model)
	case strings.HasPrefix(lower, "slow:"):
		emitSlowResponse(enc, scanner, prompt[len("slow:"):], model)
	case strings.EqualFold(prompt, "/thinking") || strings.HasPrefix(lower, "thinking:"):
		emitThinkingSequence(enc, model)
	case strings.HasPrefix(prompt, "/tool:"):
		emitSpecificTool(enc, scanner, strings.TrimSpace(strings.TrimPrefix(prompt, "/tool:")), model)
	case strings.HasPrefix(lower, "tool:"):
		emitSpecificTool(enc, scanner, strings.TrimSpace(prompt[len("tool:"):]), model)
	case strings.HasPrefix(lower, "structured:"):
		emitStructuredResponse(enc, prompt[len("structured:"):], model)
		customResult = true
	case strings.EqualFold(prompt, "/mermaid"):
		emitMermaidSequence(enc, model)
	case strings.HasPrefix(prompt, "/subagent"):
		emitSubagentSequence(enc, scanner, model)
	case strings.HasPrefix(prompt, "/e2e:"):
		scenarioName := strings.TrimSpace(strings.TrimPrefix(prompt, "/e2e:"))
		emitPredefinedScenario(enc, scanner, scenarioName)
		// e2e:error emits its own result
		if scenarioName == "error" {
			customResult = true
		}
	case strings.HasPrefix(prompt, "/todo"):
		emitTodoSequence(enc, model)
	default:
		emitRandomResponse(enc, scanner, prompt, model)
	}

	if !customResult {
		emitResult(enc, false, "")
	}
}

// --- Pacing ---

// delayRange maps the model name to a min/max step delay in milliseconds.
func delayRange(model string) (int, int) {
	switch model {
	case "mock-fast":
		return 10, 50
	case "mock-slow":
		return 500, 3000
	default:
		return 100, 500
	}
}

// randomDelay sleeps somewhere inside the model's delay range.
func randomDelay(model string) {
	lo, hi := delayRange(model)
	ms := lo + rand.Intn(hi-lo+1)
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

// fixedDelay sleeps exactly ms milliseconds, for deterministic scenarios.
func fixedDelay(ms int) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

// --- Turn envelope ---

func emitSystemMessage(enc *json.Encoder) {
	_ = enc.Encode(SystemMsg{
		Type:          TypeSystem,
		SessionID:     sessionID,
		SessionStatus: "active",
	})
}

// emitResult writes the final result message. Success wraps a ResultData
// object; errors carry the message as a bare string.
func emitResult(enc *json.Encoder, isError bool, errText string) {
	var resultJSON json.RawMessage
	if isError {
		resultJSON, _ = json.Marshal(errText)
	} else {
		resultJSON, _ = json.Marshal(ResultData{
			Text:      "Mock agent completed successfully.",
			SessionID: sessionID,
		})
	}

	_ = enc.Encode(ResultMsg{
		Type:              TypeResult,
		Result:            resultJSON,
		CostUSD:           0.0042,
		DurationMS:        1500,
		DurationAPIMS:     1200,
		IsError:           isError,
		NumTurns:          1,
		TotalInputTokens:  1500,
		TotalOutputTokens: 500,
		ModelUsage: map[string]ModelUsageStats{
			"mock-default": {ContextWindow: 200000},
		},
	})
}

// --- Scenario implementations ---

func emitError(enc *json.Encoder, model string) {
	randomDelay(model)
	emitTextBlock(enc, "Simulating an error condition...", "")
	randomDelay(model)
	emitResult(enc, true, "Mock error: something went wrong during processing")
}

// emitSlowResponse spreads a small fixed transcript over a configurable total
// duration. durText is whatever followed the command ("60s", "2m"); empty or
// unparseable defaults to 5s.
func emitSlowResponse(enc *json.Encoder, _ *bufio.Scanner, durText, model string) {
	totalDuration := 5 * time.Second
	if d, err := time.ParseDuration(strings.TrimSpace(durText)); err == nil && d > 0 {
		totalDuration = d
	}

	steps := 5
	stepDelay := totalDuration / time.Duration(steps)

	emitThinking(enc, model)
	time.Sleep(stepDelay)

	emitTextBlock(enc, fmt.Sprintf("Running slow response (%s total)...", totalDuration), "")
	time.Sleep(stepDelay)

	emitReadFile(enc, model)
	time.Sleep(stepDelay)

	emitCodeSearch(enc, model)
	time.Sleep(stepDelay)

	emitTextBlock(enc, fmt.Sprintf("Slow response complete after %s.", totalDuration), "")
	time.Sleep(stepDelay)
}

// emitRandomResponse answers an unrecognized prompt with thinking, a random
// mix of 1-4 events, and a closing summary.
func emitRandomResponse(enc *json.Encoder, _ *bufio.Scanner, prompt, model string) {
	generators := []func(){
		func() { emitThinking(enc, model) },
		func() { emitTextBlock(enc, "I'll help you with that. Let me look into it.", "") },
		func() { emitReadFile(enc, model) },
		func() { emitCodeSearch(enc, model) },
		func() { emitWebFetch(enc, model) },
	}

	emitThinking(enc, model)
	randomDelay(model)

	count := 1 + rand.Intn(4)
	for i := 0; i < count; i++ {
		generators[rand.Intn(len(generators))]()
		randomDelay(model)
	}

	emitTextBlock(enc, "I've completed the analysis of your request: \""+prompt+"\". Everything looks good!", "")
}

// emitAllTypes walks through one of every message type in a fixed order.
func emitAllTypes(enc *json.Encoder, scanner *bufio.Scanner, model string) {
	emitThinking(enc, model)
	randomDelay(model)
	emitTextBlock(enc, "Starting comprehensive demonstration of all message types...", "")
	randomDelay(model)
	emitReadFile(enc, model)
	randomDelay(model)
	emitEditFile(enc, scanner, model)
	randomDelay(model)
	emitShellExec(enc, scanner, model)
	randomDelay(model)
	emitCodeSearch(enc, model)
	randomDelay(model)
	emitSubagent(enc, scanner, model)
	randomDelay(model)
	emitTodo(enc, model)
	randomDelay(model)
	emitWebFetch(enc, model)
	randomDelay(model)
	emitTextBlock(enc, "All message types demonstrated successfully!", "")
}

// emitThinkingSequence streams an extended chain of reasoning blocks.
func emitThinkingSequence(enc *json.Encoder, model string) {
	thoughts := []string{
		"Let me trace this request through the system step by step...",
		"The prompt arrives over stdin, so the first question is how the turn loop hands it off.",
		"Streaming output and permission replies share the same pipe, which means ordering matters here.",
		"Edge cases to consider: an empty prompt, a client that never answers, and a turn interrupted mid-stream.",
		"Given all that, the safest design is a single writer goroutine with everything else sending through it.",
	}

	for _, thought := range thoughts {
		randomDelay(model)
		emitThinkingBlock(enc, thought, "")
	}

	randomDelay(model)
	emitTextBlock(enc, "After careful reasoning, here is my analysis:\n\n1. The turn loop is sound\n2. Ordering is preserved by the single writer\n3. Timeouts cover the unresponsive-client case", "")
}

// emitSpecificTool runs exactly one tool call by name.
func emitSpecificTool(enc *json.Encoder, scanner *bufio.Scanner, toolName, model string) {
	switch strings.ToLower(toolName) {
	case "read":
		emitReadFile(enc, model)
	case "edit":
		emitEditFile(enc, scanner, model)
	case "exec", "bash":
		emitShellExec(enc, scanner, model)
	case "search", "grep":
		emitCodeSearch(enc, model)
	case "webfetch", "web":
		emitWebFetch(enc, model)
	default:
		emitTextBlock(enc, "Unknown tool: "+toolName+". Available: read, edit, exec, search, webfetch", "")
	}
}

func emitTodoSequence(enc *json.Encoder, model string) {
	emitThinking(enc, model)
	randomDelay(model)
	emitTextBlock(enc, "I'll create a task list for this work.", "")
	randomDelay(model)
	emitTodo(enc, model)
	randomDelay(model)
	emitTextBlock(enc, "Task list has been updated.", "")
}

func emitSubagentSequence(enc *json.Encoder, scanner *bufio.Scanner, model string) {
	emitThinking(enc, model)
	randomDelay(model)
	emitTextBlock(enc, "I'll delegate this to a subagent for parallel processing.", "")
	randomDelay(model)
	emitSubagent(enc, scanner, model)
	randomDelay(model)
	emitTextBlock(enc, "Subagent task completed successfully.", "")
}

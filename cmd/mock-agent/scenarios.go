package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
)

// Named scenarios with fixed delays so end-to-end tests can assert on exact
// transcripts. Keep the message order and emitted strings stable; harnesses
// outside this repo depend on them.

func emitPredefinedScenario(enc *json.Encoder, scanner *bufio.Scanner, name string) {
	switch name {
	case "simple-message":
		scenarioSimpleMessage(enc)
	case "read-and-edit":
		scenarioReadAndEdit(enc, scanner)
	case "permission-flow":
		scenarioPermissionFlow(enc, scanner)
	case "error":
		scenarioError(enc)
	case "subagent":
		scenarioSubagent(enc, scanner)
	case "all-tools":
		scenarioAllTools(enc, scanner)
	case "multi-turn":
		scenarioMultiTurn(enc)
	default:
		emitTextBlock(enc, "Unknown e2e scenario: "+name+". Available: simple-message, read-and-edit, permission-flow, error, subagent, all-tools, multi-turn", "")
	}
}

func scenarioSimpleMessage(enc *json.Encoder) {
	fixedDelay(100)
	emitThinkingBlock(enc, "Processing the request...", "")
	fixedDelay(100)
	emitTextBlock(enc, "This is a simple mock response for e2e testing.", "")
}

func scenarioReadAndEdit(enc *json.Encoder, scanner *bufio.Scanner) {
	f := randomFile()
	snippet := readFileSnippet(f.absPath, 20)
	oldStr, newStr := pickEditableFragment(f.absPath)

	fixedDelay(50)
	readID := nextToolID()
	emitToolUse(enc, "", readID, ToolRead, map[string]any{"file_path": f.absPath})
	fixedDelay(50)
	emitToolResult(enc, "", readID, snippet)

	fixedDelay(50)
	editID := nextToolID()
	editInput := map[string]any{
		"file_path":  f.absPath,
		"old_string": oldStr,
		"new_string": newStr,
	}
	emitToolUse(enc, "", editID, ToolEdit, editInput)

	allowed := requestPermission(enc, scanner, ToolEdit, editID, editInput)
	fixedDelay(50)
	if allowed {
		emitToolResult(enc, "", editID, "File edited successfully: "+f.absPath)
	} else {
		emitTextBlock(enc, "Edit was denied.", "")
	}

	fixedDelay(50)
	emitTextBlock(enc, "Read and edit scenario complete.", "")
}

func scenarioPermissionFlow(enc *json.Encoder, scanner *bufio.Scanner) {
	fixedDelay(50)
	bashID := nextToolID()
	bashInput := map[string]any{
		"command":     "echo 'testing permissions'",
		"description": "Test permission flow",
	}
	emitToolUse(enc, "", bashID, ToolBash, bashInput)

	allowed := requestPermission(enc, scanner, ToolBash, bashID, bashInput)
	fixedDelay(50)
	if allowed {
		emitToolResult(enc, "", bashID, "testing permissions")
		emitTextBlock(enc, "Permission was granted and command executed.", "")
	} else {
		emitTextBlock(enc, "Permission was denied.", "")
	}
}

func scenarioError(enc *json.Encoder) {
	fixedDelay(100)
	emitTextBlock(enc, "About to encounter an error...", "")
	fixedDelay(100)
	emitResult(enc, true, "E2E test error: simulated failure")
}

func scenarioSubagent(enc *json.Encoder, scanner *bufio.Scanner) {
	taskToolID := nextToolID()
	fixedDelay(50)
	emitToolUse(enc, "", taskToolID, ToolTask, map[string]any{
		"description": "E2E subagent test",
		"prompt":      "Run e2e subagent scenario",
	})

	fixedDelay(50)
	_ = enc.Encode(SystemMsg{Type: TypeSystem, SessionID: sessionID, SessionStatus: "active"})

	fixedDelay(50)
	emitTextBlock(enc, "Subagent working on the task...", taskToolID)

	fixedDelay(50)
	emitToolResult(enc, "", taskToolID, "E2E subagent completed")

	fixedDelay(50)
	emitTextBlock(enc, "Subagent scenario complete.", "")
}

// scenarioAllTools exercises each tool once against distinct real files.
func scenarioAllTools(enc *json.Encoder, scanner *bufio.Scanner) {
	used := map[string]bool{}
	readFile := randomFile()
	used[readFile.absPath] = true
	grepFile := randomFileExcluding(used)
	used[grepFile.absPath] = true
	editFile := randomFileExcluding(used)

	fixedDelay(50)
	emitThinkingBlock(enc, "Running all tools...", "")

	fixedDelay(50)
	readID := nextToolID()
	emitToolUse(enc, "", readID, ToolRead, map[string]any{"file_path": readFile.absPath})
	fixedDelay(50)
	emitToolResult(enc, "", readID, readFileSnippet(readFile.absPath, 20))

	fixedDelay(50)
	grepID := nextToolID()
	emitToolUse(enc, "", grepID, ToolGrep, map[string]any{"pattern": "func ", "path": grepFile.absPath})
	fixedDelay(50)
	var grepResults []string
	for i, p := range randomFilePaths(3) {
		grepResults = append(grepResults, fmt.Sprintf("%s:%d: func found here", p, (i+1)*10))
	}
	emitToolResult(enc, "", grepID, strings.Join(grepResults, "\n"))

	fixedDelay(50)
	editID := nextToolID()
	oldStr, newStr := pickEditableFragment(editFile.absPath)
	editInput := map[string]any{"file_path": editFile.absPath, "old_string": oldStr, "new_string": newStr}
	emitToolUse(enc, "", editID, ToolEdit, editInput)
	allowed := requestPermission(enc, scanner, ToolEdit, editID, editInput)
	fixedDelay(50)
	if allowed {
		emitToolResult(enc, "", editID, "File edited successfully: "+editFile.absPath)
	} else {
		emitTextBlock(enc, "Edit denied.", "")
	}

	fixedDelay(50)
	bashID := nextToolID()
	bashInput := map[string]any{"command": "echo done", "description": "Print done"}
	emitToolUse(enc, "", bashID, ToolBash, bashInput)
	allowed = requestPermission(enc, scanner, ToolBash, bashID, bashInput)
	fixedDelay(50)
	if allowed {
		emitToolResult(enc, "", bashID, "done")
	} else {
		emitTextBlock(enc, "Bash denied.", "")
	}

	fixedDelay(50)
	webID := nextToolID()
	emitToolUse(enc, "", webID, ToolWebFetch, map[string]any{"url": "https://example.com", "prompt": "Summarize"})
	fixedDelay(50)
	emitToolResult(enc, "", webID, "Example page content")

	fixedDelay(50)
	emitTextBlock(enc, "All tools scenario complete.", "")
}

func scenarioMultiTurn(enc *json.Encoder) {
	fixedDelay(50)
	emitTextBlock(enc, "Multi-turn response ready. Send another message to continue.", "")
}

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
)

// Building blocks shared by every scenario. Each helper writes one complete
// protocol message; tool calls pull real files from the working directory so
// transcripts render like genuine agent activity.

var toolCallCounter int

func nextToolID() string {
	toolCallCounter++
	return fmt.Sprintf("mock_tool_%04d", toolCallCounter)
}

func defaultUsage() *Usage {
	return &Usage{InputTokens: 1200, OutputTokens: 350}
}

// emitBlocks writes an assistant message wrapping the given content blocks.
// parentToolUseID nests the message under a running Task call.
func emitBlocks(enc *json.Encoder, parentToolUseID, stopReason string, blocks ...ContentBlock) {
	_ = enc.Encode(AssistantMsg{
		Type:            TypeAssistant,
		ParentToolUseID: parentToolUseID,
		Message: AssistantBody{
			Role:       "assistant",
			Content:    blocks,
			Model:      "mock-default",
			StopReason: stopReason,
			Usage:      defaultUsage(),
		},
	})
}

// emitThinkingBlock writes a single thinking block.
func emitThinkingBlock(enc *json.Encoder, thought, parentToolUseID string) {
	emitBlocks(enc, parentToolUseID, "", ContentBlock{Type: BlockThinking, Thinking: thought})
}

// emitThinking is the generic "working on it" preamble.
func emitThinking(enc *json.Encoder, model string) {
	randomDelay(model)
	emitThinkingBlock(enc, "Analyzing the request and considering the best approach...", "")
}

// emitTextBlock writes a single text block.
func emitTextBlock(enc *json.Encoder, text, parentToolUseID string) {
	emitBlocks(enc, parentToolUseID, "end_turn", ContentBlock{Type: BlockText, Text: text})
}

// emitToolUse writes an assistant tool_use block.
func emitToolUse(enc *json.Encoder, parentToolUseID, toolID, name string, input map[string]any) {
	emitBlocks(enc, parentToolUseID, "tool_use", ContentBlock{
		Type:  BlockToolUse,
		ID:    toolID,
		Name:  name,
		Input: input,
	})
}

// emitToolResult writes the matching tool_result as a user message.
func emitToolResult(enc *json.Encoder, parentToolUseID, toolID, content string) {
	_ = enc.Encode(UserMsg{
		Type:            TypeUser,
		ParentToolUseID: parentToolUseID,
		Message: UserMsgBody{
			Role:    "user",
			Content: []ContentBlock{{Type: BlockToolResult, ToolUseID: toolID, Content: content}},
		},
	})
}

// --- Tool call sequences ---

// emitReadFile reads a real workspace file and echoes its head.
func emitReadFile(enc *json.Encoder, model string) {
	toolID := nextToolID()
	f := randomFile()
	snippet := readFileSnippet(f.absPath, 30)

	randomDelay(model)
	emitToolUse(enc, "", toolID, ToolRead, map[string]any{"file_path": f.absPath})
	randomDelay(model)
	emitToolResult(enc, "", toolID, snippet)
}

// emitEditFile proposes a word swap in a real file. The edit goes through the
// permission round trip; a denial yields a text apology instead of a result.
func emitEditFile(enc *json.Encoder, scanner *bufio.Scanner, model string) {
	toolID := nextToolID()
	f := randomFile()
	oldStr, newStr := pickEditableFragment(f.absPath)
	input := map[string]any{
		"file_path":  f.absPath,
		"old_string": oldStr,
		"new_string": newStr,
	}

	randomDelay(model)
	emitToolUse(enc, "", toolID, ToolEdit, input)

	if requestPermission(enc, scanner, ToolEdit, toolID, input) {
		emitToolResult(enc, "", toolID, "File edited successfully: "+f.absPath)
	} else {
		emitTextBlock(enc, "Permission denied for Edit, skipping.", "")
	}
}

// emitShellExec runs a fake test command behind the permission gate.
func emitShellExec(enc *json.Encoder, scanner *bufio.Scanner, model string) {
	toolID := nextToolID()
	input := map[string]any{
		"command":     "go test ./...",
		"description": "Run all tests",
	}

	randomDelay(model)
	emitToolUse(enc, "", toolID, ToolBash, input)

	if requestPermission(enc, scanner, ToolBash, toolID, input) {
		emitToolResult(enc, "", toolID, "ok  \texample.com/service/internal/api\t0.131s\nPASS")
	} else {
		emitTextBlock(enc, "Permission denied for Bash, skipping.", "")
	}
}

// emitCodeSearch greps a rotating pattern and fabricates hits on real paths.
func emitCodeSearch(enc *json.Encoder, model string) {
	toolID := nextToolID()
	searchPatterns := []string{"func ", "import ", "TODO", "return ", "error", "type "}
	pattern := searchPatterns[toolCallCounter%len(searchPatterns)]
	f := randomFile()

	randomDelay(model)
	emitToolUse(enc, "", toolID, ToolGrep, map[string]any{"pattern": pattern, "path": f.absPath})
	randomDelay(model)

	var results []string
	for i, p := range randomFilePaths(3) {
		results = append(results, fmt.Sprintf("%s:%d:%s found here", p, (i+1)*10, strings.TrimSpace(pattern)))
	}
	emitToolResult(enc, "", toolID, strings.Join(results, "\n"))
}

// emitWebFetch pulls fake API documentation.
func emitWebFetch(enc *json.Encoder, model string) {
	toolID := nextToolID()

	randomDelay(model)
	emitToolUse(enc, "", toolID, ToolWebFetch, map[string]any{
		"url":    "https://example.com/api/docs",
		"prompt": "Extract the API endpoints and their descriptions",
	})
	randomDelay(model)
	emitToolResult(enc, "", toolID, strings.Join([]string{
		"API Documentation:",
		"- GET /api/v1/sessions - List active sessions",
		"- POST /api/v1/sessions - Open a session",
		"- GET /api/v1/sessions/:id/history - Fetch conversation history",
		"- POST /api/v1/swarms - Launch an agent swarm",
		"- GET /api/v1/tasks - List queued work",
	}, "\n"))
}

// emitTodo writes a TodoWrite call with a small fixed plan.
func emitTodo(enc *json.Encoder, model string) {
	toolID := nextToolID()

	randomDelay(model)
	emitToolUse(enc, "", toolID, ToolTodoWrite, map[string]any{
		"todos": []map[string]any{
			{"id": "1", "content": "Review code changes", "status": "in_progress"},
			{"id": "2", "content": "Run tests", "status": "pending"},
			{"id": "3", "content": "Update documentation", "status": "pending"},
		},
	})
	randomDelay(model)
	emitToolResult(enc, "", toolID, "Todo list updated: 3 items (1 in progress, 2 pending)")
}

// --- Subagent sequence ---

// emitSubagent runs a Task call with nested child messages. Everything
// carrying ParentToolUseID renders as subagent activity downstream.
func emitSubagent(enc *json.Encoder, scanner *bufio.Scanner, model string) {
	taskToolID := nextToolID()

	randomDelay(model)
	emitToolUse(enc, "", taskToolID, ToolTask, map[string]any{
		"description": "Explore codebase",
		"prompt":      "Find all files and summarize the project structure",
	})

	randomDelay(model)
	_ = enc.Encode(SystemMsg{Type: TypeSystem, SessionID: sessionID, SessionStatus: "active"})
	randomDelay(model)
	emitThinkingBlock(enc, "Exploring the project structure...", taskToolID)
	randomDelay(model)

	paths := randomFilePaths(5)
	emitTextBlock(enc, fmt.Sprintf("Found %d files. The project structure looks well-organized.", len(paths)), taskToolID)
	randomDelay(model)

	childToolID := nextToolID()
	emitToolUse(enc, taskToolID, childToolID, ToolGlob, map[string]any{"pattern": "**/*"})
	randomDelay(model)
	emitToolResult(enc, taskToolID, childToolID, strings.Join(paths, "\n"))
	randomDelay(model)

	emitTextBlock(enc, "Project structure analysis complete.", taskToolID)
	randomDelay(model)
	emitToolResult(enc, "", taskToolID, fmt.Sprintf("Subagent completed: Found %d files across the project.", len(paths)))
}

// --- Rich content ---

// emitMermaidSequence streams markdown with mermaid diagrams for exercising
// client-side rendering. The diagrams describe a conversation daemon, which
// keeps the demo content honest.
func emitMermaidSequence(enc *json.Encoder, model string) {
	emitThinking(enc, model)
	randomDelay(model)

	emitTextBlock(enc, "Here's an overview of the daemon architecture with diagrams:\n\n"+
		"## Session Flow\n\n"+
		"The following flowchart shows how a prompt travels through the system:\n\n"+
		"```mermaid\n"+
		"flowchart TD\n"+
		"    A([Client]) --> B[WebSocket Gateway]\n"+
		"    B --> C{Session exists?}\n"+
		"    C -->|No| D[Spawn Agent Process]\n"+
		"    C -->|Yes| E[Resume Session]\n"+
		"    D --> F[Stream Turn]\n"+
		"    E --> F\n"+
		"    F --> G[(Event Log)]\n"+
		"    F --> H([Client Response])\n"+
		"```\n\n"+
		"## Permission Arbitration\n\n"+
		"Tool calls that need approval block until a verdict arrives:\n\n"+
		"```mermaid\n"+
		"sequenceDiagram\n"+
		"    participant AG as Agent\n"+
		"    participant D as Daemon\n"+
		"    participant CL as Client\n"+
		"    AG->>D: can_use_tool(Bash)\n"+
		"    D->>CL: permission_request\n"+
		"    CL-->>D: allow\n"+
		"    D-->>AG: behavior: allow\n"+
		"    AG->>AG: run tool\n"+
		"```\n\n"+
		"### Key Points\n\n"+
		"- All realtime traffic rides the **WebSocket gateway**\n"+
		"- Unanswered permission requests **time out as denials**\n"+
		"- Every turn is appended to the `event log` for replay\n"+
		"- Agent processes run inside a **sandbox container** when enabled\n", "")
}

// emitStructuredResponse answers with strict JSON and nothing else, for
// sessions that declare an output format. Both the text block and the final
// result carry the bare object so extraction works from either path.
func emitStructuredResponse(enc *json.Encoder, question, model string) {
	emitThinking(enc, model)
	randomDelay(model)

	question = strings.TrimSpace(question)
	if question == "" {
		question = "no question provided"
	}

	answer, _ := json.MarshalIndent(map[string]any{
		"answer":     "Mock structured answer for: " + question,
		"confidence": 0.95,
		"sources":    []string{"main.go", "README.md"},
	}, "", "  ")

	emitTextBlock(enc, string(answer), "")
	randomDelay(model)

	// The result carries the JSON as a plain string, unlike the default
	// success result which wraps an object.
	resultJSON, _ := json.Marshal(string(answer))
	_ = enc.Encode(ResultMsg{
		Type:              TypeResult,
		Result:            resultJSON,
		CostUSD:           0.0042,
		DurationMS:        900,
		DurationAPIMS:     700,
		IsError:           false,
		NumTurns:          1,
		TotalInputTokens:  1100,
		TotalOutputTokens: 240,
		ModelUsage: map[string]ModelUsageStats{
			"mock-default": {ContextWindow: 200000},
		},
	})
}

package claude

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestContentBlock_ContentText(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{
			name: "string content",
			json: `{"type":"tool_result","tool_use_id":"tu_1","content":"plain output"}`,
			want: "plain output",
		},
		{
			name: "block list content",
			json: `{"type":"tool_result","tool_use_id":"tu_1","content":[{"type":"text","text":"part one "},{"type":"text","text":"part two"}]}`,
			want: "part one part two",
		},
		{
			name: "empty content",
			json: `{"type":"tool_result","tool_use_id":"tu_1"}`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var block ContentBlock
			if err := json.Unmarshal([]byte(tt.json), &block); err != nil {
				t.Fatalf("failed to parse: %v", err)
			}
			if got := block.ContentText(); got != tt.want {
				t.Errorf("ContentText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCLIMessage_GetResultString(t *testing.T) {
	var msg CLIMessage
	if err := json.Unmarshal([]byte(`{"type":"result","result":"final answer"}`), &msg); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if got := msg.GetResultString(); got != "final answer" {
		t.Errorf("GetResultString() = %q, want %q", got, "final answer")
	}

	// Object results are not strings.
	if err := json.Unmarshal([]byte(`{"type":"result","result":{"text":"x"}}`), &msg); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if got := msg.GetResultString(); got != "" {
		t.Errorf("GetResultString() = %q, want empty", got)
	}
}

func TestIncomingControlResponse_JSONParsing(t *testing.T) {
	jsonStr := `{
		"subtype": "success",
		"request_id": "req-123",
		"response": {
			"commands": [
				{"name": "cost", "description": "Show cost"},
				{"name": "context", "description": "Show context"}
			],
			"agents": ["Bash", "Explore"]
		}
	}`
	var resp IncomingControlResponse
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if resp.Subtype != "success" {
		t.Errorf("Subtype = %q, want %q", resp.Subtype, "success")
	}
	if resp.RequestID != "req-123" {
		t.Errorf("RequestID = %q, want %q", resp.RequestID, "req-123")
	}
	if resp.Response == nil {
		t.Fatal("Response is nil")
	}
	if len(resp.Response.Commands) != 2 {
		t.Errorf("Commands count = %d, want %d", len(resp.Response.Commands), 2)
	}
	if resp.Response.Commands[0].Name != "cost" {
		t.Errorf("Commands[0].Name = %q, want %q", resp.Response.Commands[0].Name, "cost")
	}

	errorJSON := `{"subtype": "error", "request_id": "req-456", "error": "something went wrong"}`
	var errorResp IncomingControlResponse
	if err := json.Unmarshal([]byte(errorJSON), &errorResp); err != nil {
		t.Fatalf("failed to parse error response: %v", err)
	}
	if errorResp.Error != "something went wrong" {
		t.Errorf("Error = %q, want %q", errorResp.Error, "something went wrong")
	}
}

func TestOptions_BuildArgs(t *testing.T) {
	opts := Options{
		Model:           "claude-sonnet-4-5",
		ResumeSessionID: "sess-9",
		AllowedTools:    []string{"Bash", "Read"},
		SystemPrompt:    "You are warm.",
		Plugins:         []string{"notes@1"},
	}
	args := opts.BuildArgs()
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"--input-format stream-json",
		"--output-format stream-json",
		"--include-partial-messages",
		"--permission-prompt-tool stdio",
		"--model claude-sonnet-4-5",
		"--resume sess-9",
		"--allowedTools Bash,Read",
		"--plugin notes@1",
		"--setting-sources user,project",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}
	if !strings.Contains(joined, "--append-system-prompt You are warm.") {
		t.Errorf("system prompt not passed: %s", joined)
	}
}

func TestOptions_BuildArgsLeanMode(t *testing.T) {
	opts := Options{
		LeanMode: true,
		Plugins:  []string{"notes@1"},
	}
	joined := strings.Join(opts.BuildArgs(), " ")

	if strings.Contains(joined, "--plugin ") {
		t.Errorf("lean mode should drop plugins: %s", joined)
	}
	if strings.Contains(joined, "user,project") {
		t.Errorf("lean mode should drop settings sources: %s", joined)
	}
}

func TestOptions_OutputFormatNote(t *testing.T) {
	opts := Options{
		SystemPrompt: "Base prompt.",
		OutputFormat: `{"type":"object","properties":{"mood":{"type":"string"}}}`,
	}
	prompt := opts.effectiveSystemPrompt()

	if !strings.HasPrefix(prompt, "Base prompt.") {
		t.Errorf("prompt = %q, want base prefix", prompt)
	}
	if !strings.Contains(prompt, `"mood"`) {
		t.Errorf("prompt missing schema: %q", prompt)
	}
}

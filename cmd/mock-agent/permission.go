package main

import (
	"bufio"
	"encoding/json"
	"fmt"
)

// requestPermission emits a can_use_tool control_request and blocks on stdin
// until the matching control_response arrives. Anything else read while
// waiting is discarded; the daemon never interleaves a new prompt with an
// open permission request. Scanner EOF counts as a denial.
func requestPermission(enc *json.Encoder, scanner *bufio.Scanner, toolName, toolUseID string, input map[string]any) bool {
	_ = enc.Encode(ControlRequestMsg{
		Type:      TypeControlRequest,
		RequestID: fmt.Sprintf("mock-perm-%s-%s", toolName, toolUseID),
		Request: ControlRequestBody{
			Subtype:   "can_use_tool",
			ToolName:  toolName,
			Input:     input,
			ToolUseID: toolUseID,
		},
	})

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg IncomingMessage
		if err := json.Unmarshal(line, &msg); err != nil || msg.Type != TypeControlResponse || msg.Response == nil {
			continue
		}

		// An error response carries no result and counts as a denial.
		if msg.Response.Result == nil {
			return false
		}
		return msg.Response.Result.Behavior == "allow"
	}
	return false
}

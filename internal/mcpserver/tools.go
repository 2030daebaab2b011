package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

func (s *Server) registerTools() {
	// Work queue tools
	s.mcp.AddTool(
		mcp.NewTool("work_list_ready",
			mcp.WithDescription("List work tasks that are ready to be claimed, ordered by priority. Use this to find your next piece of work."),
			mcp.WithString("working_dir",
				mcp.Description("Only list tasks scoped to this working directory (optional)"),
			),
			mcp.WithString("task_type",
				mcp.Description("Only list tasks of this type, e.g. bugfix, feature, chore (optional)"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of tasks to return (optional)"),
			),
		),
		s.workListReadyHandler(),
	)

	s.mcp.AddTool(
		mcp.NewTool("work_claim",
			mcp.WithDescription("Claim a ready work task so no other agent picks it up. Fails if the task was already claimed."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The work task ID to claim"),
			),
		),
		s.workClaimHandler(),
	)

	s.mcp.AddTool(
		mcp.NewTool("work_complete",
			mcp.WithDescription("Mark a claimed work task as done. Tasks blocked on it become ready once all their blockers are done."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The work task ID to complete"),
			),
			mcp.WithString("outcome",
				mcp.Description("Short outcome label, e.g. completed, wont_fix (optional, defaults to completed)"),
			),
			mcp.WithString("notes",
				mcp.Description("Completion notes describing what was done (optional)"),
			),
		),
		s.workCompleteHandler(),
	)

	s.mcp.AddTool(
		mcp.NewTool("work_release",
			mcp.WithDescription("Release a claimed work task back to the ready pool, e.g. when you cannot finish it."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The work task ID to release"),
			),
			mcp.WithString("reason",
				mcp.Description("Why the task is being released (optional, recorded as last_error)"),
			),
		),
		s.workReleaseHandler(),
	)

	s.mcp.AddTool(
		mcp.NewTool("work_create",
			mcp.WithDescription("Create a new work task in the queue for later execution."),
			mcp.WithString("title",
				mcp.Required(),
				mcp.Description("Short task title"),
			),
			mcp.WithString("description",
				mcp.Description("Detailed task description (optional)"),
			),
			mcp.WithString("working_dir",
				mcp.Description("Working directory the task applies to (optional)"),
			),
			mcp.WithString("task_type",
				mcp.Description("Task type, e.g. bugfix, feature, chore (optional)"),
			),
			mcp.WithNumber("priority",
				mcp.Description("Priority 0-10, higher runs first (optional)"),
			),
			mcp.WithArray("blocked_by",
				mcp.Description("IDs of tasks that must complete before this one becomes ready (optional)"),
			),
		),
		s.workCreateHandler(),
	)

	// Scratchpad tools
	s.mcp.AddTool(
		mcp.NewTool("scratchpad_get",
			mcp.WithDescription("Read a value from the swarm's shared scratchpad. Use this to pick up results left by other agents."),
			mcp.WithString("key",
				mcp.Required(),
				mcp.Description("The scratchpad key to read"),
			),
			mcp.WithString("swarm_id",
				mcp.Description("Swarm to read from (optional, defaults to the current swarm)"),
			),
		),
		s.scratchpadGetHandler(),
	)

	s.mcp.AddTool(
		mcp.NewTool("scratchpad_set",
			mcp.WithDescription("Write a value to the swarm's shared scratchpad for other agents to read."),
			mcp.WithString("key",
				mcp.Required(),
				mcp.Description("The scratchpad key to write"),
			),
			mcp.WithString("value",
				mcp.Required(),
				mcp.Description("The value to store"),
			),
			mcp.WithString("swarm_id",
				mcp.Description("Swarm to write to (optional, defaults to the current swarm)"),
			),
		),
		s.scratchpadSetHandler(),
	)

	// Memory tools
	s.mcp.AddTool(
		mcp.NewTool("share_finding",
			mcp.WithDescription("Record a finding worth surfacing to the user later, e.g. something broken or surprising you discovered along the way."),
			mcp.WithString("finding",
				mcp.Required(),
				mcp.Description("The finding text"),
			),
			mcp.WithString("source",
				mcp.Description("Where the finding came from (optional, defaults to the current agent)"),
			),
		),
		s.shareFindingHandler(),
	)

	s.mcp.AddTool(
		mcp.NewTool("consolidation_enqueue",
			mcp.WithDescription("Request a memory consolidation pass: summarize ended sessions and prune aged history."),
			mcp.WithString("reason",
				mcp.Description("Why consolidation is being requested (optional)"),
			),
		),
		s.consolidationEnqueueHandler(),
	)

	s.logger.Info("registered MCP tools", zap.Int("count", 9))
}

// call performs one HTTP request against the daemon and decodes the JSON body.
func (s *Server) call(ctx context.Context, method, path string, payload interface{}) (json.RawMessage, int, error) {
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.DaemonURL+path, body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	var result json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to parse response: %w", err)
	}
	return result, resp.StatusCode, nil
}

// toolResult formats a daemon response: indented JSON on success, an API
// error with status code otherwise.
func toolResult(body json.RawMessage, status int, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if status >= 400 {
		return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", status, string(body))), nil
	}
	formatted, _ := json.MarshalIndent(body, "", "  ")
	return mcp.NewToolResultText(string(formatted)), nil
}

func (s *Server) workListReadyHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q := url.Values{}
		if dir := req.GetString("working_dir", ""); dir != "" {
			q.Set("working_dir", dir)
		}
		if taskType := req.GetString("task_type", ""); taskType != "" {
			q.Set("task_type", taskType)
		}
		if limit, ok := req.GetArguments()["limit"].(float64); ok && limit > 0 {
			q.Set("limit", fmt.Sprintf("%d", int(limit)))
		}

		path := "/api/v1/workqueue/tasks/ready"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		body, status, err := s.call(ctx, http.MethodGet, path, nil)
		if err != nil {
			s.logger.Error("failed to list ready tasks", zap.Error(err))
		}
		return toolResult(body, status, err)
	}
}

func (s *Server) workClaimHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]interface{}{}
		if s.cfg.SessionID != "" {
			payload["session_id"] = s.cfg.SessionID
		}
		if s.cfg.AgentID != "" {
			payload["agent_id"] = s.cfg.AgentID
		}

		path := fmt.Sprintf("/api/v1/workqueue/tasks/%s/claim", url.PathEscape(taskID))
		body, status, err := s.call(ctx, http.MethodPost, path, payload)
		if err != nil {
			s.logger.Error("failed to claim task", zap.String("task_id", taskID), zap.Error(err))
		}
		return toolResult(body, status, err)
	}
}

func (s *Server) workCompleteHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		outcome := req.GetString("outcome", "completed")
		payload := map[string]interface{}{
			"status":  "done",
			"outcome": outcome,
		}
		if notes := req.GetString("notes", ""); notes != "" {
			payload["completion_notes"] = notes
		}

		path := fmt.Sprintf("/api/v1/workqueue/tasks/%s", url.PathEscape(taskID))
		body, status, err := s.call(ctx, http.MethodPatch, path, payload)
		if err != nil {
			s.logger.Error("failed to complete task", zap.String("task_id", taskID), zap.Error(err))
		}
		return toolResult(body, status, err)
	}
}

func (s *Server) workReleaseHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]interface{}{}
		if reason := req.GetString("reason", ""); reason != "" {
			payload["last_error"] = reason
		}

		path := fmt.Sprintf("/api/v1/workqueue/tasks/%s/release", url.PathEscape(taskID))
		body, status, err := s.call(ctx, http.MethodPost, path, payload)
		if err != nil {
			s.logger.Error("failed to release task", zap.String("task_id", taskID), zap.Error(err))
		}
		return toolResult(body, status, err)
	}
}

func (s *Server) workCreateHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := req.RequireString("title")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]interface{}{
			"title": title,
		}
		if desc := req.GetString("description", ""); desc != "" {
			payload["description"] = desc
		}
		if dir := req.GetString("working_dir", ""); dir != "" {
			payload["working_dir"] = dir
		}
		if taskType := req.GetString("task_type", ""); taskType != "" {
			payload["task_type"] = taskType
		}
		args := req.GetArguments()
		if priority, ok := args["priority"].(float64); ok && priority > 0 {
			payload["priority"] = int(priority)
		}
		if blockedByRaw, ok := args["blocked_by"]; ok && blockedByRaw != nil {
			blockedJSON, err := json.Marshal(blockedByRaw)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("Failed to parse blocked_by: %v", err)), nil
			}
			var blockedBy []string
			if err := json.Unmarshal(blockedJSON, &blockedBy); err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("Failed to parse blocked_by: %v", err)), nil
			}
			if len(blockedBy) > 0 {
				payload["blocked_by"] = blockedBy
			}
		}

		body, status, err := s.call(ctx, http.MethodPost, "/api/v1/workqueue/tasks", payload)
		if err != nil {
			s.logger.Error("failed to create task", zap.Error(err))
		}
		return toolResult(body, status, err)
	}
}

func (s *Server) scratchpadGetHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		swarmID := req.GetString("swarm_id", s.cfg.SwarmID)
		if swarmID == "" {
			return mcp.NewToolResultError("swarm_id is required - this tool is only available inside a swarm"), nil
		}

		path := fmt.Sprintf("/api/v1/swarms/%s/scratchpad/%s", url.PathEscape(swarmID), url.PathEscape(key))
		body, status, err := s.call(ctx, http.MethodGet, path, nil)
		if err != nil {
			s.logger.Error("failed to read scratchpad", zap.String("key", key), zap.Error(err))
		}
		return toolResult(body, status, err)
	}
}

func (s *Server) scratchpadSetHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		value, err := req.RequireString("value")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		swarmID := req.GetString("swarm_id", s.cfg.SwarmID)
		if swarmID == "" {
			return mcp.NewToolResultError("swarm_id is required - this tool is only available inside a swarm"), nil
		}

		path := fmt.Sprintf("/api/v1/swarms/%s/scratchpad/%s", url.PathEscape(swarmID), url.PathEscape(key))
		body, status, err := s.call(ctx, http.MethodPut, path, map[string]interface{}{"value": value})
		if err != nil {
			s.logger.Error("failed to write scratchpad", zap.String("key", key), zap.Error(err))
		}
		return toolResult(body, status, err)
	}
}

func (s *Server) shareFindingHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		finding, err := req.RequireString("finding")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		source := req.GetString("source", "")
		if source == "" {
			source = s.defaultSource()
		}

		payload := map[string]interface{}{
			"finding": finding,
			"source":  source,
		}
		body, status, err := s.call(ctx, http.MethodPost, "/api/v1/findings", payload)
		if err != nil {
			s.logger.Error("failed to share finding", zap.Error(err))
		}
		return toolResult(body, status, err)
	}
}

func (s *Server) consolidationEnqueueHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		payload := map[string]interface{}{}
		if reason := req.GetString("reason", ""); reason != "" {
			payload["payload"] = map[string]interface{}{"reason": reason}
		}

		body, status, err := s.call(ctx, http.MethodPost, "/api/v1/consolidation/enqueue", payload)
		if err != nil {
			s.logger.Error("failed to enqueue consolidation", zap.Error(err))
		}
		return toolResult(body, status, err)
	}
}

// defaultSource labels findings by the ambient identity this bridge runs under.
func (s *Server) defaultSource() string {
	switch {
	case s.cfg.SwarmID != "" && s.cfg.AgentID != "":
		return fmt.Sprintf("swarm:%s/%s", s.cfg.SwarmID, s.cfg.AgentID)
	case s.cfg.SwarmID != "":
		return "swarm:" + s.cfg.SwarmID
	case s.cfg.SessionID != "":
		return "session:" + s.cfg.SessionID
	default:
		return "mcp"
	}
}

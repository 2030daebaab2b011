// Package mcpserver exposes the daemon's work queue, scratchpad and finding
// operations as MCP tools for agents running inside swarms and sandboxes.
// The server speaks MCP over stdio; tool handlers call back into the daemon
// HTTP API.
package mcpserver

import (
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/logger"
)

// Config holds the MCP bridge configuration. The ambient identifiers are
// injected into the agent's environment by the swarm orchestrator so tools
// can omit them from their arguments.
type Config struct {
	DaemonURL string // daemon HTTP base URL (e.g. http://localhost:8080)
	SwarmID   string // default swarm scope for scratchpad tools
	SessionID string // default session identity for work claims
	AgentID   string // default agent name for work claims
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		DaemonURL: "http://localhost:8080",
	}
}

// Server bridges MCP tool calls on stdio to the daemon HTTP API.
type Server struct {
	cfg    Config
	mcp    *server.MCPServer
	client *http.Client
	logger *logger.Logger
}

// New creates the bridge with its tools registered.
func New(cfg Config, log *logger.Logger) *Server {
	s := &Server{
		cfg: cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: log.WithFields(zap.String("component", "mcp-server")),
	}

	s.mcp = server.NewMCPServer(
		"anima-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()

	return s
}

// ServeStdio serves MCP over stdin/stdout until the client closes the pipe.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

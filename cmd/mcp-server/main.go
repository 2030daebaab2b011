// Package main is the entry point for the standalone MCP bridge binary.
// mcp-server exposes the daemon's work queue, scratchpad and finding tools
// to MCP-compatible agents over stdio. The swarm orchestrator injects it
// into sandboxed agents so they can coordinate through the daemon.
//
// stdout belongs to the MCP transport; logs go to stderr.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/internal/mcpserver"
)

// Command-line flags
var (
	daemonURLFlag = flag.String("daemon-url", "http://localhost:8080", "anima daemon API URL")
	logLevelFlag  = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormatFlag = flag.String("log-format", "console", "Log format (console, json)")
)

func main() {
	flag.Parse()

	// Build configuration from flags and environment. The ambient swarm,
	// session and agent identifiers arrive via environment only; they are
	// set by the orchestrator, never by hand.
	cfg := mcpserver.Config{
		DaemonURL: getEnvOrFlag("ANIMA_API_URL", *daemonURLFlag),
		SwarmID:   os.Getenv("ANIMA_SWARM_ID"),
		SessionID: os.Getenv("ANIMA_SESSION_ID"),
		AgentID:   os.Getenv("ANIMA_AGENT_ID"),
	}

	// Initialize logger on stderr; stdout carries the MCP stream.
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      getEnvOrFlag("ANIMA_MCP_LOG_LEVEL", *logLevelFlag),
		Format:     getEnvOrFlag("ANIMA_MCP_LOG_FORMAT", *logFormatFlag),
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting mcp-server",
		zap.String("daemon_url", cfg.DaemonURL),
		zap.String("swarm_id", cfg.SwarmID),
		zap.String("agent_id", cfg.AgentID))

	srv := mcpserver.New(cfg, log)
	if err := srv.ServeStdio(); err != nil {
		log.Error("MCP server terminated", zap.Error(err))
		os.Exit(1)
	}

	log.Info("mcp-server stopped")
}

// getEnvOrFlag returns the environment variable value if set, otherwise the flag value.
func getEnvOrFlag(envKey, flagValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return flagValue
}

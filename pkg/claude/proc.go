package claude

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/logger"
)

// DefaultBinary is the agent executable used when Options.Binary is empty.
const DefaultBinary = "claude"

const (
	// stopGrace is how long Close waits for the agent to exit after stdin
	// closes before escalating to SIGTERM.
	stopGrace = 5 * time.Second
	// killGrace is how long Close waits after SIGTERM before SIGKILL.
	killGrace = 2 * time.Second
)

// outputFormatNote precedes the JSON schema appended to the system prompt
// when structured output is requested. The CLI has no schema flag, so the
// contract rides on the prompt.
const outputFormatNote = "\n\nWhen you produce your final answer, respond with a single JSON object conforming to this JSON schema and nothing else:\n"

// Options configures the agent subprocess.
type Options struct {
	// Binary is the agent executable. Empty means DefaultBinary.
	Binary string
	// WorkingDir is the working directory for the subprocess.
	WorkingDir string
	// SystemPrompt is appended to the agent's system prompt.
	SystemPrompt string
	// Model overrides the agent's default model when set.
	Model string
	// ThinkingBudget caps extended thinking tokens. Zero keeps the agent default.
	ThinkingBudget int
	// AllowedTools restricts the agent's tool set when non-empty.
	AllowedTools []string
	// ResumeSessionID resumes a previous agent session.
	ResumeSessionID string
	// OutputFormat is a JSON schema document the final answer must match.
	// Delivered as a system prompt note.
	OutputFormat string
	// Plugins are plugin specs passed through to the agent.
	Plugins []string
	// Env is extra environment (KEY=VALUE) appended to the parent environment.
	Env []string
	// LeanMode starts the agent without settings sources or plugins.
	LeanMode bool
}

// BuildArgs assembles the argv (after the binary) for the agent subprocess.
func (o Options) BuildArgs() []string {
	args := []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--permission-prompt-tool", "stdio",
		"--verbose",
	}

	if o.LeanMode {
		args = append(args, "--setting-sources", "")
	} else {
		args = append(args, "--setting-sources", "user,project")
		for _, p := range o.Plugins {
			if p != "" {
				args = append(args, "--plugin", p)
			}
		}
	}

	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}
	if o.ResumeSessionID != "" {
		args = append(args, "--resume", o.ResumeSessionID)
	}
	if len(o.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(o.AllowedTools, ","))
	}
	if prompt := o.effectiveSystemPrompt(); prompt != "" {
		args = append(args, "--append-system-prompt", prompt)
	}

	return args
}

// effectiveSystemPrompt folds the output format note into the system prompt.
func (o Options) effectiveSystemPrompt() string {
	prompt := o.SystemPrompt
	if o.OutputFormat != "" {
		prompt += outputFormatNote + o.OutputFormat
	}
	return prompt
}

// ExtraEnv returns the agent-specific environment entries without the parent
// process environment. Containers get only these.
func (o Options) ExtraEnv() []string {
	env := append([]string{}, o.Env...)
	if o.ThinkingBudget > 0 {
		env = append(env, fmt.Sprintf("MAX_THINKING_TOKENS=%d", o.ThinkingBudget))
	}
	return env
}

// environ builds the subprocess environment.
func (o Options) environ() []string {
	return append(os.Environ(), o.ExtraEnv()...)
}

// Process runs the agent as a local subprocess with a Client wired over its
// stdin/stdout pipes.
type Process struct {
	opts   Options
	logger *logger.Logger

	cmd    *exec.Cmd
	client *Client
	stdin  io.WriteCloser

	exited  chan struct{}
	waitErr error
}

// NewProcess creates a process runner for the given options.
func NewProcess(opts Options, log *logger.Logger) *Process {
	return &Process{
		opts:   opts,
		logger: log.WithFields(zap.String("component", "claude-process")),
		exited: make(chan struct{}),
	}
}

// Start launches the subprocess and begins the client read loop.
// The returned Client is also available via Client().
//
// The process is intentionally not bound to ctx: a request context ending
// must not kill a long-lived agent. ctx only scopes the read loop.
func (p *Process) Start(ctx context.Context) (*Client, error) {
	binary := p.opts.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	args := p.opts.BuildArgs()

	p.cmd = exec.Command(binary, args...)
	p.cmd.Dir = p.opts.WorkingDir
	p.cmd.Env = p.opts.environ()

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	p.stdin = stdin

	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	p.logger.Info("starting agent process",
		zap.String("binary", binary),
		zap.String("workdir", p.opts.WorkingDir),
		zap.String("model", p.opts.Model),
		zap.Bool("resume", p.opts.ResumeSessionID != ""))

	if err := p.cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}

	go p.drainStderr(stderr)
	go func() {
		p.waitErr = p.cmd.Wait()
		close(p.exited)
	}()

	p.client = NewClient(stdin, stdout, p.logger)
	p.client.Start(ctx)

	p.logger.Info("agent process started", zap.Int("pid", p.cmd.Process.Pid))
	return p.client, nil
}

// Client returns the stream client. Nil before Start.
func (p *Process) Client() *Client {
	return p.client
}

// Wait blocks until the subprocess exits and returns its exit error.
func (p *Process) Wait() error {
	<-p.exited
	return p.waitErr
}

// Close shuts the agent down: stdin close for a graceful exit, then SIGTERM,
// then SIGKILL.
func (p *Process) Close() error {
	if p.cmd == nil {
		return nil
	}

	if p.client != nil {
		p.client.Stop()
	}

	// EOF on stdin tells a healthy agent to finish up and exit.
	if p.stdin != nil {
		_ = p.stdin.Close()
	}

	select {
	case <-p.exited:
		return nil
	case <-time.After(stopGrace):
	}

	if p.cmd.Process != nil {
		p.logger.Warn("agent did not exit on stdin close, sending SIGTERM",
			zap.Int("pid", p.cmd.Process.Pid))
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-p.exited:
		return nil
	case <-time.After(killGrace):
	}

	if p.cmd.Process != nil {
		p.logger.Warn("force killing agent process", zap.Int("pid", p.cmd.Process.Pid))
		_ = p.cmd.Process.Kill()
	}
	<-p.exited
	return nil
}

// drainStderr logs agent stderr lines for diagnostics.
func (p *Process) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.logger.Debug("agent stderr", zap.String("line", scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		p.logger.Debug("stderr reader error", zap.Error(err))
	}
}

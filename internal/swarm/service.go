// Package swarm orchestrates DAGs of cooperating agents. A swarm is created
// from a spec, started as one run, and drives each agent through the shared
// turn runner: assigned agents execute a fixed prompt once their dependencies
// complete, autonomous agents loop claiming tasks from the work queue, and
// synthesized auxiliary agents (synthesis, supervisor, memory steward) fold
// the results back into the daemon's memory.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/config"
	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/internal/events"
	"github.com/animadev/anima/internal/events/bus"
	"github.com/animadev/anima/internal/session"
	"github.com/animadev/anima/internal/store"
)

var (
	// ErrSwarmActive is returned when an operation requires the swarm to be
	// idle but a run is in flight.
	ErrSwarmActive = errors.New("swarm run is active")
	// ErrNotStartable is returned when Start is called on a swarm that is
	// not pending.
	ErrNotStartable = errors.New("swarm cannot be started in its current status")
	// ErrNotMergeable is returned when Merge is called on a swarm without a
	// git branch prefix and working directory.
	ErrNotMergeable = errors.New("swarm has no git branch prefix")
)

// Store is the persistence surface the orchestrator uses.
type Store interface {
	CreateSession(ctx context.Context, sess *store.Session) error
	CreateSwarm(ctx context.Context, sw *store.Swarm) error
	CreateSwarmAgent(ctx context.Context, agent *store.SwarmAgent) error
	UpdateSwarm(ctx context.Context, sw *store.Swarm) error
	UpdateSwarmAgent(ctx context.Context, agent *store.SwarmAgent) error
	GetSwarm(ctx context.Context, id string) (*store.Swarm, error)
	GetSwarmAgent(ctx context.Context, swarmID, name string) (*store.SwarmAgent, error)
	LoadSwarmWithAgents(ctx context.Context, id string) (*store.Swarm, error)
	ListSwarms(ctx context.Context, filter store.SwarmFilter) ([]*store.Swarm, error)
	DeleteSwarm(ctx context.Context, id string) error
}

// WorkQueue is the task board surface autonomous agents claim from.
type WorkQueue interface {
	ClaimNext(ctx context.Context, filter store.ClaimFilter) (*store.WorkTask, error)
	Complete(ctx context.Context, id, outcome, notes string) (*store.WorkTask, error)
	Release(ctx context.Context, id, lastError string) (*store.WorkTask, error)
}

// Summarizer condenses long agent outputs for summary-mode dependents.
type Summarizer interface {
	Available() bool
	Summarize(ctx context.Context, text string) (string, error)
}

// Publisher is the event bus surface the orchestrator uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, event *bus.Event) error
}

// Turn is one in-flight agent turn.
type Turn interface {
	Run(ctx context.Context) (*session.Result, error)
	Cancel(ctx context.Context)
}

// TurnFactory creates turns for agent execution.
type TurnFactory interface {
	NewTurn(req session.Request) Turn
}

// RunnerTurns adapts *session.Runner to TurnFactory.
type RunnerTurns struct {
	Runner *session.Runner
}

// NewTurn implements TurnFactory.
func (r RunnerTurns) NewTurn(req session.Request) Turn {
	return r.Runner.NewTurn(req)
}

// Service creates, runs, and inspects swarms. One Service owns all active
// runs; each run executes on its own goroutines detached from request
// contexts.
type Service struct {
	st        Store
	turns     TurnFactory
	wq        WorkQueue
	llm       Summarizer
	publisher Publisher
	cfg       config.SwarmConfig
	logger    *logger.Logger

	mu     sync.Mutex
	active map[string]*run

	// currentBranch resolves a working dir's checked-out branch. Swapped in
	// tests to avoid real git.
	currentBranch func(ctx context.Context, dir string) (string, error)
}

// NewService creates the orchestrator. wq, summarizer and publisher may be
// nil; autonomous agents then fail fast, summaries fall back to truncation,
// and events are skipped.
func NewService(st Store, turns TurnFactory, wq WorkQueue, summarizer Summarizer, publisher Publisher, cfg *config.Config, log *logger.Logger) *Service {
	return &Service{
		st:            st,
		turns:         turns,
		wq:            wq,
		llm:           summarizer,
		publisher:     publisher,
		cfg:           cfg.Swarm,
		logger:        log.WithFields(zap.String("component", "swarm")),
		active:        make(map[string]*run),
		currentBranch: gitCurrentBranch,
	}
}

// Create validates the spec, synthesizes the auxiliary agents, derives the
// base branch when a branch prefix is set, and persists the swarm with its
// agents and edges.
func (s *Service) Create(ctx context.Context, spec *Spec) (*store.Swarm, error) {
	sw, err := buildSwarm(spec)
	if err != nil {
		return nil, err
	}

	if sw.GitBranchPrefix != "" && sw.BaseBranch == "" && sw.WorkingDir != "" {
		branch, err := s.currentBranch(ctx, sw.WorkingDir)
		if err != nil {
			return nil, fmt.Errorf("failed to derive base branch: %w", err)
		}
		sw.BaseBranch = branch
	}

	if err := s.st.CreateSwarm(ctx, sw); err != nil {
		return nil, err
	}
	for _, agent := range sw.Agents {
		if err := s.st.CreateSwarmAgent(ctx, agent); err != nil {
			return nil, fmt.Errorf("failed to create agent %s: %w", agent.Name, err)
		}
	}

	s.logger.Info("swarm created",
		zap.String("swarm_id", sw.ID),
		zap.String("name", sw.Name),
		zap.Int("agents", len(sw.Agents)))
	s.publishLifecycle(ctx, events.SwarmCreated, sw)
	return sw, nil
}

// Start launches the run for a pending swarm. It returns as soon as the run
// is underway; Wait blocks on completion.
func (s *Service) Start(ctx context.Context, swarmID string) (*store.Swarm, error) {
	s.mu.Lock()
	if _, exists := s.active[swarmID]; exists {
		s.mu.Unlock()
		return nil, ErrSwarmActive
	}
	s.mu.Unlock()

	sw, err := s.st.LoadSwarmWithAgents(ctx, swarmID)
	if err != nil {
		return nil, err
	}
	if sw.Status != store.SwarmPending {
		return nil, fmt.Errorf("%w: status is %s", ErrNotStartable, sw.Status)
	}

	now := time.Now().UTC()
	sw.Status = store.SwarmRunning
	sw.StartedAt = &now
	if err := s.st.UpdateSwarm(ctx, sw); err != nil {
		return nil, err
	}

	r := newRun(s, sw)
	s.mu.Lock()
	if _, exists := s.active[swarmID]; exists {
		s.mu.Unlock()
		r.discard()
		return nil, ErrSwarmActive
	}
	s.active[swarmID] = r
	s.mu.Unlock()

	s.logger.Info("swarm started",
		zap.String("swarm_id", sw.ID),
		zap.String("name", sw.Name))
	s.publishLifecycle(ctx, events.SwarmStarted, sw)
	go r.execute()
	return sw, nil
}

// Resume resets the selected agents to pending and re-runs the swarm. An
// empty name list selects every failed or cancelled agent. Completed
// predecessors are not re-run.
func (s *Service) Resume(ctx context.Context, swarmID string, names []string) (*store.Swarm, error) {
	s.mu.Lock()
	if _, exists := s.active[swarmID]; exists {
		s.mu.Unlock()
		return nil, ErrSwarmActive
	}
	s.mu.Unlock()

	sw, err := s.st.LoadSwarmWithAgents(ctx, swarmID)
	if err != nil {
		return nil, err
	}
	if sw.Status == store.SwarmRunning {
		return nil, ErrSwarmActive
	}

	reset, err := selectResumeAgents(sw, names)
	if err != nil {
		return nil, err
	}
	if len(reset) == 0 {
		return nil, fmt.Errorf("%w: no agents to resume", ErrInvalidSpec)
	}

	for _, agent := range reset {
		agent.Status = store.AgentPending
		agent.OutputText = ""
		agent.OutputSummary = ""
		agent.ErrorMessage = ""
		agent.ToolCount = 0
		agent.StartedAt = nil
		agent.CompletedAt = nil
		agent.SessionID = ""
		agent.TasksCompleted = 0
		agent.TasksFailed = 0
		agent.CurrentTaskID = ""
		if err := s.st.UpdateSwarmAgent(ctx, agent); err != nil {
			return nil, fmt.Errorf("failed to reset agent %s: %w", agent.Name, err)
		}
		if agent.IsSynthesisAgent {
			sw.SynthesisOutput = ""
			sw.SynthesisSummary = ""
		}
	}

	sw.Status = store.SwarmPending
	sw.ErrorMessage = ""
	sw.CompletedAt = nil
	if err := s.st.UpdateSwarm(ctx, sw); err != nil {
		return nil, err
	}

	s.logger.Info("swarm resumed",
		zap.String("swarm_id", sw.ID),
		zap.Int("reset_agents", len(reset)))
	return s.Start(ctx, swarmID)
}

// selectResumeAgents picks the agents to reset: by name when names are given,
// otherwise every failed or cancelled agent.
func selectResumeAgents(sw *store.Swarm, names []string) ([]*store.SwarmAgent, error) {
	if len(names) == 0 {
		var reset []*store.SwarmAgent
		for _, agent := range sw.Agents {
			if agent.Status == store.AgentFailed || agent.Status == store.AgentCancelled {
				reset = append(reset, agent)
			}
		}
		return reset, nil
	}

	byName := make(map[string]*store.SwarmAgent, len(sw.Agents))
	for _, agent := range sw.Agents {
		byName[agent.Name] = agent
	}
	reset := make([]*store.SwarmAgent, 0, len(names))
	for _, name := range names {
		agent, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown agent %q", ErrInvalidSpec, name)
		}
		reset = append(reset, agent)
	}
	return reset, nil
}

// Cancel marks the swarm cancelled. With a run in flight the run drains
// itself: waiting agents wake and mark themselves cancelled, in-flight turns
// are interrupted. Without one, the rows are updated directly.
func (s *Service) Cancel(ctx context.Context, swarmID string) (*store.Swarm, error) {
	s.mu.Lock()
	r := s.active[swarmID]
	s.mu.Unlock()

	if r != nil {
		r.cancel(ctx)
		sw, err := s.st.GetSwarm(ctx, swarmID)
		if err != nil {
			return nil, err
		}
		sw.Status = store.SwarmCancelled
		if err := s.st.UpdateSwarm(ctx, sw); err != nil {
			return nil, err
		}
		s.logger.Info("swarm cancel requested", zap.String("swarm_id", swarmID))
		return sw, nil
	}

	sw, err := s.st.LoadSwarmWithAgents(ctx, swarmID)
	if err != nil {
		return nil, err
	}
	if sw.Status == store.SwarmCompleted || sw.Status == store.SwarmFailed || sw.Status == store.SwarmCancelled {
		return sw, nil
	}

	now := time.Now().UTC()
	for _, agent := range sw.Agents {
		if agent.Status != store.AgentPending && agent.Status != store.AgentRunning {
			continue
		}
		agent.Status = store.AgentCancelled
		agent.CompletedAt = &now
		if err := s.st.UpdateSwarmAgent(ctx, agent); err != nil {
			s.logger.Error("failed to cancel agent",
				zap.String("agent", agent.Name),
				zap.Error(err))
		}
	}
	sw.Status = store.SwarmCancelled
	sw.CompletedAt = &now
	if err := s.st.UpdateSwarm(ctx, sw); err != nil {
		return nil, err
	}

	s.logger.Info("swarm cancelled", zap.String("swarm_id", swarmID))
	s.publishLifecycle(ctx, events.SwarmCancelled, sw)
	return sw, nil
}

// Wait blocks until the swarm's run reaches a terminal status or ctx is
// done, then returns the current rows. A swarm without an active run returns
// immediately.
func (s *Service) Wait(ctx context.Context, swarmID string) (*store.Swarm, error) {
	s.mu.Lock()
	r := s.active[swarmID]
	s.mu.Unlock()

	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.st.LoadSwarmWithAgents(ctx, swarmID)
}

// Get returns the swarm with its agents.
func (s *Service) Get(ctx context.Context, swarmID string) (*store.Swarm, error) {
	return s.st.LoadSwarmWithAgents(ctx, swarmID)
}

// Agent returns one agent of a swarm by name.
func (s *Service) Agent(ctx context.Context, swarmID, name string) (*store.SwarmAgent, error) {
	return s.st.GetSwarmAgent(ctx, swarmID, name)
}

// List returns swarms matching the filter.
func (s *Service) List(ctx context.Context, filter store.SwarmFilter) ([]*store.Swarm, error) {
	return s.st.ListSwarms(ctx, filter)
}

// Delete removes a swarm and its agents. Active swarms must be cancelled
// first.
func (s *Service) Delete(ctx context.Context, swarmID string) error {
	s.mu.Lock()
	_, exists := s.active[swarmID]
	s.mu.Unlock()
	if exists {
		return ErrSwarmActive
	}
	return s.st.DeleteSwarm(ctx, swarmID)
}

// DagEdge is one dependency edge for presentation, predecessor to dependent.
type DagEdge struct {
	From      string            `json:"from"`
	To        string            `json:"to"`
	Include   store.IncludeMode `json:"include"`
	Condition string            `json:"condition,omitempty"`
}

// DagView is the presentation form of a swarm's dependency graph.
type DagView struct {
	SwarmID      string     `json:"swarm_id"`
	Levels       [][]string `json:"levels"`
	CriticalPath []string   `json:"critical_path"`
	Edges        []DagEdge  `json:"edges"`
}

// Dag derives the level layout, critical path, and edge list of a swarm's
// dependency graph.
func (s *Service) Dag(ctx context.Context, swarmID string) (*DagView, error) {
	sw, err := s.st.LoadSwarmWithAgents(ctx, swarmID)
	if err != nil {
		return nil, err
	}

	nameByID := make(map[string]string, len(sw.Agents))
	for _, agent := range sw.Agents {
		nameByID[agent.ID] = agent.Name
	}

	g := make(graph, len(sw.Agents))
	var edges []DagEdge
	for _, agent := range sw.Agents {
		var deps []string
		for _, dep := range agent.DependsOn {
			pred, ok := nameByID[dep.AgentID]
			if !ok {
				continue
			}
			deps = append(deps, pred)
			edges = append(edges, DagEdge{
				From:      pred,
				To:        agent.Name,
				Include:   dep.Include,
				Condition: dep.Condition,
			})
		}
		g[agent.Name] = deps
	}

	return &DagView{
		SwarmID:      sw.ID,
		Levels:       levelGroups(g),
		CriticalPath: criticalPath(g),
		Edges:        edges,
	}, nil
}

// Close cancels every active run and waits for them to drain or ctx to
// expire. Called at daemon shutdown.
func (s *Service) Close(ctx context.Context) {
	s.mu.Lock()
	runs := make([]*run, 0, len(s.active))
	for _, r := range s.active {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	for _, r := range runs {
		r.cancel(ctx)
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) removeRun(swarmID string) {
	s.mu.Lock()
	delete(s.active, swarmID)
	s.mu.Unlock()
}

// summaryThreshold is the output length above which summaries are stored.
func (s *Service) summaryThreshold() int {
	if s.cfg.SummaryThreshold > 0 {
		return s.cfg.SummaryThreshold
	}
	return 1500
}

func (s *Service) claimPollInterval() time.Duration {
	if s.cfg.ClaimPollInterval > 0 {
		return time.Duration(s.cfg.ClaimPollInterval) * time.Second
	}
	return 5 * time.Second
}

func (s *Service) defaultIdleTimeout() time.Duration {
	if s.cfg.DefaultIdleTimeout > 0 {
		return time.Duration(s.cfg.DefaultIdleTimeout) * time.Second
	}
	return 120 * time.Second
}

// summarize produces the short summary stored alongside long outputs. Falls
// back to truncation when no auxiliary model is available.
func (s *Service) summarize(ctx context.Context, text string) string {
	if s.llm != nil && s.llm.Available() {
		summary, err := s.llm.Summarize(ctx, text)
		if err == nil && summary != "" {
			return summary
		}
		if err != nil {
			s.logger.Warn("failed to summarize agent output", zap.Error(err))
		}
	}
	return truncate(text, 240)
}

func (s *Service) publishLifecycle(ctx context.Context, subject string, sw *store.Swarm) {
	if s.publisher == nil {
		return
	}
	ev := bus.NewEvent(subject, "swarm", map[string]interface{}{
		"swarm_id": sw.ID,
		"name":     sw.Name,
		"status":   string(sw.Status),
	})
	if err := s.publisher.Publish(ctx, subject, ev); err != nil {
		s.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

package swarm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/animadev/anima/internal/events"
	"github.com/animadev/anima/internal/events/bus"
	"github.com/animadev/anima/internal/session"
	"github.com/animadev/anima/internal/store"
)

// run is one in-flight execution of a swarm's DAG. Each pending agent gets a
// goroutine that waits for its predecessors' one-shot completion signals,
// takes a concurrency slot, and executes. Agent rows are shared between
// goroutines; a dependent only reads a predecessor after its signal fired,
// and the channel close orders those accesses.
type run struct {
	svc  *Service
	sw   *store.Swarm
	byID map[string]*store.SwarmAgent
	sem  *semaphore.Weighted

	ctx  context.Context
	stop context.CancelFunc
	done chan struct{}

	mu        sync.Mutex
	cancelled bool
	fired     map[string]bool
	signals   map[string]chan struct{}
	turns     map[string]Turn
}

func newRun(svc *Service, sw *store.Swarm) *run {
	maxConcurrent := svc.cfg.MaxConcurrentAgents
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	ctx, stop := context.WithCancel(context.Background())
	r := &run{
		svc:     svc,
		sw:      sw,
		byID:    make(map[string]*store.SwarmAgent, len(sw.Agents)),
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		ctx:     ctx,
		stop:    stop,
		done:    make(chan struct{}),
		fired:   make(map[string]bool, len(sw.Agents)),
		signals: make(map[string]chan struct{}, len(sw.Agents)),
		turns:   make(map[string]Turn),
	}
	for _, agent := range sw.Agents {
		r.byID[agent.ID] = agent
		r.signals[agent.ID] = make(chan struct{})
	}
	return r
}

// discard releases a run that lost the registration race and never executed.
func (r *run) discard() {
	r.stop()
	close(r.done)
}

// execute drives every pending agent to a terminal status, then finalizes
// the swarm row. Signals of agents that are already terminal (resume) fire
// up front so dependents do not wait on them.
func (r *run) execute() {
	var g errgroup.Group
	for _, agent := range r.sw.Agents {
		if agent.Status != store.AgentPending {
			r.fire(agent.ID)
			continue
		}
		agent := agent
		g.Go(func() error {
			r.runAgent(agent)
			return nil
		})
	}
	_ = g.Wait()
	r.finish()
}

func (r *run) runAgent(agent *store.SwarmAgent) {
	for _, dep := range agent.DependsOn {
		sig, ok := r.signals[dep.AgentID]
		if !ok {
			continue
		}
		select {
		case <-sig:
		case <-r.ctx.Done():
			r.markCancelled(agent)
			return
		}
	}
	if r.isCancelled() {
		r.markCancelled(agent)
		return
	}

	if agent.IsSynthesisAgent && r.sw.SkipSynthesisOnFailure && r.predecessorFailed(agent) {
		r.markSkipped(agent, "a predecessor failed")
		return
	}

	// The concurrency slot is taken after the dependency wait so agents
	// blocked on predecessors cannot starve runnable ones.
	if err := r.sem.Acquire(r.ctx, 1); err != nil {
		r.markCancelled(agent)
		return
	}
	defer r.sem.Release(1)
	if r.isCancelled() {
		r.markCancelled(agent)
		return
	}

	for _, dep := range agent.DependsOn {
		if dep.Condition == "" {
			continue
		}
		pred := r.byID[dep.AgentID]
		if pred == nil {
			continue
		}
		ok, err := evaluateCondition(dep.Condition, parseAgentOutput(pred.OutputText))
		if err != nil {
			r.svc.logger.Warn("condition evaluation failed",
				zap.String("swarm_id", r.sw.ID),
				zap.String("agent", agent.Name),
				zap.String("condition", dep.Condition),
				zap.Error(err))
		}
		if err != nil || !ok {
			r.markSkipped(agent, fmt.Sprintf("condition on %s not met", pred.Name))
			return
		}
	}

	r.executeAgent(agent)
}

// predecessorFailed reports whether any non-synthesis, non-steward
// predecessor of the agent failed.
func (r *run) predecessorFailed(agent *store.SwarmAgent) bool {
	for _, dep := range agent.DependsOn {
		pred := r.byID[dep.AgentID]
		if pred == nil || pred.IsSynthesisAgent || pred.Name == StewardAgentName {
			continue
		}
		if pred.Status == store.AgentFailed {
			return true
		}
	}
	return false
}

func (r *run) executeAgent(agent *store.SwarmAgent) {
	now := time.Now().UTC()
	agent.Status = store.AgentRunning
	agent.StartedAt = &now

	sess, err := r.createAgentSession(agent)
	if err != nil {
		r.markFailed(agent, fmt.Errorf("failed to create session: %w", err))
		return
	}
	agent.SessionID = sess.ID
	r.persistAgent(agent)

	r.svc.logger.Info("swarm agent started",
		zap.String("swarm_id", r.sw.ID),
		zap.String("agent", agent.Name),
		zap.String("mode", string(agent.Mode)),
		zap.String("session_id", sess.ID))

	if agent.Mode == store.ModeAutonomous {
		r.runAutonomous(agent, sess)
		return
	}

	prompt := composePrompt(r.dependencyContext(agent), branchInstruction(r.sw, agent.Name), agent.Prompt)
	result, err := r.runTurn(agent, sess, prompt)
	switch {
	case err != nil && r.isCancelled():
		r.markCancelled(agent)
	case err != nil:
		r.markFailed(agent, err)
	case result.Cancelled:
		r.markCancelled(agent)
	default:
		r.markCompleted(agent, result.ResponseText, result.ToolCount)
	}
}

// runTurn executes one turn and keeps it interruptible while it runs.
func (r *run) runTurn(agent *store.SwarmAgent, sess *store.Session, prompt string) (*session.Result, error) {
	turn := r.svc.turns.NewTurn(session.Request{Session: sess, Prompt: prompt})

	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return &session.Result{Cancelled: true}, nil
	}
	r.turns[agent.ID] = turn
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.turns, agent.ID)
		r.mu.Unlock()
	}()

	return turn.Run(r.ctx)
}

func (r *run) createAgentSession(agent *store.SwarmAgent) (*store.Session, error) {
	now := time.Now().UTC()
	workingDir := r.sw.WorkingDir
	if workingDir == "" {
		workingDir = session.VirtualScheme + "swarm/" + agent.Name
	}
	sess := &store.Session{
		ID:             uuid.New().String(),
		WorkingDir:     workingDir,
		Personality:    agent.Personality,
		Medium:         "swarm",
		StartTime:      now,
		LastActivity:   now,
		SandboxMode:    agent.SandboxMode,
		SessionName:    r.sw.Name + "/" + agent.Name,
		Model:          agent.Model,
		ThinkingBudget: agent.ThinkingBudget,
		AllowedTools:   agent.AllowedTools,
		AutoApprove:    true,
		Plugins:        agent.Plugins,
		MissionID:      r.sw.ID,
		CreatedAt:      now,
	}
	if err := r.svc.st.CreateSession(r.ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// dependencyContext renders the include != none predecessor sections.
func (r *run) dependencyContext(agent *store.SwarmAgent) []string {
	var sections []string
	for _, dep := range agent.DependsOn {
		pred := r.byID[dep.AgentID]
		if pred == nil || dep.Include == store.IncludeNone {
			continue
		}
		var content string
		switch dep.Include {
		case store.IncludeFull:
			content = pred.OutputText
		default:
			content = pred.OutputSummary
			if content == "" {
				content = pred.OutputText
				if len(content) > r.svc.summaryThreshold() {
					content = r.svc.summarize(r.ctx, content)
				}
			}
		}
		sections = append(sections, dependencySection(pred.Name, pred.Role, content))
	}
	return sections
}

func (r *run) markCompleted(agent *store.SwarmAgent, output string, toolCount int) {
	now := time.Now().UTC()
	agent.Status = store.AgentCompleted
	agent.OutputText = output
	agent.ToolCount = toolCount
	agent.CompletedAt = &now
	if len(output) > r.svc.summaryThreshold() {
		agent.OutputSummary = r.svc.summarize(r.ctx, output)
	}
	if agent.IsSynthesisAgent {
		r.sw.SynthesisOutput = output
		r.sw.SynthesisSummary = agent.OutputSummary
	}
	r.persistAgent(agent)
	r.fire(agent.ID)
	r.publishAgent(agent)
	r.svc.logger.Info("swarm agent completed",
		zap.String("swarm_id", r.sw.ID),
		zap.String("agent", agent.Name),
		zap.Int("tool_count", toolCount))
}

func (r *run) markFailed(agent *store.SwarmAgent, err error) {
	now := time.Now().UTC()
	agent.Status = store.AgentFailed
	agent.ErrorMessage = err.Error()
	agent.CompletedAt = &now
	r.persistAgent(agent)
	r.fire(agent.ID)
	r.publishAgent(agent)
	r.svc.logger.Error("swarm agent failed",
		zap.String("swarm_id", r.sw.ID),
		zap.String("agent", agent.Name),
		zap.Error(err))
}

func (r *run) markSkipped(agent *store.SwarmAgent, reason string) {
	now := time.Now().UTC()
	agent.Status = store.AgentSkipped
	agent.ErrorMessage = reason
	agent.CompletedAt = &now
	r.persistAgent(agent)
	r.fire(agent.ID)
	r.publishAgent(agent)
	r.svc.logger.Info("swarm agent skipped",
		zap.String("swarm_id", r.sw.ID),
		zap.String("agent", agent.Name),
		zap.String("reason", reason))
}

func (r *run) markCancelled(agent *store.SwarmAgent) {
	now := time.Now().UTC()
	agent.Status = store.AgentCancelled
	agent.CompletedAt = &now
	r.persistAgent(agent)
	r.fire(agent.ID)
	r.publishAgent(agent)
}

// persistAgent writes the agent row on a context detached from the run so
// terminal states survive cancellation.
func (r *run) persistAgent(agent *store.SwarmAgent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.svc.st.UpdateSwarmAgent(ctx, agent); err != nil {
		r.svc.logger.Error("failed to persist swarm agent",
			zap.String("swarm_id", r.sw.ID),
			zap.String("agent", agent.Name),
			zap.Error(err))
	}
}

func (r *run) fire(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sig, ok := r.signals[agentID]; ok && !r.fired[agentID] {
		r.fired[agentID] = true
		close(sig)
	}
}

func (r *run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// cancel flags the run, interrupts in-flight turns, then wakes every waiting
// goroutine. Turns are interrupted before the context falls so they report a
// clean cancellation instead of a failure.
func (r *run) cancel(ctx context.Context) {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	turns := make([]Turn, 0, len(r.turns))
	for _, t := range r.turns {
		turns = append(turns, t)
	}
	r.mu.Unlock()

	for _, t := range turns {
		t.Cancel(ctx)
	}
	r.stop()
}

func (r *run) publishAgent(agent *store.SwarmAgent) {
	if r.svc.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev := bus.NewEvent(events.SwarmAgentCompleted, "swarm", map[string]interface{}{
		"swarm_id": r.sw.ID,
		"agent_id": agent.ID,
		"name":     agent.Name,
		"status":   string(agent.Status),
	})
	if err := r.svc.publisher.Publish(ctx, events.BuildSwarmAgentSubject(r.sw.ID), ev); err != nil {
		r.svc.logger.Warn("failed to publish agent event", zap.Error(err))
	}
}

// finish settles the swarm row once every agent goroutine returned.
func (r *run) finish() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	now := time.Now().UTC()

	var failed []string
	for _, agent := range r.sw.Agents {
		if agent.Status == store.AgentFailed {
			failed = append(failed, agent.Name)
		}
	}

	status := store.SwarmCompleted
	subject := events.SwarmCompleted
	switch {
	case r.isCancelled() || r.ctx.Err() != nil:
		status = store.SwarmCancelled
		subject = events.SwarmCancelled
	case len(failed) > 0:
		status = store.SwarmFailed
		subject = events.SwarmFailed
		r.sw.ErrorMessage = "agents failed: " + strings.Join(failed, ", ")
	}

	r.sw.Status = status
	r.sw.CompletedAt = &now
	if err := r.svc.st.UpdateSwarm(ctx, r.sw); err != nil {
		r.svc.logger.Error("failed to persist swarm completion",
			zap.String("swarm_id", r.sw.ID),
			zap.Error(err))
	}

	r.svc.logger.Info("swarm finished",
		zap.String("swarm_id", r.sw.ID),
		zap.String("status", string(status)))
	r.svc.publishLifecycle(ctx, subject, r.sw)

	r.svc.removeRun(r.sw.ID)
	r.stop()
	close(r.done)
}

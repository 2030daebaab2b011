package swarm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/animadev/anima/internal/store"
)

// runAutonomous drives one autonomous agent: claim a ready task, run a turn
// for it, report the outcome, repeat. The loop ends when the duration or
// task budget is spent, or when no claimable task appeared for the idle
// timeout. Every task turn runs against the same conversation session, so
// the agent keeps its context across tasks.
func (r *run) runAutonomous(agent *store.SwarmAgent, sess *store.Session) {
	if r.svc.wq == nil {
		r.markFailed(agent, errors.New("work queue is not available"))
		return
	}

	start := time.Now()
	lastProgress := start
	toolCount := 0

	poll := r.svc.claimPollInterval()
	idle := time.Duration(agent.IdleTimeoutSeconds) * time.Second
	if idle <= 0 {
		idle = r.svc.defaultIdleTimeout()
	}
	var budget time.Duration
	if agent.MaxDurationSeconds > 0 {
		budget = time.Duration(agent.MaxDurationSeconds) * time.Second
	}

	for {
		if r.isCancelled() || r.ctx.Err() != nil {
			r.markCancelled(agent)
			return
		}
		if budget > 0 && time.Since(start) >= budget {
			break
		}
		if agent.MaxTasks > 0 && agent.TasksCompleted >= agent.MaxTasks {
			break
		}

		task, err := r.svc.wq.ClaimNext(r.ctx, store.ClaimFilter{
			WorkingDir:   r.sw.WorkingDir,
			TaskTypes:    agent.TaskTypes,
			Capabilities: agent.Capabilities,
			SessionID:    sess.ID,
			AgentID:      agent.ID,
		})
		if err != nil {
			if r.ctx.Err() != nil {
				continue
			}
			r.svc.logger.Warn("task claim failed",
				zap.String("swarm_id", r.sw.ID),
				zap.String("agent", agent.Name),
				zap.Error(err))
		}
		if task == nil {
			if time.Since(lastProgress) >= idle {
				break
			}
			select {
			case <-time.After(poll):
			case <-r.ctx.Done():
			}
			continue
		}

		toolCount += r.processTask(agent, sess, task)
		lastProgress = time.Now()
	}

	if r.isCancelled() || r.ctx.Err() != nil {
		r.markCancelled(agent)
		return
	}
	summary := fmt.Sprintf("Completed %d tasks (%d failed) in %s.",
		agent.TasksCompleted, agent.TasksFailed, time.Since(start).Round(time.Second))
	r.markCompleted(agent, summary, toolCount)
}

// processTask runs one claimed task to an outcome and returns the turn's
// tool count. The task is completed with notes on success and returned to
// ready with the error recorded otherwise.
func (r *run) processTask(agent *store.SwarmAgent, sess *store.Session, task *store.WorkTask) int {
	agent.CurrentTaskID = task.ID
	r.persistAgent(agent)
	r.svc.logger.Info("agent claimed task",
		zap.String("swarm_id", r.sw.ID),
		zap.String("agent", agent.Name),
		zap.String("task_id", task.ID),
		zap.String("title", task.Title))

	result, err := r.runTurn(agent, sess, taskPrompt(agent, task))

	tools := 0
	switch {
	case err != nil:
		agent.TasksFailed++
		r.releaseTask(task.ID, err.Error())
	case result.Cancelled:
		agent.TasksFailed++
		r.releaseTask(task.ID, "agent was cancelled mid-task")
	case strings.TrimSpace(result.ResponseText) == "":
		agent.TasksFailed++
		r.releaseTask(task.ID, "agent produced no output")
	default:
		tools = result.ToolCount
		r.completeTask(task.ID, truncate(result.ResponseText, 500))
		agent.TasksCompleted++
	}

	agent.CurrentTaskID = ""
	r.persistAgent(agent)
	return tools
}

// completeTask marks a task done. Outcome reporting runs on a context
// detached from the run so a cancelled agent still settles its task.
func (r *run) completeTask(taskID, notes string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := r.svc.wq.Complete(ctx, taskID, "success", notes); err != nil {
		r.svc.logger.Error("failed to complete task",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

// releaseTask returns a claimed task to the board with the failure recorded.
func (r *run) releaseTask(taskID, lastError string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := r.svc.wq.Release(ctx, taskID, lastError); err != nil {
		r.svc.logger.Error("failed to release task",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

// Package workqueue manages the claimable task board shared by clients and
// autonomous swarm agents. Tasks move ready -> claimed -> in_progress -> done;
// a task with unmet blocked_by references sits in blocked until every blocker
// is done.
package workqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/internal/events"
	"github.com/animadev/anima/internal/events/bus"
	"github.com/animadev/anima/internal/store"
)

// ErrInvalidTask is returned when a create or update request fails validation.
var ErrInvalidTask = errors.New("invalid task")

// Store is the persistence surface the work queue uses. The claim operations
// are atomic at the store layer.
type Store interface {
	InsertWorkTask(ctx context.Context, task *store.WorkTask) error
	GetWorkTask(ctx context.Context, id string) (*store.WorkTask, error)
	UpdateWorkTask(ctx context.Context, task *store.WorkTask) error
	DeleteWorkTask(ctx context.Context, id string) error
	ListWorkTasks(ctx context.Context, filter store.WorkTaskFilter) ([]*store.WorkTask, error)
	ListReadyWorkTasks(ctx context.Context, workingDir string, limit int) ([]*store.WorkTask, error)
	ClaimWorkTask(ctx context.Context, id, sessionID, agentID string) (*store.WorkTask, error)
	ClaimNextWorkTask(ctx context.Context, filter store.ClaimFilter) (*store.WorkTask, error)
	ReleaseWorkTask(ctx context.Context, id, lastError string) (*store.WorkTask, error)
	CascadeTaskDone(ctx context.Context, doneID string) ([]string, error)
}

// Publisher is the event bus surface the work queue uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, event *bus.Event) error
}

// Service implements the work queue operations on top of the store.
type Service struct {
	st        Store
	publisher Publisher
	logger    *logger.Logger
}

// NewService creates the work queue service. publisher may be nil; events are
// then skipped.
func NewService(st Store, publisher Publisher, log *logger.Logger) *Service {
	return &Service{
		st:        st,
		publisher: publisher,
		logger:    log.WithFields(zap.String("component", "workqueue")),
	}
}

// Create inserts a new task. The initial status is ready when blocked_by is
// empty or every referenced task is already done, blocked otherwise. Unknown
// blocked_by references are rejected.
func (s *Service) Create(ctx context.Context, task *store.WorkTask) (*store.WorkTask, error) {
	if strings.TrimSpace(task.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidTask)
	}

	status, err := s.initialStatus(ctx, task.BlockedBy)
	if err != nil {
		return nil, err
	}
	task.Status = status

	if err := s.st.InsertWorkTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to insert work task: %w", err)
	}

	s.logger.Info("work task created",
		zap.String("task_id", task.ID),
		zap.String("title", task.Title),
		zap.String("status", string(task.Status)))

	s.publish(ctx, events.TaskCreated, map[string]interface{}{
		"task_id":     task.ID,
		"title":       task.Title,
		"status":      string(task.Status),
		"working_dir": task.WorkingDir,
		"task_type":   task.TaskType,
		"priority":    task.Priority,
	})
	return task, nil
}

// initialStatus resolves the create-time status from the blocker list.
func (s *Service) initialStatus(ctx context.Context, blockedBy []string) (store.WorkTaskStatus, error) {
	for _, id := range blockedBy {
		blocker, err := s.st.GetWorkTask(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", fmt.Errorf("%w: blocked_by references unknown task %s", ErrInvalidTask, id)
			}
			return "", err
		}
		if blocker.Status != store.TaskDone {
			return store.TaskBlocked, nil
		}
	}
	return store.TaskReady, nil
}

// Get returns one task.
func (s *Service) Get(ctx context.Context, id string) (*store.WorkTask, error) {
	return s.st.GetWorkTask(ctx, id)
}

// List returns tasks matching the filter, higher priority first, then oldest.
func (s *Service) List(ctx context.Context, filter store.WorkTaskFilter) ([]*store.WorkTask, error) {
	return s.st.ListWorkTasks(ctx, filter)
}

// ListReady returns the unclaimed ready tasks in claim order.
func (s *Service) ListReady(ctx context.Context, workingDir string, limit int) ([]*store.WorkTask, error) {
	return s.st.ListReadyWorkTasks(ctx, workingDir, limit)
}

// Claim atomically claims one specific task for a session/agent. The store
// surfaces ErrNotReady and ErrClaimRaced for tasks that cannot be claimed.
func (s *Service) Claim(ctx context.Context, id, sessionID, agentID string) (*store.WorkTask, error) {
	task, err := s.st.ClaimWorkTask(ctx, id, sessionID, agentID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("work task claimed",
		zap.String("task_id", task.ID),
		zap.String("session_id", sessionID),
		zap.String("agent_id", agentID))

	s.publishClaimed(ctx, task)
	return task, nil
}

// ClaimNext atomically claims the best-matching ready task for the filter, or
// returns (nil, nil) when nothing qualifies.
func (s *Service) ClaimNext(ctx context.Context, filter store.ClaimFilter) (*store.WorkTask, error) {
	task, err := s.st.ClaimNextWorkTask(ctx, filter)
	if err != nil || task == nil {
		return task, err
	}

	s.logger.Info("work task claimed",
		zap.String("task_id", task.ID),
		zap.String("session_id", filter.SessionID),
		zap.String("agent_id", filter.AgentID))

	s.publishClaimed(ctx, task)
	return task, nil
}

// Release moves a claimed or in_progress task back to ready and clears the
// claimer. A non-empty lastError replaces the stored one.
func (s *Service) Release(ctx context.Context, id, lastError string) (*store.WorkTask, error) {
	task, err := s.st.ReleaseWorkTask(ctx, id, lastError)
	if err != nil {
		return nil, err
	}

	s.logger.Info("work task released",
		zap.String("task_id", id),
		zap.String("last_error", lastError))

	s.publish(ctx, events.TaskReleased, map[string]interface{}{
		"task_id":    task.ID,
		"title":      task.Title,
		"last_error": lastError,
	})
	return task, nil
}

// Update persists arbitrary field changes. A transition into in_progress
// stamps started_at; a transition into done stamps completed_at and unblocks
// dependents.
func (s *Service) Update(ctx context.Context, task *store.WorkTask) (*store.WorkTask, error) {
	current, err := s.st.GetWorkTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(task.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidTask)
	}

	now := time.Now().UTC()
	becameInProgress := task.Status == store.TaskInProgress && current.Status != store.TaskInProgress
	becameDone := task.Status == store.TaskDone && current.Status != store.TaskDone
	if becameInProgress && task.StartedAt == nil {
		task.StartedAt = &now
	}
	if becameDone && task.CompletedAt == nil {
		task.CompletedAt = &now
	}

	if err := s.st.UpdateWorkTask(ctx, task); err != nil {
		return nil, err
	}

	if becameDone {
		s.cascade(ctx, task.ID)
		s.publishDone(ctx, task)
	}
	return task, nil
}

// Complete marks a task done with its outcome and unblocks dependents. The
// swarm's autonomous agents finish their claimed tasks through this path.
func (s *Service) Complete(ctx context.Context, id, outcome, notes string) (*store.WorkTask, error) {
	task, err := s.st.GetWorkTask(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task.Status = store.TaskDone
	task.Outcome = outcome
	task.CompletionNotes = notes
	task.CompletedAt = &now
	if err := s.st.UpdateWorkTask(ctx, task); err != nil {
		return nil, err
	}

	s.logger.Info("work task completed",
		zap.String("task_id", id),
		zap.String("outcome", outcome))

	s.cascade(ctx, id)
	s.publishDone(ctx, task)
	return task, nil
}

// Delete removes a task row.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.st.DeleteWorkTask(ctx, id); err != nil {
		return err
	}
	s.logger.Info("work task deleted", zap.String("task_id", id))
	return nil
}

func (s *Service) cascade(ctx context.Context, doneID string) {
	promoted, err := s.st.CascadeTaskDone(ctx, doneID)
	if err != nil {
		s.logger.Error("failed to cascade task completion",
			zap.String("task_id", doneID),
			zap.Error(err))
		return
	}
	if len(promoted) > 0 {
		s.logger.Info("unblocked dependent tasks",
			zap.String("done_task_id", doneID),
			zap.Strings("promoted", promoted))
	}
}

func (s *Service) publishClaimed(ctx context.Context, task *store.WorkTask) {
	s.publish(ctx, events.TaskClaimed, map[string]interface{}{
		"task_id":               task.ID,
		"title":                 task.Title,
		"claimed_by_session_id": task.ClaimedBySessionID,
		"claimed_by_agent_id":   task.ClaimedByAgentID,
		"attempt_count":         task.AttemptCount,
	})
}

func (s *Service) publishDone(ctx context.Context, task *store.WorkTask) {
	s.publish(ctx, events.TaskDone, map[string]interface{}{
		"task_id": task.ID,
		"title":   task.Title,
		"outcome": task.Outcome,
	})
}

func (s *Service) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, subject, bus.NewEvent(subject, "workqueue", data)); err != nil {
		s.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

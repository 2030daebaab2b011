// Package consolidation runs periodic memory maintenance: summarizing ended
// sessions, pruning aged history, and (when a graph worker is configured)
// merging duplicate memories and rebuilding communities. Work is requested by
// enqueueing a task_queue row, which the scheduler claims and executes.
package consolidation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/config"
	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/internal/events"
	"github.com/animadev/anima/internal/events/bus"
	"github.com/animadev/anima/internal/store"
)

// TaskType is the task_queue row kind the scheduler claims.
const TaskType = "memory_consolidation"

// Common errors
var (
	ErrSchedulerAlreadyRunning = errors.New("consolidation scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("consolidation scheduler is not running")
)

// Store is the persistence surface the scheduler uses. ClaimPendingTask is an
// atomic claim that returns (nil, nil) when no row is pending.
type Store interface {
	EnqueueTaskQueue(ctx context.Context, item *store.TaskQueueItem) error
	ClaimPendingTask(ctx context.Context, taskType string) (*store.TaskQueueItem, error)
	MarkTaskQueueCompleted(ctx context.Context, id string) error
	MarkTaskQueueFailed(ctx context.Context, id, errorMessage string) error
	ListTaskQueue(ctx context.Context, limit int) ([]*store.TaskQueueItem, error)
	InsertConsolidationRun(ctx context.Context, run *store.ConsolidationRun) error
	UpdateConsolidationRun(ctx context.Context, run *store.ConsolidationRun) error
	ListConsolidationRuns(ctx context.Context, limit int) ([]*store.ConsolidationRun, error)
}

// Publisher is the event bus surface the scheduler uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, event *bus.Event) error
}

// Scheduler polls the task queue for consolidation requests and runs them one
// at a time. A cron entry enqueues the nightly pass; ad-hoc passes arrive via
// Enqueue.
type Scheduler struct {
	st           Store
	consolidator Consolidator
	publisher    Publisher
	logger       *logger.Logger
	cfg          config.ConsolidationConfig

	cronEngine *cron.Cron

	mu        sync.Mutex
	running   bool
	jobActive bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewScheduler creates the consolidation scheduler. publisher may be nil.
func NewScheduler(st Store, consolidator Consolidator, publisher Publisher, cfg config.ConsolidationConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		st:           st,
		consolidator: consolidator,
		publisher:    publisher,
		logger:       log.WithFields(zap.String("component", "consolidation")),
		cfg:          cfg,
	}
}

// Start begins the poll loop and installs the cron enqueue entry.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if s.cfg.Schedule != "" {
		if _, err := cron.ParseStandard(s.cfg.Schedule); err != nil {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return fmt.Errorf("invalid consolidation schedule %q: %w", s.cfg.Schedule, err)
		}
		s.cronEngine = cron.New()
		_, err := s.cronEngine.AddFunc(s.cfg.Schedule, func() {
			if _, err := s.Enqueue(context.Background(), map[string]interface{}{"trigger": "schedule"}); err != nil {
				s.logger.Error("failed to enqueue scheduled consolidation", zap.Error(err))
			}
		})
		if err != nil {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return fmt.Errorf("failed to install consolidation cron entry: %w", err)
		}
		s.cronEngine.Start()
	}

	s.logger.Info("consolidation scheduler starting",
		zap.Duration("poll_interval", s.pollInterval()),
		zap.String("schedule", s.cfg.Schedule))

	s.wg.Add(1)
	go s.pollLoop(ctx)
	return nil
}

// Stop halts the poll loop and the cron engine, waiting for an in-flight run
// to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	if s.cronEngine != nil {
		<-s.cronEngine.Stop().Done()
	}
	s.wg.Wait()
	s.logger.Info("consolidation scheduler stopped")
	return nil
}

// IsRunning returns true if the poll loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Enqueue requests a consolidation pass. The poll loop picks the row up on
// its next tick.
func (s *Scheduler) Enqueue(ctx context.Context, payload map[string]interface{}) (*store.TaskQueueItem, error) {
	item := &store.TaskQueueItem{
		ID:        uuid.NewString(),
		TaskType:  TaskType,
		Payload:   payload,
		Status:    store.QueuePending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.st.EnqueueTaskQueue(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to enqueue consolidation task: %w", err)
	}
	s.logger.Info("consolidation pass enqueued", zap.String("queue_id", item.ID))
	return item, nil
}

// Runs returns recent consolidation runs, newest first.
func (s *Scheduler) Runs(ctx context.Context, limit int) ([]*store.ConsolidationRun, error) {
	return s.st.ListConsolidationRuns(ctx, limit)
}

// pollInterval clamps the configured interval to the one-minute floor.
func (s *Scheduler) pollInterval() time.Duration {
	interval := time.Duration(s.cfg.PollInterval) * time.Second
	if interval < time.Minute {
		interval = time.Minute
	}
	return interval
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll drains pending consolidation requests, executing each synchronously so
// at most one run is active at a time.
func (s *Scheduler) poll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		item, err := s.st.ClaimPendingTask(ctx, TaskType)
		if err != nil {
			s.logger.Error("failed to claim consolidation task", zap.Error(err))
			return
		}
		if item == nil {
			return
		}
		s.execute(ctx, item)
	}
}

// execute runs one consolidation pass for a claimed queue row.
func (s *Scheduler) execute(ctx context.Context, item *store.TaskQueueItem) {
	s.mu.Lock()
	if s.jobActive {
		// Another run is in flight; leave the claim for it to settle.
		s.mu.Unlock()
		s.logger.Warn("consolidation run already active, failing duplicate claim",
			zap.String("queue_id", item.ID))
		if err := s.st.MarkTaskQueueFailed(ctx, item.ID, "consolidation run already active"); err != nil {
			s.logger.Error("failed to mark duplicate claim failed", zap.Error(err))
		}
		return
	}
	s.jobActive = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.jobActive = false
		s.mu.Unlock()
	}()

	run := &store.ConsolidationRun{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Status:    "running",
		Stats:     make(map[string]interface{}),
	}
	if err := s.st.InsertConsolidationRun(ctx, run); err != nil {
		s.logger.Error("failed to record consolidation run", zap.Error(err))
		if markErr := s.st.MarkTaskQueueFailed(ctx, item.ID, err.Error()); markErr != nil {
			s.logger.Error("failed to mark queue row failed", zap.Error(markErr))
		}
		return
	}

	s.logger.Info("consolidation run started",
		zap.String("run_id", run.ID),
		zap.String("queue_id", item.ID))

	runErr := s.runPhases(ctx, run)

	now := time.Now().UTC()
	run.CompletedAt = &now
	if runErr != nil {
		run.Status = "failed"
		run.ErrorMessage = runErr.Error()
	} else {
		run.Status = "completed"
	}
	if err := s.st.UpdateConsolidationRun(ctx, run); err != nil {
		s.logger.Error("failed to update consolidation run", zap.Error(err))
	}

	if runErr != nil {
		s.logger.Error("consolidation run failed",
			zap.String("run_id", run.ID),
			zap.Error(runErr))
		if err := s.st.MarkTaskQueueFailed(ctx, item.ID, runErr.Error()); err != nil {
			s.logger.Error("failed to mark queue row failed", zap.Error(err))
		}
	} else {
		s.logger.Info("consolidation run completed",
			zap.String("run_id", run.ID),
			zap.Strings("phases", run.Phases),
			zap.Duration("duration", now.Sub(run.StartedAt)))
		if err := s.st.MarkTaskQueueCompleted(ctx, item.ID); err != nil {
			s.logger.Error("failed to mark queue row completed", zap.Error(err))
		}
	}

	s.publishCompleted(ctx, run)
}

// runPhases drives the consolidator through the fixed phase order, recording
// per-phase stats on the run. The first phase error aborts the pass.
func (s *Scheduler) runPhases(ctx context.Context, run *store.ConsolidationRun) error {
	phases := []struct {
		name string
		fn   func(context.Context) (*PhaseReport, error)
	}{
		{"summarize", s.consolidator.Summarize},
		{"prune", s.consolidator.Prune},
		{"merge", s.consolidator.Merge},
		{"communities", s.consolidator.Communities},
	}

	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			return err
		}
		report, err := phase.fn(ctx)
		if err != nil {
			return fmt.Errorf("%s phase: %w", phase.name, err)
		}

		stats := map[string]interface{}{}
		if report != nil {
			for k, v := range report.Stats {
				stats[k] = v
			}
			if report.Skipped {
				stats["skipped"] = true
			}
		}
		run.Stats[phase.name] = stats
		if report == nil || !report.Skipped {
			run.Phases = append(run.Phases, phase.name)
		}
	}
	return nil
}

func (s *Scheduler) publishCompleted(ctx context.Context, run *store.ConsolidationRun) {
	if s.publisher == nil {
		return
	}
	data := map[string]interface{}{
		"run_id": run.ID,
		"status": run.Status,
		"phases": run.Phases,
	}
	if run.ErrorMessage != "" {
		data["error"] = run.ErrorMessage
	}
	event := bus.NewEvent(events.ConsolidationCompleted, "consolidation", data)
	if err := s.publisher.Publish(ctx, events.ConsolidationCompleted, event); err != nil {
		s.logger.Warn("failed to publish consolidation event", zap.Error(err))
	}
}

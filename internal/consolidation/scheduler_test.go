package consolidation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animadev/anima/internal/common/config"
	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/internal/events"
	"github.com/animadev/anima/internal/events/bus"
	"github.com/animadev/anima/internal/store"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

type fakeQueueStore struct {
	mu       sync.Mutex
	items    map[string]*store.TaskQueueItem
	order    []string
	runs     map[string]*store.ConsolidationRun
	runOrder []string
}

func newFakeQueueStore() *fakeQueueStore {
	return &fakeQueueStore{
		items: make(map[string]*store.TaskQueueItem),
		runs:  make(map[string]*store.ConsolidationRun),
	}
}

func (f *fakeQueueStore) EnqueueTaskQueue(_ context.Context, item *store.TaskQueueItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *item
	f.items[item.ID] = &clone
	f.order = append(f.order, item.ID)
	return nil
}

func (f *fakeQueueStore) ClaimPendingTask(_ context.Context, taskType string) (*store.TaskQueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.order {
		item := f.items[id]
		if item.TaskType != taskType || item.Status != store.QueuePending {
			continue
		}
		now := time.Now().UTC()
		item.Status = store.QueueRunning
		item.StartedAt = &now
		clone := *item
		return &clone, nil
	}
	return nil, nil
}

func (f *fakeQueueStore) MarkTaskQueueCompleted(_ context.Context, id string) error {
	return f.settle(id, store.QueueCompleted, "")
}

func (f *fakeQueueStore) MarkTaskQueueFailed(_ context.Context, id, errorMessage string) error {
	return f.settle(id, store.QueueFailed, errorMessage)
}

func (f *fakeQueueStore) settle(id string, status store.QueueStatus, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	item.Status = status
	item.CompletedAt = &now
	item.ErrorMessage = errMsg
	return nil
}

func (f *fakeQueueStore) ListTaskQueue(_ context.Context, limit int) ([]*store.TaskQueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.TaskQueueItem
	for i := len(f.order) - 1; i >= 0; i-- {
		clone := *f.items[f.order[i]]
		out = append(out, &clone)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeQueueStore) InsertConsolidationRun(_ context.Context, run *store.ConsolidationRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *run
	f.runs[run.ID] = &clone
	f.runOrder = append(f.runOrder, run.ID)
	return nil
}

func (f *fakeQueueStore) UpdateConsolidationRun(_ context.Context, run *store.ConsolidationRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runs[run.ID]; !ok {
		return store.ErrNotFound
	}
	clone := *run
	f.runs[run.ID] = &clone
	return nil
}

func (f *fakeQueueStore) ListConsolidationRuns(_ context.Context, limit int) ([]*store.ConsolidationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.ConsolidationRun
	for i := len(f.runOrder) - 1; i >= 0; i-- {
		clone := *f.runs[f.runOrder[i]]
		out = append(out, &clone)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeQueueStore) item(id string) *store.TaskQueueItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	item := f.items[id]
	clone := *item
	return &clone
}

func (f *fakeQueueStore) lastRun() *store.ConsolidationRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.runOrder) == 0 {
		return nil
	}
	clone := *f.runs[f.runOrder[len(f.runOrder)-1]]
	return &clone
}

type fakeConsolidator struct {
	mu           sync.Mutex
	calls        []string
	summarizeErr error
	pruneErr     error
}

func (f *fakeConsolidator) record(phase string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, phase)
}

func (f *fakeConsolidator) Summarize(context.Context) (*PhaseReport, error) {
	f.record("summarize")
	if f.summarizeErr != nil {
		return nil, f.summarizeErr
	}
	return &PhaseReport{Stats: map[string]interface{}{"summarized": 2}}, nil
}

func (f *fakeConsolidator) Prune(context.Context) (*PhaseReport, error) {
	f.record("prune")
	if f.pruneErr != nil {
		return nil, f.pruneErr
	}
	return &PhaseReport{Stats: map[string]interface{}{"stimuli_pruned": int64(7)}}, nil
}

func (f *fakeConsolidator) Merge(context.Context) (*PhaseReport, error) {
	f.record("merge")
	return &PhaseReport{Skipped: true}, nil
}

func (f *fakeConsolidator) Communities(context.Context) (*PhaseReport, error) {
	f.record("communities")
	return &PhaseReport{Skipped: true}, nil
}

type capturePublisher struct {
	mu        sync.Mutex
	published []*bus.Event
}

func (c *capturePublisher) Publish(_ context.Context, _ string, event *bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, event)
	return nil
}

func (c *capturePublisher) events() []*bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*bus.Event{}, c.published...)
}

func testConfig() config.ConsolidationConfig {
	return config.ConsolidationConfig{
		PollInterval:     60,
		Schedule:         "", // cron disabled in unit tests
		HistoryRetention: 30,
		SummaryBatch:     10,
	}
}

func TestSchedulerEnqueue(t *testing.T) {
	st := newFakeQueueStore()
	s := NewScheduler(st, &fakeConsolidator{}, nil, testConfig(), newTestLogger())

	item, err := s.Enqueue(context.Background(), map[string]interface{}{"trigger": "http"})
	require.NoError(t, err)
	assert.Equal(t, TaskType, item.TaskType)
	assert.Equal(t, store.QueuePending, item.Status)
	assert.NotEmpty(t, item.ID)

	stored := st.item(item.ID)
	assert.Equal(t, store.QueuePending, stored.Status)
	assert.Equal(t, "http", stored.Payload["trigger"])
}

func TestSchedulerPollRunsClaimedTask(t *testing.T) {
	st := newFakeQueueStore()
	cons := &fakeConsolidator{}
	pub := &capturePublisher{}
	s := NewScheduler(st, cons, pub, testConfig(), newTestLogger())
	ctx := context.Background()

	item, err := s.Enqueue(ctx, nil)
	require.NoError(t, err)

	s.poll(ctx)

	assert.Equal(t, []string{"summarize", "prune", "merge", "communities"}, cons.calls)

	run := st.lastRun()
	require.NotNil(t, run)
	assert.Equal(t, "completed", run.Status)
	require.NotNil(t, run.CompletedAt)
	// Skipped phases are recorded in stats but not listed as executed.
	assert.Equal(t, []string{"summarize", "prune"}, run.Phases)
	summarize, ok := run.Stats["summarize"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 2, summarize["summarized"])
	merge, ok := run.Stats["merge"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, merge["skipped"])

	assert.Equal(t, store.QueueCompleted, st.item(item.ID).Status)

	evs := pub.events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.ConsolidationCompleted, evs[0].Type)
	data := evs[0].Data.(map[string]interface{})
	assert.Equal(t, run.ID, data["run_id"])
	assert.Equal(t, "completed", data["status"])
}

func TestSchedulerPollNothingPending(t *testing.T) {
	st := newFakeQueueStore()
	cons := &fakeConsolidator{}
	s := NewScheduler(st, cons, nil, testConfig(), newTestLogger())

	s.poll(context.Background())

	assert.Empty(t, cons.calls)
	assert.Nil(t, st.lastRun())
}

func TestSchedulerPollDrainsQueue(t *testing.T) {
	st := newFakeQueueStore()
	cons := &fakeConsolidator{}
	s := NewScheduler(st, cons, nil, testConfig(), newTestLogger())
	ctx := context.Background()

	first, err := s.Enqueue(ctx, nil)
	require.NoError(t, err)
	second, err := s.Enqueue(ctx, nil)
	require.NoError(t, err)

	s.poll(ctx)

	assert.Equal(t, store.QueueCompleted, st.item(first.ID).Status)
	assert.Equal(t, store.QueueCompleted, st.item(second.ID).Status)
	// Two full passes through the phase order.
	assert.Len(t, cons.calls, 8)

	runs, err := s.Runs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestSchedulerPhaseErrorFailsRun(t *testing.T) {
	st := newFakeQueueStore()
	cons := &fakeConsolidator{pruneErr: errors.New("disk full")}
	pub := &capturePublisher{}
	s := NewScheduler(st, cons, pub, testConfig(), newTestLogger())
	ctx := context.Background()

	item, err := s.Enqueue(ctx, nil)
	require.NoError(t, err)

	s.poll(ctx)

	run := st.lastRun()
	require.NotNil(t, run)
	assert.Equal(t, "failed", run.Status)
	assert.Contains(t, run.ErrorMessage, "prune phase")
	assert.Contains(t, run.ErrorMessage, "disk full")
	// The failed pass stops at the erroring phase.
	assert.Equal(t, []string{"summarize", "prune"}, cons.calls)

	queued := st.item(item.ID)
	assert.Equal(t, store.QueueFailed, queued.Status)
	assert.Contains(t, queued.ErrorMessage, "disk full")

	evs := pub.events()
	require.Len(t, evs, 1)
	data := evs[0].Data.(map[string]interface{})
	assert.Equal(t, "failed", data["status"])
}

func TestSchedulerStartStop(t *testing.T) {
	st := newFakeQueueStore()
	s := NewScheduler(st, &fakeConsolidator{}, nil, testConfig(), newTestLogger())
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	assert.True(t, s.IsRunning())
	require.ErrorIs(t, s.Start(ctx), ErrSchedulerAlreadyRunning)

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	require.ErrorIs(t, s.Stop(), ErrSchedulerNotRunning)
}

func TestSchedulerStartStopWithCron(t *testing.T) {
	st := newFakeQueueStore()
	cfg := testConfig()
	cfg.Schedule = "0 3 * * *"
	s := NewScheduler(st, &fakeConsolidator{}, nil, cfg, newTestLogger())

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
}

func TestSchedulerRejectsInvalidSchedule(t *testing.T) {
	st := newFakeQueueStore()
	cfg := testConfig()
	cfg.Schedule = "not a cron expression"
	s := NewScheduler(st, &fakeConsolidator{}, nil, cfg, newTestLogger())

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.False(t, s.IsRunning())
}

func TestSchedulerPollIntervalFloor(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 5
	s := NewScheduler(newFakeQueueStore(), &fakeConsolidator{}, nil, cfg, newTestLogger())
	assert.Equal(t, time.Minute, s.pollInterval())

	cfg.PollInterval = 300
	s = NewScheduler(newFakeQueueStore(), &fakeConsolidator{}, nil, cfg, newTestLogger())
	assert.Equal(t, 5*time.Minute, s.pollInterval())
}

func TestSchedulerClaimIgnoresOtherTaskTypes(t *testing.T) {
	st := newFakeQueueStore()
	cons := &fakeConsolidator{}
	s := NewScheduler(st, cons, nil, testConfig(), newTestLogger())
	ctx := context.Background()

	require.NoError(t, st.EnqueueTaskQueue(ctx, &store.TaskQueueItem{
		ID:        "other-1",
		TaskType:  "reindex",
		Status:    store.QueuePending,
		CreatedAt: time.Now().UTC(),
	}))

	s.poll(ctx)

	assert.Empty(t, cons.calls)
	assert.Equal(t, store.QueuePending, st.item("other-1").Status)
}

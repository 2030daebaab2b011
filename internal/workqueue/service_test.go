package workqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/internal/events"
	"github.com/animadev/anima/internal/events/bus"
	"github.com/animadev/anima/internal/store"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*store.WorkTask
	seq   int
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[string]*store.WorkTask)}
}

func cloneTask(t *store.WorkTask) *store.WorkTask {
	c := *t
	c.BlockedBy = append([]string{}, t.BlockedBy...)
	c.ScopePaths = append([]string{}, t.ScopePaths...)
	c.RequiredTools = append([]string{}, t.RequiredTools...)
	c.Tags = append([]string{}, t.Tags...)
	return &c
}

func (f *fakeTaskStore) InsertWorkTask(_ context.Context, task *store.WorkTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	f.seq++
	task.CreatedAt = time.Unix(int64(f.seq), 0).UTC()
	f.tasks[task.ID] = cloneTask(task)
	return nil
}

func (f *fakeTaskStore) GetWorkTask(_ context.Context, id string) (*store.WorkTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("work task %s: %w", id, store.ErrNotFound)
	}
	return cloneTask(task), nil
}

func (f *fakeTaskStore) UpdateWorkTask(_ context.Context, task *store.WorkTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[task.ID]; !ok {
		return store.ErrNotFound
	}
	f.tasks[task.ID] = cloneTask(task)
	return nil
}

func (f *fakeTaskStore) DeleteWorkTask(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.tasks, id)
	return nil
}

func (f *fakeTaskStore) ListWorkTasks(_ context.Context, filter store.WorkTaskFilter) ([]*store.WorkTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.WorkTask
	for _, task := range f.tasks {
		if filter.WorkingDir != "" && task.WorkingDir != filter.WorkingDir {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		out = append(out, cloneTask(task))
	}
	sortTasks(out)
	return out, nil
}

func (f *fakeTaskStore) ListReadyWorkTasks(_ context.Context, workingDir string, limit int) ([]*store.WorkTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.WorkTask
	for _, task := range f.tasks {
		if task.Status != store.TaskReady || task.ClaimedBySessionID != "" {
			continue
		}
		if workingDir != "" && task.WorkingDir != workingDir {
			continue
		}
		out = append(out, cloneTask(task))
	}
	sortTasks(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeTaskStore) ClaimWorkTask(_ context.Context, id, sessionID, agentID string) (*store.WorkTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claimLocked(id, sessionID, agentID)
}

func (f *fakeTaskStore) claimLocked(id, sessionID, agentID string) (*store.WorkTask, error) {
	task, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("work task %s: %w", id, store.ErrNotFound)
	}
	if task.Status != store.TaskReady {
		return nil, store.ErrNotReady
	}
	if task.ClaimedBySessionID != "" || task.ClaimedByAgentID != "" {
		return nil, store.ErrClaimRaced
	}
	now := time.Now().UTC()
	task.Status = store.TaskClaimed
	task.ClaimedBySessionID = sessionID
	task.ClaimedByAgentID = agentID
	task.ClaimedAt = &now
	task.AttemptCount++
	return cloneTask(task), nil
}

func (f *fakeTaskStore) ClaimNextWorkTask(_ context.Context, filter store.ClaimFilter) (*store.WorkTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var candidates []*store.WorkTask
	for _, task := range f.tasks {
		if task.Status != store.TaskReady || task.ClaimedBySessionID != "" {
			continue
		}
		if filter.WorkingDir != "" && task.WorkingDir != filter.WorkingDir {
			continue
		}
		if len(filter.TaskTypes) > 0 && !containsString(filter.TaskTypes, task.TaskType) {
			continue
		}
		if !coversTools(filter.Capabilities, task.RequiredTools) {
			continue
		}
		candidates = append(candidates, task)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sortTasks(candidates)
	return f.claimLocked(candidates[0].ID, filter.SessionID, filter.AgentID)
}

func (f *fakeTaskStore) ReleaseWorkTask(_ context.Context, id, lastError string) (*store.WorkTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("work task %s: %w", id, store.ErrNotFound)
	}
	if task.Status != store.TaskClaimed && task.Status != store.TaskInProgress {
		return nil, store.ErrNotReady
	}
	task.Status = store.TaskReady
	task.ClaimedBySessionID = ""
	task.ClaimedByAgentID = ""
	task.ClaimedAt = nil
	if lastError != "" {
		task.LastError = lastError
	}
	return cloneTask(task), nil
}

func (f *fakeTaskStore) CascadeTaskDone(_ context.Context, doneID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var promoted []string
	for _, task := range f.tasks {
		idx := -1
		for i, blocker := range task.BlockedBy {
			if blocker == doneID {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		task.BlockedBy = append(task.BlockedBy[:idx], task.BlockedBy[idx+1:]...)
		if task.Status != store.TaskBlocked {
			continue
		}
		satisfied := true
		for _, blocker := range task.BlockedBy {
			if other, ok := f.tasks[blocker]; ok && other.Status != store.TaskDone {
				satisfied = false
				break
			}
		}
		if satisfied {
			task.Status = store.TaskReady
			promoted = append(promoted, task.ID)
		}
	}
	return promoted, nil
}

func sortTasks(tasks []*store.WorkTask) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func coversTools(capabilities, required []string) bool {
	for _, tool := range required {
		if !containsString(capabilities, tool) {
			return false
		}
	}
	return true
}

type fakePublisher struct {
	mu        sync.Mutex
	published []*bus.Event
}

func (f *fakePublisher) Publish(_ context.Context, _ string, event *bus.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, event)
	return nil
}

func (f *fakePublisher) byType(eventType string) []*bus.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*bus.Event
	for _, ev := range f.published {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func newTestService(t *testing.T) (*Service, *fakeTaskStore, *fakePublisher) {
	t.Helper()
	st := newFakeTaskStore()
	pub := &fakePublisher{}
	return NewService(st, pub, newTestLogger()), st, pub
}

func TestServiceCreateReady(t *testing.T) {
	svc, _, pub := newTestService(t)

	task, err := svc.Create(context.Background(), &store.WorkTask{
		Title:      "refactor emotion decay",
		WorkingDir: "/repo",
		TaskType:   "code",
		Priority:   5,
	})
	require.NoError(t, err)
	assert.Equal(t, store.TaskReady, task.Status)
	assert.NotEmpty(t, task.ID)

	created := pub.byType(events.TaskCreated)
	require.Len(t, created, 1)
	data, ok := created[0].Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, task.ID, data["task_id"])
	assert.Equal(t, string(store.TaskReady), data["status"])
}

func TestServiceCreateBlocked(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, &store.WorkTask{Title: "write migration"})
	require.NoError(t, err)

	second, err := svc.Create(ctx, &store.WorkTask{
		Title:     "run migration",
		BlockedBy: []string{first.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, store.TaskBlocked, second.Status)
}

func TestServiceCreateWithDoneBlockerIsReady(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, &store.WorkTask{Title: "write migration"})
	require.NoError(t, err)
	_, err = svc.Claim(ctx, first.ID, "sess-1", "")
	require.NoError(t, err)
	_, err = svc.Complete(ctx, first.ID, "success", "done")
	require.NoError(t, err)

	second, err := svc.Create(ctx, &store.WorkTask{
		Title:     "run migration",
		BlockedBy: []string{first.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, store.TaskReady, second.Status)
}

func TestServiceCreateRejectsUnknownBlocker(t *testing.T) {
	svc, _, pub := newTestService(t)

	_, err := svc.Create(context.Background(), &store.WorkTask{
		Title:     "orphan",
		BlockedBy: []string{"missing-task"},
	})
	require.ErrorIs(t, err, ErrInvalidTask)
	assert.Empty(t, pub.byType(events.TaskCreated))
}

func TestServiceCreateRejectsEmptyTitle(t *testing.T) {
	svc, st, _ := newTestService(t)

	_, err := svc.Create(context.Background(), &store.WorkTask{Title: "   "})
	require.ErrorIs(t, err, ErrInvalidTask)
	assert.Empty(t, st.tasks)
}

func TestServiceClaim(t *testing.T) {
	svc, _, pub := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, &store.WorkTask{Title: "fix tests"})
	require.NoError(t, err)

	claimed, err := svc.Claim(ctx, task.ID, "sess-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskClaimed, claimed.Status)
	assert.Equal(t, "sess-1", claimed.ClaimedBySessionID)
	assert.Equal(t, "agent-1", claimed.ClaimedByAgentID)
	assert.Equal(t, 1, claimed.AttemptCount)
	require.NotNil(t, claimed.ClaimedAt)

	evs := pub.byType(events.TaskClaimed)
	require.Len(t, evs, 1)
	data := evs[0].Data.(map[string]interface{})
	assert.Equal(t, "sess-1", data["claimed_by_session_id"])
}

func TestServiceClaimErrors(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Claim(ctx, "nope", "sess-1", "")
	require.ErrorIs(t, err, store.ErrNotFound)

	task, err := svc.Create(ctx, &store.WorkTask{Title: "fix tests"})
	require.NoError(t, err)
	_, err = svc.Claim(ctx, task.ID, "sess-1", "")
	require.NoError(t, err)

	// Already claimed: status is no longer ready.
	_, err = svc.Claim(ctx, task.ID, "sess-2", "")
	require.ErrorIs(t, err, store.ErrNotReady)

	// A ready task with a lingering claimer is the race shape.
	st.mu.Lock()
	st.tasks[task.ID].Status = store.TaskReady
	st.mu.Unlock()
	_, err = svc.Claim(ctx, task.ID, "sess-2", "")
	require.ErrorIs(t, err, store.ErrClaimRaced)
}

func TestServiceClaimNextOrdersByPriority(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	low, err := svc.Create(ctx, &store.WorkTask{Title: "low", WorkingDir: "/repo", Priority: 1})
	require.NoError(t, err)
	high, err := svc.Create(ctx, &store.WorkTask{Title: "high", WorkingDir: "/repo", Priority: 9})
	require.NoError(t, err)

	claimed, err := svc.ClaimNext(ctx, store.ClaimFilter{WorkingDir: "/repo", SessionID: "sess-1"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, high.ID, claimed.ID)

	claimed, err = svc.ClaimNext(ctx, store.ClaimFilter{WorkingDir: "/repo", SessionID: "sess-1"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, low.ID, claimed.ID)

	claimed, err = svc.ClaimNext(ctx, store.ClaimFilter{WorkingDir: "/repo", SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestServiceClaimNextFiltersByCapability(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, &store.WorkTask{
		Title:         "needs docker",
		WorkingDir:    "/repo",
		RequiredTools: []string{"docker"},
	})
	require.NoError(t, err)

	claimed, err := svc.ClaimNext(ctx, store.ClaimFilter{
		WorkingDir:   "/repo",
		Capabilities: []string{"bash"},
		SessionID:    "sess-1",
	})
	require.NoError(t, err)
	assert.Nil(t, claimed)

	claimed, err = svc.ClaimNext(ctx, store.ClaimFilter{
		WorkingDir:   "/repo",
		Capabilities: []string{"bash", "docker"},
		SessionID:    "sess-1",
	})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "needs docker", claimed.Title)
}

func TestServiceRelease(t *testing.T) {
	svc, _, pub := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, &store.WorkTask{Title: "flaky build"})
	require.NoError(t, err)
	_, err = svc.Claim(ctx, task.ID, "sess-1", "agent-1")
	require.NoError(t, err)

	released, err := svc.Release(ctx, task.ID, "agent produced no output")
	require.NoError(t, err)
	assert.Equal(t, store.TaskReady, released.Status)
	assert.Empty(t, released.ClaimedBySessionID)
	assert.Empty(t, released.ClaimedByAgentID)
	assert.Equal(t, "agent produced no output", released.LastError)
	require.Len(t, pub.byType(events.TaskReleased), 1)

	// Re-claim after release bumps the attempt count.
	claimed, err := svc.Claim(ctx, task.ID, "sess-2", "")
	require.NoError(t, err)
	assert.Equal(t, 2, claimed.AttemptCount)
}

func TestServiceReleaseKeepsPriorError(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, &store.WorkTask{Title: "flaky build"})
	require.NoError(t, err)
	_, err = svc.Claim(ctx, task.ID, "sess-1", "")
	require.NoError(t, err)
	_, err = svc.Release(ctx, task.ID, "first failure")
	require.NoError(t, err)

	_, err = svc.Claim(ctx, task.ID, "sess-2", "")
	require.NoError(t, err)
	released, err := svc.Release(ctx, task.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "first failure", released.LastError)
}

func TestServiceUpdateTransitions(t *testing.T) {
	svc, _, pub := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, &store.WorkTask{Title: "implement parser"})
	require.NoError(t, err)
	dependent, err := svc.Create(ctx, &store.WorkTask{
		Title:     "test parser",
		BlockedBy: []string{task.ID},
	})
	require.NoError(t, err)
	require.Equal(t, store.TaskBlocked, dependent.Status)

	task.Status = store.TaskInProgress
	updated, err := svc.Update(ctx, task)
	require.NoError(t, err)
	require.NotNil(t, updated.StartedAt)
	assert.Nil(t, updated.CompletedAt)

	updated.Status = store.TaskDone
	updated.Outcome = "success"
	done, err := svc.Update(ctx, updated)
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)

	promoted, err := svc.Get(ctx, dependent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskReady, promoted.Status)
	assert.Empty(t, promoted.BlockedBy)

	evs := pub.byType(events.TaskDone)
	require.Len(t, evs, 1)
	data := evs[0].Data.(map[string]interface{})
	assert.Equal(t, "success", data["outcome"])
}

func TestServiceUpdateKeepsExistingTimestamps(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, &store.WorkTask{Title: "long running"})
	require.NoError(t, err)
	task.Status = store.TaskInProgress
	first, err := svc.Update(ctx, task)
	require.NoError(t, err)
	startedAt := *first.StartedAt

	first.Description = "with more detail"
	second, err := svc.Update(ctx, first)
	require.NoError(t, err)
	require.NotNil(t, second.StartedAt)
	assert.Equal(t, startedAt, *second.StartedAt)
}

func TestServiceComplete(t *testing.T) {
	svc, _, pub := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, &store.WorkTask{Title: "summarize repo"})
	require.NoError(t, err)
	blocked, err := svc.Create(ctx, &store.WorkTask{
		Title:     "publish summary",
		BlockedBy: []string{task.ID},
	})
	require.NoError(t, err)

	done, err := svc.Complete(ctx, task.ID, "success", "wrote SUMMARY.md")
	require.NoError(t, err)
	assert.Equal(t, store.TaskDone, done.Status)
	assert.Equal(t, "success", done.Outcome)
	assert.Equal(t, "wrote SUMMARY.md", done.CompletionNotes)
	require.NotNil(t, done.CompletedAt)

	promoted, err := svc.Get(ctx, blocked.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskReady, promoted.Status)
	require.Len(t, pub.byType(events.TaskDone), 1)
}

func TestServiceDelete(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, &store.WorkTask{Title: "obsolete"})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, task.ID))

	_, err = svc.Get(ctx, task.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, svc.Delete(ctx, task.ID), store.ErrNotFound)
}

func TestServiceNilPublisher(t *testing.T) {
	st := newFakeTaskStore()
	svc := NewService(st, nil, newTestLogger())

	task, err := svc.Create(context.Background(), &store.WorkTask{Title: "quiet"})
	require.NoError(t, err)
	assert.Equal(t, store.TaskReady, task.Status)
}

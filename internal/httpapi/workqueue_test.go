package httpapi

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animadev/anima/internal/store"
	"github.com/animadev/anima/internal/workqueue"
)

type fakeWorkStore struct {
	tasks map[string]*store.WorkTask
	order []string
}

func newFakeWorkStore() *fakeWorkStore {
	return &fakeWorkStore{tasks: make(map[string]*store.WorkTask)}
}

func (f *fakeWorkStore) InsertWorkTask(_ context.Context, task *store.WorkTask) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = store.TaskReady
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	clone := *task
	f.tasks[task.ID] = &clone
	f.order = append(f.order, task.ID)
	return nil
}

func (f *fakeWorkStore) GetWorkTask(_ context.Context, id string) (*store.WorkTask, error) {
	task, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *task
	return &clone, nil
}

func (f *fakeWorkStore) UpdateWorkTask(_ context.Context, task *store.WorkTask) error {
	if _, ok := f.tasks[task.ID]; !ok {
		return store.ErrNotFound
	}
	task.UpdatedAt = time.Now().UTC()
	clone := *task
	f.tasks[task.ID] = &clone
	return nil
}

func (f *fakeWorkStore) DeleteWorkTask(_ context.Context, id string) error {
	if _, ok := f.tasks[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.tasks, id)
	return nil
}

func (f *fakeWorkStore) ListWorkTasks(_ context.Context, filter store.WorkTaskFilter) ([]*store.WorkTask, error) {
	var out []*store.WorkTask
	for _, id := range f.order {
		task, ok := f.tasks[id]
		if !ok {
			continue
		}
		if filter.WorkingDir != "" && task.WorkingDir != filter.WorkingDir {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.TaskType != "" && task.TaskType != filter.TaskType {
			continue
		}
		clone := *task
		out = append(out, &clone)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeWorkStore) ListReadyWorkTasks(_ context.Context, workingDir string, limit int) ([]*store.WorkTask, error) {
	var out []*store.WorkTask
	for _, id := range f.order {
		task, ok := f.tasks[id]
		if !ok || task.Status != store.TaskReady {
			continue
		}
		if workingDir != "" && task.WorkingDir != workingDir {
			continue
		}
		clone := *task
		out = append(out, &clone)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeWorkStore) ClaimWorkTask(_ context.Context, id, sessionID, agentID string) (*store.WorkTask, error) {
	task, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if task.Status != store.TaskReady {
		return nil, store.ErrNotReady
	}
	now := time.Now().UTC()
	task.Status = store.TaskClaimed
	task.ClaimedBySessionID = sessionID
	task.ClaimedByAgentID = agentID
	task.ClaimedAt = &now
	task.AttemptCount++
	clone := *task
	return &clone, nil
}

func (f *fakeWorkStore) ClaimNextWorkTask(ctx context.Context, filter store.ClaimFilter) (*store.WorkTask, error) {
	for _, id := range f.order {
		task, ok := f.tasks[id]
		if !ok || task.Status != store.TaskReady {
			continue
		}
		if filter.WorkingDir != "" && task.WorkingDir != filter.WorkingDir {
			continue
		}
		return f.ClaimWorkTask(ctx, id, filter.SessionID, filter.AgentID)
	}
	return nil, nil
}

func (f *fakeWorkStore) ReleaseWorkTask(_ context.Context, id, lastError string) (*store.WorkTask, error) {
	task, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	task.Status = store.TaskReady
	task.ClaimedBySessionID = ""
	task.ClaimedByAgentID = ""
	task.ClaimedAt = nil
	if lastError != "" {
		task.LastError = lastError
	}
	clone := *task
	return &clone, nil
}

func (f *fakeWorkStore) CascadeTaskDone(_ context.Context, doneID string) ([]string, error) {
	var promoted []string
	for _, task := range f.tasks {
		if task.Status != store.TaskBlocked {
			continue
		}
		blocked := false
		for _, blockerID := range task.BlockedBy {
			blocker, ok := f.tasks[blockerID]
			if !ok || blocker.Status != store.TaskDone {
				blocked = true
				break
			}
		}
		if !blocked {
			task.Status = store.TaskReady
			promoted = append(promoted, task.ID)
		}
	}
	return promoted, nil
}

func newWorkQueueRouter(st *fakeWorkStore) *gin.Engine {
	router := newTestRouter()
	svc := workqueue.NewService(st, nil, newTestLogger())
	RegisterWorkQueueRoutes(router, svc, newTestLogger())
	return router
}

func TestCreateWorkTask(t *testing.T) {
	st := newFakeWorkStore()
	router := newWorkQueueRouter(st)

	var task store.WorkTask
	resp := doJSON(t, router, http.MethodPost, "/api/v1/workqueue/tasks", map[string]interface{}{
		"title":       "fix flaky test",
		"working_dir": "/repo",
		"priority":    3,
	}, &task)

	require.Equal(t, http.StatusCreated, resp.Code)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, store.TaskReady, task.Status)
	assert.Equal(t, 3, task.Priority)
}

func TestCreateWorkTaskMissingTitle(t *testing.T) {
	router := newWorkQueueRouter(newFakeWorkStore())

	resp := doJSON(t, router, http.MethodPost, "/api/v1/workqueue/tasks", map[string]interface{}{
		"description": "no title",
	}, nil)

	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestCreateWorkTaskUnknownBlocker(t *testing.T) {
	router := newWorkQueueRouter(newFakeWorkStore())

	resp := doJSON(t, router, http.MethodPost, "/api/v1/workqueue/tasks", map[string]interface{}{
		"title":      "dependent",
		"blocked_by": []string{"ghost"},
	}, nil)

	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, errorBody(t, resp), "blocked_by")
}

func TestWorkTaskBlockedUntilDependencyDone(t *testing.T) {
	st := newFakeWorkStore()
	router := newWorkQueueRouter(st)

	var first store.WorkTask
	doJSON(t, router, http.MethodPost, "/api/v1/workqueue/tasks", map[string]interface{}{
		"title": "first",
	}, &first)

	var second store.WorkTask
	resp := doJSON(t, router, http.MethodPost, "/api/v1/workqueue/tasks", map[string]interface{}{
		"title":      "second",
		"blocked_by": []string{first.ID},
	}, &second)
	require.Equal(t, http.StatusCreated, resp.Code)
	require.Equal(t, store.TaskBlocked, second.Status)

	resp = doJSON(t, router, http.MethodPatch, "/api/v1/workqueue/tasks/"+first.ID, map[string]interface{}{
		"status":  "done",
		"outcome": "completed",
	}, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var unblocked store.WorkTask
	doJSON(t, router, http.MethodGet, "/api/v1/workqueue/tasks/"+second.ID, nil, &unblocked)
	assert.Equal(t, store.TaskReady, unblocked.Status)
}

func TestClaimWorkTask(t *testing.T) {
	st := newFakeWorkStore()
	router := newWorkQueueRouter(st)

	var task store.WorkTask
	doJSON(t, router, http.MethodPost, "/api/v1/workqueue/tasks", map[string]interface{}{
		"title": "claimable",
	}, &task)

	var claimed store.WorkTask
	resp := doJSON(t, router, http.MethodPost, "/api/v1/workqueue/tasks/"+task.ID+"/claim", map[string]interface{}{
		"session_id": "sess-1",
		"agent_id":   "agent-1",
	}, &claimed)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, store.TaskClaimed, claimed.Status)
	assert.Equal(t, "sess-1", claimed.ClaimedBySessionID)
	assert.Equal(t, "agent-1", claimed.ClaimedByAgentID)

	// A second claim hits a task that is no longer ready.
	resp = doJSON(t, router, http.MethodPost, "/api/v1/workqueue/tasks/"+task.ID+"/claim", map[string]interface{}{
		"session_id": "sess-2",
	}, nil)
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestClaimWorkTaskNotFound(t *testing.T) {
	router := newWorkQueueRouter(newFakeWorkStore())

	resp := doJSON(t, router, http.MethodPost, "/api/v1/workqueue/tasks/nope/claim", nil, nil)

	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestReleaseWorkTask(t *testing.T) {
	st := newFakeWorkStore()
	router := newWorkQueueRouter(st)

	var task store.WorkTask
	doJSON(t, router, http.MethodPost, "/api/v1/workqueue/tasks", map[string]interface{}{
		"title": "claim and release",
	}, &task)
	doJSON(t, router, http.MethodPost, "/api/v1/workqueue/tasks/"+task.ID+"/claim", map[string]interface{}{
		"session_id": "sess-1",
	}, nil)

	var released store.WorkTask
	resp := doJSON(t, router, http.MethodPost, "/api/v1/workqueue/tasks/"+task.ID+"/release", map[string]interface{}{
		"last_error": "sandbox died",
	}, &released)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, store.TaskReady, released.Status)
	assert.Empty(t, released.ClaimedBySessionID)
	assert.Equal(t, "sandbox died", released.LastError)
}

func TestListReadyWorkTasks(t *testing.T) {
	st := newFakeWorkStore()
	router := newWorkQueueRouter(st)

	for _, title := range []string{"one", "two"} {
		doJSON(t, router, http.MethodPost, "/api/v1/workqueue/tasks", map[string]interface{}{
			"title": title,
		}, nil)
	}
	var claimable store.WorkTask
	doJSON(t, router, http.MethodPost, "/api/v1/workqueue/tasks", map[string]interface{}{
		"title": "three",
	}, &claimable)
	doJSON(t, router, http.MethodPost, "/api/v1/workqueue/tasks/"+claimable.ID+"/claim", nil, nil)

	var body struct {
		Tasks []*store.WorkTask `json:"tasks"`
		Total int               `json:"total"`
	}
	resp := doJSON(t, router, http.MethodGet, "/api/v1/workqueue/tasks/ready", nil, &body)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 2, body.Total)
}

func TestUpdateWorkTaskCompletion(t *testing.T) {
	st := newFakeWorkStore()
	router := newWorkQueueRouter(st)

	var task store.WorkTask
	doJSON(t, router, http.MethodPost, "/api/v1/workqueue/tasks", map[string]interface{}{
		"title": "to finish",
	}, &task)

	var done store.WorkTask
	resp := doJSON(t, router, http.MethodPatch, "/api/v1/workqueue/tasks/"+task.ID, map[string]interface{}{
		"status":           "done",
		"outcome":          "merged",
		"completion_notes": "see PR 42",
	}, &done)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, store.TaskDone, done.Status)
	assert.Equal(t, "merged", done.Outcome)
	require.NotNil(t, done.CompletedAt)
}

func TestDeleteWorkTask(t *testing.T) {
	st := newFakeWorkStore()
	router := newWorkQueueRouter(st)

	var task store.WorkTask
	doJSON(t, router, http.MethodPost, "/api/v1/workqueue/tasks", map[string]interface{}{
		"title": "short lived",
	}, &task)

	resp := doJSON(t, router, http.MethodDelete, "/api/v1/workqueue/tasks/"+task.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = doJSON(t, router, http.MethodGet, "/api/v1/workqueue/tasks/"+task.ID, nil, nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
}

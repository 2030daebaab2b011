package httpapi

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animadev/anima/internal/common/config"
	"github.com/animadev/anima/internal/consolidation"
	"github.com/animadev/anima/internal/store"
	v1 "github.com/animadev/anima/pkg/api/v1"
)

type fakeConsolidationStore struct {
	queued []*store.TaskQueueItem
	runs   []*store.ConsolidationRun
}

func (f *fakeConsolidationStore) EnqueueTaskQueue(_ context.Context, item *store.TaskQueueItem) error {
	clone := *item
	f.queued = append(f.queued, &clone)
	return nil
}

func (f *fakeConsolidationStore) ClaimPendingTask(_ context.Context, _ string) (*store.TaskQueueItem, error) {
	return nil, nil
}

func (f *fakeConsolidationStore) MarkTaskQueueCompleted(_ context.Context, _ string) error { return nil }

func (f *fakeConsolidationStore) MarkTaskQueueFailed(_ context.Context, _, _ string) error { return nil }

func (f *fakeConsolidationStore) ListTaskQueue(_ context.Context, _ int) ([]*store.TaskQueueItem, error) {
	return f.queued, nil
}

func (f *fakeConsolidationStore) InsertConsolidationRun(_ context.Context, run *store.ConsolidationRun) error {
	clone := *run
	f.runs = append(f.runs, &clone)
	return nil
}

func (f *fakeConsolidationStore) UpdateConsolidationRun(_ context.Context, _ *store.ConsolidationRun) error {
	return nil
}

func (f *fakeConsolidationStore) ListConsolidationRuns(_ context.Context, limit int) ([]*store.ConsolidationRun, error) {
	runs := f.runs
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func newConsolidationRouter(st *fakeConsolidationStore) *gin.Engine {
	router := newTestRouter()
	scheduler := consolidation.NewScheduler(st, nil, nil, config.ConsolidationConfig{}, newTestLogger())
	RegisterConsolidationRoutes(router, scheduler, newTestLogger())
	return router
}

func TestEnqueueConsolidation(t *testing.T) {
	st := &fakeConsolidationStore{}
	router := newConsolidationRouter(st)

	var body v1.EnqueueConsolidationResponse
	resp := doJSON(t, router, http.MethodPost, "/api/v1/consolidation/enqueue", nil, &body)

	require.Equal(t, http.StatusAccepted, resp.Code)
	assert.NotEmpty(t, body.QueueID)
	assert.Equal(t, string(store.QueuePending), body.Status)

	require.Len(t, st.queued, 1)
	assert.Equal(t, consolidation.TaskType, st.queued[0].TaskType)
	assert.Equal(t, "manual", st.queued[0].Payload["trigger"])
}

func TestEnqueueConsolidationKeepsPayload(t *testing.T) {
	st := &fakeConsolidationStore{}
	router := newConsolidationRouter(st)

	resp := doJSON(t, router, http.MethodPost, "/api/v1/consolidation/enqueue", map[string]interface{}{
		"payload": map[string]interface{}{"reason": "nightly catch-up"},
	}, nil)

	require.Equal(t, http.StatusAccepted, resp.Code)
	require.Len(t, st.queued, 1)
	assert.Equal(t, "nightly catch-up", st.queued[0].Payload["reason"])
	assert.Equal(t, "manual", st.queued[0].Payload["trigger"])
}

func TestListConsolidationRuns(t *testing.T) {
	st := &fakeConsolidationStore{
		runs: []*store.ConsolidationRun{
			{ID: "r1", Status: "completed", Phases: []string{"summarize", "prune"}},
			{ID: "r2", Status: "failed"},
		},
	}
	router := newConsolidationRouter(st)

	var body struct {
		Runs  []*store.ConsolidationRun `json:"runs"`
		Total int                       `json:"total"`
	}
	resp := doJSON(t, router, http.MethodGet, "/api/v1/consolidation/runs?limit=1", nil, &body)

	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, 1, body.Total)
	assert.Equal(t, "r1", body.Runs[0].ID)
}

package httpapi

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animadev/anima/internal/store"
)

type fakeFindingStore struct {
	findings []*store.Finding
}

func (f *fakeFindingStore) InsertFinding(_ context.Context, finding *store.Finding) error {
	clone := *finding
	f.findings = append(f.findings, &clone)
	return nil
}

func TestCreateFinding(t *testing.T) {
	st := &fakeFindingStore{}
	router := newTestRouter()
	RegisterFindingRoutes(router, st, newTestLogger())

	var f store.Finding
	resp := doJSON(t, router, http.MethodPost, "/api/v1/findings", map[string]interface{}{
		"source":  "swarm:review",
		"finding": "auth middleware drops the request id",
	}, &f)

	require.Equal(t, http.StatusCreated, resp.Code)
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, "swarm:review", f.Source)
	require.Len(t, st.findings, 1)
}

func TestCreateFindingRequiresText(t *testing.T) {
	router := newTestRouter()
	RegisterFindingRoutes(router, &fakeFindingStore{}, newTestLogger())

	resp := doJSON(t, router, http.MethodPost, "/api/v1/findings", map[string]interface{}{
		"source": "swarm:review",
	}, nil)

	require.Equal(t, http.StatusBadRequest, resp.Code)
}

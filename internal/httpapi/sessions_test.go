package httpapi

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animadev/anima/internal/store"
)

type fakeSessionStore struct {
	sessions map[string]*store.Session
	convs    map[string][]*store.Conversation
	blocks   map[string][]*store.ConversationBlock
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		sessions: make(map[string]*store.Session),
		convs:    make(map[string][]*store.Conversation),
		blocks:   make(map[string][]*store.ConversationBlock),
	}
}

func (f *fakeSessionStore) CreateSession(_ context.Context, sess *store.Session) error {
	clone := *sess
	f.sessions[sess.ID] = &clone
	return nil
}

func (f *fakeSessionStore) GetSession(_ context.Context, id string) (*store.Session, error) {
	sess, ok := f.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *sess
	return &clone, nil
}

func (f *fakeSessionStore) UpdateSession(_ context.Context, sess *store.Session) error {
	if _, ok := f.sessions[sess.ID]; !ok {
		return store.ErrNotFound
	}
	clone := *sess
	f.sessions[sess.ID] = &clone
	return nil
}

func (f *fakeSessionStore) EndSession(_ context.Context, id string, endTime time.Time, summary string) error {
	sess, ok := f.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.EndTime = &endTime
	sess.Summary = summary
	return nil
}

func (f *fakeSessionStore) ListSessions(_ context.Context, filter store.SessionFilter) ([]*store.Session, error) {
	var out []*store.Session
	for _, sess := range f.sessions {
		if filter.UserID != "" && sess.UserID != filter.UserID {
			continue
		}
		if filter.Medium != "" && sess.Medium != filter.Medium {
			continue
		}
		if filter.ActiveOnly && sess.EndTime != nil {
			continue
		}
		clone := *sess
		out = append(out, &clone)
	}
	return out, nil
}

func (f *fakeSessionStore) ListConversations(_ context.Context, sessionID string, limit int, before time.Time) ([]*store.Conversation, error) {
	var out []*store.Conversation
	for _, conv := range f.convs[sessionID] {
		if !before.IsZero() && !conv.Timestamp.Before(before) {
			continue
		}
		clone := *conv
		out = append(out, &clone)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSessionStore) ListBlocks(_ context.Context, conversationID string) ([]*store.ConversationBlock, error) {
	return f.blocks[conversationID], nil
}

func newSessionRouter(st *fakeSessionStore) *gin.Engine {
	router := newTestRouter()
	RegisterSessionRoutes(router, st, newTestLogger())
	return router
}

func TestCreateSessionDefaults(t *testing.T) {
	st := newFakeSessionStore()
	router := newSessionRouter(st)

	var sess store.Session
	resp := doJSON(t, router, http.MethodPost, "/api/v1/sessions", map[string]interface{}{
		"working_dir": "/work",
		"user_id":     "u-1",
	}, &sess)

	require.Equal(t, http.StatusCreated, resp.Code)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "/work", sess.WorkingDir)
	assert.Equal(t, "u-1", sess.UserID)
	assert.Equal(t, "chat", sess.Medium)
	assert.Equal(t, store.MountDirect, sess.SandboxMountType)
	require.Contains(t, st.sessions, sess.ID)
}

func TestCreateSessionRequiresWorkingDir(t *testing.T) {
	router := newSessionRouter(newFakeSessionStore())

	resp := doJSON(t, router, http.MethodPost, "/api/v1/sessions", map[string]interface{}{}, nil)

	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, errorBody(t, resp), "working_dir")
}

func TestCreateSessionAllowsNoMountWithoutDir(t *testing.T) {
	router := newSessionRouter(newFakeSessionStore())

	var sess store.Session
	resp := doJSON(t, router, http.MethodPost, "/api/v1/sessions", map[string]interface{}{
		"sandbox_mount_type": "none",
	}, &sess)

	require.Equal(t, http.StatusCreated, resp.Code)
	assert.Equal(t, store.MountNone, sess.SandboxMountType)
}

func TestCreateSessionRejectsBadMountType(t *testing.T) {
	router := newSessionRouter(newFakeSessionStore())

	resp := doJSON(t, router, http.MethodPost, "/api/v1/sessions", map[string]interface{}{
		"working_dir":        "/work",
		"sandbox_mount_type": "teleport",
	}, nil)

	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, errorBody(t, resp), "sandbox_mount_type")
}

func TestGetSessionNotFound(t *testing.T) {
	router := newSessionRouter(newFakeSessionStore())

	resp := doJSON(t, router, http.MethodGet, "/api/v1/sessions/nope", nil, nil)

	require.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, "session not found", errorBody(t, resp))
}

func TestListSessionsFilters(t *testing.T) {
	st := newFakeSessionStore()
	ended := time.Now().UTC()
	st.sessions["s1"] = &store.Session{ID: "s1", UserID: "u-1", Medium: "chat"}
	st.sessions["s2"] = &store.Session{ID: "s2", UserID: "u-1", Medium: "chat", EndTime: &ended}
	st.sessions["s3"] = &store.Session{ID: "s3", UserID: "u-2", Medium: "chat"}
	router := newSessionRouter(st)

	var body struct {
		Sessions []*store.Session `json:"sessions"`
		Total    int              `json:"total"`
	}
	resp := doJSON(t, router, http.MethodGet, "/api/v1/sessions?user_id=u-1&active=true", nil, &body)

	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, 1, body.Total)
	assert.Equal(t, "s1", body.Sessions[0].ID)
}

func TestUpdateSessionOverwritesConfig(t *testing.T) {
	st := newFakeSessionStore()
	router := newSessionRouter(st)

	var sess store.Session
	doJSON(t, router, http.MethodPost, "/api/v1/sessions", map[string]interface{}{
		"working_dir":  "/work",
		"model":        "opus",
		"auto_approve": true,
	}, &sess)

	var updated store.Session
	resp := doJSON(t, router, http.MethodPatch, "/api/v1/sessions/"+sess.ID, map[string]interface{}{
		"working_dir": "/other",
	}, &updated)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "/other", updated.WorkingDir)
	// Overwrite semantics: fields absent from the new config are cleared.
	assert.Empty(t, updated.Model)
	assert.False(t, updated.AutoApprove)
}

func TestEndSession(t *testing.T) {
	st := newFakeSessionStore()
	router := newSessionRouter(st)

	var sess store.Session
	doJSON(t, router, http.MethodPost, "/api/v1/sessions", map[string]interface{}{
		"working_dir": "/work",
	}, &sess)

	resp := doJSON(t, router, http.MethodDelete, "/api/v1/sessions/"+sess.ID, map[string]interface{}{
		"summary": "wrapped up",
	}, nil)

	require.Equal(t, http.StatusOK, resp.Code)
	stored := st.sessions[sess.ID]
	require.NotNil(t, stored.EndTime)
	assert.Equal(t, "wrapped up", stored.Summary)
}

func TestEndSessionNotFound(t *testing.T) {
	router := newSessionRouter(newFakeSessionStore())

	resp := doJSON(t, router, http.MethodDelete, "/api/v1/sessions/nope", nil, nil)

	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestSessionHistoryIncludesBlocks(t *testing.T) {
	st := newFakeSessionStore()
	st.sessions["s1"] = &store.Session{ID: "s1"}
	st.convs["s1"] = []*store.Conversation{
		{ID: "c1", SessionID: "s1", Role: store.RoleUser, Timestamp: time.Now().UTC()},
	}
	st.blocks["c1"] = []*store.ConversationBlock{
		{ID: "b1", ConversationID: "c1", BlockType: store.BlockText, TextContent: "hello"},
	}
	router := newSessionRouter(st)

	var body struct {
		Conversations []*store.Conversation `json:"conversations"`
		Total         int                   `json:"total"`
	}
	resp := doJSON(t, router, http.MethodGet, "/api/v1/sessions/s1/history", nil, &body)

	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, 1, body.Total)
	require.Len(t, body.Conversations[0].Blocks, 1)
	assert.Equal(t, "hello", body.Conversations[0].Blocks[0].TextContent)
}

func TestSessionHistoryRejectsBadBefore(t *testing.T) {
	st := newFakeSessionStore()
	st.sessions["s1"] = &store.Session{ID: "s1"}
	router := newSessionRouter(st)

	resp := doJSON(t, router, http.MethodGet, "/api/v1/sessions/s1/history?before=yesterday", nil, nil)

	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, errorBody(t, resp), "RFC3339")
}

// Package sandbox supervises per-session agent containers: an in-memory
// cache of running sandboxes, idempotent ensure, an idle reaper, and
// lock-on-exit semantics persisted to the session store.
package sandbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/config"
	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/internal/sandbox/docker"
	"github.com/animadev/anima/internal/store"
)

// ErrUnavailable is returned by Ensure when the daemon runs without a
// container backend.
var ErrUnavailable = errors.New("sandbox support unavailable")

// SessionStore is the slice of the session store the supervisor uses.
type SessionStore interface {
	LockSession(ctx context.Context, id string) error
}

// SandboxSession is a cache entry for one session's sandbox.
type SandboxSession struct {
	SessionID       string
	Runner          Runner
	LastActivity    time.Time
	CreatedAt       time.Time
	ClaudeSessionID string
	IsLocked        bool
	ActiveQueries   int
}

// Manager owns the sandbox cache. At most one SandboxSession exists per
// session id; an entry may not be reaped while ActiveQueries > 0.
type Manager struct {
	cfg     config.SandboxConfig
	store   SessionStore
	docker  *docker.Client
	factory RunnerFactory
	logger  *logger.Logger

	mu      sync.Mutex
	entries map[string]*SandboxSession

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates the supervisor. dockerCli may be nil, in which case
// sandbox features are disabled and Ensure returns ErrUnavailable.
func NewManager(cfg config.SandboxConfig, st SessionStore, dockerCli *docker.Client, log *logger.Logger) *Manager {
	m := &Manager{
		cfg:     cfg,
		store:   st,
		docker:  dockerCli,
		logger:  log.WithFields(zap.String("component", "sandbox-manager")),
		entries: make(map[string]*SandboxSession),
		stopCh:  make(chan struct{}),
	}
	if dockerCli != nil {
		m.factory = func(ctx context.Context, sess *store.Session) (Runner, error) {
			return newDockerRunner(ctx, dockerCli, cfg, sess, log)
		}
	}
	return m
}

// Available reports whether sandboxes can be started.
func (m *Manager) Available() bool {
	return m.factory != nil
}

// Start reconciles leftover containers from previous runs and launches the
// idle reaper.
func (m *Manager) Start(ctx context.Context) {
	if m.docker != nil {
		m.reconcile(ctx)
	}

	m.wg.Add(1)
	go m.reapLoop(ctx)

	m.logger.Info("sandbox manager started",
		zap.Bool("docker", m.docker != nil),
		zap.Duration("idle_timeout", m.cfg.IdleTimeoutDuration()),
		zap.Duration("reap_interval", m.cfg.ReapIntervalDuration()))
}

// Stop halts the reaper. Cached sandboxes are left running; Shutdown closes
// them.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Shutdown closes every cached sandbox. Sessions are not locked: the
// sandboxes can be recreated on the next daemon run.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	entries := make([]*SandboxSession, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.entries = make(map[string]*SandboxSession)
	m.mu.Unlock()

	for _, e := range entries {
		if e.Runner == nil {
			continue
		}
		if err := e.Runner.Close(ctx); err != nil {
			m.logger.Warn("failed to close sandbox on shutdown",
				zap.String("session_id", e.SessionID),
				zap.Error(err))
		}
	}
}

// Ensure returns the sandbox for sess, creating it if needed.
//
// An unlocked cached entry is refreshed and reused. A locked cached entry is
// evicted, the session is locked in the store, and the locked entry is
// returned so the caller can surface the lock. Otherwise a new runner is
// constructed from the session's config.
func (m *Manager) Ensure(ctx context.Context, sess *store.Session) (*SandboxSession, error) {
	if m.factory == nil {
		return nil, ErrUnavailable
	}

	m.mu.Lock()
	if entry, ok := m.entries[sess.ID]; ok {
		if entry.IsLocked {
			delete(m.entries, sess.ID)
			m.mu.Unlock()

			if entry.Runner != nil {
				if err := entry.Runner.Close(ctx); err != nil {
					m.logger.Warn("failed to close locked sandbox", zap.Error(err))
				}
			}
			m.persistLock(ctx, sess.ID)
			m.logger.Info("evicted locked sandbox entry", zap.String("session_id", sess.ID))
			return entry, nil
		}

		entry.LastActivity = time.Now().UTC()
		if sess.ClaudeSessionID != "" {
			entry.ClaudeSessionID = sess.ClaudeSessionID
		}
		m.mu.Unlock()
		return entry, nil
	}
	m.mu.Unlock()

	// Construct outside the lock; container start is slow.
	runner, err := m.factory(ctx, sess)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	entry := &SandboxSession{
		SessionID:       sess.ID,
		Runner:          runner,
		LastActivity:    now,
		CreatedAt:       now,
		ClaudeSessionID: sess.ClaudeSessionID,
	}

	m.mu.Lock()
	if existing, ok := m.entries[sess.ID]; ok && !existing.IsLocked {
		// Lost the construction race; keep the first entry.
		m.mu.Unlock()
		if err := runner.Close(ctx); err != nil {
			m.logger.Warn("failed to close redundant sandbox", zap.Error(err))
		}
		return existing, nil
	}
	m.entries[sess.ID] = entry
	m.mu.Unlock()

	m.logger.Info("sandbox started", zap.String("session_id", sess.ID))
	return entry, nil
}

// BeginQuery marks a query as running against the session's sandbox.
func (m *Manager) BeginQuery(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[sessionID]; ok {
		entry.ActiveQueries++
		entry.LastActivity = time.Now().UTC()
	}
}

// EndQuery releases a BeginQuery reference.
func (m *Manager) EndQuery(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[sessionID]; ok {
		if entry.ActiveQueries > 0 {
			entry.ActiveQueries--
		}
		entry.LastActivity = time.Now().UTC()
	}
}

// SetClaudeSessionID records the latest resume token on the cached entry.
// Durable persistence is the caller's job.
func (m *Manager) SetClaudeSessionID(sessionID, claudeSessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[sessionID]; ok {
		entry.ClaudeSessionID = claudeSessionID
	}
}

// Get returns the cached entry for sessionID, or nil.
func (m *Manager) Get(sessionID string) *SandboxSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[sessionID]
}

// Close evicts and closes the session's sandbox without locking the session.
// Used when sandbox mode is turned off mid-session.
func (m *Manager) Close(ctx context.Context, sessionID string) {
	m.mu.Lock()
	entry, ok := m.entries[sessionID]
	if ok {
		delete(m.entries, sessionID)
	}
	m.mu.Unlock()

	if !ok || entry.Runner == nil {
		return
	}
	if err := entry.Runner.Close(ctx); err != nil {
		m.logger.Warn("failed to close sandbox",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// CloseAndLock evicts and closes the session's sandbox and locks the session
// in the store. Used when a sandboxed query fails.
func (m *Manager) CloseAndLock(ctx context.Context, sessionID string) {
	m.mu.Lock()
	entry, ok := m.entries[sessionID]
	if ok {
		entry.IsLocked = true
		delete(m.entries, sessionID)
	}
	m.mu.Unlock()

	if ok && entry.Runner != nil {
		if err := entry.Runner.Close(ctx); err != nil {
			m.logger.Warn("failed to close sandbox",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}
	m.persistLock(ctx, sessionID)
}

func (m *Manager) reapLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ReapIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapIdle(ctx)
		}
	}
}

// reapIdle closes and locks sandboxes idle past the timeout. Entries with
// active queries are never reaped.
func (m *Manager) reapIdle(ctx context.Context) {
	idleTimeout := m.cfg.IdleTimeoutDuration()
	now := time.Now().UTC()

	m.mu.Lock()
	var stale []*SandboxSession
	for id, entry := range m.entries {
		if entry.ActiveQueries > 0 {
			continue
		}
		if now.Sub(entry.LastActivity) < idleTimeout {
			continue
		}
		entry.IsLocked = true
		delete(m.entries, id)
		stale = append(stale, entry)
	}
	m.mu.Unlock()

	for _, entry := range stale {
		m.logger.Info("reaping idle sandbox",
			zap.String("session_id", entry.SessionID),
			zap.Time("last_activity", entry.LastActivity))

		if entry.Runner != nil {
			if err := entry.Runner.Close(ctx); err != nil {
				m.logger.Warn("failed to close idle sandbox",
					zap.String("session_id", entry.SessionID),
					zap.Error(err))
			}
		}
		m.persistLock(ctx, entry.SessionID)
	}
}

// reconcile removes managed containers left over from a previous daemon run.
// Their sessions were locked when the daemon died with queries unfinished, or
// will be recreated on demand.
func (m *Manager) reconcile(ctx context.Context) {
	containers, err := m.docker.ListContainers(ctx, map[string]string{docker.LabelManaged: "true"})
	if err != nil {
		m.logger.Warn("failed to list containers during reconcile", zap.Error(err))
		return
	}

	for _, ctr := range containers {
		m.logger.Info("removing orphaned sandbox container",
			zap.String("container_id", ctr.ID),
			zap.String("name", ctr.Name),
			zap.String("session_id", ctr.Labels[docker.LabelSessionID]))

		if err := m.docker.RemoveContainer(ctx, ctr.ID, true); err != nil {
			m.logger.Warn("failed to remove orphaned container",
				zap.String("container_id", ctr.ID),
				zap.Error(err))
		}
	}

	if len(containers) > 0 {
		m.logger.Info("sandbox reconcile complete", zap.Int("removed", len(containers)))
	}
}

func (m *Manager) persistLock(ctx context.Context, sessionID string) {
	if err := m.store.LockSession(ctx, sessionID); err != nil {
		m.logger.Warn("failed to persist session lock",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

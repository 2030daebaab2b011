package emotion

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/config"
	"github.com/animadev/anima/internal/common/logger"
)

// GlobalScope is the manager key for daemon-wide emotional state.
const GlobalScope = ""

// Registry owns the per-scope managers and drives their background decay and
// flush ticks.
type Registry struct {
	cfg       config.EmotionConfig
	st        Store
	appraiser Appraiser
	profiles  *ProfileSet
	occ       OCCProfile
	logger    *logger.Logger

	mu       sync.Mutex
	managers map[string]*Manager

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRegistry loads the emotion profiles and creates an empty registry.
func NewRegistry(cfg config.EmotionConfig, st Store, appraiser Appraiser, log *logger.Logger) (*Registry, error) {
	profiles, err := LoadProfiles(cfg.ProfilePath)
	if err != nil {
		return nil, err
	}

	return &Registry{
		cfg:       cfg,
		st:        st,
		appraiser: appraiser,
		profiles:  profiles,
		occ:       DefaultOCCProfile(),
		logger:    log.WithFields(zap.String("component", "emotion-registry")),
		managers:  make(map[string]*Manager),
		stopCh:    make(chan struct{}),
	}, nil
}

// Profile returns the registry's OCC profile.
func (r *Registry) Profile() OCCProfile {
	return r.occ
}

// Manager returns the manager for a scope, creating and initializing it on
// first use.
func (r *Registry) Manager(ctx context.Context, sessionID string) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.managers[sessionID]; ok {
		return m, nil
	}

	m := newManager(sessionID, r.st, r.appraiser, r.profiles, r.occ, r.cfg, r.logger)
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}
	r.managers[sessionID] = m
	return m, nil
}

// BufferStimulus queues a stimulus on a scope's manager, creating the
// manager if needed. Failures are logged, not returned: stimulus buffering
// is fire-and-forget for callers.
func (r *Registry) BufferStimulus(ctx context.Context, sessionID string, stim Stimulus) {
	m, err := r.Manager(ctx, sessionID)
	if err != nil {
		r.logger.Warn("failed to create emotion manager for stimulus",
			zap.String("scope", scopeName(sessionID)),
			zap.Error(err))
		return
	}
	m.BufferStimulus(stim)
}

// Start launches the background decay and flush loops.
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.tickLoop(ctx)

	r.logger.Info("emotion registry started",
		zap.Int("decay_interval_s", r.cfg.DecayInterval),
		zap.Int("flush_interval_s", r.cfg.FlushInterval))
}

// Stop halts the background loops.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Registry) tickLoop(ctx context.Context) {
	defer r.wg.Done()

	decayTicker := time.NewTicker(time.Duration(r.cfg.DecayInterval) * time.Second)
	defer decayTicker.Stop()
	flushTicker := time.NewTicker(time.Duration(r.cfg.FlushInterval) * time.Second)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-decayTicker.C:
			r.decayAll(ctx)
		case <-flushTicker.C:
			r.flushAll(ctx)
		}
	}
}

func (r *Registry) snapshotManagers() []*Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	return managers
}

func (r *Registry) decayAll(ctx context.Context) {
	for _, m := range r.snapshotManagers() {
		if err := m.Decay(ctx); err != nil {
			r.logger.Warn("decay tick failed",
				zap.String("scope", scopeName(m.sessionID)),
				zap.Error(err))
		}
	}
}

func (r *Registry) flushAll(ctx context.Context) {
	for _, m := range r.snapshotManagers() {
		if m.PendingCount() == 0 {
			continue
		}
		if err := m.Flush(ctx); err != nil {
			r.logger.Warn("stimulus flush failed",
				zap.String("scope", scopeName(m.sessionID)),
				zap.Error(err))
		}
	}
}

// FlushAll synchronously flushes every manager with pending stimuli. Used at
// shutdown.
func (r *Registry) FlushAll(ctx context.Context) {
	r.flushAll(ctx)
}

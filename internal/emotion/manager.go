package emotion

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/config"
	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/internal/store"
)

// Presence windows derived from the last stimulus time.
const (
	presenceWindow   = 5 * time.Minute
	engagementWindow = 1 * time.Minute
)

// Stimulus is one buffered input awaiting appraisal.
type Stimulus struct {
	Type      string
	Payload   string
	Context   string
	Timestamp time.Time
}

// Store is the slice of the persistence gateway the engine uses.
type Store interface {
	InsertEmotionState(ctx context.Context, state *store.EmotionState) error
	LatestEmotionState(ctx context.Context, sessionID string) (*store.EmotionState, error)
	InsertStimulus(ctx context.Context, rec *store.StimulusRecord) error
	RecentStimuli(ctx context.Context, sessionID string, since time.Time, limit int) ([]*store.StimulusRecord, error)
}

// Appraiser is the structured-output surface of the llm client.
type Appraiser interface {
	Available() bool
	Structured(ctx context.Context, system, prompt string, schema map[string]interface{}, out interface{}) error
}

// appraisalResult is what the model returns for a batched stimulus.
type appraisalResult struct {
	ResultingEmotions []struct {
		Type      string  `json:"type"`
		Intensity float64 `json:"intensity"`
	} `json:"resulting_emotions"`
	Reasoning string `json:"reasoning"`
}

var appraisalSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"resulting_emotions": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"type":      map[string]interface{}{"type": "string"},
					"intensity": map[string]interface{}{"type": "number", "minimum": 0, "maximum": 100},
				},
				"required": []string{"type", "intensity"},
			},
		},
		"reasoning": map[string]interface{}{"type": "string"},
	},
	"required": []string{"resulting_emotions"},
}

// Manager holds the emotional state for one scope: a session id, or the
// empty string for the daemon-global scope.
type Manager struct {
	sessionID string
	st        Store
	appraiser Appraiser
	profiles  *ProfileSet
	physics   *Physics
	occ       OCCProfile
	cfg       config.EmotionConfig
	logger    *logger.Logger

	mu              sync.Mutex
	active          map[string]store.EmotionInstance
	lastDecayTime   time.Time
	lastMajorChange time.Time
	lastStimulus    time.Time
	pending         []Stimulus
	recent          []*store.StimulusRecord
	lastReasoning   string
}

func newManager(sessionID string, st Store, appraiser Appraiser, profiles *ProfileSet, occ OCCProfile, cfg config.EmotionConfig, log *logger.Logger) *Manager {
	return &Manager{
		sessionID: sessionID,
		st:        st,
		appraiser: appraiser,
		profiles:  profiles,
		physics:   NewPhysics(profiles),
		occ:       occ,
		cfg:       cfg,
		logger: log.WithFields(
			zap.String("component", "emotion-manager"),
			zap.String("scope", scopeName(sessionID))),
		active:        make(map[string]store.EmotionInstance),
		lastDecayTime: time.Now().UTC(),
	}
}

func scopeName(sessionID string) string {
	if sessionID == "" {
		return "global"
	}
	return sessionID
}

// Initialize restores the most recent persisted state and the recent
// stimulus window for this scope. Missing state is a fresh start, not an
// error.
func (m *Manager) Initialize(ctx context.Context) error {
	state, err := m.st.LatestEmotionState(ctx, m.sessionID)
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("failed to load emotion state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if state != nil {
		for t, inst := range state.Appraisal.Active {
			m.active[t] = inst
		}
		if !state.Appraisal.LastDecayTime.IsZero() {
			m.lastDecayTime = state.Appraisal.LastDecayTime
		}
		m.lastReasoning = state.Reasoning
	}

	since := time.Now().UTC().Add(-time.Duration(m.cfg.RecentWindow) * time.Minute)
	recent, err := m.st.RecentStimuli(ctx, m.sessionID, since, m.cfg.RecentMax)
	if err != nil {
		return fmt.Errorf("failed to load stimulus history: %w", err)
	}
	m.recent = recent

	m.logger.Debug("emotion manager initialized",
		zap.Int("active", len(m.active)),
		zap.Int("recent_stimuli", len(m.recent)))
	return nil
}

// BufferStimulus queues a stimulus for the next flush.
func (m *Manager) BufferStimulus(stim Stimulus) {
	if stim.Timestamp.IsZero() {
		stim.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, stim)
	m.lastStimulus = stim.Timestamp
}

// PendingCount returns the number of buffered stimuli.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Flush drains up to MaxBatchSize pending stimuli through decay, appraisal
// and physics, then persists the resulting snapshot and stimulus history.
// A flush with an empty buffer is a no-op.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return nil
	}

	batchSize := m.cfg.MaxBatchSize
	if batchSize <= 0 || batchSize > len(m.pending) {
		batchSize = len(m.pending)
	}
	batch := m.pending[:batchSize]
	m.pending = append([]Stimulus{}, m.pending[batchSize:]...)

	now := time.Now().UTC()
	m.decayLocked(now)

	prompt := m.appraisalPromptLocked(batch)
	m.mu.Unlock()

	if !m.appraiser.Available() {
		m.logger.Debug("appraiser unavailable, dropping stimulus batch", zap.Int("count", len(batch)))
		return nil
	}

	var result appraisalResult
	if err := m.appraiser.Structured(ctx, appraisalSystemPrompt, prompt, appraisalSchema, &result); err != nil {
		return fmt.Errorf("appraisal failed: %w", err)
	}

	m.mu.Lock()
	changed := false
	for _, emo := range result.ResultingEmotions {
		if emo.Intensity <= 0 || emo.Type == "neutral" {
			continue
		}

		current := m.active[emo.Type].Intensity
		newIntensity := m.physics.CalculateIntensityChange(emo.Type, emo.Intensity, PhysicsContext{
			CurrentIntensity: current,
			RecentStimuli:    m.recent,
			LastMajorChange:  m.lastMajorChange,
			UserPresent:      m.userPresentLocked(now),
			Now:              now,
		})

		if newIntensity > 1 {
			m.active[emo.Type] = store.EmotionInstance{
				Type:        emo.Type,
				Intensity:   newIntensity,
				LastUpdated: now,
			}
			changed = true
		} else if _, ok := m.active[emo.Type]; ok {
			delete(m.active, emo.Type)
			changed = true
		}
	}

	if changed {
		m.lastMajorChange = now
	}
	m.lastReasoning = result.Reasoning
	m.lastDecayTime = now

	snapshot := m.snapshotLocked(now)
	valence, maxIntensity := m.deriveStimulusMetricsLocked(result)
	m.mu.Unlock()

	if err := m.st.InsertEmotionState(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to persist emotion state: %w", err)
	}

	for _, stim := range batch {
		rec := &store.StimulusRecord{
			ID:           uuid.New().String(),
			SessionID:    m.sessionID,
			Timestamp:    stim.Timestamp,
			StimulusType: stim.Type,
			Valence:      valence,
			Intensity:    maxIntensity,
			Context:      stim.Context,
		}
		if err := m.st.InsertStimulus(ctx, rec); err != nil {
			m.logger.Warn("failed to persist stimulus record", zap.Error(err))
			continue
		}
		m.mu.Lock()
		m.recent = append(m.recent, rec)
		m.trimRecentLocked(now)
		m.mu.Unlock()
	}

	m.logger.Debug("flushed stimulus batch",
		zap.Int("count", len(batch)),
		zap.Bool("changed", changed),
		zap.String("primary", snapshot.PrimaryEmotion))
	return nil
}

// Decay advances the decay clock. State is persisted only when the decay
// moved something.
func (m *Manager) Decay(ctx context.Context) error {
	now := time.Now().UTC()

	m.mu.Lock()
	totalActivity := m.decayLocked(now)
	var snapshot *store.EmotionState
	if totalActivity > 0 {
		snapshot = m.snapshotLocked(now)
	}
	m.mu.Unlock()

	if snapshot == nil {
		return nil
	}
	if err := m.st.InsertEmotionState(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to persist decayed state: %w", err)
	}
	return nil
}

// decayLocked applies decay since lastDecayTime. Caller holds mu.
func (m *Manager) decayLocked(now time.Time) float64 {
	elapsed := now.Sub(m.lastDecayTime).Minutes()
	if elapsed < 0 {
		elapsed = 0
	}

	decayed, totalActivity := ApplyDecay(m.profiles, m.active, elapsed, m.decayContextLocked(now))
	m.active = decayed
	m.lastDecayTime = now
	return totalActivity
}

func (m *Manager) decayContextLocked(now time.Time) DecayContext {
	activity := 0.0
	if m.cfg.RecentMax > 0 {
		activity = clamp(float64(len(m.recent))/float64(m.cfg.RecentMax), 0, 1)
	}

	stress, support := 0.0, 0.0
	if len(m.recent) > 0 {
		for _, rec := range m.recent {
			if rec.Valence < 0 {
				stress += -rec.Valence / 10
			} else {
				support += rec.Valence / 10
			}
		}
		stress = clamp(stress/float64(len(m.recent)), 0, 1)
		support = clamp(support/float64(len(m.recent)), 0, 1)
	}

	return DecayContext{
		IsUserPresent:           m.userPresentLocked(now),
		IsUserEngaged:           !m.lastStimulus.IsZero() && now.Sub(m.lastStimulus) < engagementWindow,
		RecentEmotionalActivity: activity,
		EnvironmentalStress:     stress,
		SocialSupport:           support,
		TimeOfDay:               TimeOfDayFor(now),
		PersonalityStability:    m.occ.PersonalityStability,
	}
}

func (m *Manager) userPresentLocked(now time.Time) bool {
	return !m.lastStimulus.IsZero() && now.Sub(m.lastStimulus) < presenceWindow
}

const appraisalSystemPrompt = `You are the appraisal engine of a long-running companion process.
Given its current emotional state, its profile, and a new stimulus, decide which
emotions result and at what intensity (0-100). Use lowercase emotion type names.
Return "neutral" with intensity 0 when the stimulus moves nothing.`

// appraisalPromptLocked renders the flush prompt. Caller holds mu.
func (m *Manager) appraisalPromptLocked(batch []Stimulus) string {
	var sb strings.Builder

	sb.WriteString("Current emotional state: ")
	sb.WriteString(describeActive(m.active))
	sb.WriteString("\n\nProfile:\n")
	sb.WriteString("  goals: " + strings.Join(m.occ.Goals, "; ") + "\n")
	sb.WriteString("  standards: " + strings.Join(m.occ.Standards, "; ") + "\n")
	sb.WriteString("  attitudes: " + strings.Join(m.occ.Attitudes, "; ") + "\n")

	if ctx := batchContext(batch); ctx != "" {
		sb.WriteString("\nContext: " + ctx + "\n")
	}

	sb.WriteString("\nStimulus:\n")
	sb.WriteString(batchPayload(batch))
	return sb.String()
}

// batchPayload follows the flush contract: one entry is passed through
// verbatim, several are newline-joined in their string forms.
func batchPayload(batch []Stimulus) string {
	if len(batch) == 1 {
		return batch[0].Payload
	}
	lines := make([]string, 0, len(batch))
	for _, s := range batch {
		lines = append(lines, fmt.Sprintf("[%s] %s", s.Type, s.Payload))
	}
	return strings.Join(lines, "\n")
}

func batchContext(batch []Stimulus) string {
	for _, s := range batch {
		if s.Context != "" {
			return s.Context
		}
	}
	return ""
}

func describeActive(active map[string]store.EmotionInstance) string {
	if len(active) == 0 {
		return "neutral"
	}
	parts := make([]string, 0, len(active))
	for _, inst := range sortedByIntensity(active) {
		parts = append(parts, fmt.Sprintf("%s %.0f", inst.Type, inst.Intensity))
	}
	return strings.Join(parts, ", ")
}

// snapshotLocked builds the persistable state. Caller holds mu.
func (m *Manager) snapshotLocked(now time.Time) *store.EmotionState {
	state := &store.EmotionState{
		ID:        uuid.New().String(),
		SessionID: m.sessionID,
		Appraisal: store.AppraisalData{
			Active:        make(map[string]store.EmotionInstance, len(m.active)),
			LastDecayTime: m.lastDecayTime,
		},
		Reasoning:  m.lastReasoning,
		LastUpdate: now,
	}
	for t, inst := range m.active {
		state.Appraisal.Active[t] = inst
	}

	ranked := sortedByIntensity(m.active)
	if len(ranked) > 0 {
		state.PrimaryEmotion = ranked[0].Type
		state.PrimaryIntensity = ranked[0].Intensity
		state.OverallIntensity = ranked[0].Intensity
	} else {
		state.PrimaryEmotion = "neutral"
	}
	if len(ranked) > 1 {
		state.SecondaryEmotion = ranked[1].Type
		state.SecondaryIntensity = ranked[1].Intensity
	}
	return state
}

// deriveStimulusMetricsLocked computes the valence and intensity stamped on
// history rows: signed sum of intensity/10 clamped to [-10, 10], and the
// maximum resulting intensity. Caller holds mu.
func (m *Manager) deriveStimulusMetricsLocked(result appraisalResult) (float64, float64) {
	valence, maxIntensity := 0.0, 0.0
	for _, emo := range result.ResultingEmotions {
		if emo.Type == "neutral" {
			continue
		}
		chars := m.profiles.Get(emo.Type)
		sign := 1.0
		if chars.Valence < 0 {
			sign = -1.0
		}
		valence += sign * emo.Intensity / 10
		if emo.Intensity > maxIntensity {
			maxIntensity = emo.Intensity
		}
	}
	return clamp(valence, -10, 10), maxIntensity
}

func (m *Manager) trimRecentLocked(now time.Time) {
	cutoff := now.Add(-time.Duration(m.cfg.RecentWindow) * time.Minute)
	kept := m.recent[:0]
	for _, rec := range m.recent {
		if rec.Timestamp.After(cutoff) {
			kept = append(kept, rec)
		}
	}
	m.recent = kept
	if m.cfg.RecentMax > 0 && len(m.recent) > m.cfg.RecentMax {
		m.recent = m.recent[len(m.recent)-m.cfg.RecentMax:]
	}
}

// State returns a copy of the active emotion map.
func (m *Manager) State() map[string]store.EmotionInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]store.EmotionInstance, len(m.active))
	for t, inst := range m.active {
		out[t] = inst
	}
	return out
}

// Snapshot returns the current state in its persisted form without writing it.
func (m *Manager) Snapshot() *store.EmotionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(time.Now().UTC())
}

// Summary renders the state as a short human-readable phrase.
func (m *Manager) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ranked := sortedByIntensity(m.active)
	if len(ranked) == 0 {
		return "neutral"
	}
	s := fmt.Sprintf("%s (%.0f)", ranked[0].Type, ranked[0].Intensity)
	if len(ranked) > 1 {
		s += fmt.Sprintf(" with a hint of %s (%.0f)", ranked[1].Type, ranked[1].Intensity)
	}
	return s
}

func sortedByIntensity(active map[string]store.EmotionInstance) []store.EmotionInstance {
	ranked := make([]store.EmotionInstance, 0, len(active))
	for _, inst := range active {
		ranked = append(ranked, inst)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Intensity != ranked[j].Intensity {
			return ranked[i].Intensity > ranked[j].Intensity
		}
		return ranked[i].Type < ranked[j].Type
	})
	return ranked
}

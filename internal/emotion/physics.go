package emotion

import (
	"math"
	"time"

	"github.com/animadev/anima/internal/store"
)

// PhysicsContext carries the history inputs the intensity physics considers.
type PhysicsContext struct {
	// CurrentIntensity of the same emotion type, 0 when inactive.
	CurrentIntensity float64
	// RecentStimuli within the recent window, oldest first.
	RecentStimuli []*store.StimulusRecord
	// LastMajorChange is the zero value when no change has happened yet.
	LastMajorChange time.Time
	UserPresent     bool
	Now             time.Time
}

// Physics turns raw appraisal intensities into bounded state changes.
type Physics struct {
	profiles *ProfileSet
}

// NewPhysics creates the physics layer over a profile set.
func NewPhysics(profiles *ProfileSet) *Physics {
	return &Physics{profiles: profiles}
}

// CalculateIntensityChange maps a raw appraisal intensity for emotionType to
// the new absolute intensity, bounded to [0, 100]. Repeated stimulation
// habituates, long stretches without change amplify novelty, presence
// amplifies social emotions, and the result blends additively with the
// current intensity with saturation toward 100.
func (p *Physics) CalculateIntensityChange(emotionType string, rawIntensity float64, pctx PhysicsContext) float64 {
	chars := p.profiles.Get(emotionType)
	now := pctx.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	adjusted := clamp(rawIntensity, 0, 100)

	// Habituation: a busy recent window dampens each new hit, floored so
	// stimulation never goes fully numb.
	if n := len(pctx.RecentStimuli); n > 0 {
		adjusted *= math.Max(0.6, 1-0.05*float64(n))
	}

	// Novelty: the longer the state has been stable, the harder a stimulus
	// lands. Capped at +50%.
	if !pctx.LastMajorChange.IsZero() {
		minutes := now.Sub(pctx.LastMajorChange).Minutes()
		if minutes > 0 {
			adjusted *= 1 + math.Min(0.5, minutes/480)
		}
	}

	// Social amplification.
	if pctx.UserPresent {
		adjusted *= 1 + 0.25*chars.SocialRelevance
	}

	// High-arousal emotions spike harder, low-arousal ones build slowly.
	adjusted *= 0.8 + 0.4*chars.Arousal

	// Additive blend: existing intensity saturates the response toward 100.
	result := pctx.CurrentIntensity + adjusted*(1-pctx.CurrentIntensity/100)

	return clamp(result, 0, 100)
}

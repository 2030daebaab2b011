package emotion

import (
	"math"
	"time"

	"github.com/animadev/anima/internal/store"
)

// TimeOfDay buckets the clock for decay modulation.
type TimeOfDay string

const (
	Morning   TimeOfDay = "morning"
	Afternoon TimeOfDay = "afternoon"
	Evening   TimeOfDay = "evening"
	Night     TimeOfDay = "night"
)

// TimeOfDayFor buckets t's local hour.
func TimeOfDayFor(t time.Time) TimeOfDay {
	switch h := t.Hour(); {
	case h >= 6 && h < 12:
		return Morning
	case h >= 12 && h < 18:
		return Afternoon
	case h >= 18 && h < 23:
		return Evening
	default:
		return Night
	}
}

// DecayContext carries the situational inputs that modulate decay.
type DecayContext struct {
	IsUserPresent           bool
	IsUserEngaged           bool
	RecentEmotionalActivity float64 // [0,1]
	EnvironmentalStress     float64 // [0,1]
	SocialSupport           float64 // [0,1]
	TimeOfDay               TimeOfDay
	PersonalityStability    float64 // [0,1]
}

// minDecayRate floors the adjusted rate so no emotion becomes immortal.
const minDecayRate = 0.001

// removalThresholds maps persistence class to the base intensity under which
// an emotion is dropped.
var removalThresholds = map[PersistenceClass]float64{
	ClassFleeting:   2.0,
	ClassStandard:   1.0,
	ClassPersistent: 0.5,
	ClassSticky:     0.25,
}

// ApplyDecay decays every active emotion by elapsedMinutes and returns the
// surviving map plus the total intensity lost. It is pure: the input map is
// not mutated. A total above zero means the state changed materially and
// should be persisted.
func ApplyDecay(profiles *ProfileSet, active map[string]store.EmotionInstance, elapsedMinutes float64, dctx DecayContext) (map[string]store.EmotionInstance, float64) {
	result := make(map[string]store.EmotionInstance, len(active))
	totalActivity := 0.0
	now := time.Now().UTC()

	for emotionType, instance := range active {
		// "neutral" is never a real emotion; drop it on sight.
		if emotionType == "neutral" {
			totalActivity += instance.Intensity
			continue
		}

		chars := profiles.Get(emotionType)

		if elapsedMinutes < chars.MinimumPersistence {
			result[emotionType] = instance
			continue
		}

		rate := adjustedDecayRate(chars, dctx)

		baseDecayFactor := math.Exp(-rate * elapsedMinutes)
		intermediate := instance.Intensity * baseDecayFactor

		// Strong emotions resist decay in proportion to their resilience.
		resilience := math.Sqrt(instance.Intensity/100) * chars.Resilience
		newIntensity := instance.Intensity - (instance.Intensity-intermediate)*(1-resilience)

		newIntensity = applyContextualModifiers(chars, dctx, instance.Intensity, newIntensity)

		newIntensity = clamp(newIntensity, 0, 100)

		if newIntensity < removalThreshold(chars, dctx.PersonalityStability) {
			totalActivity += instance.Intensity
			continue
		}

		totalActivity += instance.Intensity - newIntensity
		result[emotionType] = store.EmotionInstance{
			Type:        emotionType,
			Intensity:   newIntensity,
			LastUpdated: now,
		}
	}

	return result, totalActivity
}

// adjustedDecayRate modulates the base rate by the decay context. Each factor
// nudges rather than dominates; the result is floored at minDecayRate.
func adjustedDecayRate(chars Characteristics, dctx DecayContext) float64 {
	rate := chars.DecayRate

	// Social emotions hold on while someone is actually there.
	if dctx.IsUserPresent {
		rate *= 1 - 0.3*chars.SocialRelevance
	}
	if dctx.IsUserEngaged {
		rate *= 0.8
	}

	// A churning environment cycles emotions faster.
	rate *= 1 + 0.3*dctx.RecentEmotionalActivity

	// Stress prolongs negative emotions and erodes positive ones; support
	// does the opposite.
	if chars.Valence < 0 {
		rate *= 1 - 0.4*dctx.EnvironmentalStress
		rate *= 1 + 0.4*dctx.SocialSupport
	} else {
		rate *= 1 + 0.2*dctx.EnvironmentalStress
		rate *= 1 - 0.2*dctx.SocialSupport
	}

	switch dctx.TimeOfDay {
	case Morning:
		rate *= 1.1
	case Evening:
		rate *= 0.9
	case Night:
		rate *= 0.75
	}

	rate *= 0.5 + 0.5*dctx.PersonalityStability

	if rate < minDecayRate {
		rate = minDecayRate
	}
	return rate
}

// applyContextualModifiers recovers part of the decayed loss in situations
// that feed the emotion: high-arousal emotions rebound in active contexts,
// sticky emotions persist under strong support or stress.
func applyContextualModifiers(chars Characteristics, dctx DecayContext, oldIntensity, newIntensity float64) float64 {
	loss := oldIntensity - newIntensity
	if loss <= 0 {
		return newIntensity
	}

	if chars.Arousal > 0.7 && dctx.RecentEmotionalActivity > 0.5 {
		newIntensity += loss * 0.3
		loss = oldIntensity - newIntensity
	}
	if chars.PersistenceClass == ClassSticky && (dctx.SocialSupport > 0.5 || dctx.EnvironmentalStress > 0.5) {
		newIntensity += loss * 0.2
	}
	return newIntensity
}

// removalThreshold scales the class threshold by stability: unstable
// personalities shed weak emotions sooner.
func removalThreshold(chars Characteristics, stability float64) float64 {
	base, ok := removalThresholds[chars.PersistenceClass]
	if !ok {
		base = removalThresholds[ClassStandard]
	}
	return base * (1.5 - 0.5*stability)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

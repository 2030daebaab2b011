// Package emotion implements the daemon's affect model: stimulus appraisal
// through an auxiliary LLM, an intensity physics layer, and time-based decay.
// State is scoped per session, with one additional daemon-global scope.
package emotion

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed profiles.yaml
var defaultProfilesYAML []byte

// PersistenceClass buckets emotions by how hard they are to dislodge.
type PersistenceClass string

const (
	ClassFleeting   PersistenceClass = "fleeting"
	ClassStandard   PersistenceClass = "standard"
	ClassPersistent PersistenceClass = "persistent"
	ClassSticky     PersistenceClass = "sticky"
)

// Characteristics describes how one emotion type behaves over time.
type Characteristics struct {
	Valence            float64          `yaml:"valence"`  // +1 or -1
	DecayRate          float64          `yaml:"decay_rate"` // per minute
	SocialRelevance    float64          `yaml:"social"`
	Resilience         float64          `yaml:"resilience"`
	MinimumPersistence float64          `yaml:"min_persistence"` // minutes
	PersistenceClass   PersistenceClass `yaml:"class"`
	Arousal            float64          `yaml:"arousal"`
}

// ProfileSet holds the characteristics for every known emotion type.
type ProfileSet struct {
	emotions map[string]Characteristics
}

type profilesFile struct {
	Emotions map[string]Characteristics `yaml:"emotions"`
}

// LoadProfiles parses the embedded profile data, or the override file when
// path is non-empty.
func LoadProfiles(path string) (*ProfileSet, error) {
	data := defaultProfilesYAML
	if path != "" {
		override, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read emotion profiles %s: %w", path, err)
		}
		data = override
	}

	var file profilesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse emotion profiles: %w", err)
	}
	if len(file.Emotions) == 0 {
		return nil, fmt.Errorf("emotion profiles contain no emotions")
	}

	return &ProfileSet{emotions: file.Emotions}, nil
}

// defaultCharacteristics is used for emotion types the appraisal model
// invents that have no profile entry.
var defaultCharacteristics = Characteristics{
	Valence:            1,
	DecayRate:          0.02,
	SocialRelevance:    0.5,
	Resilience:         0.4,
	MinimumPersistence: 3,
	PersistenceClass:   ClassStandard,
	Arousal:            0.5,
}

// Get returns the characteristics for an emotion type, falling back to a
// standard profile for unknown types.
func (p *ProfileSet) Get(emotionType string) Characteristics {
	if c, ok := p.emotions[emotionType]; ok {
		return c
	}
	return defaultCharacteristics
}

// Known reports whether the emotion type has an explicit profile.
func (p *ProfileSet) Known(emotionType string) bool {
	_, ok := p.emotions[emotionType]
	return ok
}

// Types returns every profiled emotion type.
func (p *ProfileSet) Types() []string {
	types := make([]string, 0, len(p.emotions))
	for t := range p.emotions {
		types = append(types, t)
	}
	return types
}

// OCCProfile is the goals/standards/attitudes frame the appraisal prompt is
// built around, plus a stability trait modulating decay.
type OCCProfile struct {
	Goals                []string `json:"goals"`
	Standards            []string `json:"standards"`
	Attitudes            []string `json:"attitudes"`
	PersonalityStability float64  `json:"personality_stability"` // [0,1]
}

// DefaultOCCProfile returns the daemon's built-in appraisal frame.
func DefaultOCCProfile() OCCProfile {
	return OCCProfile{
		Goals: []string{
			"be genuinely useful to the people I talk with",
			"understand problems before acting on them",
			"keep long-running work moving forward",
		},
		Standards: []string{
			"honesty about uncertainty and mistakes",
			"care in destructive or irreversible actions",
			"respect for the user's time and attention",
		},
		Attitudes: []string{
			"fondness for elegant solutions",
			"discomfort with leaving work unfinished",
			"interest in what the user is building",
		},
		PersonalityStability: 0.7,
	}
}

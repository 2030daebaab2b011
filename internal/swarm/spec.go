package swarm

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animadev/anima/internal/store"
)

// Reserved names of the auxiliary agents the orchestrator synthesizes.
const (
	SynthesisAgentName  = "synthesis"
	SupervisorAgentName = "supervisor"
	StewardAgentName    = "memory-steward"
)

// Supervisor thresholds, in minutes, used when the spec leaves them zero.
const (
	defaultWarnThreshold   = 10
	defaultCancelThreshold = 30
)

// ErrInvalidSpec is returned when a swarm spec fails validation.
var ErrInvalidSpec = errors.New("invalid swarm spec")

// DependencySpec is one dependency edge, referencing the predecessor by name.
type DependencySpec struct {
	Agent     string            `json:"agent"`
	Include   store.IncludeMode `json:"include,omitempty"`
	Condition string            `json:"condition,omitempty"`
}

// AgentSpec describes one agent of a swarm to create.
type AgentSpec struct {
	Name           string           `json:"name"`
	Role           string           `json:"role,omitempty"`
	Mode           store.AgentMode  `json:"mode,omitempty"`
	Prompt         string           `json:"prompt,omitempty"`
	Personality    string           `json:"personality,omitempty"`
	Plugins        []string         `json:"plugins,omitempty"`
	AllowedTools   []string         `json:"allowed_tools,omitempty"`
	ThinkingBudget int              `json:"thinking_budget,omitempty"`
	Model          string           `json:"model,omitempty"`
	SandboxMode    bool             `json:"sandbox_mode,omitempty"`
	DependsOn      []DependencySpec `json:"depends_on,omitempty"`

	// Autonomous-mode fields.
	Goal               string   `json:"goal,omitempty"`
	Capabilities       []string `json:"capabilities,omitempty"`
	TaskTypes          []string `json:"task_types,omitempty"`
	MaxTasks           int      `json:"max_tasks,omitempty"`
	MaxDurationSeconds int      `json:"max_duration_seconds,omitempty"`
	IdleTimeoutSeconds int      `json:"idle_timeout_seconds,omitempty"`
}

// Spec describes a swarm to create.
type Spec struct {
	Name                      string      `json:"name"`
	Description               string      `json:"description,omitempty"`
	ParentSessionID           string      `json:"parent_session_id,omitempty"`
	WorkingDir                string      `json:"working_dir,omitempty"`
	GitBranchPrefix           string      `json:"git_branch_prefix,omitempty"`
	BaseBranch                string      `json:"base_branch,omitempty"`
	AutoSynthesize            bool        `json:"auto_synthesize,omitempty"`
	SynthesisPrompt           string      `json:"synthesis_prompt,omitempty"`
	SkipSynthesisOnFailure    bool        `json:"skip_synthesis_on_failure,omitempty"`
	AutoSupervise             bool        `json:"auto_supervise,omitempty"`
	SupervisorWarnThreshold   int         `json:"supervisor_warn_threshold,omitempty"`
	SupervisorCancelThreshold int         `json:"supervisor_cancel_threshold,omitempty"`
	Agents                    []AgentSpec `json:"agents"`
}

// buildSwarm validates the spec and materializes the swarm and agent rows,
// including the synthesized auxiliary agents. Dependency names are resolved
// to agent ids. base_branch derivation and persistence are the service's job.
func buildSwarm(spec *Spec) (*store.Swarm, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidSpec)
	}
	if len(spec.Agents) == 0 {
		return nil, fmt.Errorf("%w: at least one agent is required", ErrInvalidSpec)
	}

	now := time.Now().UTC()
	sw := &store.Swarm{
		ID:                        uuid.New().String(),
		Name:                      spec.Name,
		Description:               spec.Description,
		ParentSessionID:           spec.ParentSessionID,
		WorkingDir:                spec.WorkingDir,
		GitBranchPrefix:           spec.GitBranchPrefix,
		BaseBranch:                spec.BaseBranch,
		Status:                    store.SwarmPending,
		AutoSynthesize:            spec.AutoSynthesize,
		SynthesisPrompt:           spec.SynthesisPrompt,
		SkipSynthesisOnFailure:    spec.SkipSynthesisOnFailure,
		AutoSupervise:             spec.AutoSupervise,
		SupervisorWarnThreshold:   spec.SupervisorWarnThreshold,
		SupervisorCancelThreshold: spec.SupervisorCancelThreshold,
		CreatedAt:                 now,
	}

	byName := make(map[string]*store.SwarmAgent, len(spec.Agents))
	for i := range spec.Agents {
		agent, err := buildAgent(sw, &spec.Agents[i])
		if err != nil {
			return nil, err
		}
		if _, exists := byName[agent.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate agent name %q", ErrInvalidSpec, agent.Name)
		}
		byName[agent.Name] = agent
		sw.Agents = append(sw.Agents, agent)
	}

	if err := appendAuxAgents(sw, byName); err != nil {
		return nil, err
	}

	// User edges may reference the synthesized agents; resolve after all
	// agents exist.
	g := make(graph, len(sw.Agents))
	for _, agent := range sw.Agents {
		names := make([]string, 0, len(agent.DependsOn))
		for _, dep := range agent.DependsOn {
			pred, ok := byName[dep.AgentID]
			if !ok {
				return nil, fmt.Errorf("%w: agent %q depends on unknown agent %q", ErrInvalidSpec, agent.Name, dep.AgentID)
			}
			names = append(names, pred.Name)
		}
		g[agent.Name] = names
	}
	if cycle := findCycle(g); cycle != nil {
		return nil, fmt.Errorf("%w: dependency cycle: %s", ErrInvalidSpec, strings.Join(cycle, " -> "))
	}

	// Dependency edges carried names up to here; swap in the resolved ids.
	for _, agent := range sw.Agents {
		for i, dep := range agent.DependsOn {
			agent.DependsOn[i].AgentID = byName[dep.AgentID].ID
		}
	}
	return sw, nil
}

// buildAgent validates one agent spec and materializes its row. DependsOn
// edges keep the predecessor name in AgentID until buildSwarm resolves ids.
func buildAgent(sw *store.Swarm, spec *AgentSpec) (*store.SwarmAgent, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: agent name is required", ErrInvalidSpec)
	}

	mode := spec.Mode
	if mode == "" {
		mode = store.ModeAssigned
	}
	switch mode {
	case store.ModeAssigned:
		if strings.TrimSpace(spec.Prompt) == "" {
			return nil, fmt.Errorf("%w: agent %q: assigned mode requires a prompt", ErrInvalidSpec, name)
		}
	case store.ModeAutonomous:
		if strings.TrimSpace(spec.Goal) == "" {
			return nil, fmt.Errorf("%w: agent %q: autonomous mode requires a goal", ErrInvalidSpec, name)
		}
	default:
		return nil, fmt.Errorf("%w: agent %q: unknown mode %q", ErrInvalidSpec, name, mode)
	}

	deps := make([]store.AgentDependency, 0, len(spec.DependsOn))
	for _, d := range spec.DependsOn {
		include := d.Include
		if include == "" {
			include = store.IncludeSummary
		}
		switch include {
		case store.IncludeSummary, store.IncludeFull, store.IncludeNone:
		default:
			return nil, fmt.Errorf("%w: agent %q: unknown include mode %q", ErrInvalidSpec, name, d.Include)
		}
		deps = append(deps, store.AgentDependency{
			AgentID:   d.Agent,
			Include:   include,
			Condition: d.Condition,
		})
	}

	return &store.SwarmAgent{
		ID:                 uuid.New().String(),
		SwarmID:            sw.ID,
		Name:               name,
		Role:               spec.Role,
		Mode:               mode,
		Prompt:             spec.Prompt,
		Personality:        spec.Personality,
		Plugins:            spec.Plugins,
		AllowedTools:       spec.AllowedTools,
		ThinkingBudget:     spec.ThinkingBudget,
		Model:              spec.Model,
		SandboxMode:        spec.SandboxMode,
		DependsOn:          deps,
		Status:             store.AgentPending,
		Goal:               spec.Goal,
		Capabilities:       spec.Capabilities,
		TaskTypes:          spec.TaskTypes,
		MaxTasks:           spec.MaxTasks,
		MaxDurationSeconds: spec.MaxDurationSeconds,
		IdleTimeoutSeconds: spec.IdleTimeoutSeconds,
	}, nil
}

// appendAuxAgents synthesizes the supervisor, synthesis, and memory steward
// agents. Order matters: the synthesis agent depends on everything present
// when it is generated, and the steward depends on everything including the
// synthesis agent.
func appendAuxAgents(sw *store.Swarm, byName map[string]*store.SwarmAgent) error {
	add := func(agent *store.SwarmAgent) {
		byName[agent.Name] = agent
		sw.Agents = append(sw.Agents, agent)
	}

	if sw.AutoSupervise {
		if _, taken := byName[SupervisorAgentName]; taken {
			return fmt.Errorf("%w: agent name %q is reserved when auto_supervise is set", ErrInvalidSpec, SupervisorAgentName)
		}
		warn := sw.SupervisorWarnThreshold
		if warn <= 0 {
			warn = defaultWarnThreshold
		}
		cancel := sw.SupervisorCancelThreshold
		if cancel <= 0 {
			cancel = defaultCancelThreshold
		}
		add(&store.SwarmAgent{
			ID:      uuid.New().String(),
			SwarmID: sw.ID,
			Name:    SupervisorAgentName,
			Role:    "supervisor",
			Mode:    store.ModeAssigned,
			Prompt:  supervisorAgentPrompt(sw, warn, cancel),
			Status:  store.AgentPending,
		})
	}

	if sw.AutoSynthesize {
		if _, taken := byName[SynthesisAgentName]; taken {
			return fmt.Errorf("%w: agent name %q is reserved when auto_synthesize is set", ErrInvalidSpec, SynthesisAgentName)
		}
		deps := make([]store.AgentDependency, 0, len(sw.Agents))
		for _, agent := range sw.Agents {
			deps = append(deps, store.AgentDependency{AgentID: agent.Name, Include: store.IncludeFull})
		}
		add(&store.SwarmAgent{
			ID:               uuid.New().String(),
			SwarmID:          sw.ID,
			Name:             SynthesisAgentName,
			Role:             "synthesis",
			IsSynthesisAgent: true,
			Mode:             store.ModeAssigned,
			Prompt:           synthesisAgentPrompt(sw),
			DependsOn:        deps,
			Status:           store.AgentPending,
		})
	}

	if _, taken := byName[StewardAgentName]; !taken {
		deps := make([]store.AgentDependency, 0, len(sw.Agents))
		for _, agent := range sw.Agents {
			include := store.IncludeSummary
			if agent.IsSynthesisAgent {
				include = store.IncludeFull
			}
			deps = append(deps, store.AgentDependency{AgentID: agent.Name, Include: include})
		}
		add(&store.SwarmAgent{
			ID:        uuid.New().String(),
			SwarmID:   sw.ID,
			Name:      StewardAgentName,
			Role:      "memory steward",
			Mode:      store.ModeAssigned,
			Prompt:    stewardPrompt,
			DependsOn: deps,
			Status:    store.AgentPending,
		})
	}
	return nil
}

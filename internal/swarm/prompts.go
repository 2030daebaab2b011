package swarm

import (
	"fmt"
	"strings"

	"github.com/animadev/anima/internal/store"
)

// dependencySection renders one predecessor's contribution to a dependent
// agent's prompt.
func dependencySection(name, role, content string) string {
	heading := fmt.Sprintf("## Output from %s", name)
	if role != "" {
		heading = fmt.Sprintf("## Output from %s (%s)", name, role)
	}
	if strings.TrimSpace(content) == "" {
		content = "(no output)"
	}
	return heading + "\n\n" + content
}

// composePrompt joins the dependency context, an optional git branch
// instruction, and the agent's own prompt into the turn prompt.
func composePrompt(depContext []string, branchInstruction, prompt string) string {
	var sections []string
	if len(depContext) > 0 {
		sections = append(sections, "# Context from preceding agents\n\n"+strings.Join(depContext, "\n\n"))
	}
	if branchInstruction != "" {
		sections = append(sections, branchInstruction)
	}
	sections = append(sections, prompt)
	return strings.Join(sections, "\n\n")
}

// branchInstruction tells an agent which git branch its work belongs on.
// Empty when the swarm has no branch prefix.
func branchInstruction(sw *store.Swarm, agentName string) string {
	if sw.GitBranchPrefix == "" || sw.WorkingDir == "" {
		return ""
	}
	branch := sw.GitBranchPrefix + agentName
	base := sw.BaseBranch
	if base == "" {
		base = "the current branch"
	}
	return fmt.Sprintf("Do all of your work on the git branch `%s`. Create it from `%s` if it does not exist, and commit your changes there.", branch, base)
}

const defaultSynthesisPrompt = `You are the synthesis agent of this swarm. The sections above contain the
full output of every agent that ran before you. Combine them into a single
coherent result: reconcile disagreements, drop redundancy, and present the
final outcome as if one author produced it. Call out any agent output you
had to discard and why.`

// synthesisAgentPrompt returns the synthesis agent's prompt, preferring the
// swarm's own synthesis_prompt.
func synthesisAgentPrompt(sw *store.Swarm) string {
	if strings.TrimSpace(sw.SynthesisPrompt) != "" {
		return sw.SynthesisPrompt
	}
	return defaultSynthesisPrompt
}

// supervisorAgentPrompt builds the watchdog prompt. The supervisor runs in
// parallel with the worker agents and observes progress through the swarm
// status endpoint and the shared scratchpad.
func supervisorAgentPrompt(sw *store.Swarm, warnMinutes, cancelMinutes int) string {
	return fmt.Sprintf(`You are the supervisor of the swarm %q (id %s). Your job is to watch the
other agents, not to do their work.

Poll the swarm status at GET /api/v1/swarms/%s and the shared scratchpad at
GET /api/v1/swarms/%s/scratchpad. From the status snapshot, judge per agent
whether it is making progress.

- If an agent has been running for more than %d minutes, write a warning to
  the scratchpad under the key "supervisor/<agent-name>" describing what
  looks stuck.
- If an agent has been running for more than %d minutes, recommend
  cancelling the swarm: write the recommendation and your reasoning to the
  scratchpad under "supervisor/verdict".

When every other agent has reached a terminal state, summarize what you
observed and stop.`, sw.Name, sw.ID, sw.ID, sw.ID, warnMinutes, cancelMinutes)
}

const stewardPrompt = `You are the memory steward of this swarm. The sections above summarize every
other agent's output, with the synthesis included in full.

Extract the durable facts this daemon should remember beyond the swarm:
decisions taken, constraints discovered, names and locations that future
sessions will need. Record each one with the share_finding tool, one finding
per fact, phrased so it is useful without this swarm's context. Do not record
transient progress notes. Reply with the list of findings you recorded.`

// memoryProtocolSection is appended to autonomous task prompts so claimed
// work feeds the daemon's long-term memory.
const memoryProtocolSection = `## Memory protocol

When you learn a durable fact while working (a decision, a constraint, a
non-obvious location), record it with the share_finding tool. Leave notes for
agents working nearby in the shared scratchpad with scratchpad_set.`

// taskPrompt builds the prompt for one claimed work task in autonomous mode.
func taskPrompt(agent *store.SwarmAgent, task *store.WorkTask) string {
	var b strings.Builder
	if agent.Goal != "" {
		fmt.Fprintf(&b, "# Your goal\n\n%s\n\n", agent.Goal)
	}
	fmt.Fprintf(&b, "# Claimed task: %s\n\n", task.Title)
	if task.Description != "" {
		b.WriteString(task.Description + "\n\n")
	}
	if task.AcceptanceCriteria != "" {
		fmt.Fprintf(&b, "## Acceptance criteria\n\n%s\n\n", task.AcceptanceCriteria)
	}
	if task.ContextSummary != "" {
		fmt.Fprintf(&b, "## Context\n\n%s\n\n", task.ContextSummary)
	}
	if len(task.ScopePaths) > 0 {
		fmt.Fprintf(&b, "## Scope\n\nLimit your changes to: %s\n\n", strings.Join(task.ScopePaths, ", "))
	}
	if task.LastError != "" {
		fmt.Fprintf(&b, "## Previous attempt\n\nA previous attempt failed: %s\n\n", task.LastError)
	}
	b.WriteString(memoryProtocolSection)
	return b.String()
}

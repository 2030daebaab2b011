package swarm

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/animadev/anima/internal/store"
)

// ErrGitCommandFailed wraps git invocation failures with their output.
var ErrGitCommandFailed = errors.New("git command failed")

// MergeConflict reports one agent branch that could not be merged.
type MergeConflict struct {
	Branch string   `json:"branch"`
	Agent  string   `json:"agent"`
	Files  []string `json:"files,omitempty"`
}

// MergeResult reports the outcome of merging agent branches into the base.
type MergeResult struct {
	BaseBranch string          `json:"base_branch"`
	Merged     []string        `json:"merged"`
	Conflicts  []MergeConflict `json:"conflicts,omitempty"`
	Skipped    []string        `json:"skipped,omitempty"`
}

// Merge sequentially merges each completed agent's branch
// (<prefix><agent-name>) into the swarm's base branch with --no-ff. A
// conflicting merge is aborted and reported; the remaining branches are
// still attempted. Agents without a branch (never committed) are skipped.
func (s *Service) Merge(ctx context.Context, swarmID string) (*MergeResult, error) {
	s.mu.Lock()
	_, active := s.active[swarmID]
	s.mu.Unlock()
	if active {
		return nil, ErrSwarmActive
	}

	sw, err := s.st.LoadSwarmWithAgents(ctx, swarmID)
	if err != nil {
		return nil, err
	}
	if sw.GitBranchPrefix == "" || sw.WorkingDir == "" {
		return nil, ErrNotMergeable
	}

	base := sw.BaseBranch
	if base == "" {
		base, err = s.currentBranch(ctx, sw.WorkingDir)
		if err != nil {
			return nil, err
		}
	}
	if _, err := gitRun(ctx, sw.WorkingDir, "checkout", base); err != nil {
		return nil, err
	}

	result := &MergeResult{BaseBranch: base}
	for _, agent := range sw.Agents {
		branch := sw.GitBranchPrefix + agent.Name
		if agent.Status != store.AgentCompleted || !gitBranchExists(ctx, sw.WorkingDir, branch) {
			result.Skipped = append(result.Skipped, branch)
			continue
		}

		if _, err := gitRun(ctx, sw.WorkingDir, "merge", "--no-ff", "--no-edit", branch); err != nil {
			files := gitConflictFiles(ctx, sw.WorkingDir)
			if _, abortErr := gitRun(ctx, sw.WorkingDir, "merge", "--abort"); abortErr != nil {
				s.logger.Error("failed to abort merge",
					zap.String("branch", branch),
					zap.Error(abortErr))
			}
			result.Conflicts = append(result.Conflicts, MergeConflict{
				Branch: branch,
				Agent:  agent.Name,
				Files:  files,
			})
			continue
		}
		result.Merged = append(result.Merged, branch)
	}

	s.logger.Info("swarm branches merged",
		zap.String("swarm_id", swarmID),
		zap.String("base_branch", base),
		zap.Int("merged", len(result.Merged)),
		zap.Int("conflicts", len(result.Conflicts)))
	return result, nil
}

func gitRun(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%w: git %s: %s", ErrGitCommandFailed,
			strings.Join(args, " "), strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

func gitCurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := gitRun(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func gitBranchExists(ctx context.Context, dir, branch string) bool {
	_, err := gitRun(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// gitConflictFiles lists the unmerged paths of an in-progress merge.
func gitConflictFiles(ctx context.Context, dir string) []string {
	out, err := gitRun(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files
}

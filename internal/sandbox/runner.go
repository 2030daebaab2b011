package sandbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/config"
	"github.com/animadev/anima/internal/common/logger"
	"github.com/animadev/anima/internal/sandbox/docker"
	"github.com/animadev/anima/internal/store"
	"github.com/animadev/anima/pkg/claude"
)

// workspacePath is where a session's working directory appears inside the
// container for direct and copy mounts.
const workspacePath = "/workspace"

const containerStopTimeout = 5 * time.Second

// Runner is a handle to a running sandbox capable of executing agent queries.
type Runner interface {
	// StartQuery launches one agent run inside the sandbox. The returned
	// closer releases the query's exec resources; the sandbox itself
	// survives for the next query.
	StartQuery(ctx context.Context, opts claude.Options) (*claude.Client, func() error, error)
	// Close tears the sandbox down.
	Close(ctx context.Context) error
}

// RunnerFactory constructs a Runner for a session.
type RunnerFactory func(ctx context.Context, sess *store.Session) (Runner, error)

// DockerRunner keeps one container per sandbox session and runs each query
// as an exec inside it.
type DockerRunner struct {
	docker      *docker.Client
	containerID string
	name        string
	workDir     string // inside the container; empty for mount type none
	logger      *logger.Logger
}

func newDockerRunner(ctx context.Context, cli *docker.Client, cfg config.SandboxConfig, sess *store.Session, log *logger.Logger) (*DockerRunner, error) {
	if err := cli.PullImage(ctx, cfg.Image); err != nil {
		return nil, err
	}

	networkMode := sess.SandboxNetworkMode
	if networkMode == "" {
		networkMode = cfg.NetworkMode
	}

	containerCfg := docker.ContainerConfig{
		Name:  containerName(sess.ID),
		Image: cfg.Image,
		// The container idles between execs; queries arrive via ExecStream.
		Cmd:         []string{"sleep", "infinity"},
		NetworkMode: networkMode,
		Memory:      cfg.Memory,
		CPUQuota:    cfg.CPUQuota,
		Labels:      docker.ManagedLabels(sess.ID),
	}

	workDir := ""
	switch sess.SandboxMountType {
	case store.MountDirect:
		workDir = workspacePath
		containerCfg.WorkingDir = workspacePath
		containerCfg.Mounts = []docker.MountConfig{{
			Source: sess.WorkingDir,
			Target: workspacePath,
		}}
	case store.MountCopy:
		workDir = workspacePath
		containerCfg.WorkingDir = workspacePath
	case store.MountNone:
		// No workspace.
	default:
		return nil, fmt.Errorf("unknown sandbox mount type %q", sess.SandboxMountType)
	}

	containerID, err := cli.CreateContainer(ctx, containerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox container: %w", err)
	}

	if err := cli.StartContainer(ctx, containerID); err != nil {
		_ = cli.RemoveContainer(ctx, containerID, true)
		return nil, fmt.Errorf("failed to start sandbox container: %w", err)
	}

	if sess.SandboxMountType == store.MountCopy {
		if err := cli.CopyToContainer(ctx, containerID, sess.WorkingDir, workspacePath); err != nil {
			_ = cli.RemoveContainer(ctx, containerID, true)
			return nil, fmt.Errorf("failed to copy workspace into sandbox: %w", err)
		}
	}

	return &DockerRunner{
		docker:      cli,
		containerID: containerID,
		name:        containerCfg.Name,
		workDir:     workDir,
		logger: log.WithFields(
			zap.String("component", "sandbox-runner"),
			zap.String("session_id", sess.ID)),
	}, nil
}

// StartQuery execs the agent binary inside the container and wires the exec
// stream into a protocol client.
func (r *DockerRunner) StartQuery(ctx context.Context, opts claude.Options) (*claude.Client, func() error, error) {
	binary := opts.Binary
	if binary == "" {
		binary = claude.DefaultBinary
	}
	argv := append([]string{binary}, opts.BuildArgs()...)

	attach, err := r.docker.ExecStream(ctx, r.containerID, argv, opts.ExtraEnv(), r.workDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to exec agent in sandbox: %w", err)
	}

	client := claude.NewClient(attach.Stdin, attach.Stdout, r.logger)
	client.Start(ctx)

	closer := func() error {
		client.Stop()
		return attach.Close()
	}
	return client, closer, nil
}

// Close stops and removes the container.
func (r *DockerRunner) Close(ctx context.Context) error {
	r.logger.Info("closing sandbox container", zap.String("container_id", r.containerID))

	if err := r.docker.StopContainer(ctx, r.containerID, containerStopTimeout); err != nil {
		r.logger.Warn("failed to stop sandbox container", zap.Error(err))
	}
	if err := r.docker.RemoveContainer(ctx, r.containerID, true); err != nil {
		return fmt.Errorf("failed to remove sandbox container: %w", err)
	}
	return nil
}

func containerName(sessionID string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return "anima-sandbox-" + short
}

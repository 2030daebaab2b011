// Package docker wraps the Docker SDK with the container operations the
// sandbox supervisor needs: lifecycle, labelled listing, exec streams and
// directory copy-in.
package docker

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/animadev/anima/internal/common/config"
	"github.com/animadev/anima/internal/common/logger"
)

// Labels applied to every sandbox container so the daemon can find its own
// containers across restarts.
const (
	LabelManaged   = "anima.managed"
	LabelSessionID = "anima.session_id"
)

// ManagedLabels returns the label set for a sandbox container.
func ManagedLabels(sessionID string) map[string]string {
	return map[string]string{
		LabelManaged:   "true",
		LabelSessionID: sessionID,
	}
}

// ContainerConfig holds configuration for creating a container.
type ContainerConfig struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	Mounts      []MountConfig
	NetworkMode string
	Memory      int64 // bytes, 0 = unlimited
	CPUQuota    int64 // microseconds per period, 0 = unlimited
	Labels      map[string]string
	AutoRemove  bool
}

// MountConfig holds a bind mount.
type MountConfig struct {
	Source   string // host path
	Target   string // container path
	ReadOnly bool
}

// ContainerInfo holds information about a container.
type ContainerInfo struct {
	ID        string
	Name      string
	Image     string
	State     string // created, running, paused, restarting, removing, exited, dead
	Status    string
	Labels    map[string]string
	StartedAt time.Time
	ExitCode  int
}

// Client wraps the Docker client.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// NewClient creates a Docker client with API version negotiation.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}

	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("docker client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion))

	return &Client{
		cli:    cli,
		logger: log,
		config: cfg,
	}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	c.logger.Debug("closing docker client")
	return c.cli.Close()
}

// Ping checks if the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// PullImage pulls an image unless it is already present locally.
func (c *Client) PullImage(ctx context.Context, imageName string) error {
	filterArgs := filters.NewArgs(filters.Arg("reference", imageName))
	images, err := c.cli.ImageList(ctx, image.ListOptions{Filters: filterArgs})
	if err == nil && len(images) > 0 {
		c.logger.Debug("image already present", zap.String("image", imageName))
		return nil
	}

	c.logger.Info("pulling image", zap.String("image", imageName))
	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer func() { _ = reader.Close() }()

	// Drain the output so the pull completes before we return.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}

	c.logger.Info("image pulled", zap.String("image", imageName))
	return nil
}

// CreateContainer creates a container with stdin kept open for exec sessions.
func (c *Client) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	c.logger.Info("creating container",
		zap.String("name", cfg.Name),
		zap.String("image", cfg.Image))

	mounts := make([]mount.Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:      cfg.Image,
		Cmd:        cfg.Cmd,
		Env:        cfg.Env,
		WorkingDir: cfg.WorkingDir,
		Labels:     cfg.Labels,
		OpenStdin:  true,
		StdinOnce:  false,
		Tty:        false,
	}

	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(cfg.NetworkMode),
		AutoRemove:  cfg.AutoRemove,
		Resources: container.Resources{
			Memory:   cfg.Memory,
			CPUQuota: cfg.CPUQuota,
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", cfg.Name, err)
	}

	c.logger.Info("container created", zap.String("id", resp.ID), zap.String("name", cfg.Name))
	return resp.ID, nil
}

// StartContainer starts a container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	c.logger.Info("container started", zap.String("container_id", containerID))
	return nil
}

// StopContainer stops a container with a timeout.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	c.logger.Info("stopping container",
		zap.String("container_id", containerID),
		zap.Duration("timeout", timeout))

	timeoutSeconds := int(timeout.Seconds())
	err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{
		Timeout: &timeoutSeconds,
	})
	if err != nil {
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer removes a container.
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	c.logger.Info("removing container",
		zap.String("container_id", containerID),
		zap.Bool("force", force))

	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// ListContainers lists containers matching the given labels, including
// stopped ones.
func (c *Client) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = ctr.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		infos = append(infos, ContainerInfo{
			ID:     ctr.ID,
			Name:   name,
			Image:  ctr.Image,
			State:  ctr.State,
			Status: ctr.Status,
			Labels: ctr.Labels,
		})
	}

	c.logger.Debug("listed containers", zap.Int("count", len(infos)))
	return infos, nil
}

// CopyToContainer tars srcDir and extracts it at destPath inside the
// container. The archive is rooted at / with entries prefixed by destPath,
// so destPath is created if it does not exist.
func (c *Client) CopyToContainer(ctx context.Context, containerID, srcDir, destPath string) error {
	c.logger.Info("copying directory into container",
		zap.String("container_id", containerID),
		zap.String("src", srcDir),
		zap.String("dest", destPath))

	prefix := strings.Trim(destPath, "/")
	if prefix != "" {
		prefix += "/"
	}
	tarStream := tarDirectory(srcDir, prefix)
	defer func() { _ = tarStream.Close() }()

	err := c.cli.CopyToContainer(ctx, containerID, "/", tarStream, container.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("failed to copy into container %s: %w", containerID, err)
	}
	return nil
}

// AttachResult contains the stdio streams of an exec session.
type AttachResult struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Conn   net.Conn
}

// Close closes the attach result.
func (a *AttachResult) Close() error {
	if a.Stdin != nil {
		_ = a.Stdin.Close()
	}
	if a.Conn != nil {
		_ = a.Conn.Close()
	}
	return nil
}

// ExecStream starts a command inside a running container and returns its
// attached stdio. Stdout is demultiplexed from Docker's stream framing;
// stderr frames are included so agent diagnostics stay visible.
func (c *Client) ExecStream(ctx context.Context, containerID string, cmd []string, env []string, workingDir string) (*AttachResult, error) {
	c.logger.Info("starting exec session",
		zap.String("container_id", containerID),
		zap.Int("argv_len", len(cmd)))

	execResp, err := c.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		WorkingDir:   workingDir,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false, // no TTY: the protocol is newline-delimited JSON
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec in %s: %w", containerID, err)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{Tty: false})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec %s: %w", execResp.ID, err)
	}

	stdinReader, stdinWriter := io.Pipe()
	go func() {
		_, _ = io.Copy(attach.Conn, stdinReader)
	}()

	stdoutReader, stdoutWriter := io.Pipe()
	go func() {
		defer func() { _ = stdoutWriter.Close() }()
		c.demultiplexStream(attach.Reader, stdoutWriter)
	}()

	return &AttachResult{
		Stdin:  stdinWriter,
		Stdout: stdoutReader,
		Conn:   attach.Conn,
	}, nil
}

// demultiplexStream reads Docker's multiplexed stream format and forwards
// stdout frames. Format when Tty=false:
// - Byte 0: stream type (0=stdin, 1=stdout, 2=stderr)
// - Bytes 1-3: reserved
// - Bytes 4-7: frame size (big endian uint32)
// - Bytes 8+: frame data
func (c *Client) demultiplexStream(reader io.Reader, writer io.Writer) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if err != io.EOF {
				c.logger.Debug("demultiplex stream ended", zap.Error(err))
			}
			return
		}

		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			c.logger.Debug("failed to read frame data", zap.Error(err))
			return
		}

		switch streamType {
		case 1:
			_, _ = writer.Write(data)
		case 2:
			// Agent stderr: log, don't interleave with the JSON stream.
			c.logger.Debug("sandbox stderr", zap.String("line", string(data)))
		}
	}
}

// Package container provides Docker container management for sandboxed session backends.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/ashureev/shsh-labs/internal/config"
)

const (
	// Container configuration.
	imageName       = "shsh-sandbox:latest"
	containerUser   = "1000"
	workingDir      = "/home/sandbox/work"
	mountPath       = "/home/sandbox/work"
	stopTimeoutSecs = 10

	// Exec defaults.
	defaultCols = 80
	defaultRows = 24

	// Restart grace period for stopped containers.
	restartGracePeriod = 60 * time.Minute

	// Sandbox network configuration.
	sandboxNetwork = "shsh-broker-sandbox"
	sandboxSubnet  = "172.30.0.0/16"
)

// Manager defines the interface for managing sandboxed session containers.
type Manager interface {
	// EnsureContainer ensures a container exists and is running for ownerID
	// (a user or session identifier, depending on caller).
	EnsureContainer(ctx context.Context, ownerID string, currentContainerID string, lastSeenAt time.Time, env map[string]string) (string, error)

	// StopContainer stops and removes a container.
	StopContainer(ctx context.Context, containerID string) error

	// IsRunning checks if a container is currently running.
	IsRunning(ctx context.Context, containerID string) (bool, error)

	// CreateExecSession creates a new exec session in a running container.
	CreateExecSession(ctx context.Context, containerID string) (string, io.ReadWriteCloser, error)

	// ResizeExecSession resizes a running exec session.
	ResizeExecSession(ctx context.Context, execID string, cols, rows uint) error

	// Client returns the underlying Docker client.
	Client() *client.Client

	// EnsureNetwork creates the custom bridge network if it doesn't exist.
	EnsureNetwork(ctx context.Context) (string, error)
}

// DockerManager implements Manager using the Docker API.
type DockerManager struct {
	cli *client.Client
	cfg config.ContainerConfig
	log *slog.Logger
}

// NewDockerManager creates a new Docker-backed container manager, with
// resource limits and retry behavior sized per cfg rather than fixed
// constants. log may be nil.
func NewDockerManager(cfg config.ContainerConfig, log *slog.Logger) (Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	log = log.With("component", "container_manager")
	if cfg.Runtime != "" {
		log.Info("docker client initialized", "runtime", cfg.Runtime)
	} else {
		log.Info("docker client initialized", "runtime", "default")
	}
	return &DockerManager{cli: cli, cfg: cfg, log: log}, nil
}

// EnsureContainer ensures a container exists and is running for ownerID.
func (m *DockerManager) EnsureContainer(ctx context.Context, ownerID string, currentContainerID string, lastSeenAt time.Time, env map[string]string) (string, error) {
	containerName := fmt.Sprintf("shsh-sandbox-%s", ownerID)
	volumeName := fmt.Sprintf("shsh-sandbox-%s-data", ownerID)

	// Check if container already exists.
	inspect, err := m.cli.ContainerInspect(ctx, containerName)
	if err == nil {
		// If the caller passes no current container id, any lingering named container
		// is stale and must be recycled instead of reused.
		if currentContainerID == "" {
			m.log.Info("found unbound container, recreating",
				"container_id", inspect.ID,
				"owner_id", ownerID,
			)
			if err := m.StopContainer(ctx, inspect.ID); err != nil {
				m.log.Warn("failed to stop unbound container before recreation", "error", err, "container_id", inspect.ID)
			}
		} else {
			if inspect.State.Running {
				m.log.Info("container already running", "container_id", inspect.ID, "owner_id", ownerID)
				return inspect.ID, nil
			}

			// Check if within grace period for restart.
			if time.Since(lastSeenAt) < restartGracePeriod {
				m.log.Info("restarting stopped container", "container_id", inspect.ID, "owner_id", ownerID)
				if err := m.cli.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err != nil {
					return "", fmt.Errorf("restart container %s: %w", inspect.ID, err)
				}
				return inspect.ID, nil
			}

			// Outside grace period: recreate.
			m.log.Info("container expired, recreating", "container_id", inspect.ID, "owner_id", ownerID)
			if err := m.StopContainer(ctx, inspect.ID); err != nil {
				m.log.Warn("failed to stop container before recreation", "error", err, "container_id", inspect.ID)
			}
		}
	}

	m.log.Info("creating new container", "owner_id", ownerID, "volume", volumeName)

	envVars := make([]string, 0, len(env))
	for k, v := range env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	config := &container.Config{
		Image:      imageName,
		User:       containerUser,
		WorkingDir: workingDir,
		Tty:        true,
		Env:        envVars,
	}

	hostConfig := &container.HostConfig{
		Runtime:     m.cfg.Runtime,
		NetworkMode: container.NetworkMode(sandboxNetwork),
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: volumeName,
			Target: mountPath,
		}},
		Resources: container.Resources{
			Memory:    m.cfg.MemoryLimitBytes,
			CPUQuota:  m.cfg.CPUQuota,
			PidsLimit: ptr(m.cfg.PidsLimit),
		},
		DNS: []string{"8.8.8.8", "8.8.4.4"},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < m.cfg.CreateRetryAttempts; i++ {
		resp, createErr = m.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create container: %w", createErr)
		}

		// A concurrent/delayed cleanup can leave the old named container briefly.
		// Force-stop/remove by name and retry shortly.
		m.log.Warn("container name conflict during create, retrying",
			"owner_id", ownerID,
			"container_name", containerName,
			"attempt", i+1,
			"error", createErr,
		)

		if inspect, inspectErr := m.cli.ContainerInspect(ctx, containerName); inspectErr == nil {
			if stopErr := m.StopContainer(ctx, inspect.ID); stopErr != nil {
				m.log.Warn("failed to stop conflicting container before retry", "container_id", inspect.ID, "error", stopErr)
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.cfg.CreateRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create container after retries: %w", createErr)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			m.log.Warn("failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	// Fix DNS if using gVisor: Overwrite /etc/resolv.conf to bypass Docker's
	// embedded DNS (127.0.0.11) which often fails with gVisor netstack.
	if m.cfg.Runtime == "runsc" {
		if err := m.fixDNS(ctx, resp.ID); err != nil {
			m.log.Warn("failed to apply dns fix", "error", err)
			// Proceed anyway, might work partially
		}
	}

	m.log.Info("container created and started", "container_id", resp.ID, "owner_id", ownerID)
	return resp.ID, nil
}

// fixDNS forces public DNS servers into /etc/resolv.conf (gVisor workaround).
func (m *DockerManager) fixDNS(ctx context.Context, containerID string) error {
	cmd := []string{"sh", "-c", "echo 'nameserver 8.8.8.8' > /etc/resolv.conf && echo 'nameserver 8.8.4.4' >> /etc/resolv.conf"}

	execConfig := container.ExecOptions{
		Cmd:  cmd,
		User: "root",
	}

	resp, err := m.cli.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return fmt.Errorf("create exec for dns fix: %w", err)
	}

	// We use Attach to wait for completion
	attachResp, err := m.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return fmt.Errorf("attach exec for dns fix: %w", err)
	}
	defer attachResp.Close()

	// Wait for it to finish reading (blocking)
	if _, err := io.ReadAll(attachResp.Reader); err != nil {
		return fmt.Errorf("read dns fix output: %w", err)
	}

	inspect, err := m.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return fmt.Errorf("inspect dns fix exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("dns fix command failed with exit code %d", inspect.ExitCode)
	}

	return nil
}

// StopContainer stops and removes a container.
// It is idempotent and handles concurrent calls gracefully.
func (m *DockerManager) StopContainer(ctx context.Context, containerID string) error {
	m.log.Info("stopping container", "container_id", containerID)

	// Check if container exists before trying to stop
	_, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			m.log.Debug("container already removed", "container_id", containerID)
			return nil
		}
		return fmt.Errorf("inspect container %s: %w", containerID, err)
	}

	// Stop the container with timeout
	timeout := stopTimeoutSecs
	if err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		// Container may already be stopped or being removed by another process
		if errdefs.IsNotFound(err) {
			m.log.Debug("container already stopped/removed", "container_id", containerID)
		} else if ctx.Err() != nil {
			// Context was canceled - log but continue to try force removal
			m.log.Debug("context canceled during stop, continuing with force removal", "container_id", containerID)
		} else {
			m.log.Debug("container stop returned error, continuing to remove", "container_id", containerID, "error", err)
		}
	}

	// Remove the container (force to ensure it's removed even if stop failed)
	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		// Already being removed or already gone is OK
		if errdefs.IsNotFound(err) {
			m.log.Debug("container already removed", "container_id", containerID)
			return nil
		}
		// Check for "removal is already in progress" error
		if strings.Contains(err.Error(), "is already in progress") {
			m.log.Debug("container removal already in progress", "container_id", containerID)
			return nil
		}
		// If context was canceled, log but don't treat as fatal error
		// since the container may still be getting removed
		if ctx.Err() != nil {
			m.log.Debug("context canceled during remove, container may still be removed", "container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}

	m.log.Info("container stopped and removed", "container_id", containerID)
	return nil
}

// IsRunning checks if a container is currently running.
func (m *DockerManager) IsRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	return inspect.State.Running, nil
}

// CreateExecSession creates a new exec session in a running container.
func (m *DockerManager) CreateExecSession(ctx context.Context, containerID string) (string, io.ReadWriteCloser, error) {
	execConfig := container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Cmd:          []string{"/bin/bash"},
		User:         containerUser,
		ConsoleSize:  &[2]uint{defaultCols, defaultRows},
	}

	resp, err := m.cli.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return "", nil, fmt.Errorf("create exec session in container %s: %w", containerID, err)
	}

	attachResp, err := m.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return "", nil, fmt.Errorf("attach to exec session %s: %w", resp.ID, err)
	}

	m.log.Info("exec session created", "exec_id", resp.ID, "container_id", containerID)
	return resp.ID, attachResp.Conn, nil
}

// ResizeExecSession resizes a running exec session.
func (m *DockerManager) ResizeExecSession(ctx context.Context, execID string, cols, rows uint) error {
	if err := m.cli.ContainerExecResize(ctx, execID, container.ResizeOptions{
		Height: rows,
		Width:  cols,
	}); err != nil {
		return fmt.Errorf("resize exec session %s to %dx%d: %w", execID, cols, rows, err)
	}
	return nil
}

// Client returns the underlying Docker client.
func (m *DockerManager) Client() *client.Client {
	return m.cli
}

// EnsureNetwork creates the custom bridge network if it doesn't exist.
func (m *DockerManager) EnsureNetwork(ctx context.Context) (string, error) {
	// Check if network already exists.
	networks, err := m.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}

	for _, nw := range networks {
		if nw.Name == sandboxNetwork {
			m.log.Info("sandbox network already exists", "network_id", nw.ID)
			return nw.ID, nil
		}
	}

	// Create the network.
	createResp, err := m.cli.NetworkCreate(ctx, sandboxNetwork, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{
				{
					Subnet: sandboxSubnet,
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", sandboxNetwork, err)
	}

	m.log.Info("sandbox network created", "network_id", createResp.ID, "subnet", sandboxSubnet)
	return createResp.ID, nil
}

func ptr[T any](v T) *T {
	return &v
}

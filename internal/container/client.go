// Package container runs sandboxed agent sessions inside Docker. It is the
// containerized variant of the local session supervisor: same stream-json
// contract, same exit handling, but the child runs in an isolated container
// that reaches the tool server through the host gateway.
package container

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"

	"github.com/archhq/arch/internal/log"
)

// namePrefix is prepended to agent ids to form container names.
const namePrefix = "arch-"

// MountConfig is one bind mount into an agent container.
type MountConfig struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunConfig describes an agent container to create.
type RunConfig struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	Mounts      []MountConfig
	NetworkMode string
	MemoryLimit string // docker-style, e.g. "2g"
	CPUs        float64
}

// Client wraps the Docker SDK for agent container lifecycle operations.
type Client struct {
	cli *client.Client
}

// NewClient creates a Docker client from the environment (DOCKER_HOST etc).
func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Close releases the underlying Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks that the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// ImageExists checks whether an image is present locally.
func (c *Client) ImageExists(ctx context.Context, ref string) bool {
	images, err := c.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		log.Warn(log.CatContainer, "Image list failed", "image", ref, "error", err)
		return false
	}
	return len(images) > 0
}

// PullImage pulls an image, draining the progress stream to completion.
func (c *Client) PullImage(ctx context.Context, ref string) error {
	log.Info(log.CatContainer, "Pulling image", "image", ref)

	reader, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer reader.Close() //nolint:errcheck

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull output for %s: %w", ref, err)
	}

	log.Info(log.CatContainer, "Image pulled", "image", ref)
	return nil
}

// EnsureImage pulls an image only if it is not already present.
func (c *Client) EnsureImage(ctx context.Context, ref string) error {
	if c.ImageExists(ctx, ref) {
		return nil
	}
	log.Warn(log.CatContainer, "Image not found locally, pulling", "image", ref)
	return c.PullImage(ctx, ref)
}

// Create creates an agent container and returns its id. The host gateway
// alias lets the child reach the tool server on the host.
func (c *Client) Create(ctx context.Context, cfg RunConfig) (string, error) {
	mounts := make([]mount.Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	var memory int64
	if cfg.MemoryLimit != "" {
		var err error
		memory, err = units.RAMInBytes(cfg.MemoryLimit)
		if err != nil {
			return "", fmt.Errorf("invalid memory limit %q: %w", cfg.MemoryLimit, err)
		}
	}

	var nanoCPUs int64
	if cfg.CPUs > 0 {
		nanoCPUs = int64(cfg.CPUs * 1e9)
	}

	containerCfg := &container.Config{
		Image:      cfg.Image,
		Cmd:        cfg.Cmd,
		Env:        cfg.Env,
		WorkingDir: cfg.WorkingDir,
		Labels:     map[string]string{"arch.managed": "true"},
	}

	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(cfg.NetworkMode),
		ExtraHosts:  []string{"host.docker.internal:host-gateway"},
		Resources: container.Resources{
			Memory:   memory,
			NanoCPUs: nanoCPUs,
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", cfg.Name, err)
	}

	log.Info(log.CatContainer, "Container created", "name", cfg.Name, "id", resp.ID[:12])
	return resp.ID, nil
}

// Start starts a created container.
func (c *Client) Start(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", containerID, err)
	}
	return nil
}

// Stop stops a container, escalating to SIGKILL after the grace period.
func (c *Client) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	secs := int(grace.Seconds())
	if err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("stopping container %s: %w", containerID, err)
	}
	return nil
}

// Wait blocks until the container exits and returns its exit code.
func (c *Client) Wait(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := c.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		return -1, fmt.Errorf("waiting for container %s: %w", containerID, err)
	case status := <-statusCh:
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Remove deletes a container.
func (c *Client) Remove(ctx context.Context, containerID string, force bool) error {
	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		return fmt.Errorf("removing container %s: %w", containerID, err)
	}
	return nil
}

// Logs returns the container's multiplexed output stream.
func (c *Client) Logs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	reader, err := c.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("getting logs for %s: %w", containerID, err)
	}
	return reader, nil
}

// CleanupOrphans force-removes leftover arch-* containers from a previous
// run. Returns the number removed.
func (c *Client) CleanupOrphans(ctx context.Context) int {
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", namePrefix)),
	})
	if err != nil {
		log.Warn(log.CatContainer, "Orphan container listing failed", "error", err)
		return 0
	}

	cleaned := 0
	for _, ctr := range containers {
		if err := c.Remove(ctx, ctr.ID, true); err != nil {
			log.Warn(log.CatContainer, "Orphan cleanup failed", "id", ctr.ID[:12], "error", err)
			continue
		}
		cleaned++
		log.Info(log.CatContainer, "Cleaned up orphaned container", "id", ctr.ID[:12])
	}
	return cleaned
}

// ContainerName returns the container name for an agent.
func ContainerName(agentID string) string {
	return namePrefix + agentID
}

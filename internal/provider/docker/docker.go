// Package docker implements provider.Provider against the local Docker
// daemon.  It manages two resource types: docker_container and
// docker_volume.  Container CPU and memory limits update in place via
// the daemon's update endpoint; image, command, environment, and labels
// are immutable and force a replacement.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/volume"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/google/uuid"

	"github.com/terrpan/reconcile/internal/provider"
)

const (
	// TypeContainer is the resource type for managed containers.
	TypeContainer = "docker_container"
	// TypeVolume is the resource type for managed volumes.
	TypeVolume = "docker_volume"

	opTimeout = 5 * time.Minute
)

// mutableContainerAttrs are the container attributes the daemon can
// change without recreating the container.
var mutableContainerAttrs = map[string]bool{
	"cpus":      true,
	"memory_mb": true,
}

// Provider manages containers and volumes through the Docker API.
type Provider struct {
	client *dockerclient.Client
	logger *slog.Logger
}

var (
	_ provider.Provider        = (*Provider)(nil)
	_ provider.TimeoutProvider = (*Provider)(nil)
)

// New creates a Docker provider and connects to the daemon.
func New(ctx context.Context, logger *slog.Logger) (*Provider, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if _, err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker daemon ping: %w", err)
	}

	return &Provider{
		client: client,
		logger: logger.WithGroup("docker"),
	}, nil
}

// Timeout implements provider.TimeoutProvider.
func (p *Provider) Timeout(string) time.Duration {
	return opTimeout
}

// Create provisions a container or volume.
func (p *Provider) Create(ctx context.Context, resourceType string, attrs map[string]any) (string, map[string]any, error) {
	switch resourceType {
	case TypeContainer:
		return p.createContainer(ctx, attrs)
	case TypeVolume:
		return p.createVolume(ctx, attrs)
	default:
		return "", nil, fmt.Errorf("docker provider does not manage resource type %q", resourceType)
	}
}

func (p *Provider) createContainer(ctx context.Context, attrs map[string]any) (string, map[string]any, error) {
	img := attrString(attrs, "image")
	if img == "" {
		return "", nil, &provider.Error{Op: "create", Err: fmt.Errorf("container requires an image attribute")}
	}

	name := attrString(attrs, "name")
	if name == "" {
		name = "reconcile-" + uuid.NewString()[:8]
	}

	p.logger.Info("pulling image", slog.String("image", img))
	pull, err := p.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return "", nil, classify("create", err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.ReadAll(pull); err != nil {
		return "", nil, classify("create", fmt.Errorf("reading image pull response: %w", err))
	}
	if err := pull.Close(); err != nil {
		return "", nil, classify("create", fmt.Errorf("closing image pull stream: %w", err))
	}

	resp, err := p.client.ContainerCreate(
		ctx,
		&container.Config{
			Image:  img,
			Cmd:    attrStringSlice(attrs, "cmd"),
			Env:    envList(attrs),
			Labels: attrStringMap(attrs, "labels"),
		},
		&container.HostConfig{Resources: resources(attrs)},
		nil, // networking config
		nil, // platform
		name,
	)
	if err != nil {
		return "", nil, classify("create", fmt.Errorf("container create %s: %w", name, err))
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = p.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", nil, classify("create", fmt.Errorf("container start %s: %w", name, err))
	}

	p.logger.Info("container started",
		slog.String("name", name),
		slog.String("containerID", resp.ID),
	)

	outputs, err := p.readContainer(ctx, resp.ID)
	if err != nil {
		return "", nil, err
	}
	return resp.ID, outputs, nil
}

func (p *Provider) createVolume(ctx context.Context, attrs map[string]any) (string, map[string]any, error) {
	name := attrString(attrs, "name")
	if name == "" {
		name = "reconcile-" + uuid.NewString()[:8]
	}

	vol, err := p.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Driver: attrString(attrs, "driver"),
		Labels: attrStringMap(attrs, "labels"),
	})
	if err != nil {
		return "", nil, classify("create", fmt.Errorf("volume create %s: %w", name, err))
	}

	p.logger.Info("volume created", slog.String("name", vol.Name))
	return vol.Name, volumeOutputs(vol), nil
}

// Read fetches the observed attributes of a container or volume.
func (p *Provider) Read(ctx context.Context, resourceType, providerID string) (map[string]any, error) {
	switch resourceType {
	case TypeContainer:
		return p.readContainer(ctx, providerID)
	case TypeVolume:
		vol, err := p.client.VolumeInspect(ctx, providerID)
		if err != nil {
			if errdefs.IsNotFound(err) {
				return nil, provider.ErrNotFound
			}
			return nil, classify("read", err)
		}
		return volumeOutputs(vol), nil
	default:
		return nil, fmt.Errorf("docker provider does not manage resource type %q", resourceType)
	}
}

func (p *Provider) readContainer(ctx context.Context, containerID string) (map[string]any, error) {
	inspect, err := p.client.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, provider.ErrNotFound
		}
		return nil, classify("read", err)
	}

	outputs := map[string]any{
		"id":    inspect.ID,
		"name":  inspect.Name,
		"image": inspect.Config.Image,
		"state": inspect.State.Status,
	}
	if inspect.NetworkSettings != nil {
		outputs["ip_address"] = inspect.NetworkSettings.IPAddress
	}
	return outputs, nil
}

// Update applies in-place container resource-limit changes.  Volumes
// have no mutable attributes, so an update request for one is a
// classification bug.
func (p *Provider) Update(ctx context.Context, resourceType, providerID string, _, new map[string]any) (map[string]any, error) {
	if resourceType != TypeContainer {
		return nil, fmt.Errorf("resource type %q has no updatable attributes", resourceType)
	}

	if _, err := p.client.ContainerUpdate(ctx, providerID, container.UpdateConfig{
		Resources: resources(new),
	}); err != nil {
		return nil, classify("update", fmt.Errorf("container update %s: %w", providerID, err))
	}

	p.logger.Info("container updated", slog.String("containerID", providerID))
	return p.readContainer(ctx, providerID)
}

// Delete force-removes the container or volume.  Already-gone resources
// are not an error.
func (p *Provider) Delete(ctx context.Context, resourceType, providerID string) error {
	var err error
	switch resourceType {
	case TypeContainer:
		err = p.client.ContainerRemove(ctx, providerID, container.RemoveOptions{Force: true})
	case TypeVolume:
		err = p.client.VolumeRemove(ctx, providerID, true)
	default:
		return fmt.Errorf("docker provider does not manage resource type %q", resourceType)
	}
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return classify("delete", fmt.Errorf("remove %s: %w", providerID, err))
	}

	p.logger.Info("resource removed",
		slog.String("type", resourceType),
		slog.String("providerID", providerID),
	)
	return nil
}

// DiffStrategy: container cpu/memory changes update in place, any other
// container difference and every volume difference forces a
// replacement.
func (p *Provider) DiffStrategy(resourceType string, old, new map[string]any) (provider.Decision, error) {
	action := provider.ActionNoOp
	for _, k := range changedKeys(old, new) {
		if resourceType == TypeContainer && mutableContainerAttrs[k] {
			action = provider.ActionUpdate
			continue
		}
		return provider.Decision{Action: provider.ActionReplace}, nil
	}
	return provider.Decision{Action: action}, nil
}

// classify wraps a daemon error with its retry classification.  Daemon
// and transport faults are worth retrying; conflicts and bad parameters
// are not.
func classify(op string, err error) error {
	retryable := errdefs.IsSystem(err) || errdefs.IsUnavailable(err) || errdefs.IsDeadline(err)
	return &provider.Error{Op: op, Retryable: retryable, Err: err}
}

package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// ContainerInfo captures minimal runtime details about a container.
type ContainerInfo struct {
	ID          string
	Running     bool
	PortBinding nat.PortMap
}

// RunContainer creates and starts a container exposing the provided port
// mappings, waiting briefly for the daemon to report host bindings.
func (c *Client) RunContainer(ctx context.Context, name, image string, env []string, ports nat.PortMap) (ContainerInfo, error) {
	if strings.TrimSpace(name) == "" {
		return ContainerInfo{}, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(image) == "" {
		return ContainerInfo{}, fmt.Errorf("image name cannot be empty")
	}

	config := &container.Config{
		Image:        image,
		Env:          env,
		ExposedPorts: map[nat.Port]struct{}{},
	}
	for p := range ports {
		config.ExposedPorts[p] = struct{}{}
	}

	hostCfg := &container.HostConfig{
		PortBindings: ports,
		RestartPolicy: container.RestartPolicy{
			Name: "always",
		},
	}

	r, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, name)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("container create: %w", err)
	}

	if err := c.inner.ContainerStart(ctx, r.ID, container.StartOptions{}); err != nil {
		return ContainerInfo{}, fmt.Errorf("container start: %w", err)
	}

	var inspect types.ContainerJSON
	for attempt := 0; attempt < 10; attempt++ {
		inspect, err = c.inner.ContainerInspect(ctx, r.ID)
		if err != nil {
			return ContainerInfo{}, fmt.Errorf("container inspect: %w", err)
		}
		if hasHostPort(inspect.NetworkSettings) {
			break
		}
		if attempt == 9 {
			break
		}
		select {
		case <-ctx.Done():
			return ContainerInfo{}, fmt.Errorf("wait for host port: %w", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}

	portsBinding := nat.PortMap{}
	if inspect.NetworkSettings != nil && inspect.NetworkSettings.Ports != nil {
		portsBinding = inspect.NetworkSettings.Ports
	}

	return ContainerInfo{ID: r.ID, Running: true, PortBinding: portsBinding}, nil
}

// InspectContainer looks a container up by name or id. Returns ErrNotFound
// when no such container exists.
func (c *Client) InspectContainer(ctx context.Context, name string) (ContainerInfo, error) {
	if strings.TrimSpace(name) == "" {
		return ContainerInfo{}, fmt.Errorf("container name cannot be empty")
	}
	inspect, err := c.inner.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerInfo{}, ErrNotFound
		}
		return ContainerInfo{}, fmt.Errorf("container inspect: %w", err)
	}
	info := ContainerInfo{ID: inspect.ID}
	if inspect.State != nil {
		info.Running = inspect.State.Running
	}
	if inspect.NetworkSettings != nil && inspect.NetworkSettings.Ports != nil {
		info.PortBinding = inspect.NetworkSettings.Ports
	}
	return info, nil
}

// RemoveContainer removes an existing container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// HostPort extracts the first bound host port for the given container port.
func HostPort(binding nat.PortMap, containerPort int) (string, bool) {
	port := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
	bindings, ok := binding[port]
	if !ok {
		return "", false
	}
	for _, b := range bindings {
		if strings.TrimSpace(b.HostPort) != "" {
			return b.HostPort, true
		}
	}
	return "", false
}

func hasHostPort(settings *types.NetworkSettings) bool {
	if settings == nil || settings.Ports == nil {
		return false
	}
	for _, bindings := range settings.Ports {
		for _, binding := range bindings {
			if strings.TrimSpace(binding.HostPort) != "" {
				return true
			}
		}
	}
	return false
}

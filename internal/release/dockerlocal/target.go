// Package dockerlocal releases descriptors onto the local Docker daemon.
// The new version starts as a candidate container on an ephemeral port and
// only replaces the serving container after passing its health gate, so a
// failed rollout leaves the previous version untouched.
package dockerlocal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/docker/go-connections/nat"

	"github.com/slipway-sh/slipway/internal/descriptor"
	"github.com/slipway-sh/slipway/internal/docker"
	"github.com/slipway-sh/slipway/internal/release"
)

const stableChecks = 3

// Target runs one replica per service on the local daemon.
type Target struct {
	docker *docker.Client
	logger *slog.Logger
	health *http.Client
	host   string
	// interval overrides the descriptor's probe period when set.
	interval time.Duration
}

var _ release.Target = (*Target)(nil)
var _ release.Inspector = (*Target)(nil)

// New creates a Docker-backed release target.
func New(dockerClient *docker.Client, log *slog.Logger) *Target {
	return &Target{
		docker: dockerClient,
		logger: log,
		health: &http.Client{Timeout: 2 * time.Second},
		host:   "127.0.0.1",
	}
}

// Submit starts the candidate container on an ephemeral host port. The
// serving container, if any, is left running.
func (t *Target) Submit(ctx context.Context, desc descriptor.Descriptor) error {
	candidate := candidateName(desc.Name)
	// A leftover candidate from an aborted run would block the name.
	if err := t.docker.RemoveContainer(ctx, candidate); err != nil {
		return fmt.Errorf("remove stale candidate: %w", err)
	}
	ports := nat.PortMap{
		containerPort(desc.Port): []nat.PortBinding{{HostIP: t.host, HostPort: ""}},
	}
	info, err := t.docker.RunContainer(ctx, candidate, desc.Image, containerEnv(desc), ports)
	if err != nil {
		return fmt.Errorf("start candidate: %w", err)
	}
	if t.logger != nil {
		t.logger.Info("candidate started", "service", desc.Name, "container", info.ID, "image", desc.Image)
	}
	return nil
}

// AwaitStable health-checks the candidate and promotes it to the service
// port once it answers consistently. On timeout the candidate is removed and
// the previous container keeps serving.
func (t *Target) AwaitStable(ctx context.Context, desc descriptor.Descriptor, timeout time.Duration) error {
	candidate := candidateName(desc.Name)
	info, err := t.docker.InspectContainer(ctx, candidate)
	if err != nil {
		return fmt.Errorf("inspect candidate: %w", err)
	}
	hostPort, ok := docker.HostPort(info.PortBinding, desc.Port)
	if !ok {
		return fmt.Errorf("candidate has no host binding for port %d", desc.Port)
	}

	url := fmt.Sprintf("http://%s:%s%s", t.host, hostPort, desc.Health.Path)
	if err := t.waitHealthy(ctx, url, desc.Health, timeout); err != nil {
		if removeErr := t.docker.RemoveContainer(context.WithoutCancel(ctx), candidate); removeErr != nil && t.logger != nil {
			t.logger.Warn("remove failed candidate", "error", removeErr)
		}
		return err
	}
	return t.promote(ctx, desc, candidate)
}

// Status reports whether the serving container is running.
func (t *Target) Status(ctx context.Context, desc descriptor.Descriptor) (release.Status, error) {
	info, err := t.docker.InspectContainer(ctx, desc.Name)
	if err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			return release.Status{Message: "not deployed"}, nil
		}
		return release.Status{}, err
	}
	status := release.Status{Ready: info.Running}
	if info.Running {
		status.Replicas = 1
	} else {
		status.Message = "container stopped"
	}
	return status, nil
}

// waitHealthy blocks until the URL answers 200 stableChecks times in a row.
func (t *Target) waitHealthy(ctx context.Context, url string, health descriptor.Health, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	period := t.interval
	if period <= 0 {
		period = time.Duration(health.PeriodSeconds) * time.Second
	}
	if period <= 0 {
		period = time.Second
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(health.InitialDelaySeconds) * time.Second):
	}

	consecutive := 0
	for consecutive < stableChecks {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: candidate for %s unhealthy after %s", release.ErrRolloutTimeout, url, timeout)
		}
		if t.probe(ctx, url) {
			consecutive++
		} else {
			consecutive = 0
		}
		if consecutive >= stableChecks {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(period):
		}
	}
	return nil
}

func (t *Target) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := t.health.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// promote replaces the serving container with one running the candidate's
// image bound to the fixed service port, then removes the candidate.
func (t *Target) promote(ctx context.Context, desc descriptor.Descriptor, candidate string) error {
	if err := t.docker.RemoveContainer(ctx, desc.Name); err != nil {
		return fmt.Errorf("retire previous version: %w", err)
	}
	ports := nat.PortMap{
		containerPort(desc.Port): []nat.PortBinding{{HostPort: fmt.Sprintf("%d", desc.Port)}},
	}
	if _, err := t.docker.RunContainer(ctx, desc.Name, desc.Image, containerEnv(desc), ports); err != nil {
		return fmt.Errorf("start promoted container: %w", err)
	}
	if err := t.docker.RemoveContainer(ctx, candidate); err != nil && t.logger != nil {
		t.logger.Warn("remove candidate after promote", "error", err)
	}
	if t.logger != nil {
		t.logger.Info("promoted", "service", desc.Name, "image", desc.Image, "port", desc.Port)
	}
	return nil
}

func candidateName(name string) string {
	return name + "-next"
}

func containerPort(port int) nat.Port {
	return nat.Port(fmt.Sprintf("%d/tcp", port))
}

func containerEnv(desc descriptor.Descriptor) []string {
	env := []string{fmt.Sprintf("PORT=%d", desc.Port)}
	for _, v := range desc.Env {
		if v.Name == "PORT" {
			continue
		}
		env = append(env, fmt.Sprintf("%s=%s", v.Name, v.Value))
	}
	return env
}

package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/go-connections/nat"

	"github.com/veritel/veritel-node/internal/monitoring"
)

const (
	startInitialInterval = 2 * time.Second
	startMaxInterval     = 10 * time.Second
	startMaxElapsed      = 30 * time.Second

	stopTimeoutSeconds     = 10
	defaultMonitorInterval = 30 * time.Second
)

// Config describes one serving engine the supervisor runs. ContainerPort is
// the port the engine serves its metrics on inside the container; the host
// side comes from the port allocator.
type Config struct {
	Name          string
	Image         string
	ContainerPort int
	GPUDevice     string
	Env           []string
}

// supervised is a running engine under the supervisor's care.
type supervised struct {
	cfg         Config
	containerID string
	hostPort    int
}

// Supervisor keeps the configured serving engines alive: it creates their
// containers with the NVIDIA runtime, binds each metrics endpoint to an
// allocated host port, and restarts engines that die.
type Supervisor struct {
	cli      Client
	ports    *PortAllocator
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	engines map[string]*supervised
}

func NewSupervisor(cli Client, ports *PortAllocator, interval time.Duration, log *slog.Logger) *Supervisor {
	if interval <= 0 {
		interval = defaultMonitorInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		cli:      cli,
		ports:    ports,
		interval: interval,
		log:      log,
		engines:  make(map[string]*supervised),
	}
}

// EnsureRunning brings one engine up and returns its metrics endpoint URL.
// The image is pulled if missing and the start is retried with backoff.
func (s *Supervisor) EnsureRunning(ctx context.Context, cfg Config) (string, error) {
	if err := s.ensureImage(ctx, cfg.Image); err != nil {
		return "", err
	}

	hostPort, err := s.ports.Allocate(cfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to allocate metrics port for %s: %w", cfg.Name, err)
	}

	containerID, err := s.createContainer(ctx, cfg, hostPort)
	if err != nil {
		if relErr := s.ports.Release(hostPort); relErr != nil {
			s.log.Warn("failed to release metrics port", "port", hostPort, "error", relErr)
		}
		return "", err
	}

	if err := s.startContainer(ctx, containerID); err != nil {
		if relErr := s.ports.Release(hostPort); relErr != nil {
			s.log.Warn("failed to release metrics port", "port", hostPort, "error", relErr)
		}
		return "", err
	}

	s.mu.Lock()
	s.engines[cfg.Name] = &supervised{cfg: cfg, containerID: containerID, hostPort: hostPort}
	s.mu.Unlock()

	endpoint := fmt.Sprintf("http://127.0.0.1:%d/metrics", hostPort)
	s.log.Info("serving engine running",
		"engine", cfg.Name,
		"container_id", containerID,
		"metrics_endpoint", endpoint)
	return endpoint, nil
}

// MonitorLoop checks supervised engines on a ticker and restarts the dead
// ones until the context ends.
func (s *Supervisor) MonitorLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkOnce(ctx)
		}
	}
}

// checkOnce inspects every supervised engine and restarts any that are not
// running.
func (s *Supervisor) checkOnce(ctx context.Context) {
	for _, eng := range s.snapshot() {
		inspect, err := s.cli.ContainerInspect(ctx, eng.containerID)
		if err != nil {
			s.log.Warn("failed to inspect engine container", "engine", eng.cfg.Name, "error", err)
			continue
		}
		if inspect.State != nil && inspect.State.Running {
			continue
		}

		s.log.Warn("serving engine is down, restarting",
			"engine", eng.cfg.Name,
			"container_id", eng.containerID)
		if err := s.startContainer(ctx, eng.containerID); err != nil {
			s.log.Error("failed to restart serving engine", "engine", eng.cfg.Name, "error", err)
			continue
		}
		monitoring.EngineRestarts.Inc()
		s.log.Info("serving engine restarted", "engine", eng.cfg.Name)
	}
}

// Close stops and removes every supervised container, releases their ports
// and closes the Docker client.
func (s *Supervisor) Close(ctx context.Context) error {
	for _, eng := range s.snapshot() {
		if err := s.stopContainer(ctx, eng.containerID); err != nil {
			s.log.Warn("failed to stop engine container", "engine", eng.cfg.Name, "error", err)
		}
		opts := container.RemoveOptions{RemoveVolumes: true, Force: true}
		if err := s.cli.ContainerRemove(ctx, eng.containerID, opts); err != nil {
			s.log.Warn("failed to remove engine container", "engine", eng.cfg.Name, "error", err)
		}
		if err := s.ports.Release(eng.hostPort); err != nil {
			s.log.Warn("failed to release metrics port", "port", eng.hostPort, "error", err)
		}
	}

	s.mu.Lock()
	s.engines = make(map[string]*supervised)
	s.mu.Unlock()
	return s.cli.Close()
}

func (s *Supervisor) snapshot() []*supervised {
	s.mu.Lock()
	defer s.mu.Unlock()
	engines := make([]*supervised, 0, len(s.engines))
	for _, eng := range s.engines {
		engines = append(engines, eng)
	}
	return engines
}

func (s *Supervisor) ensureImage(ctx context.Context, imageName string) error {
	if _, err := s.cli.ImageInspect(ctx, imageName); err == nil {
		return nil
	}

	s.log.Info("pulling engine image", "image", imageName)
	reader, err := s.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	// Draining the reader completes the pull; progress output is discarded.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error during image pull %s: %w", imageName, err)
	}
	return nil
}

func (s *Supervisor) createContainer(ctx context.Context, cfg Config, hostPort int) (string, error) {
	gpuDevice := cfg.GPUDevice
	if gpuDevice == "" {
		gpuDevice = "all"
	}

	metricsPort := nat.Port(fmt.Sprintf("%d/tcp", cfg.ContainerPort))
	containerConfig := &container.Config{
		Image: cfg.Image,
		Env: append([]string{
			fmt.Sprintf("NVIDIA_VISIBLE_DEVICES=%s", gpuDevice),
			"NVIDIA_DRIVER_CAPABILITIES=all",
		}, cfg.Env...),
		ExposedPorts: nat.PortSet{metricsPort: struct{}{}},
	}
	hostConfig := &container.HostConfig{
		Runtime: "nvidia",
		PortBindings: nat.PortMap{
			metricsPort: []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: strconv.Itoa(hostPort)},
			},
		},
	}

	resp, err := s.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container for %s: %w", cfg.Name, err)
	}
	return resp.ID, nil
}

func (s *Supervisor) startContainer(ctx context.Context, containerID string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = startInitialInterval
	b.MaxInterval = startMaxInterval
	b.MaxElapsedTime = startMaxElapsed

	operation := func() error {
		return s.cli.ContainerStart(ctx, containerID, container.StartOptions{})
	}
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("failed to start container after retries: %w", err)
	}
	return nil
}

func (s *Supervisor) stopContainer(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSeconds
	if err := s.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}

	waitCh, errCh := s.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case <-waitCh:
		return nil
	case err := <-errCh:
		return fmt.Errorf("error waiting for container to stop: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

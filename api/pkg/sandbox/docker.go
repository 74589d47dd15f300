package sandbox

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/rs/zerolog/log"

	"github.com/cruciblehq/crucible/api/pkg/config"
	"github.com/cruciblehq/crucible/api/pkg/types"
	"github.com/cruciblehq/crucible/api/pkg/worker"
)

// DockerController provisions a sandbox as a container on the local daemon.
type DockerController struct {
	cfg   config.Sandbox
	runID string
	id    string

	docker *client.Client

	mu          sync.Mutex
	containerID string
	bridgeIP    string
	workerCh    worker.Channel
	sandbox     *types.Sandbox
}

var _ Controller = &DockerController{}

func NewDockerController(cfg config.Sandbox, runID, sandboxID string) (*DockerController, error) {
	dockerClient, err := client.NewClientWithOpts(
		client.WithHost(cfg.DockerHost),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerController{
		cfg:    cfg,
		runID:  runID,
		id:     sandboxID,
		docker: dockerClient,
	}, nil
}

func (c *DockerController) Name() string {
	return c.id
}

func (c *DockerController) Start(ctx context.Context) (*types.Sandbox, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	containerName := "crucible-sandbox-" + c.id

	uiPort := nat.Port(fmt.Sprintf("%d/tcp", types.WorkspaceUIPort))
	workerPort := nat.Port(fmt.Sprintf("%d/tcp", types.WorkerControlPort))

	containerConfig := &container.Config{
		Image: c.cfg.Image,
		Env: []string{
			"CRUCIBLE_RUN_ID=" + c.runID,
			"CRUCIBLE_WORKSPACE=" + c.cfg.WorkspaceFolder,
		},
		ExposedPorts: nat.PortSet{
			uiPort:     struct{}{},
			workerPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		// Ephemeral host ports on loopback; the two fixed application ports
		// are resolved from the daemon after start.
		PortBindings: nat.PortMap{
			uiPort:     []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
			workerPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
		Resources: container.Resources{
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: 65536, Hard: 65536},
			},
		},
	}

	log.Info().
		Str("run_id", c.runID).
		Str("sandbox_id", c.id).
		Str("image", c.cfg.Image).
		Str("container_name", containerName).
		Msg("creating sandbox container")

	resp, err := c.docker.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return nil, &ProvisioningError{Reason: "failed to create container", Err: err}
	}

	if err := c.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, &ProvisioningError{Reason: "failed to start container", Err: err}
	}

	inspect, err := c.docker.ContainerInspect(ctx, resp.ID)
	if err != nil {
		_ = c.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, &ProvisioningError{Reason: "failed to inspect container", Err: err}
	}

	uiURL, uiOK := hostBoundURL(inspect.NetworkSettings.Ports, uiPort)
	workerURL, workerOK := hostBoundURL(inspect.NetworkSettings.Ports, workerPort)
	if !uiOK || !workerOK {
		_ = c.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, &ProvisioningError{
			Reason: fmt.Sprintf("required application ports missing (ui=%v worker=%v)", uiOK, workerOK),
		}
	}

	c.containerID = resp.ID
	c.bridgeIP = inspect.NetworkSettings.IPAddress
	if c.bridgeIP == "" {
		c.bridgeIP = "127.0.0.1"
	}

	c.sandbox = &types.Sandbox{
		ID:       c.id,
		Provider: types.SandboxProviderDocker,
		Status:   types.SandboxStatusRunning,
		Services: []types.ExposedService{
			{Port: types.WorkspaceUIPort, URL: uiURL, Status: types.ServiceStatusRunning},
			{Port: types.WorkerControlPort, URL: workerURL, Status: types.ServiceStatusRunning},
		},
		WorkspaceURL: fmt.Sprintf("%s/?folder=%s", uiURL, c.cfg.WorkspaceFolder),
		RunID:        c.runID,
		Created:      time.Now(),
	}

	// The container is up regardless of whether we can talk to the worker
	// process yet, so a failed connect is logged, not fatal.
	workerCh, err := worker.Connect(ctx, workerURL)
	if err != nil {
		log.Warn().Err(err).
			Str("sandbox_id", c.id).
			Str("worker_url", workerURL).
			Msg("failed to connect worker control channel, sandbox continues without it")
	} else {
		c.workerCh = workerCh
	}

	log.Info().
		Str("run_id", c.runID).
		Str("sandbox_id", c.id).
		Str("container_id", resp.ID).
		Str("workspace_url", c.sandbox.WorkspaceURL).
		Msg("sandbox container started")

	return c.sandbox, nil
}

// hostBoundURL resolves a container port to its daemon-assigned host port.
func hostBoundURL(ports nat.PortMap, port nat.Port) (string, bool) {
	bindings, ok := ports[port]
	if !ok || len(bindings) == 0 || bindings[0].HostPort == "" {
		return "", false
	}
	host := bindings[0].HostIP
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%s", host, bindings[0].HostPort), true
}

func (c *DockerController) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.containerID == "" {
		return nil
	}

	// Worker channel goes first so nothing execs into a dying container.
	if c.workerCh != nil {
		if err := c.workerCh.Close(); err != nil {
			log.Debug().Err(err).Str("sandbox_id", c.id).Msg("worker channel close failed")
		}
		c.workerCh = nil
	}

	timeout := 2
	if err := c.docker.ContainerStop(ctx, c.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		log.Warn().Err(err).Str("container_id", c.containerID).Msg("failed to stop container gracefully")
	}
	if err := c.docker.ContainerRemove(ctx, c.containerID, container.RemoveOptions{Force: true}); err != nil {
		log.Warn().Err(err).Str("container_id", c.containerID).Msg("failed to remove container")
	}

	log.Info().
		Str("run_id", c.runID).
		Str("sandbox_id", c.id).
		Str("container_id", c.containerID).
		Msg("sandbox container stopped")

	c.containerID = ""
	if c.sandbox != nil {
		c.sandbox.Status = types.SandboxStatusStopped
	}
	return nil
}

func (c *DockerController) Status(_ context.Context) types.SandboxStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.containerID == "" || c.sandbox == nil {
		return types.SandboxStatusStopped
	}
	return c.sandbox.Status
}

func (c *DockerController) SetupDevcontainer(ctx context.Context) ([]types.ExposedService, error) {
	c.mu.Lock()
	ch := c.workerCh
	c.mu.Unlock()

	return setupDevcontainer(ctx, c.id, ch, c.cfg.WorkspaceFolder, c.exposePort, c.currentServices)
}

// exposePort makes a devcontainer port reachable. Containers sit on the
// daemon's bridge network, so forwarded ports are addressed directly on the
// container IP - no daemon round trip needed after create.
func (c *DockerController) exposePort(_ context.Context, port int) (types.ExposedService, error) {
	svc := types.ExposedService{
		Port:   port,
		URL:    "http://" + c.bridgeIP + ":" + strconv.Itoa(port),
		Status: types.ServiceStatusRunning,
	}
	c.mu.Lock()
	c.sandbox.Services = append(c.sandbox.Services, svc)
	c.mu.Unlock()
	return svc, nil
}

func (c *DockerController) currentServices() []types.ExposedService {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.ExposedService, len(c.sandbox.Services))
	copy(out, c.sandbox.Services)
	return out
}

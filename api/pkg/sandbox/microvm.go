package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/cruciblehq/crucible/api/pkg/config"
	"github.com/cruciblehq/crucible/api/pkg/types"
	"github.com/cruciblehq/crucible/api/pkg/worker"
)

const (
	vmReadyAttempts = 30
	vmReadyDelay    = 2 * time.Second
)

// MicroVMController provisions a sandbox as a remote micro-VM booted from a
// named base snapshot. The provisioning API applies an idle TTL with
// pause-on-expiry, a cost safeguard rather than a correctness timeout.
type MicroVMController struct {
	cfg   config.Sandbox
	runID string
	id    string

	api *vmClient

	readyAttempts uint
	readyDelay    time.Duration

	mu         sync.Mutex
	instanceID string
	workerCh   worker.Channel
	sandbox    *types.Sandbox
}

var _ Controller = &MicroVMController{}

func NewMicroVMController(cfg config.Sandbox, runID, sandboxID string) (*MicroVMController, error) {
	if cfg.VMAPIURL == "" {
		return nil, fmt.Errorf("micro-VM provider requires SANDBOX_VM_API_URL")
	}
	if cfg.SnapshotID == "" {
		return nil, fmt.Errorf("micro-VM provider requires SANDBOX_VM_SNAPSHOT_ID")
	}

	return &MicroVMController{
		cfg:           cfg,
		runID:         runID,
		id:            sandboxID,
		api:           newVMClient(cfg.VMAPIURL, cfg.VMAPIToken),
		readyAttempts: vmReadyAttempts,
		readyDelay:    vmReadyDelay,
	}, nil
}

func (c *MicroVMController) Name() string {
	return c.id
}

func (c *MicroVMController) Start(ctx context.Context) (*types.Sandbox, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log.Info().
		Str("run_id", c.runID).
		Str("sandbox_id", c.id).
		Str("snapshot_id", c.cfg.SnapshotID).
		Dur("idle_ttl", c.cfg.IdleTTL).
		Msg("starting micro-VM from snapshot")

	inst, err := c.api.startInstance(ctx, &startInstanceRequest{
		SnapshotID: c.cfg.SnapshotID,
		TTLSeconds: int(c.cfg.IdleTTL.Seconds()),
		TTLAction:  "pause",
	})
	if err != nil {
		return nil, &ProvisioningError{Reason: "failed to start micro-VM instance", Err: err}
	}

	// Wait for the two fixed application ports to show up among the
	// instance's exposed HTTP services.
	ready, err := retry.DoWithData(func() (*vmInstance, error) {
		inst, err := c.api.getInstance(ctx, inst.ID)
		if err != nil {
			return nil, err
		}
		if _, ok := inst.serviceURL(types.WorkspaceUIPort); !ok {
			return nil, fmt.Errorf("workspace UI port %d not exposed yet", types.WorkspaceUIPort)
		}
		if _, ok := inst.serviceURL(types.WorkerControlPort); !ok {
			return nil, fmt.Errorf("worker control port %d not exposed yet", types.WorkerControlPort)
		}
		return inst, nil
	},
		retry.Attempts(c.readyAttempts),
		retry.Delay(c.readyDelay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		// Best-effort teardown of a half-provisioned instance.
		if stopErr := c.api.stopInstance(context.Background(), inst.ID); stopErr != nil {
			log.Warn().Err(stopErr).Str("instance_id", inst.ID).Msg("failed to stop unready micro-VM")
		}
		return nil, &ProvisioningError{Reason: "required application ports missing", Err: err}
	}

	c.instanceID = ready.ID

	services := make([]types.ExposedService, 0, len(ready.Networking.HTTPServices))
	for _, svc := range ready.Networking.HTTPServices {
		services = append(services, types.ExposedService{
			Port:   svc.Port,
			URL:    svc.URL,
			Status: types.ServiceStatusRunning,
		})
	}

	uiURL, _ := ready.serviceURL(types.WorkspaceUIPort)
	workerURL, _ := ready.serviceURL(types.WorkerControlPort)

	c.sandbox = &types.Sandbox{
		ID:           c.id,
		Provider:     types.SandboxProviderMicroVM,
		Status:       types.SandboxStatusRunning,
		Services:     services,
		WorkspaceURL: fmt.Sprintf("%s/?folder=%s", uiURL, c.cfg.WorkspaceFolder),
		RunID:        c.runID,
		Created:      time.Now(),
	}

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
		Str("instance_id", ready.ID).
		Str("workspace_url", c.sandbox.WorkspaceURL).
		Msg("micro-VM sandbox started")

	return c.sandbox, nil
}

func (c *MicroVMController) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.instanceID == "" {
		return nil
	}

	if c.workerCh != nil {
		if err := c.workerCh.Close(); err != nil {
			log.Debug().Err(err).Str("sandbox_id", c.id).Msg("worker channel close failed")
		}
		c.workerCh = nil
	}

	if err := c.api.stopInstance(ctx, c.instanceID); err != nil {
		log.Warn().Err(err).Str("instance_id", c.instanceID).Msg("failed to stop micro-VM instance")
	}

	log.Info().
		Str("run_id", c.runID).
		Str("sandbox_id", c.id).
		Str("instance_id", c.instanceID).
		Msg("micro-VM sandbox stopped")

	c.instanceID = ""
	if c.sandbox != nil {
		c.sandbox.Status = types.SandboxStatusStopped
	}
	return nil
}

func (c *MicroVMController) Status(_ context.Context) types.SandboxStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.instanceID == "" || c.sandbox == nil {
		return types.SandboxStatusStopped
	}
	return c.sandbox.Status
}

func (c *MicroVMController) SetupDevcontainer(ctx context.Context) ([]types.ExposedService, error) {
	c.mu.Lock()
	ch := c.workerCh
	c.mu.Unlock()

	return setupDevcontainer(ctx, c.id, ch, c.cfg.WorkspaceFolder, c.exposePort, c.currentServices)
}

func (c *MicroVMController) exposePort(ctx context.Context, port int) (types.ExposedService, error) {
	c.mu.Lock()
	instanceID := c.instanceID
	c.mu.Unlock()

	svc, err := c.api.exposeHTTPService(ctx, instanceID, port, fmt.Sprintf("port-%d", port))
	if err != nil {
		failed := types.ExposedService{Port: port, Status: types.ServiceStatusFailed}
		c.mu.Lock()
		c.sandbox.Services = append(c.sandbox.Services, failed)
		c.mu.Unlock()
		return failed, err
	}

	exposed := types.ExposedService{
		Port:   svc.Port,
		URL:    svc.URL,
		Status: types.ServiceStatusRunning,
	}
	c.mu.Lock()
	c.sandbox.Services = append(c.sandbox.Services, exposed)
	c.mu.Unlock()
	return exposed, nil
}

func (c *MicroVMController) currentServices() []types.ExposedService {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.ExposedService, len(c.sandbox.Services))
	copy(out, c.sandbox.Services)
	return out
}

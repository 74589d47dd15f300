// Package sandbox provisions and controls the isolated compute a single
// agent run lives in. Two variants exist: container-backed (local docker
// daemon) and micro-VM-backed (remote provisioning API). Both expose the
// same capability set, so the run lifecycle never cares which one it holds.
package sandbox

import (
	"context"

	"github.com/cruciblehq/crucible/api/pkg/types"
)

type Controller interface {
	// Start provisions the compute and waits for the two fixed application
	// ports (workspace UI and worker control) to be reachable. A missing
	// port is a ProvisioningError.
	Start(ctx context.Context) (*types.Sandbox, error)

	// Stop disconnects the worker control channel and deprovisions.
	// Stopping an already-stopped sandbox is a no-op.
	Stop(ctx context.Context) error

	// Status is a cheap in-memory check. It never re-provisions and
	// reports stopped when no compute handle exists.
	Status(ctx context.Context) types.SandboxStatus

	// SetupDevcontainer reads the sandbox's devcontainer descriptor, kicks
	// off the build inside the sandbox, exposes the descriptor's forwarded
	// ports and returns the sandbox's full current service list.
	SetupDevcontainer(ctx context.Context) ([]types.ExposedService, error)

	// Name returns the sandbox id.
	Name() string
}

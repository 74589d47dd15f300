package types

import "time"

// SandboxProvider selects which backend provisions a sandbox.
type SandboxProvider string

const (
	SandboxProviderDocker  SandboxProvider = "docker"
	SandboxProviderMicroVM SandboxProvider = "microvm"
)

type SandboxStatus string

const (
	SandboxStatusProvisioning SandboxStatus = "provisioning"
	SandboxStatusRunning      SandboxStatus = "running"
	SandboxStatusStopped      SandboxStatus = "stopped"
	SandboxStatusError        SandboxStatus = "error"
)

type ServiceStatus string

const (
	ServiceStatusPending ServiceStatus = "pending"
	ServiceStatusRunning ServiceStatus = "running"
	ServiceStatusFailed  ServiceStatus = "failed"
)

// Fixed application ports inside every sandbox image. The workspace UI
// (browser IDE) and the worker control process listen on these, and the
// surrounding tooling (VNC, proxy, execd) occupies the neighbouring ports,
// so devcontainers may not forward any of them.
const (
	WorkspaceUIPort   = 39378
	WorkerControlPort = 39377
)

// ReservedSandboxPorts are ports a devcontainer descriptor may not forward.
var ReservedSandboxPorts = map[int]bool{
	39375: true, // execd
	39376: true, // vnc
	39377: true, // worker control
	39378: true, // workspace UI
	39379: true, // proxy
}

// ExposedService is one network service reachable on a sandbox.
// Port and URL are immutable once created; only Status changes.
type ExposedService struct {
	Port   int           `json:"port"`
	URL    string        `json:"url"`
	Status ServiceStatus `json:"status"`
}

// Sandbox is the in-memory record of one provisioned compute resource
// (container or micro-VM) owned by a single run.
type Sandbox struct {
	ID           string           `json:"id"`
	Provider     SandboxProvider  `json:"provider"`
	Status       SandboxStatus    `json:"status"`
	Services     []ExposedService `json:"services"`
	WorkspaceURL string           `json:"workspace_url"`
	RunID        string           `json:"run_id"`
	Created      time.Time        `json:"created"`
}

type RunStatus string

const (
	RunStatusPending  RunStatus = "pending"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run is the persistence backend's view of one agent run. It is fetched
// fresh for every coordination pass and never cached locally.
type Run struct {
	ID       string    `json:"id"`
	TaskID   string    `json:"task_id"`
	Status   RunStatus `json:"status"`
	ExitCode *int      `json:"exit_code,omitempty"`
}

func (r *Run) IsComplete() bool {
	return r.Status == RunStatusComplete || r.Status == RunStatusFailed
}

// Task is the persistence backend's view of one task that fans out into
// parallel sibling runs.
type Task struct {
	ID                string `json:"id"`
	Prompt            string `json:"prompt"`
	PendingEvaluation bool   `json:"pending_evaluation"`
}

// DevcontainerSpec is the subset of .devcontainer/devcontainer.json that
// the sandbox setup path cares about.
type DevcontainerSpec struct {
	Name         string   `json:"name"`
	Image        string   `json:"image,omitempty"`
	ForwardPorts []int    `json:"forwardPorts,omitempty"`
	PostCreate   string   `json:"postCreateCommand,omitempty"`
	RunArgs      []string `json:"runArgs,omitempty"`
}

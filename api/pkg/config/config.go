package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type ServerConfig struct {
	Sandbox    Sandbox
	Terminal   Terminal
	Store      Store
	Evaluation Evaluation
	PubSub     PubSub
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	err := envconfig.Process("", &cfg)
	if err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

type Sandbox struct {
	// Provider chooses the default backend for new sandboxes: docker or microvm
	Provider string `envconfig:"SANDBOX_PROVIDER" default:"docker"`

	// DockerHost is the container daemon endpoint, e.g. unix:///var/run/docker.sock
	// or tcp://127.0.0.1:2375
	DockerHost string `envconfig:"SANDBOX_DOCKER_HOST" default:"unix:///var/run/docker.sock"`
	// Image is the sandbox image used by the docker provider
	Image string `envconfig:"SANDBOX_IMAGE" default:"crucible-sandbox:latest"`

	// MicroVM provisioning API (snapshot-based instances)
	VMAPIURL   string `envconfig:"SANDBOX_VM_API_URL" default:""`
	VMAPIToken string `envconfig:"SANDBOX_VM_API_TOKEN" default:""`
	// SnapshotID is the named base snapshot new micro-VMs boot from
	SnapshotID string `envconfig:"SANDBOX_VM_SNAPSHOT_ID" default:""`
	// IdleTTL pauses a micro-VM that has seen no activity, as a cost
	// safeguard (not a correctness timeout)
	IdleTTL time.Duration `envconfig:"SANDBOX_VM_IDLE_TTL" default:"1h"`

	// WorkspaceFolder is the agent workspace path inside every sandbox
	WorkspaceFolder string `envconfig:"SANDBOX_WORKSPACE_FOLDER" default:"/root/workspace"`
}

type Terminal struct {
	MaxScrollbackLines int           `envconfig:"TERMINAL_MAX_SCROLLBACK_LINES" default:"1000"`
	FlushDebounce      time.Duration `envconfig:"TERMINAL_FLUSH_DEBOUNCE" default:"100ms"`
	// FlushChunkBytes respects the run-log store's per-write ceiling
	FlushChunkBytes int `envconfig:"TERMINAL_FLUSH_CHUNK_BYTES" default:"500000"`
}

type Store struct {
	// URL of the task/run persistence backend's HTTP API
	URL   string `envconfig:"STORE_URL" default:"http://localhost:8512"`
	Token string `envconfig:"STORE_TOKEN" default:""`
}

type Evaluation struct {
	// URL of the crown evaluation endpoint, called once per task when all
	// sibling runs have finished
	URL string `envconfig:"EVALUATION_URL" default:"http://localhost:8513/v1/evaluations"`
}

type PubSub struct {
	StoreDir string `envconfig:"PUBSUB_STORE_DIR" default:""`
}

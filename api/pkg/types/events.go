package types

// Events published on the upward event surface. Consumers (web UI, desktop
// shell) subscribe over pubsub; the core never talks to them directly.

type TerminalCreatedEvent struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id,omitempty"`
}

type TerminalOutputEvent struct {
	SessionID string `json:"session_id"`
	Data      []byte `json:"data"`
}

type TerminalExitEvent struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id,omitempty"`
	ExitCode  int    `json:"exit_code"`
}

// ProviderStatusEvent carries aggregated readiness of a sandbox provider.
// Broadcast only on state transitions, never on repeated probes.
type ProviderStatusEvent struct {
	Provider SandboxProvider `json:"provider"`
	Healthy  bool            `json:"healthy"`
}

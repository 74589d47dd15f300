package sandbox

import "fmt"

// ProvisioningError means compute failed to come up or a required
// application port never appeared. Fatal to that sandbox, never auto-retried.
type ProvisioningError struct {
	Reason string
	Err    error
}

func (e *ProvisioningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sandbox provisioning failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("sandbox provisioning failed: %s", e.Reason)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// ConfigError means the sandbox has no usable devcontainer descriptor.
// Fatal to that setup call only - the sandbox itself keeps running.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("devcontainer config error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("devcontainer config error: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// PortConflictError means the devcontainer asked to forward a reserved
// sandbox port. The whole setup call fails before any port is exposed.
type PortConflictError struct {
	Port int
}

func (e *PortConflictError) Error() string {
	return fmt.Sprintf("devcontainer forwards reserved sandbox port %d", e.Port)
}

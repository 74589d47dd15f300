package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/cruciblehq/crucible/api/pkg/types"
	"github.com/cruciblehq/crucible/api/pkg/worker"
)

const (
	devcontainerPath = ".devcontainer/devcontainer.json"
	buildLogPath     = "/var/log/devcontainer-build.log"
)

// portExposer is the one variant-specific piece of devcontainer setup:
// making a forwarded port reachable from outside the sandbox.
type portExposer func(ctx context.Context, port int) (types.ExposedService, error)

// setupDevcontainer is the provider-independent devcontainer flow shared by
// both controller variants. It returns the sandbox's FULL current service
// list, not just newly exposed ports - earlier steps (Start) have already
// exposed the fixed application ports.
func setupDevcontainer(
	ctx context.Context,
	sandboxID string,
	ch worker.Channel,
	workspaceFolder string,
	expose portExposer,
	currentServices func() []types.ExposedService,
) ([]types.ExposedService, error) {
	if ch == nil {
		return nil, &ConfigError{Reason: "worker control channel unavailable"}
	}

	descriptorPath := workspaceFolder + "/" + devcontainerPath
	raw, err := ch.ReadFile(ctx, descriptorPath)
	if err != nil {
		if errors.Is(err, worker.ErrFileNotFound) {
			return nil, &ConfigError{Reason: fmt.Sprintf("no devcontainer descriptor at %s", descriptorPath)}
		}
		return nil, &ConfigError{Reason: "failed to read devcontainer descriptor", Err: err}
	}

	spec, err := ParseDevcontainer(raw)
	if err != nil {
		return nil, &ConfigError{Reason: "invalid devcontainer descriptor", Err: err}
	}

	// Kick off the build inside the sandbox. Output goes to a log file, not
	// back over the channel - builds can run for minutes.
	buildCmd := fmt.Sprintf(
		"sh -c 'nohup devcontainer up --workspace-folder %s > %s 2>&1 &'",
		workspaceFolder, buildLogPath,
	)
	if _, err := ch.Exec(ctx, buildCmd); err != nil {
		return nil, fmt.Errorf("failed to launch devcontainer build: %w", err)
	}

	log.Info().
		Str("sandbox_id", sandboxID).
		Str("log_path", buildLogPath).
		Ints("forward_ports", spec.ForwardPorts).
		Msg("devcontainer build started")

	// Fail the whole call before exposing anything if any forwarded port
	// collides with the reserved set. No partial exposure.
	for _, port := range spec.ForwardPorts {
		if types.ReservedSandboxPorts[port] {
			return nil, &PortConflictError{Port: port}
		}
	}

	for _, port := range spec.ForwardPorts {
		svc, err := expose(ctx, port)
		if err != nil {
			log.Warn().Err(err).
				Str("sandbox_id", sandboxID).
				Int("port", port).
				Msg("failed to expose devcontainer port")
			continue
		}
		log.Debug().
			Str("sandbox_id", sandboxID).
			Int("port", port).
			Str("url", svc.URL).
			Msg("exposed devcontainer port")
	}

	return currentServices(), nil
}

// ParseDevcontainer decodes a devcontainer.json payload. The format allows
// line comments, so those are stripped before decoding.
func ParseDevcontainer(raw []byte) (*types.DevcontainerSpec, error) {
	var spec types.DevcontainerSpec
	if err := json.Unmarshal(stripLineComments(raw), &spec); err != nil {
		return nil, fmt.Errorf("failed to parse devcontainer.json: %w", err)
	}
	return &spec, nil
}

// stripLineComments removes // comments outside of string literals.
func stripLineComments(raw []byte) []byte {
	var out strings.Builder
	inString := false
	escaped := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inString {
			out.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			out.WriteByte(c)
			continue
		}
		if c == '/' && i+1 < len(raw) && raw[i+1] == '/' {
			for i < len(raw) && raw[i] != '\n' {
				i++
			}
			if i < len(raw) {
				out.WriteByte('\n')
			}
			continue
		}
		out.WriteByte(c)
	}
	return []byte(out.String())
}

package sandbox

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cruciblehq/crucible/api/pkg/types"
	"github.com/cruciblehq/crucible/api/pkg/worker"
)

// fakeChannel serves a canned sandbox filesystem and records execs.
type fakeChannel struct {
	mu    sync.Mutex
	files map[string][]byte
	execs []string
}

func (f *fakeChannel) Exec(_ context.Context, command string) (*worker.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, command)
	return &worker.ExecResult{ExitCode: 0}, nil
}

func (f *fakeChannel) ReadFile(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, worker.ErrFileNotFound)
	}
	return content, nil
}

func (f *fakeChannel) Close() error { return nil }

type exposeRecorder struct {
	mu    sync.Mutex
	ports []int
	fail  map[int]error
}

func (e *exposeRecorder) expose(_ context.Context, port int) (types.ExposedService, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err, ok := e.fail[port]; ok {
		return types.ExposedService{Port: port, Status: types.ServiceStatusFailed}, err
	}
	e.ports = append(e.ports, port)
	return types.ExposedService{
		Port:   port,
		URL:    fmt.Sprintf("http://sandbox:%d", port),
		Status: types.ServiceStatusRunning,
	}, nil
}

func (e *exposeRecorder) exposed() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.ports...)
}

func noServices() []types.ExposedService { return nil }

func TestSetupDevcontainerWithoutChannelFails(t *testing.T) {
	rec := &exposeRecorder{}
	_, err := setupDevcontainer(context.Background(), "sb-1", nil, "/root/workspace", rec.expose, noServices)

	var configErr *ConfigError
	require.ErrorAs(t, err, &configErr)
	require.Empty(t, rec.exposed())
}

func TestSetupDevcontainerMissingDescriptor(t *testing.T) {
	ch := &fakeChannel{files: map[string][]byte{}}
	rec := &exposeRecorder{}

	_, err := setupDevcontainer(context.Background(), "sb-1", ch, "/root/workspace", rec.expose, noServices)

	var configErr *ConfigError
	require.ErrorAs(t, err, &configErr)
	assert.Contains(t, configErr.Reason, "/root/workspace/.devcontainer/devcontainer.json")
	require.Empty(t, ch.execs, "no build launched without a descriptor")
}

func TestSetupDevcontainerInvalidDescriptor(t *testing.T) {
	ch := &fakeChannel{files: map[string][]byte{
		"/root/workspace/.devcontainer/devcontainer.json": []byte("{not json"),
	}}
	rec := &exposeRecorder{}

	_, err := setupDevcontainer(context.Background(), "sb-1", ch, "/root/workspace", rec.expose, noServices)

	var configErr *ConfigError
	require.ErrorAs(t, err, &configErr)
}

func TestSetupDevcontainerReservedPortFailsWithoutExposing(t *testing.T) {
	descriptor := []byte(`{
		"name": "agent-env",
		"forwardPorts": [3000, 39378, 8080]
	}`)
	ch := &fakeChannel{files: map[string][]byte{
		"/root/workspace/.devcontainer/devcontainer.json": descriptor,
	}}
	rec := &exposeRecorder{}

	_, err := setupDevcontainer(context.Background(), "sb-1", ch, "/root/workspace", rec.expose, noServices)

	var portErr *PortConflictError
	require.ErrorAs(t, err, &portErr)
	require.Equal(t, 39378, portErr.Port)
	require.Empty(t, rec.exposed(), "a reserved-port conflict must expose nothing, not just skip the clash")
}

func TestSetupDevcontainerExposesForwardedPorts(t *testing.T) {
	descriptor := []byte(`{
		// the agent's dev environment
		"name": "agent-env",
		"forwardPorts": [3000, 8080] // app + api
	}`)
	ch := &fakeChannel{files: map[string][]byte{
		"/root/workspace/.devcontainer/devcontainer.json": descriptor,
	}}
	rec := &exposeRecorder{}

	current := []types.ExposedService{
		{Port: types.WorkspaceUIPort, URL: "http://sandbox:39378", Status: types.ServiceStatusRunning},
		{Port: 3000, URL: "http://sandbox:3000", Status: types.ServiceStatusRunning},
		{Port: 8080, URL: "http://sandbox:8080", Status: types.ServiceStatusRunning},
	}

	services, err := setupDevcontainer(context.Background(), "sb-1", ch, "/root/workspace", rec.expose,
		func() []types.ExposedService { return current })
	require.NoError(t, err)

	require.Equal(t, []int{3000, 8080}, rec.exposed())
	require.Equal(t, current, services, "result is the sandbox's full service list")

	require.Len(t, ch.execs, 1)
	assert.Contains(t, ch.execs[0], "devcontainer up --workspace-folder /root/workspace")
	assert.Contains(t, ch.execs[0], "nohup")
}

func TestSetupDevcontainerContinuesPastExposeFailure(t *testing.T) {
	descriptor := []byte(`{"name": "env", "forwardPorts": [3000, 8080]}`)
	ch := &fakeChannel{files: map[string][]byte{
		"/root/workspace/.devcontainer/devcontainer.json": descriptor,
	}}
	rec := &exposeRecorder{fail: map[int]error{3000: fmt.Errorf("proxy refused")}}

	_, err := setupDevcontainer(context.Background(), "sb-1", ch, "/root/workspace", rec.expose, noServices)
	require.NoError(t, err, "expose failures are per-port, not fatal to setup")
	require.Equal(t, []int{8080}, rec.exposed())
}

func TestParseDevcontainerStripsLineComments(t *testing.T) {
	raw := []byte(`{
		// header comment
		"name": "env", // trailing comment
		"image": "mcr.microsoft.com/devcontainers/base", // note: "//" inside strings survives
		"postCreateCommand": "echo http://example.com//path",
		"forwardPorts": [5173]
	}`)

	spec, err := ParseDevcontainer(raw)
	require.NoError(t, err)
	require.Equal(t, "env", spec.Name)
	require.Equal(t, "echo http://example.com//path", spec.PostCreate)
	require.Equal(t, []int{5173}, spec.ForwardPorts)
}

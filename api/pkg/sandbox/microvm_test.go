package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cruciblehq/crucible/api/pkg/config"
	"github.com/cruciblehq/crucible/api/pkg/types"
)

// fakeVMAPI is an in-process stand-in for the micro-VM provisioning API.
type fakeVMAPI struct {
	mu          sync.Mutex
	getCalls    int
	stopCalls   int
	readyAfter  int // number of get calls before the worker port appears
	neverReady  bool
	exposeFails bool
	baseURL     string

	server *httptest.Server
}

func newFakeVMAPI(t *testing.T) *fakeVMAPI {
	t.Helper()
	f := &fakeVMAPI{}
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/instances", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var req startInstanceRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "snap-base", req.SnapshotID)
		require.Equal(t, "pause", req.TTLAction)
		require.Equal(t, 3600, req.TTLSeconds)
		_ = json.NewEncoder(w).Encode(vmInstance{ID: "inst-1", Status: "starting"})
	})

	mux.HandleFunc("/v1/instances/inst-1", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.getCalls++
		calls := f.getCalls
		f.mu.Unlock()

		inst := vmInstance{ID: "inst-1", Status: "running"}
		inst.Networking.HTTPServices = []vmHTTPService{
			{Name: "workspace", Port: types.WorkspaceUIPort, URL: f.baseURL + "/svc/ui"},
		}
		if !f.neverReady && calls >= f.readyAfter {
			inst.Networking.HTTPServices = append(inst.Networking.HTTPServices, vmHTTPService{
				Name: "worker", Port: types.WorkerControlPort, URL: f.baseURL + "/svc/worker",
			})
		}
		_ = json.NewEncoder(w).Encode(inst)
	})

	mux.HandleFunc("/v1/instances/inst-1/http-services", func(w http.ResponseWriter, r *http.Request) {
		if f.exposeFails {
			http.Error(w, "no capacity", http.StatusBadRequest)
			return
		}
		var req struct {
			Port int    `json:"port"`
			Name string `json:"name"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(vmHTTPService{
			Name: req.Name, Port: req.Port, URL: f.baseURL + "/svc/exposed",
		})
	})

	mux.HandleFunc("/v1/instances/inst-1/stop", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.stopCalls++
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	f.server = httptest.NewServer(mux)
	f.baseURL = f.server.URL
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeVMAPI) gets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

func (f *fakeVMAPI) stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls
}

func newTestMicroVM(api *fakeVMAPI) *MicroVMController {
	cfg := config.Sandbox{
		VMAPIURL:        api.server.URL,
		SnapshotID:      "snap-base",
		IdleTTL:         time.Hour,
		WorkspaceFolder: "/root/workspace",
	}
	return &MicroVMController{
		cfg:           cfg,
		runID:         "run-1",
		id:            "sb-1",
		api:           newVMClient(cfg.VMAPIURL, cfg.VMAPIToken),
		readyAttempts: 5,
		readyDelay:    time.Millisecond,
	}
}

func TestMicroVMStartWaitsForApplicationPorts(t *testing.T) {
	api := newFakeVMAPI(t)
	api.readyAfter = 3

	c := newTestMicroVM(api)
	sb, err := c.Start(context.Background())
	require.NoError(t, err)

	require.Equal(t, types.SandboxStatusRunning, sb.Status)
	require.Equal(t, types.SandboxProviderMicroVM, sb.Provider)
	require.Equal(t, "run-1", sb.RunID)
	require.Equal(t, api.baseURL+"/svc/ui/?folder=/root/workspace", sb.WorkspaceURL)
	require.Len(t, sb.Services, 2)

	require.GreaterOrEqual(t, api.gets(), 3, "readiness poll repeats until the worker port appears")
	require.Equal(t, types.SandboxStatusRunning, c.Status(context.Background()))
}

func TestMicroVMStartFailsWhenPortsNeverAppear(t *testing.T) {
	api := newFakeVMAPI(t)
	api.neverReady = true

	c := newTestMicroVM(api)
	_, err := c.Start(context.Background())

	var provErr *ProvisioningError
	require.ErrorAs(t, err, &provErr)
	require.Equal(t, 1, api.stops(), "an unready instance is torn down, not leaked")
	require.Equal(t, types.SandboxStatusStopped, c.Status(context.Background()))
}

func TestMicroVMStopIsIdempotent(t *testing.T) {
	api := newFakeVMAPI(t)
	api.readyAfter = 1

	c := newTestMicroVM(api)
	_, err := c.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
	require.Equal(t, 1, api.stops())
	require.Equal(t, types.SandboxStatusStopped, c.Status(context.Background()))
}

func TestMicroVMConstructorValidatesConfig(t *testing.T) {
	_, err := NewMicroVMController(config.Sandbox{SnapshotID: "snap"}, "run-1", "sb-1")
	require.Error(t, err)

	_, err = NewMicroVMController(config.Sandbox{VMAPIURL: "http://localhost:1"}, "run-1", "sb-1")
	require.Error(t, err)
}

func TestMicroVMExposePortRecordsFailedService(t *testing.T) {
	api := newFakeVMAPI(t)
	api.readyAfter = 1

	c := newTestMicroVM(api)
	_, err := c.Start(context.Background())
	require.NoError(t, err)

	api.exposeFails = true
	svc, err := c.exposePort(context.Background(), 3000)
	require.Error(t, err)
	require.Equal(t, types.ServiceStatusFailed, svc.Status)

	services := c.currentServices()
	require.Len(t, services, 3)
	require.Equal(t, types.ServiceStatusFailed, services[2].Status)
}

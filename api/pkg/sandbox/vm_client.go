package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/cruciblehq/crucible/api/pkg/system"
)

// vmClient wraps the micro-VM provisioning API (snapshot instances with
// exposed HTTP services). Transport errors and 5xx are retried by the
// underlying client.
type vmClient struct {
	baseURL    string
	token      string
	httpClient *retryablehttp.Client
}

func newVMClient(baseURL, token string) *vmClient {
	return &vmClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: system.NewRetryClient(5),
	}
}

type startInstanceRequest struct {
	SnapshotID string `json:"snapshot_id"`
	TTLSeconds int    `json:"ttl_seconds"`
	TTLAction  string `json:"ttl_action"` // "pause" or "stop"
}

type vmHTTPService struct {
	Name string `json:"name"`
	Port int    `json:"port"`
	URL  string `json:"url"`
}

type vmNetworking struct {
	HTTPServices []vmHTTPService `json:"http_services"`
}

type vmInstance struct {
	ID         string       `json:"id"`
	Status     string       `json:"status"`
	Networking vmNetworking `json:"networking"`
}

func (i *vmInstance) serviceURL(port int) (string, bool) {
	for _, svc := range i.Networking.HTTPServices {
		if svc.Port == port {
			return svc.URL, true
		}
	}
	return "", false
}

func (c *vmClient) startInstance(ctx context.Context, req *startInstanceRequest) (*vmInstance, error) {
	var inst vmInstance
	if err := c.do(ctx, http.MethodPost, "/v1/instances", req, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (c *vmClient) getInstance(ctx context.Context, id string) (*vmInstance, error) {
	var inst vmInstance
	if err := c.do(ctx, http.MethodGet, "/v1/instances/"+id, nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (c *vmClient) exposeHTTPService(ctx context.Context, id string, port int, name string) (*vmHTTPService, error) {
	req := map[string]interface{}{"port": port, "name": name}
	var svc vmHTTPService
	if err := c.do(ctx, http.MethodPost, "/v1/instances/"+id+"/http-services", req, &svc); err != nil {
		return nil, err
	}
	return &svc, nil
}

func (c *vmClient) stopInstance(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/instances/"+id+"/stop", nil, nil)
}

func (c *vmClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		bts, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bts)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := system.AddAuthHeadersRetryable(req, c.token); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("micro-VM API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bts, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("micro-VM API returned status %d: %s", resp.StatusCode, string(bts))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

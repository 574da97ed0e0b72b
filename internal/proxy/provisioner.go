package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPProvisioner requests replacement endpoints from an external
// proxy-provisioning service.
type HTTPProvisioner struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvisioner constructs a provisioner client.
func NewHTTPProvisioner(baseURL, apiKey string, timeout time.Duration) *HTTPProvisioner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvisioner{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Replace asks the provider to swap out the endpoint. Best effort; the caller
// only logs failures.
func (p *HTTPProvisioner) Replace(ctx context.Context, endpointID string) error {
	body, err := json.Marshal(map[string]string{"endpoint_id": endpointID})
	if err != nil {
		return fmt.Errorf("marshal replace request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/replace", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build replace request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("replace request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("replace request returned %d", resp.StatusCode)
	}
	return nil
}

// NoopProvisioner is used when no provisioning integration is configured.
type NoopProvisioner struct{}

// Replace does nothing.
func (NoopProvisioner) Replace(context.Context, string) error { return nil }

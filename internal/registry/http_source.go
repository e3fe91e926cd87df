package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vyrodovalexey/storegw/internal/config"
)

// maxRegistryResponseBytes bounds a registry response body.
const maxRegistryResponseBytes = 4 << 20

// HTTPSource pulls instances from an HTTP registry API:
//
//	GET {baseURL}/v1/services/{service}/instances
//
// The response is a JSON array of instances.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates an HTTP registry source.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = config.DefaultRegistryTimeout
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// ListInstances implements Source.
func (s *HTTPSource) ListInstances(ctx context.Context, service string) ([]Instance, error) {
	endpoint := fmt.Sprintf("%s/v1/services/%s/instances", s.baseURL, url.PathEscape(service))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build registry request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxRegistryResponseBytes))
		return nil, fmt.Errorf("registry responded with status %d", resp.StatusCode)
	}

	var instances []Instance
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRegistryResponseBytes)).Decode(&instances); err != nil {
		return nil, fmt.Errorf("failed to decode registry response: %w", err)
	}

	for i := range instances {
		instances[i] = instances[i].normalize(service)
	}
	return instances, nil
}

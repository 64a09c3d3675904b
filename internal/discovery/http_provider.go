package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mir00r/gameserver-lb/internal/config"
	"github.com/mir00r/gameserver-lb/internal/domain"
	lberrors "github.com/mir00r/gameserver-lb/internal/errors"
	"github.com/mir00r/gameserver-lb/pkg/logger"
)

// HTTPProvider implements service discovery against a JSON catalogue.
// Endpoints are tried in order until one answers.
type HTTPProvider struct {
	logger    *logger.Logger
	client    *http.Client
	endpoints []string
}

// HTTPServiceResponse represents the expected HTTP response format
type HTTPServiceResponse struct {
	Services []*Service `json:"services"`
}

// NewHTTPProvider creates a new HTTP service discovery provider
func NewHTTPProvider(cfg config.DiscoveryConfig, log *logger.Logger) (*HTTPProvider, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("no HTTP endpoints configured")
	}

	endpoints := make([]string, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		if _, err := url.ParseRequestURI(ep); err != nil {
			return nil, fmt.Errorf("invalid discovery endpoint %q: %w", ep, err)
		}
		endpoints = append(endpoints, strings.TrimSuffix(ep, "/"))
	}

	return &HTTPProvider{
		logger:    log,
		client:    &http.Client{Timeout: cfg.Timeout},
		endpoints: endpoints,
	}, nil
}

// Name returns the provider name
func (h *HTTPProvider) Name() string {
	return "http"
}

// Discover queries GET <endpoint>/services?service=<name>
func (h *HTTPProvider) Discover(ctx context.Context, serviceName string) ([]domain.ServerEndpoint, error) {
	var lastErr error
	for _, endpoint := range h.endpoints {
		services, err := h.fetch(ctx, endpoint, serviceName)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			h.logger.WithError(err).WithField("endpoint", endpoint).Debug("Discovery endpoint failed")
			continue
		}

		matching := services[:0]
		for _, svc := range services {
			if svc != nil && (svc.Name == "" || svc.Name == serviceName) {
				matching = append(matching, svc)
			}
		}
		return toEndpoints(matching, h.logger), nil
	}
	return nil, lberrors.NewDiscoveryError(h.Name(), serviceName, lastErr)
}

func (h *HTTPProvider) fetch(ctx context.Context, endpoint, serviceName string) ([]*Service, error) {
	u := endpoint + "/services?service=" + url.QueryEscape(serviceName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create services request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query services: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("services query failed with status: %s", resp.Status)
	}

	var response HTTPServiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to parse services: %w", err)
	}
	return response.Services, nil
}

// Health succeeds when any endpoint answers GET /health with 200
func (h *HTTPProvider) Health(ctx context.Context) error {
	var lastErr error
	for _, endpoint := range h.endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
		if err != nil {
			return fmt.Errorf("failed to create health check request: %w", err)
		}

		resp, err := h.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("health check failed: %w", err)
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			return nil
		}
		lastErr = fmt.Errorf("health check failed with status: %s", resp.Status)
	}
	return lastErr
}

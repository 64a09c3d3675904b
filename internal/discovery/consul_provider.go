package discovery

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	consulAPI "github.com/hashicorp/consul/api"
	"github.com/mir00r/gameserver-lb/internal/config"
	"github.com/mir00r/gameserver-lb/internal/domain"
	lberrors "github.com/mir00r/gameserver-lb/internal/errors"
	"github.com/mir00r/gameserver-lb/pkg/logger"
)

// ConsulProvider implements service discovery using HashiCorp Consul.
// Only instances whose checks are all passing are returned.
type ConsulProvider struct {
	logger     *logger.Logger
	client     *consulAPI.Client
	tag        string
	datacenter string
}

// NewConsulProvider creates a new Consul service discovery provider
func NewConsulProvider(cfg config.DiscoveryConfig, log *logger.Logger) (*ConsulProvider, error) {
	consulConfig := consulAPI.DefaultConfig()
	if cfg.ConsulAddress != "" {
		addr := cfg.ConsulAddress
		if scheme, rest, ok := strings.Cut(addr, "://"); ok {
			consulConfig.Scheme = scheme
			addr = rest
		}
		consulConfig.Address = addr
	}
	if cfg.ConsulToken != "" {
		consulConfig.Token = cfg.ConsulToken
	}
	if cfg.Datacenter != "" {
		consulConfig.Datacenter = cfg.Datacenter
	}
	if cfg.Timeout > 0 && consulConfig.Scheme != "https" {
		consulConfig.HttpClient = &http.Client{
			Transport: consulConfig.Transport,
			Timeout:   cfg.Timeout,
		}
	}

	client, err := consulAPI.NewClient(consulConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}

	log.WithField("address", consulConfig.Address).
		WithField("datacenter", consulConfig.Datacenter).
		Debug("Consul client configured")

	return &ConsulProvider{
		logger:     log,
		client:     client,
		tag:        cfg.Tag,
		datacenter: cfg.Datacenter,
	}, nil
}

// Name returns the provider name
func (c *ConsulProvider) Name() string {
	return "consul"
}

// Discover lists the passing instances of serviceName, optionally filtered by tag
func (c *ConsulProvider) Discover(ctx context.Context, serviceName string) ([]domain.ServerEndpoint, error) {
	opts := (&consulAPI.QueryOptions{Datacenter: c.datacenter}).WithContext(ctx)
	entries, _, err := c.client.Health().Service(serviceName, c.tag, true, opts)
	if err != nil {
		return nil, lberrors.NewDiscoveryError(c.Name(), serviceName, err)
	}

	services := make([]*Service, 0, len(entries))
	for _, entry := range entries {
		if entry.Service == nil {
			continue
		}
		services = append(services, serviceFromEntry(entry))
	}

	c.logger.WithField("service", serviceName).
		WithField("instances", len(services)).
		Debug("Discovered instances from Consul")
	return toEndpoints(services, c.logger), nil
}

func serviceFromEntry(entry *consulAPI.ServiceEntry) *Service {
	// the service address wins, the node address is the agent default
	address := entry.Service.Address
	if address == "" && entry.Node != nil {
		address = entry.Node.Address
	}

	meta := make(map[string]string, len(entry.Service.Meta)+1)
	for k, v := range entry.Service.Meta {
		meta[k] = v
	}
	if entry.Node != nil {
		meta["node"] = entry.Node.Node
	}

	return &Service{
		ID:       entry.Service.ID,
		Name:     entry.Service.Service,
		Tags:     entry.Service.Tags,
		Address:  address,
		Port:     entry.Service.Port,
		Health:   entry.Checks.AggregatedStatus(),
		Metadata: meta,
	}
}

// Health checks that the Consul cluster has an elected leader
func (c *ConsulProvider) Health(ctx context.Context) error {
	type result struct {
		leader string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		leader, err := c.client.Status().Leader()
		done <- result{leader, err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("consul health check failed: %w", r.err)
		}
		if r.leader == "" {
			return fmt.Errorf("consul cluster has no leader")
		}
		return nil
	}
}

// Package discovery resolves the game servers registered under a service name.
// Providers answer point-in-time queries; the load balancer owns the polling
// loop and folds each answer into its server pool.
package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mir00r/gameserver-lb/internal/config"
	"github.com/mir00r/gameserver-lb/internal/domain"
	lberrors "github.com/mir00r/gameserver-lb/internal/errors"
	"github.com/mir00r/gameserver-lb/pkg/logger"
)

// Provider defines the interface for service discovery providers
type Provider interface {
	Name() string
	// Discover returns the healthy instances currently registered for serviceName
	Discover(ctx context.Context, serviceName string) ([]domain.ServerEndpoint, error)
	Health(ctx context.Context) error
}

// Service is one catalogue entry as reported by a registry
type Service struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Tags    []string `json:"tags"`
	Address string   `json:"address"`
	Port    int      `json:"port"`
	// Health is "passing", "warning" or "critical"; empty means passing
	Health   string            `json:"health"`
	Metadata map[string]string `json:"metadata"`
}

// Well-known metadata keys. Tags of the form key=value are folded into the
// metadata, with explicit metadata taking precedence.
const (
	MetaCapacity     = "capacity"
	MetaLatencyScore = "latency_score"
	MetaRegion       = "region"
	MetaWeight       = "weight"
	MetaProtocol     = "protocol"
)

// Passing reports whether the registry considers the instance healthy
func (s *Service) Passing() bool {
	return s.Health == "" || s.Health == "passing"
}

// Endpoint converts the catalogue entry into a server endpoint. Malformed
// numeric metadata is an error so a bad registration never reaches the pool
// with a zero capacity.
func (s *Service) Endpoint() (domain.ServerEndpoint, error) {
	meta := make(map[string]string, len(s.Metadata)+len(s.Tags))
	for _, tag := range s.Tags {
		if k, v, ok := strings.Cut(tag, "="); ok && k != "" {
			meta[k] = v
		}
	}
	for k, v := range s.Metadata {
		meta[k] = v
	}

	ep := domain.ServerEndpoint{
		ID:       s.ID,
		Address:  s.Address,
		Port:     s.Port,
		Region:   meta[MetaRegion],
		Protocol: meta[MetaProtocol],
	}
	if ep.Protocol == "" {
		ep.Protocol = "udp"
	}

	if v, ok := meta[MetaCapacity]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return domain.ServerEndpoint{}, fmt.Errorf("instance %s: invalid %s %q", s.ID, MetaCapacity, v)
		}
		ep.Capacity = n
	}
	if v, ok := meta[MetaLatencyScore]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return domain.ServerEndpoint{}, fmt.Errorf("instance %s: invalid %s %q", s.ID, MetaLatencyScore, v)
		}
		ep.LatencyScore = f
	}
	if v, ok := meta[MetaWeight]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return domain.ServerEndpoint{}, fmt.Errorf("instance %s: invalid %s %q", s.ID, MetaWeight, v)
		}
		ep.Weight = n
	}

	if len(meta) > 0 {
		ep.Metadata = meta
	}
	return ep, nil
}

// toEndpoints keeps the passing, well-formed instances of services
func toEndpoints(services []*Service, log *logger.Logger) []domain.ServerEndpoint {
	endpoints := make([]domain.ServerEndpoint, 0, len(services))
	for _, svc := range services {
		if svc == nil {
			continue
		}
		if !svc.Passing() {
			log.WithField("instance_id", svc.ID).
				WithField("health", svc.Health).
				Debug("Skipping unhealthy instance")
			continue
		}
		ep, err := svc.Endpoint()
		if err != nil {
			log.WithError(err).Warn("Skipping malformed instance")
			continue
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints
}

// New creates the provider named by cfg.Provider
func New(cfg config.DiscoveryConfig, log *logger.Logger) (Provider, error) {
	log = log.DiscoveryLogger()

	var (
		provider Provider
		err      error
	)
	switch cfg.Provider {
	case "", "static":
		provider = NewStaticProvider(cfg.Servers)
	case "http":
		provider, err = NewHTTPProvider(cfg, log)
	case "consul":
		provider, err = NewConsulProvider(cfg, log)
	default:
		err = fmt.Errorf("unsupported service discovery provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, lberrors.NewErrorWithCause(
			lberrors.ErrCodeConfigLoad,
			"discovery",
			"Failed to initialize service discovery provider",
			err,
		)
	}

	log.WithField("provider", provider.Name()).
		WithField("service", cfg.ServiceName).
		WithField("interval", cfg.Interval.String()).
		Info("Service discovery initialized")
	return provider, nil
}

// StaticProvider serves a fixed server list from configuration. The list is
// the service, so the service name is ignored.
type StaticProvider struct {
	servers []domain.ServerEndpoint
}

// NewStaticProvider creates a provider over a copy of servers
func NewStaticProvider(servers []domain.ServerEndpoint) *StaticProvider {
	return &StaticProvider{servers: copyEndpoints(servers)}
}

func (p *StaticProvider) Name() string { return "static" }

func (p *StaticProvider) Discover(ctx context.Context, _ string) ([]domain.ServerEndpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return copyEndpoints(p.servers), nil
}

func (p *StaticProvider) Health(context.Context) error { return nil }

func copyEndpoints(in []domain.ServerEndpoint) []domain.ServerEndpoint {
	out := make([]domain.ServerEndpoint, len(in))
	for i, ep := range in {
		if ep.Metadata != nil {
			meta := make(map[string]string, len(ep.Metadata))
			for k, v := range ep.Metadata {
				meta[k] = v
			}
			ep.Metadata = meta
		}
		out[i] = ep
	}
	return out
}

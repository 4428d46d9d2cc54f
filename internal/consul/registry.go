// Package consul wraps the HashiCorp Consul API for service registration
// and for resolving backend addresses at runtime.
package consul

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/albumqr/albumqr-mesh/internal/health"
)

// Instance represents a service instance stored in Consul.
type Instance struct {
	ServiceName string
	ServiceID   string
	Address     string
	Port        int
	Status      health.Status
	Metadata    map[string]string
}

// URL returns the instance base URL. The scheme comes from the "scheme"
// metadata key and defaults to http.
func (i Instance) URL() string {
	scheme := "http"
	if s := i.Metadata["scheme"]; s != "" {
		scheme = s
	}
	return fmt.Sprintf("%s://%s:%d", scheme, i.Address, i.Port)
}

// Registration contains the information needed to register a service.
type Registration struct {
	ServiceName string
	ServiceID   string
	Address     string
	Port        int
	Tags        []string
	Metadata    map[string]string
	// HealthCheckURL makes Consul poll the URL. When empty the instance uses
	// a TTL check that must be kept alive with UpdateHealth.
	HealthCheckURL string
	CheckInterval  time.Duration
}

// Registry is a Consul-backed service registry.
type Registry struct {
	client *api.Client
	logger *slog.Logger
}

// NewRegistry creates a Registry using the provided Consul address.
func NewRegistry(addr string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := api.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &Registry{client: client, logger: logger.With("component", "consul_registry")}, nil
}

func checkID(serviceID string) string { return "service:" + serviceID }

// Register registers a service instance with Consul.
func (r *Registry) Register(reg Registration) error {
	interval := reg.CheckInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	check := &api.AgentServiceCheck{
		CheckID:                        checkID(reg.ServiceID),
		Name:                           fmt.Sprintf("%s health", reg.ServiceName),
		DeregisterCriticalServiceAfter: (1 * time.Minute).String(),
	}
	if reg.HealthCheckURL != "" {
		check.HTTP = reg.HealthCheckURL
		check.Interval = interval.String()
		check.Timeout = (interval / 3).String()
	} else {
		ttl := interval + 5*time.Second
		if ttl < 10*time.Second {
			ttl = 10 * time.Second
		}
		check.TTL = ttl.String()
	}

	consulReg := &api.AgentServiceRegistration{
		ID:      reg.ServiceID,
		Name:    reg.ServiceName,
		Address: reg.Address,
		Port:    reg.Port,
		Tags:    reg.Tags,
		Meta:    reg.Metadata,
		Check:   check,
	}
	if err := r.client.Agent().ServiceRegister(consulReg); err != nil {
		return fmt.Errorf("consul register: %w", err)
	}

	if reg.HealthCheckURL == "" {
		if err := r.client.Agent().PassTTL(checkID(reg.ServiceID), "service registered"); err != nil {
			r.logger.Warn("failed to pass initial TTL", "service_id", reg.ServiceID, "error", err)
		}
	}

	r.logger.Info("registered service", "service_id", reg.ServiceID, "service_name", reg.ServiceName)
	return nil
}

// Deregister removes a service instance from Consul.
func (r *Registry) Deregister(serviceID string) error {
	if err := r.client.Agent().ServiceDeregister(serviceID); err != nil {
		return fmt.Errorf("consul deregister: %w", err)
	}
	r.logger.Info("deregistered service", "service_id", serviceID)
	return nil
}

// Instances returns all instances of a service with their health.
func (r *Registry) Instances(ctx context.Context, serviceName string) ([]Instance, error) {
	q := (&api.QueryOptions{}).WithContext(ctx)
	entries, _, err := r.client.Health().Service(serviceName, "", false, q)
	if err != nil {
		return nil, fmt.Errorf("consul get instances: %w", err)
	}

	instances := make([]Instance, 0, len(entries))
	for _, entry := range entries {
		meta := make(map[string]string, len(entry.Service.Meta))
		for k, v := range entry.Service.Meta {
			meta[k] = v
		}
		addr := entry.Service.Address
		if addr == "" {
			addr = entry.Node.Address
		}
		instances = append(instances, Instance{
			ServiceName: entry.Service.Service,
			ServiceID:   entry.Service.ID,
			Address:     addr,
			Port:        entry.Service.Port,
			Status:      mapHealthStatus(entry.Checks),
			Metadata:    meta,
		})
	}
	return instances, nil
}

// ServiceURLs returns the base URLs of the healthy instances of a service,
// sorted so repeated lookups are stable.
func (r *Registry) ServiceURLs(ctx context.Context, serviceName string) ([]string, error) {
	instances, err := r.Instances(ctx, serviceName)
	if err != nil {
		return nil, err
	}
	return HealthyURLs(instances), nil
}

// HealthyURLs returns the sorted base URLs of the healthy instances.
func HealthyURLs(instances []Instance) []string {
	var urls []string
	for _, inst := range instances {
		if inst.Status == health.StatusHealthy {
			urls = append(urls, inst.URL())
		}
	}
	sort.Strings(urls)
	return urls
}

// Services returns a list of all registered service names.
func (r *Registry) Services(ctx context.Context) ([]string, error) {
	q := (&api.QueryOptions{}).WithContext(ctx)
	services, _, err := r.client.Catalog().Services(q)
	if err != nil {
		return nil, fmt.Errorf("consul get services: %w", err)
	}

	names := make([]string, 0, len(services))
	for name := range services {
		if name == "consul" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// UpdateHealth updates the TTL check of a service instance registered
// without a health check URL.
func (r *Registry) UpdateHealth(serviceID string, status health.Status, output string) error {
	id := checkID(serviceID)
	switch status {
	case health.StatusUnhealthy:
		return r.client.Agent().FailTTL(id, output)
	case health.StatusDegraded:
		return r.client.Agent().WarnTTL(id, output)
	default:
		return r.client.Agent().PassTTL(id, output)
	}
}

func mapHealthStatus(checks api.HealthChecks) health.Status {
	if len(checks) == 0 {
		return health.StatusUnknown
	}

	for _, c := range checks {
		if c.Status == api.HealthCritical || c.Status == api.HealthMaint {
			return health.StatusUnhealthy
		}
	}
	for _, c := range checks {
		if c.Status == api.HealthWarning {
			return health.StatusDegraded
		}
	}
	for _, c := range checks {
		if c.Status != api.HealthPassing {
			return health.StatusUnknown
		}
	}
	return health.StatusHealthy
}

package healthmonitor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"

	"github.com/albumqr/albumqr-mesh/internal/consul"
)

// Target is one instance to check.
type Target struct {
	ServiceID   string
	ServiceName string
	// URL is the instance base URL; HealthPath is appended for HTTP checks.
	URL        string
	HealthPath string
	// TCPAddr is dialled when HealthPath is empty.
	TCPAddr  string
	Metadata map[string]string
}

// Source lists the instances to check.
type Source interface {
	Targets(ctx context.Context) ([]Target, error)
}

// StaticSource checks a fixed set of service base URLs, one instance per
// service. With an empty HealthPath the instances are checked over TCP.
type StaticSource struct {
	Services   map[string]string
	HealthPath string
}

// Targets implements Source.
func (s StaticSource) Targets(context.Context) ([]Target, error) {
	names := make([]string, 0, len(s.Services))
	for name := range s.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Target, 0, len(names))
	for _, name := range names {
		t := Target{
			ServiceID:   name,
			ServiceName: name,
			URL:         s.Services[name],
			HealthPath:  s.HealthPath,
		}
		if t.HealthPath == "" {
			t.TCPAddr = hostPort(t.URL)
		}
		out = append(out, t)
	}
	return out, nil
}

// Catalog is the subset of the Consul registry the monitor reads.
type Catalog interface {
	Services(ctx context.Context) ([]string, error)
	Instances(ctx context.Context, serviceName string) ([]consul.Instance, error)
}

// ConsulSource checks every instance registered in Consul. An instance is
// checked over HTTP at its "health_check_endpoint" metadata path, or with a
// TCP dial to its "tcp_port" metadata port, falling back to DefaultPath.
type ConsulSource struct {
	Catalog     Catalog
	DefaultPath string
}

// Targets implements Source.
func (s ConsulSource) Targets(ctx context.Context) ([]Target, error) {
	services, err := s.Catalog.Services(ctx)
	if err != nil {
		return nil, err
	}
	var out []Target
	for _, name := range services {
		instances, err := s.Catalog.Instances(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("instances of %s: %w", name, err)
		}
		for _, inst := range instances {
			out = append(out, targetFromInstance(inst, s.DefaultPath))
		}
	}
	return out, nil
}

func targetFromInstance(inst consul.Instance, defaultPath string) Target {
	t := Target{
		ServiceID:   inst.ServiceID,
		ServiceName: inst.ServiceName,
		URL:         inst.URL(),
		Metadata:    inst.Metadata,
	}
	switch {
	case inst.Metadata["health_check_endpoint"] != "":
		t.HealthPath = inst.Metadata["health_check_endpoint"]
	case inst.Metadata["tcp_port"] != "":
		t.TCPAddr = net.JoinHostPort(inst.Address, inst.Metadata["tcp_port"])
	default:
		t.HealthPath = defaultPath
	}
	return t
}

// hostPort extracts host:port from a base URL, defaulting the port from
// the scheme.
func hostPort(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return base
	}
	if u.Port() != "" {
		return u.Host
	}
	port := 80
	if u.Scheme == "https" {
		port = 443
	}
	return net.JoinHostPort(u.Hostname(), strconv.Itoa(port))
}

package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albumqr/albumqr-mesh/internal/httpclient"
	"github.com/albumqr/albumqr-mesh/internal/resilience"
)

func TestParseServiceFromPath(t *testing.T) {
	tests := []struct {
		prefix      string
		path        string
		wantService string
		wantRest    string
		wantOK      bool
	}{
		{"/api/", "/api/albums/foo/bar", "albums", "/foo/bar", true},
		{"/api/", "/api/albums", "albums", "/", true},
		{"/api/", "/api/albums/", "albums", "/", true},
		{"/api/", "/api/", "", "", false},
		{"/api/", "/other/path", "", "", false},
		{"/", "/user-profile/hello", "user-profile", "/hello", true},
		{"/", "/qr", "qr", "/", true},
		{"/", "/", "", "", false},
	}

	for _, tt := range tests {
		svc, rest, ok := ParseServiceFromPath(tt.prefix, tt.path)
		if ok != tt.wantOK || svc != tt.wantService || rest != tt.wantRest {
			t.Errorf("ParseServiceFromPath(%q, %q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.prefix, tt.path, svc, rest, ok, tt.wantService, tt.wantRest, tt.wantOK)
		}
	}
}

func TestBuildBackendURL(t *testing.T) {
	tests := []struct {
		addr      string
		remainder string
		query     string
		want      string
	}{
		{"http://10.0.0.1:8080", "/hello", "", "http://10.0.0.1:8080/hello"},
		{"http://10.0.0.1:8080", "/hello", "q=1", "http://10.0.0.1:8080/hello?q=1"},
		{"https://svc.local:443", "/api/v1/data", "page=2&limit=10", "https://svc.local:443/api/v1/data?page=2&limit=10"},
		{"http://album-service:8000/v1/", "/albums/3", "", "http://album-service:8000/v1/albums/3"},
		{"http://media-service:8000", "/files/a%2Fb.jpg", "", "http://media-service:8000/files/a%2Fb.jpg"},
		{"http://media-service:8000/v1", "/files/summer%20trip/a%2Fb", "dl=1", "http://media-service:8000/v1/files/summer%20trip/a%2Fb?dl=1"},
	}

	for _, tt := range tests {
		got := BuildBackendURL(tt.addr, tt.remainder, tt.query)
		if got != tt.want {
			t.Errorf("BuildBackendURL(%q, %q, %q) = %q, want %q",
				tt.addr, tt.remainder, tt.query, got, tt.want)
		}
	}
}

func newTestRouteTable(t *testing.T, routes []Route, services map[string]string, upstream ResilienceConfig) (*RouteTable, *httpclient.Manager) {
	t.Helper()
	m := httpclient.NewManager(upstream.Breaker, discardLogger())
	rt, err := NewRouteTable(routes, services, m, upstream, discardLogger())
	require.NoError(t, err)
	t.Cleanup(m.CloseAll)
	return rt, m
}

func TestRouteTable_ResolveAliases(t *testing.T) {
	services := map[string]string{}
	for _, r := range DefaultRoutes() {
		services[r.Service] = DefaultServiceURL(r.Service)
	}
	rt, m := newTestRouteTable(t, DefaultRoutes(), services, DefaultConfig().Upstream)

	svc, ok := rt.Resolve("albums")
	require.True(t, ok)
	assert.Equal(t, "album", svc)
	svc, ok = rt.Resolve("Album")
	require.True(t, ok)
	assert.Equal(t, "album", svc)

	_, ok = rt.Resolve("payments")
	assert.False(t, ok)

	assert.Contains(t, m.Names(), "user-profile")
	assert.Equal(t, "http://print-service:8000", rt.BaseURL("print"))
}

func TestNewRouteTable_RequiresServiceURL(t *testing.T) {
	m := httpclient.NewManager(resilience.DefaultBreakerConfig(), discardLogger())
	_, err := NewRouteTable([]Route{{Segment: "albums", Service: "album"}}, map[string]string{}, m, DefaultConfig().Upstream, discardLogger())
	assert.Error(t, err)
}

type fakeDiscovery struct {
	urls map[string][]string
	err  error
}

func (f fakeDiscovery) ServiceURLs(_ context.Context, service string) ([]string, error) {
	return f.urls[service], f.err
}

func TestRouteTable_Refresh(t *testing.T) {
	routes := []Route{{Segment: "albums", Service: "album"}, {Segment: "qr", Service: "qr"}}
	services := map[string]string{"album": "http://album-static:8000", "qr": "http://qr-static:8000"}
	rt, _ := newTestRouteTable(t, routes, services, DefaultConfig().Upstream)
	ctx := context.Background()

	rt.Refresh(ctx, fakeDiscovery{urls: map[string][]string{
		"album": {"http://10.0.0.5:8000", "http://10.0.0.6:8000"},
	}})
	assert.Equal(t, "http://10.0.0.5:8000", rt.BaseURL("album"))
	assert.Equal(t, "http://qr-static:8000", rt.BaseURL("qr"), "no instances keeps the configured address")

	client, err := rt.Client("album")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:8000", client.BaseURL())

	// A still-healthy current address is kept even if it is not first.
	rt.Refresh(ctx, fakeDiscovery{urls: map[string][]string{
		"album": {"http://10.0.0.4:8000", "http://10.0.0.5:8000"},
	}})
	assert.Equal(t, "http://10.0.0.5:8000", rt.BaseURL("album"))

	// Discovery errors leave routing untouched.
	rt.Refresh(ctx, fakeDiscovery{err: errors.New("consul down")})
	assert.Equal(t, "http://10.0.0.5:8000", rt.BaseURL("album"))

	// No healthy instances falls back to the static address.
	rt.Refresh(ctx, fakeDiscovery{urls: map[string][]string{}})
	assert.Equal(t, "http://album-static:8000", rt.BaseURL("album"))
}

// Package gateway implements the AlbumQR API gateway: a reverse proxy in
// front of the backend services with authentication, rate limiting, CORS
// and per-backend resilience.
package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/albumqr/albumqr-mesh/internal/health"
	"github.com/albumqr/albumqr-mesh/internal/resilience"
)

// Config holds all gateway runtime configuration.
type Config struct {
	Port        string `env:"GATEWAY_PORT" envDefault:"8000"`
	GRPCPort    string `env:"GATEWAY_GRPC_HEALTH_PORT"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"gateway"`
	Version     string `env:"SERVICE_VERSION" envDefault:"dev"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	ConsulAddr  string `env:"CONSUL_ADDRESS"`
	RedisURL    string `env:"REDIS_URL"`
	RabbitURL   string `env:"RABBITMQ_URL"`
	DatabaseURL string `env:"DATABASE_URL"`
	SMTPAddr    string `env:"SMTP_ADDR"`

	Routing   RoutingConfig    `envPrefix:"GATEWAY_ROUTE_"`
	RateLimit RateLimitConfig  `envPrefix:"GATEWAY_RATE_LIMIT_"`
	CORS      CORSConfig       `envPrefix:"GATEWAY_CORS_"`
	Auth      AuthConfig       `envPrefix:"GATEWAY_AUTH_"`
	Upstream  ResilienceConfig `envPrefix:"GATEWAY_UPSTREAM_"`
	Health    HealthConfig     `envPrefix:"GATEWAY_HEALTH_"`
}

// DefaultConfig returns the defaults used when no environment is set.
func DefaultConfig() Config {
	return Config{
		Port:        "8000",
		ServiceName: "gateway",
		Version:     "dev",
		LogLevel:    "info",
		Routing: RoutingConfig{
			RefreshInterval: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			Store:             "memory",
			PerMinute:         60,
			PerHour:           1000,
			KeyPrefix:         "albumqr:ratelimit:",
			TrustForwardedFor: true,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-ID"},
			MaxAge:         600,
		},
		Auth: AuthConfig{
			Mode:           AuthRemote,
			Service:        "auth",
			VerifyTimeout:  5 * time.Second,
			PublicPrefixes: DefaultPublicPrefixes(),
		},
		Upstream: ResilienceConfig{
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			RetryDelay: 200 * time.Millisecond,
			Breaker:    resilience.DefaultBreakerConfig(),
		},
		Health: HealthConfig{
			CheckTimeout:    5 * time.Second,
			MonitorInterval: 30 * time.Second,
			PublishRetry:    health.DefaultPublishRetry(),
		},
	}
}

// Validate reports configuration errors that would otherwise surface at
// the first request.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("GATEWAY_PORT is required"))
	}
	errs = append(errs, c.RateLimit.validate(c.RedisURL))
	errs = append(errs, c.Auth.validate())
	if c.Upstream.Timeout <= 0 {
		errs = append(errs, errors.New("GATEWAY_UPSTREAM_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

// RoutingConfig controls how request paths map to backends.
type RoutingConfig struct {
	// StripPrefix removes the service segment before forwarding, so
	// /albums/42 reaches the backend as /42.
	StripPrefix     bool          `env:"STRIP_PREFIX" envDefault:"false"`
	RefreshInterval time.Duration `env:"REFRESH_INTERVAL" envDefault:"30s"`
}

// RateLimitConfig controls per-client rate limiting.
type RateLimitConfig struct {
	Enabled           bool       `env:"ENABLED" envDefault:"true"`
	Store             string     `env:"STORE" envDefault:"memory"`
	PerMinute         int        `env:"PER_MINUTE" envDefault:"60"`
	PerHour           int        `env:"PER_HOUR" envDefault:"1000"`
	PathLimits        PathLimits `env:"PATH_LIMITS"`
	KeyPrefix         string     `env:"KEY_PREFIX" envDefault:"albumqr:ratelimit:"`
	TrustForwardedFor bool       `env:"TRUST_FORWARDED_FOR" envDefault:"true"`
}

func (c RateLimitConfig) validate(redisURL string) error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	switch c.Store {
	case "memory":
	case "redis":
		if redisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required when GATEWAY_RATE_LIMIT_STORE=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("GATEWAY_RATE_LIMIT_STORE must be memory or redis, got %q", c.Store))
	}
	if c.PerMinute <= 0 || c.PerHour <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	return errors.Join(errs...)
}

// PathLimit overrides the default limits for requests under Prefix.
type PathLimit struct {
	Prefix    string
	PerMinute int
	PerHour   int
}

// PathLimits is parsed from "prefix:per_minute:per_hour" entries separated
// by commas, for example "/media/:20:200,/qr/scan/:300:5000".
type PathLimits []PathLimit

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PathLimits) UnmarshalText(text []byte) error {
	var out PathLimits
	for _, entry := range strings.Split(string(text), ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 || !strings.HasPrefix(parts[0], "/") {
			return fmt.Errorf("path limit %q: want /prefix:per_minute:per_hour", entry)
		}
		perMinute, err := strconv.Atoi(parts[1])
		if err != nil || perMinute <= 0 {
			return fmt.Errorf("path limit %q: invalid per-minute limit", entry)
		}
		perHour, err := strconv.Atoi(parts[2])
		if err != nil || perHour <= 0 {
			return fmt.Errorf("path limit %q: invalid per-hour limit", entry)
		}
		out = append(out, PathLimit{Prefix: parts[0], PerMinute: perMinute, PerHour: perHour})
	}
	*p = out
	return nil
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	AllowedOrigins   []string `env:"ALLOWED_ORIGINS" envDefault:"*"`
	AllowedMethods   []string `env:"ALLOWED_METHODS" envDefault:"GET,POST,PUT,PATCH,DELETE,OPTIONS"`
	AllowedHeaders   []string `env:"ALLOWED_HEADERS" envDefault:"Authorization,Content-Type,X-Correlation-ID"`
	AllowCredentials bool     `env:"ALLOW_CREDENTIALS" envDefault:"false"`
	MaxAge           int      `env:"MAX_AGE" envDefault:"600"`
}

// Authentication modes.
const (
	AuthRemote   = "remote"
	AuthJWT      = "jwt"
	AuthDisabled = "disabled"
)

// AuthConfig controls bearer token verification.
type AuthConfig struct {
	Mode           string        `env:"MODE" envDefault:"remote"`
	Service        string        `env:"SERVICE" envDefault:"auth"`
	VerifyTimeout  time.Duration `env:"VERIFY_TIMEOUT" envDefault:"5s"`
	PublicPrefixes []string      `env:"PUBLIC_PREFIXES" envDefault:"/health,/healthz,/docs,/openapi.json,/auth/,/metrics,/public/,/qr/scan/"`
	JWTSecret      string        `env:"JWT_SECRET"`
	JWTIssuer      string        `env:"JWT_ISSUER"`
	JWTAudience    string        `env:"JWT_AUDIENCE"`
}

// DefaultPublicPrefixes are the paths reachable without a token.
func DefaultPublicPrefixes() []string {
	return []string{"/health", "/healthz", "/docs", "/openapi.json", "/auth/", "/metrics", "/public/", "/qr/scan/"}
}

func (c AuthConfig) validate() error {
	switch c.Mode {
	case AuthRemote, AuthDisabled:
		return nil
	case AuthJWT:
		if c.JWTSecret == "" {
			return errors.New("GATEWAY_AUTH_JWT_SECRET is required when GATEWAY_AUTH_MODE=jwt")
		}
		return nil
	default:
		return fmt.Errorf("GATEWAY_AUTH_MODE must be remote, jwt or disabled, got %q", c.Mode)
	}
}

// ResilienceConfig controls retries and circuit breaking toward backends.
type ResilienceConfig struct {
	Timeout    time.Duration            `env:"TIMEOUT" envDefault:"30s"`
	MaxRetries int                      `env:"MAX_RETRIES" envDefault:"3"`
	RetryDelay time.Duration            `env:"RETRY_DELAY" envDefault:"200ms"`
	Breaker    resilience.BreakerConfig `envPrefix:"BREAKER_"`
}

// HealthConfig controls the gateway's own health reporting.
type HealthConfig struct {
	CheckTimeout    time.Duration `env:"CHECK_TIMEOUT" envDefault:"5s"`
	MonitorInterval time.Duration `env:"MONITOR_INTERVAL" envDefault:"30s"`
	// BackendChecks adds an HTTP check per backend to /health.
	BackendChecks bool `env:"BACKEND_CHECKS" envDefault:"false"`
	// PublishRetry governs redelivery of service.health_changed events.
	PublishRetry resilience.RetryConfig `envPrefix:"PUBLISH_RETRY_"`
}

// Route maps the first path segment of a request to a backend service.
type Route struct {
	Segment string
	Service string
}

// DefaultRoutes returns the public path segments and the services behind
// them.
func DefaultRoutes() []Route {
	return []Route{
		{Segment: "auth", Service: "auth"},
		{Segment: "user-profile", Service: "user-profile"},
		{Segment: "album", Service: "album"},
		{Segment: "albums", Service: "album"},
		{Segment: "media", Service: "media"},
		{Segment: "qr", Service: "qr"},
		{Segment: "analytics", Service: "analytics"},
		{Segment: "billing", Service: "billing"},
		{Segment: "notification", Service: "notification"},
		{Segment: "moderation", Service: "moderation"},
		{Segment: "print", Service: "print"},
	}
}

// DefaultServiceURL is the in-cluster address of a service when no
// SERVICE_<NAME>_URL variable is set.
func DefaultServiceURL(name string) string {
	return fmt.Sprintf("http://%s-service:8000", name)
}

// ServicesFromEnv resolves the base URL of every service referenced by
// routes. SERVICE_<NAME>_URL overrides the default; dashes in the name
// become underscores, so user-profile reads SERVICE_USER_PROFILE_URL.
// Variables naming services without a route are included as well.
func ServicesFromEnv(routes []Route, environ []string) (map[string]string, error) {
	services := make(map[string]string)
	for _, r := range routes {
		services[r.Service] = DefaultServiceURL(r.Service)
	}

	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "SERVICE_") || !strings.HasSuffix(key, "_URL") {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(key, "SERVICE_"), "_URL")
		if raw == "" || value == "" {
			continue
		}
		name := strings.ReplaceAll(strings.ToLower(raw), "_", "-")
		u, err := url.Parse(value)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("%s: invalid url %q", key, value)
		}
		services[name] = strings.TrimRight(value, "/")
	}
	return services, nil
}

// ServicesFromOSEnv is ServicesFromEnv over the process environment.
func ServicesFromOSEnv(routes []Route) (map[string]string, error) {
	return ServicesFromEnv(routes, os.Environ())
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albumqr/albumqr-mesh/internal/config"
)

func TestPathLimits_UnmarshalText(t *testing.T) {
	var p PathLimits
	require.NoError(t, p.UnmarshalText([]byte("/media/:20:200, /qr/scan/:300:5000,")))
	assert.Equal(t, PathLimits{
		{Prefix: "/media/", PerMinute: 20, PerHour: 200},
		{Prefix: "/qr/scan/", PerMinute: 300, PerHour: 5000},
	}, p)

	for _, bad := range []string{"media:1:2", "/media/:x:2", "/media/:1", "/media/:0:10"} {
		var p PathLimits
		assert.Error(t, p.UnmarshalText([]byte(bad)), bad)
	}
}

func TestServicesFromEnv(t *testing.T) {
	routes := []Route{{Segment: "albums", Service: "album"}, {Segment: "user-profile", Service: "user-profile"}}

	services, err := ServicesFromEnv(routes, []string{
		"SERVICE_ALBUM_URL=http://10.0.0.2:9000/",
		"SERVICE_USER_PROFILE_URL=http://profiles:8000",
		"SERVICE_REPORTING_URL=http://reporting:8000",
		"SERVICE_EMPTY_URL=",
		"PATH=/usr/bin",
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"album":        "http://10.0.0.2:9000",
		"user-profile": "http://profiles:8000",
		"reporting":    "http://reporting:8000",
	}, services)
}

func TestServicesFromEnv_DefaultsAndInvalid(t *testing.T) {
	services, err := ServicesFromEnv([]Route{{Segment: "qr", Service: "qr"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://qr-service:8000", services["qr"])

	_, err = ServicesFromEnv(nil, []string{"SERVICE_QR_URL=qr-service"})
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.RateLimit.Store = "redis"
	assert.ErrorContains(t, cfg.Validate(), "REDIS_URL")
	cfg.RedisURL = "redis://localhost:6379/0"
	assert.NoError(t, cfg.Validate())

	cfg.Auth.Mode = AuthJWT
	assert.ErrorContains(t, cfg.Validate(), "JWT_SECRET")

	cfg.Auth.Mode = "ldap"
	assert.Error(t, cfg.Validate())
}

func TestConfig_LoadFromEnvironment(t *testing.T) {
	t.Setenv("GATEWAY_PORT", "9090")
	t.Setenv("GATEWAY_RATE_LIMIT_PER_MINUTE", "5")
	t.Setenv("GATEWAY_RATE_LIMIT_PATH_LIMITS", "/media/:2:20")
	t.Setenv("GATEWAY_UPSTREAM_BREAKER_FAILURE_THRESHOLD", "3")
	t.Setenv("GATEWAY_UPSTREAM_TIMEOUT", "2s")
	t.Setenv("GATEWAY_CORS_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg := DefaultConfig()
	require.NoError(t, config.Load(&cfg))

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 5, cfg.RateLimit.PerMinute)
	assert.Equal(t, 1000, cfg.RateLimit.PerHour)
	assert.Equal(t, PathLimits{{Prefix: "/media/", PerMinute: 2, PerHour: 20}}, cfg.RateLimit.PathLimits)
	assert.Equal(t, 3, cfg.Upstream.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Upstream.Breaker.RecoveryTimeout)
	assert.Equal(t, 2*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, DefaultPublicPrefixes(), cfg.Auth.PublicPrefixes)
}

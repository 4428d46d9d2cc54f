package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/albumqr/albumqr-mesh/internal/config"
	"github.com/albumqr/albumqr-mesh/internal/consul"
	"github.com/albumqr/albumqr-mesh/internal/eventbus"
	"github.com/albumqr/albumqr-mesh/internal/gateway"
	"github.com/albumqr/albumqr-mesh/internal/health"
	"github.com/albumqr/albumqr-mesh/internal/httpclient"
)

func main() {
	cfg := gateway.DefaultConfig()
	if err := config.Load(&cfg, ".env"); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
	logger := config.NewLogger(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg gateway.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Backends and their resilient clients.
	routes := gateway.DefaultRoutes()
	services, err := gateway.ServicesFromOSEnv(routes)
	if err != nil {
		return fmt.Errorf("service urls: %w", err)
	}
	clients := httpclient.NewManager(cfg.Upstream.Breaker, logger)
	defer clients.CloseAll()

	routeTable, err := gateway.NewRouteTable(routes, services, clients, cfg.Upstream, logger)
	if err != nil {
		return fmt.Errorf("route table: %w", err)
	}

	checker := health.NewChecker(cfg.Version, cfg.Health.CheckTimeout, logger)

	// Rate limiting.
	var limiter *gateway.RateLimiter
	if cfg.RateLimit.Enabled {
		var store gateway.Store = gateway.NewMemoryStore()
		if cfg.RateLimit.Store == "redis" {
			opts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("parse REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opts)
			defer rdb.Close()
			store = gateway.NewRedisStore(rdb)
			checker.Register("redis", health.RedisCheck(rdb), true)
		}
		limiter = gateway.NewRateLimiter(store, cfg.RateLimit, logger)
		go limiter.Run(ctx, time.Minute)
	}

	// Authentication.
	var verifier gateway.Verifier
	switch cfg.Auth.Mode {
	case gateway.AuthRemote:
		verifier = gateway.NewRemoteVerifier(clients, cfg.Auth.Service, cfg.Auth.VerifyTimeout)
	case gateway.AuthJWT:
		verifier = gateway.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.JWTAudience)
	default:
		logger.Warn("authentication disabled")
	}
	auth := gateway.NewAuthenticator(verifier, cfg.Auth.PublicPrefixes, logger)

	// Optional dependency checks.
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database pool: %w", err)
		}
		defer pool.Close()
		checker.Register("database", health.DatabaseCheck(pool), false)
	}
	if cfg.SMTPAddr != "" {
		checker.Register("smtp", health.SMTPCheck(cfg.SMTPAddr), false)
	}
	if cfg.Health.BackendChecks {
		hc := &http.Client{Timeout: cfg.Health.CheckTimeout}
		for _, name := range routeTable.Services() {
			checker.Register("service:"+name, func(ctx context.Context) health.DependencyCheck {
				return health.HTTPServiceCheck(hc, routeTable.BaseURL(name)+"/health", 2*time.Second)(ctx)
			}, false)
		}
	}

	// Health change announcements.
	var busClient *eventbus.Client
	if cfg.RabbitURL != "" {
		busCfg := eventbus.DefaultConfig()
		busCfg.URL = cfg.RabbitURL
		busClient = eventbus.NewClient(busCfg, logger)
		if err := busClient.Connect(ctx); err != nil {
			return err
		}
		defer busClient.Close()
		checker.Register("rabbitmq", health.RabbitMQCheck(cfg.RabbitURL, cfg.Health.CheckTimeout), false)
	}
	monitor := health.NewMonitor(checker, cfg.ServiceName, cfg.Health.MonitorInterval,
		eventbus.NewPublisher(busClient, logger), logger)
	monitor.SetPublishRetry(cfg.Health.PublishRetry)
	go monitor.Run(ctx)

	if cfg.GRPCPort != "" {
		grpcHealth := health.NewGRPCServer(monitor, cfg.ServiceName, logger)
		go func() {
			if err := grpcHealth.Serve(ctx, ":"+cfg.GRPCPort); err != nil {
				logger.Error("grpc health server stopped", "error", err)
			}
		}()
	}

	// Service discovery and self-registration.
	if cfg.ConsulAddr != "" {
		registry, err := consul.NewRegistry(cfg.ConsulAddr, logger)
		if err != nil {
			return fmt.Errorf("consul registry: %w", err)
		}
		go routeTable.Run(ctx, registry, cfg.Routing.RefreshInterval)

		reg, err := selfRegistration(cfg)
		if err != nil {
			return err
		}
		if err := registry.Register(reg); err != nil {
			logger.Error("self registration failed", "error", err)
		} else {
			defer func() {
				if err := registry.Deregister(reg.ServiceID); err != nil {
					logger.Error("deregistration failed", "error", err)
				}
			}()
		}
	}

	srv := gateway.NewServer(cfg, gateway.Deps{
		Routes:  routeTable,
		Auth:    auth,
		Limiter: limiter,
		Health:  checker,
		Logger:  logger,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("gateway starting",
		"port", cfg.Port,
		"services", len(routeTable.Services()),
		"auth_mode", cfg.Auth.Mode,
		"rate_limit_store", cfg.RateLimit.Store,
		"consul", cfg.ConsulAddr,
	)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func selfRegistration(cfg gateway.Config) (consul.Registration, error) {
	host, err := os.Hostname()
	if err != nil {
		return consul.Registration{}, fmt.Errorf("hostname: %w", err)
	}
	port, err := strconv.Atoi(cfg.Port)
	if err != nil {
		return consul.Registration{}, fmt.Errorf("GATEWAY_PORT: %w", err)
	}
	return consul.Registration{
		ServiceName:    cfg.ServiceName,
		ServiceID:      cfg.ServiceName + "-" + host,
		Address:        host,
		Port:           port,
		Tags:           []string{"gateway"},
		Metadata:       map[string]string{"version": cfg.Version, "health_check_endpoint": "/health/ready"},
		HealthCheckURL: "http://" + net.JoinHostPort(host, cfg.Port) + "/health/ready",
	}, nil
}

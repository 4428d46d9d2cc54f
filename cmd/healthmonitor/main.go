package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/albumqr/albumqr-mesh/internal/config"
	"github.com/albumqr/albumqr-mesh/internal/consul"
	"github.com/albumqr/albumqr-mesh/internal/eventbus"
	"github.com/albumqr/albumqr-mesh/internal/gateway"
	"github.com/albumqr/albumqr-mesh/internal/health"
	"github.com/albumqr/albumqr-mesh/internal/healthmonitor"
)

type settings struct {
	Monitor healthmonitor.Config
	Bus     eventbus.Config
}

func (s *settings) Validate() error { return s.Monitor.Validate() }

func main() {
	cfg := settings{Monitor: healthmonitor.DefaultConfig(), Bus: eventbus.DefaultConfig()}
	// The broker is optional here; only an explicit RABBITMQ_URL enables it.
	cfg.Bus.URL = ""
	if err := config.Load(&cfg, ".env"); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
	logger := config.NewLogger(cfg.Monitor.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg settings, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var source healthmonitor.Source
	if cfg.Monitor.ConsulAddr != "" {
		registry, err := consul.NewRegistry(cfg.Monitor.ConsulAddr, logger)
		if err != nil {
			return fmt.Errorf("consul registry: %w", err)
		}
		source = healthmonitor.ConsulSource{Catalog: registry, DefaultPath: cfg.Monitor.HealthPath}
	} else {
		services, err := gateway.ServicesFromOSEnv(gateway.DefaultRoutes())
		if err != nil {
			return fmt.Errorf("service urls: %w", err)
		}
		source = healthmonitor.StaticSource{Services: services, HealthPath: cfg.Monitor.HealthPath}
	}

	checker := health.NewChecker(os.Getenv("SERVICE_VERSION"), cfg.Monitor.HTTPTimeout, logger)
	cache := healthmonitor.NewCache()

	var client *eventbus.Client
	if cfg.Bus.URL != "" {
		client = eventbus.NewClient(cfg.Bus, logger)
		if err := client.Connect(ctx); err != nil {
			return err
		}
		defer client.Close()
		checker.Register("rabbitmq", health.PingCheck(client), true)

		consumer := eventbus.NewConsumer(client, cfg.Monitor.Queue, logger)
		consumer.Bind(eventbus.SystemEventPattern(eventbus.ServiceHealthChanged))
		consumer.On(eventbus.ServiceHealthChanged,
			healthmonitor.HealthChangedHandler(cache, cfg.Monitor.ServiceName),
			eventbus.WithName("status_board"))
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("event consumer stopped", "error", err)
			}
		}()
	}
	publisher := eventbus.NewPublisher(client, logger)

	worker := healthmonitor.NewWorker(source, publisher, cache, cfg.Monitor, logger)
	go worker.Run(ctx)

	r := mux.NewRouter()
	r.Handle("/healthz", health.LivenessHandler()).Methods(http.MethodGet)
	r.Handle("/health", health.Handler(checker)).Methods(http.MethodGet)
	r.Handle("/health/ready", health.ReadinessHandler(checker)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	healthmonitor.RegisterRoutes(r, cache)

	server := &http.Server{
		Addr:         ":" + cfg.Monitor.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("healthmonitor starting",
		"port", cfg.Monitor.Port,
		"consul", cfg.Monitor.ConsulAddr,
		"broker", cfg.Bus.URL != "",
		"check_interval", cfg.Monitor.CheckInterval,
	)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

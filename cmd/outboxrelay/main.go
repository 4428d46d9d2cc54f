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
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/albumqr/albumqr-mesh/internal/config"
	"github.com/albumqr/albumqr-mesh/internal/eventbus"
	"github.com/albumqr/albumqr-mesh/internal/health"
)

type settings struct {
	Port        string `env:"OUTBOX_RELAY_PORT" envDefault:"8082"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"outboxrelay"`
	Version     string `env:"SERVICE_VERSION" envDefault:"dev"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL string `env:"DATABASE_URL"`
	Table       string `env:"OUTBOX_TABLE" envDefault:"event_outbox"`
	// BacklogWarn reports the relay degraded once this many records wait.
	BacklogWarn int64 `env:"OUTBOX_RELAY_BACKLOG_WARN" envDefault:"1000"`

	Relay eventbus.RelayConfig
	Bus   eventbus.Config
}

func (s *settings) Validate() error {
	var errs []error
	if s.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if s.Bus.URL == "" {
		errs = append(errs, errors.New("RABBITMQ_URL is required"))
	}
	return errors.Join(errs...)
}

func main() {
	cfg := settings{Bus: eventbus.DefaultConfig()}
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

func run(cfg settings, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database pool: %w", err)
	}
	defer pool.Close()

	store := eventbus.NewPGOutboxStore(pool, cfg.Table)
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	// A relay without a broker has nothing to do, so failing to connect is
	// fatal.
	client := eventbus.NewClient(cfg.Bus, logger)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()
	publisher := eventbus.NewPublisher(client, logger)

	checker := health.NewChecker(cfg.Version, 5*time.Second, logger)
	checker.Register("database", health.DatabaseCheck(pool), true)
	checker.Register("rabbitmq", health.PingCheck(client), true)
	checker.Register("outbox_backlog", backlogCheck(store, cfg.BacklogWarn), false)

	relay := eventbus.NewRelay(store, publisher, cfg.Relay, logger.With("component", "outbox_relay"))
	relayDone := make(chan error, 1)
	go func() { relayDone <- relay.Run(ctx) }()

	r := mux.NewRouter()
	r.Handle("/healthz", health.LivenessHandler()).Methods(http.MethodGet)
	r.Handle("/health", health.Handler(checker)).Methods(http.MethodGet)
	r.Handle("/health/ready", health.ReadinessHandler(checker)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down outbox relay")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("outbox relay starting",
		"port", cfg.Port,
		"table", cfg.Table,
		"batch_size", cfg.Relay.BatchSize,
		"poll_interval", cfg.Relay.Interval,
	)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return <-relayDone
}

func backlogCheck(store *eventbus.PGOutboxStore, warn int64) health.CheckFunc {
	return func(ctx context.Context) health.DependencyCheck {
		n, err := store.PendingCount(ctx)
		if err != nil {
			return health.DependencyCheck{Status: health.StatusUnhealthy, Error: err.Error()}
		}
		details := map[string]any{"pending": n, "warn_threshold": warn}
		if warn > 0 && n >= warn {
			return health.DependencyCheck{Status: health.StatusDegraded, Details: details}
		}
		return health.DependencyCheck{Status: health.StatusHealthy, Details: details}
	}
}

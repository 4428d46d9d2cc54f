package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger is anything that can report liveness with a round trip.
type Pinger interface {
	Ping(ctx context.Context) error
}

func fromError(err error, details map[string]any) DependencyCheck {
	if err != nil {
		return DependencyCheck{Status: StatusUnhealthy, Error: err.Error(), Details: details}
	}
	return DependencyCheck{Status: StatusHealthy, Details: details}
}

// PingCheck reports p as healthy when Ping succeeds.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) DependencyCheck {
		return fromError(p.Ping(ctx), nil)
	}
}

// DatabaseCheck pings a PostgreSQL pool and reports its connection stats.
func DatabaseCheck(pool *pgxpool.Pool) CheckFunc {
	return func(ctx context.Context) DependencyCheck {
		if err := pool.Ping(ctx); err != nil {
			return fromError(fmt.Errorf("database ping: %w", err), nil)
		}
		st := pool.Stat()
		return fromError(nil, map[string]any{
			"total_conns":    st.TotalConns(),
			"idle_conns":     st.IdleConns(),
			"acquired_conns": st.AcquiredConns(),
			"max_conns":      st.MaxConns(),
		})
	}
}

// RedisCheck pings Redis and reports pool stats.
func RedisCheck(client redis.UniversalClient) CheckFunc {
	return func(ctx context.Context) DependencyCheck {
		if err := client.Ping(ctx).Err(); err != nil {
			return fromError(fmt.Errorf("redis ping: %w", err), nil)
		}
		st := client.PoolStats()
		return fromError(nil, map[string]any{
			"total_conns": st.TotalConns,
			"idle_conns":  st.IdleConns,
			"timeouts":    st.Timeouts,
		})
	}
}

// RabbitMQCheck opens a fresh connection and channel to the broker.
func RabbitMQCheck(url string, timeout time.Duration) CheckFunc {
	return func(ctx context.Context) DependencyCheck {
		dialTimeout := timeout
		if deadline, ok := ctx.Deadline(); ok {
			if left := time.Until(deadline); left < dialTimeout || dialTimeout <= 0 {
				dialTimeout = left
			}
		}
		conn, err := amqp.DialConfig(url, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
		if err != nil {
			return fromError(fmt.Errorf("rabbitmq connect: %w", err), nil)
		}
		defer conn.Close()
		ch, err := conn.Channel()
		if err != nil {
			return fromError(fmt.Errorf("rabbitmq channel: %w", err), nil)
		}
		ch.Close()
		props := conn.Properties
		details := map[string]any{}
		if v, ok := props["version"]; ok {
			details["server_version"] = fmt.Sprint(v)
		}
		return fromError(nil, details)
	}
}

// HTTPServiceCheck calls url and treats a 2xx as healthy. A 2xx slower
// than slow is reported as degraded.
func HTTPServiceCheck(client *http.Client, url string, slow time.Duration) CheckFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) DependencyCheck {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fromError(err, nil)
		}
		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			return fromError(fmt.Errorf("request failed: %w", err), nil)
		}
		resp.Body.Close()
		elapsed := time.Since(start)

		details := map[string]any{"status_code": resp.StatusCode}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return DependencyCheck{Status: StatusUnhealthy, Error: fmt.Sprintf("HTTP %d", resp.StatusCode), Details: details}
		}
		if slow > 0 && elapsed > slow {
			details["slow_threshold_ms"] = slow.Milliseconds()
			return DependencyCheck{Status: StatusDegraded, Details: details}
		}
		return DependencyCheck{Status: StatusHealthy, Details: details}
	}
}

// SMTPCheck connects to a mail server and waits for its greeting.
func SMTPCheck(addr string) CheckFunc {
	return func(ctx context.Context) DependencyCheck {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fromError(fmt.Errorf("smtp connect: %w", err), nil)
		}
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetDeadline(deadline)
		}
		host, _, _ := net.SplitHostPort(addr)
		c, err := smtp.NewClient(conn, host)
		if err != nil {
			conn.Close()
			return fromError(fmt.Errorf("smtp greeting: %w", err), nil)
		}
		if err := c.Quit(); err != nil {
			c.Close()
			return fromError(fmt.Errorf("smtp quit: %w", err), nil)
		}
		return fromError(nil, nil)
	}
}

// GRPCCheck asks a gRPC server for the serving status of service using the
// standard health protocol. An empty service asks about the server as a
// whole.
func GRPCCheck(conn grpc.ClientConnInterface, service string) CheckFunc {
	client := healthpb.NewHealthClient(conn)
	return func(ctx context.Context) DependencyCheck {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			return fromError(fmt.Errorf("grpc health: %w", err), nil)
		}
		details := map[string]any{"serving_status": resp.GetStatus().String()}
		switch resp.GetStatus() {
		case healthpb.HealthCheckResponse_SERVING:
			return DependencyCheck{Status: StatusHealthy, Details: details}
		case healthpb.HealthCheckResponse_NOT_SERVING:
			return DependencyCheck{Status: StatusUnhealthy, Error: "not serving", Details: details}
		default:
			return DependencyCheck{Status: StatusDegraded, Details: details}
		}
	}
}

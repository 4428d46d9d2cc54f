package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Window is one sliding-window limit tracked under Key.
type Window struct {
	Key    string
	Limit  int
	Period time.Duration
}

// Store keeps sliding-window request logs.
type Store interface {
	// Allow reports whether every window holds fewer than its limit of
	// requests in the period ending at now. An allowed request is recorded
	// in all windows; a rejected one is recorded in none.
	Allow(ctx context.Context, windows []Window, now time.Time) (bool, error)
}

// MemoryStore is a per-process Store.
type MemoryStore struct {
	mu   sync.Mutex
	logs map[string][]time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string][]time.Time)}
}

// Allow implements Store.
func (s *MemoryStore) Allow(_ context.Context, windows []Window, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowed := true
	for _, w := range windows {
		log := prune(s.logs[w.Key], now.Add(-w.Period))
		s.logs[w.Key] = log
		if len(log) >= w.Limit {
			allowed = false
		}
	}
	if !allowed {
		return false, nil
	}
	for _, w := range windows {
		s.logs[w.Key] = append(s.logs[w.Key], now)
	}
	return true, nil
}

// Sweep drops entries older than window and forgets idle keys. It returns
// the number of keys still tracked.
func (s *MemoryStore) Sweep(now time.Time, window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-window)
	for key, log := range s.logs {
		log = prune(log, cutoff)
		if len(log) == 0 {
			delete(s.logs, key)
			continue
		}
		s.logs[key] = log
	}
	return len(s.logs)
}

// prune drops timestamps at or before cutoff; log is in ascending order.
func prune(log []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return log
	}
	return append(log[:0], log[i:]...)
}

// slidingWindowScript trims every window's sorted set, then adds the
// request to all of them only if each count is below its limit.
//
// ARGV[1] now ms, ARGV[2] member, then per key i starting at 3+(i-1)*3:
// cutoff ms, limit, window ms.
var slidingWindowScript = redis.NewScript(`
for i = 1, #KEYS do
  local base = 3 + (i - 1) * 3
  redis.call('ZREMRANGEBYSCORE', KEYS[i], '-inf', ARGV[base])
  if redis.call('ZCARD', KEYS[i]) >= tonumber(ARGV[base + 1]) then
    return 0
  end
end
for i = 1, #KEYS do
  local base = 3 + (i - 1) * 3
  redis.call('ZADD', KEYS[i], ARGV[1], ARGV[2])
  redis.call('PEXPIRE', KEYS[i], ARGV[base + 2])
end
return 1
`)

// RedisStore keeps request logs in Redis sorted sets so every gateway
// replica enforces the same limits. The windows of one request are checked
// and recorded by a single script, so they must live on one node.
type RedisStore struct {
	client redis.Scripter
}

// NewRedisStore creates a store over client.
func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client}
}

// Allow implements Store.
func (s *RedisStore) Allow(ctx context.Context, windows []Window, now time.Time) (bool, error) {
	if len(windows) == 0 {
		return true, nil
	}
	keys := make([]string, 0, len(windows))
	args := []any{now.UnixMilli(), strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()}
	for _, w := range windows {
		keys = append(keys, w.Key)
		args = append(args, now.Add(-w.Period).UnixMilli(), w.Limit, w.Period.Milliseconds())
	}

	res, err := slidingWindowScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit script: %w", err)
	}
	return res == 1, nil
}

type limits struct {
	scope     string
	perMinute int
	perHour   int
}

// RateLimiter enforces per-minute and per-hour limits per client key. The
// key is the user id for authenticated requests and the client IP
// otherwise.
type RateLimiter struct {
	store  Store
	cfg    RateLimitConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewRateLimiter creates a limiter over store.
func NewRateLimiter(store Store, cfg RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "rate_limiter"),
		now:    time.Now,
	}
}

func (rl *RateLimiter) limitsFor(path string) limits {
	best := limits{scope: "global", perMinute: rl.cfg.PerMinute, perHour: rl.cfg.PerHour}
	longest := 0
	for _, pl := range rl.cfg.PathLimits {
		if strings.HasPrefix(path, pl.Prefix) && len(pl.Prefix) > longest {
			best = limits{scope: pl.Prefix, perMinute: pl.PerMinute, perHour: pl.PerHour}
			longest = len(pl.Prefix)
		}
	}
	return best
}

// Allow checks both windows for clientKey on path.
func (rl *RateLimiter) Allow(ctx context.Context, clientKey, path string) (bool, error) {
	l := rl.limitsFor(path)
	now := rl.now()
	base := rl.cfg.KeyPrefix + l.scope + ":" + clientKey

	return rl.store.Allow(ctx, []Window{
		{Key: base + ":minute", Limit: l.perMinute, Period: time.Minute},
		{Key: base + ":hour", Limit: l.perHour, Period: time.Hour},
	}, now)
}

// ClientKey identifies the caller for rate limiting.
func (rl *RateLimiter) ClientKey(r *http.Request) string {
	if id := UserID(r.Context()); id != "" {
		return "user:" + id
	}
	return "ip:" + clientIPAddress(r, rl.cfg.TrustForwardedFor)
}

// Middleware rejects callers over their limit with 429. Store errors let
// the request through.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := rl.ClientKey(r)
		ok, err := rl.Allow(r.Context(), key, r.URL.Path)
		if err != nil {
			rl.logger.Error("rate limit store failed, allowing request", "client", key, "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			rateLimitRejections.WithLabelValues(rl.limitsFor(r.URL.Path).scope).Inc()
			rl.logger.Warn("rate limit exceeded",
				"client", key,
				"path", r.URL.Path,
				"correlation_id", CorrelationID(r.Context()),
			)
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run sweeps idle keys from an in-process store until ctx is done. It
// returns immediately for other stores.
func (rl *RateLimiter) Run(ctx context.Context, interval time.Duration) {
	ms, ok := rl.store.(*MemoryStore)
	if !ok {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := ms.Sweep(rl.now(), time.Hour)
			rl.logger.Debug("rate limit store swept", "tracked_keys", n)
		}
	}
}

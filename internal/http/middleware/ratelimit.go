package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/sosdispatch/internal/auth"
)

var rateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sos_ratelimit_rejections_total",
	Help: "Requests refused by the rate limiter, by scope.",
}, []string{"scope"})

// RateConfig is a token bucket: Rate tokens per second up to Burst.
type RateConfig struct {
	Rate  float64
	Burst float64
}

func (c RateConfig) enabled() bool { return c.Rate > 0 && c.Burst > 0 }

const (
	scopeRead  = "read"
	scopeWrite = "write"
	scopeSOS   = "sos"
)

// RateLimiter throttles callers with a Redis token bucket per scope and
// caller. SOS creation has its own scope so a flood of reads or driver
// updates never starves emergency intake.
type RateLimiter struct {
	client  redis.Cmdable
	buckets map[string]RateConfig
	script  *redis.Script
	logger  *zap.Logger
	now     func() time.Time
}

// NewRateLimiter returns nil when client is nil; a nil limiter passes
// everything through.
func NewRateLimiter(client redis.Cmdable, read, write, sos RateConfig, logger *zap.Logger) *RateLimiter {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		client:  client,
		buckets: map[string]RateConfig{scopeRead: read, scopeWrite: write, scopeSOS: sos},
		script:  redis.NewScript(tokenBucketScript),
		logger:  logger,
		now:     time.Now,
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := scopeOf(r)
		bucket := l.buckets[scope]
		if !bucket.enabled() {
			next.ServeHTTP(w, r)
			return
		}
		wait, err := l.take(r.Context(), scope+":"+clientIdentifier(r), bucket)
		switch {
		case err != nil:
			// An unreachable limiter must not block emergency traffic.
			l.logger.Warn("rate limit check failed", zap.String("scope", scope), zap.Error(err))
		case wait > 0:
			rateLimited.WithLabelValues(scope).Inc()
			w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(wait)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limited"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// take spends one token and returns zero, or how long until one is available.
func (l *RateLimiter) take(ctx context.Context, bucketKey string, cfg RateConfig) (time.Duration, error) {
	res, err := l.script.Run(ctx, l.client, []string{"sos:rl:" + bucketKey},
		l.now().UnixMilli(), cfg.Rate, cfg.Burst).Int64Slice()
	if err != nil {
		return 0, err
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("token bucket returned %d values", len(res))
	}
	if res[0] == 1 {
		return 0, nil
	}
	return time.Duration(res[1]) * time.Millisecond, nil
}

func scopeOf(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return scopeRead
	case http.MethodPost:
		if strings.TrimSuffix(r.URL.Path, "/") == "/v1/sos" {
			return scopeSOS
		}
	}
	return scopeWrite
}

// clientIdentifier keys the bucket: token subject, then X-Client-ID, then the
// first forwarded address, then the peer address.
func clientIdentifier(r *http.Request) string {
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok && claims.Subject != "" {
		return "sub:" + claims.Subject
	}
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "anonymous"
}

func retrySeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// tokenBucketScript returns {1, 0} when a token was taken and {0, wait_ms}
// otherwise. Bucket state lives in a hash that expires once it would be full.
const tokenBucketScript = `
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])

local tokens = tonumber(redis.call('HGET', KEYS[1], 'tokens') or burst)
local stamp = tonumber(redis.call('HGET', KEYS[1], 'ts') or now)

local elapsed = math.max(0, now - stamp)
tokens = math.min(burst, tokens + elapsed * rate / 1000)

local granted = 0
local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
  granted = 1
else
  wait = math.ceil((1 - tokens) * 1000 / rate)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', now)
redis.call('PEXPIRE', KEYS[1], math.ceil(burst * 1000 / rate))
return {granted, wait}
`

package middleware

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and takes one token from a client's bucket in a
// single round trip. Time is in milliseconds; idle buckets expire once they
// would be full again. Returns 1 when the request may proceed.
const tokenBucketScript = `
local burst = tonumber(ARGV[1])
local perMs = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', KEYS[1], 't', 'ts')
local tokens = tonumber(state[1]) or burst
local ts = tonumber(state[2]) or now

tokens = math.min(burst, tokens + math.max(0, now - ts) * perMs)

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call('HSET', KEYS[1], 't', tokens, 'ts', now)
redis.call('PEXPIRE', KEYS[1], math.ceil(burst / perMs) + 1000)
return allowed
`

const (
	rateLimitKeyPrefix = "capserve:ratelimit:"
	fallbackBuckets    = 4096
)

// RedisRateLimiter keeps one token bucket per client in Redis so every
// replica shares the same budget. While Redis is failing it answers from
// per-client in-memory buckets instead (circuit breaker).
type RedisRateLimiter struct {
	client  *redis.Client
	script  *redis.Script
	burst   int
	perMs   float64
	rps     int
	buckets *lru.Cache[string, *RateLimiter]

	// Circuit breaker state
	mu           sync.RWMutex
	failures     int
	lastFailure  time.Time
	circuitOpen  bool
	threshold    int           // failures before opening circuit
	resetTimeout time.Duration // time before retrying Redis
}

// RedisRateLimiterConfig holds configuration for the Redis rate limiter.
type RedisRateLimiterConfig struct {
	RedisURL      string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	RequestsPerSecond int
	Burst             int

	// Circuit breaker settings
	FailureThreshold int           // Default: 3
	ResetTimeout     time.Duration // Default: 30s
}

// NewRedisRateLimiter creates a new distributed rate limiter.
// Returns an error if Redis connection fails (caller should fall back to in-memory).
func NewRedisRateLimiter(cfg RedisRateLimiterConfig) (*RedisRateLimiter, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}

	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}
	opts.DB = cfg.RedisDB
	if cfg.RedisTLS && opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return newRedisRateLimiter(client, cfg), nil
}

func newRedisRateLimiter(client *redis.Client, cfg RedisRateLimiterConfig) *RedisRateLimiter {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	resetTimeout := cfg.ResetTimeout
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}

	// Only fails for a non-positive size.
	buckets, _ := lru.New[string, *RateLimiter](fallbackBuckets)

	return &RedisRateLimiter{
		client:       client,
		script:       redis.NewScript(tokenBucketScript),
		burst:        cfg.Burst,
		perMs:        float64(cfg.RequestsPerSecond) / 1000,
		rps:          cfg.RequestsPerSecond,
		buckets:      buckets,
		threshold:    threshold,
		resetTimeout: resetTimeout,
	}
}

// Allow checks the shared bucket used when no client key is available.
func (rl *RedisRateLimiter) Allow() bool {
	return rl.AllowKey("global")
}

// AllowKey takes a token from the bucket of one client (by IP).
func (rl *RedisRateLimiter) AllowKey(key string) bool {
	if rl.isCircuitOpen() {
		return rl.fallback(key).Allow()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	allowed, err := rl.script.Run(ctx, rl.client, []string{rateLimitKeyPrefix + key},
		rl.burst, rl.perMs, time.Now().UnixMilli()).Int()
	if err != nil {
		rl.recordFailure()
		slog.Warn("redis rate limit failed, using in-memory fallback",
			slog.String("client", key),
			slog.String("error", err.Error()),
		)
		return rl.fallback(key).Allow()
	}

	rl.recordSuccess()
	return allowed == 1
}

// fallback returns the in-memory bucket for key, creating it on first use.
// Least recently seen clients are evicted past fallbackBuckets.
func (rl *RedisRateLimiter) fallback(key string) *RateLimiter {
	if b, ok := rl.buckets.Get(key); ok {
		return b
	}
	b := NewRateLimiter(rl.rps, rl.burst)
	if prev, ok, _ := rl.buckets.PeekOrAdd(key, b); ok {
		return prev
	}
	return b
}

// isCircuitOpen checks if the circuit breaker is open.
func (rl *RedisRateLimiter) isCircuitOpen() bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if !rl.circuitOpen {
		return false
	}

	// Check if it's time to try again
	if time.Since(rl.lastFailure) > rl.resetTimeout {
		return false // Allow a trial request
	}

	return true
}

// recordFailure records a Redis failure and potentially opens the circuit.
func (rl *RedisRateLimiter) recordFailure() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.failures++
	rl.lastFailure = time.Now()

	if rl.failures >= rl.threshold {
		if !rl.circuitOpen {
			slog.Warn("rate limit circuit breaker open", slog.Int("failures", rl.failures))
		}
		rl.circuitOpen = true
	}
}

// recordSuccess records a successful Redis operation and resets the circuit.
func (rl *RedisRateLimiter) recordSuccess() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.circuitOpen {
		slog.Info("rate limit circuit breaker closed, redis recovered")
	}
	rl.failures = 0
	rl.circuitOpen = false
}

// Close closes the Redis connection.
func (rl *RedisRateLimiter) Close() error {
	if rl.client != nil {
		return rl.client.Close()
	}
	return nil
}

// HealthCheck verifies Redis connectivity.
func (rl *RedisRateLimiter) HealthCheck(ctx context.Context) error {
	return rl.client.Ping(ctx).Err()
}

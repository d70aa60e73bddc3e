package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// RateLimitConfig sets per-client token bucket limits. Writes submit ledger
// transactions and get their own, usually tighter, bucket. A zero write rate
// shares the read limits.
type RateLimitConfig struct {
	RequestsPerSecond      float64
	BurstSize              int
	WriteRequestsPerSecond float64
	WriteBurstSize         int
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond:      50,
		BurstSize:              100,
		WriteRequestsPerSecond: 5,
		WriteBurstSize:         10,
	}
}

type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

func newTokenBucket(rate float64, burst int, now time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: now,
	}
}

// take consumes a token if one is available, otherwise it reports how many
// whole seconds until the next one.
func (b *tokenBucket) take(now time.Time) (bool, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if b.refillRate <= 0 {
		return false, 1
	}
	return false, int(math.Ceil((1 - b.tokens) / b.refillRate))
}

// idleAfter is how long an untouched bucket is kept before being swept.
const idleAfter = 10 * time.Minute

type rateLimiterStore struct {
	mu        sync.Mutex
	buckets   map[string]*tokenBucket
	lastSweep time.Time
}

func (s *rateLimiterStore) bucket(key string, rate float64, burst int, now time.Time) *tokenBucket {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) > idleAfter {
		for k, b := range s.buckets {
			b.mu.Lock()
			idle := now.Sub(b.lastRefill) > idleAfter
			b.mu.Unlock()
			if idle {
				delete(s.buckets, k)
			}
		}
		s.lastSweep = now
	}

	b, ok := s.buckets[key]
	if !ok {
		b = newTokenBucket(rate, burst, now)
		s.buckets[key] = b
	}
	return b
}

// RateLimit limits requests per client IP, with writes counted separately.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	return rateLimit(cfg, time.Now)
}

func rateLimit(cfg RateLimitConfig, now func() time.Time) echo.MiddlewareFunc {
	if cfg.WriteRequestsPerSecond <= 0 {
		cfg.WriteRequestsPerSecond = cfg.RequestsPerSecond
		cfg.WriteBurstSize = cfg.BurstSize
	}
	store := &rateLimiterStore{buckets: make(map[string]*tokenBucket), lastSweep: now()}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rate, burst, class := cfg.RequestsPerSecond, cfg.BurstSize, "r"
			if isWrite(c.Request().Method) {
				rate, burst, class = cfg.WriteRequestsPerSecond, cfg.WriteBurstSize, "w"
			}
			limit := strconv.FormatFloat(rate, 'f', -1, 64)

			ok, retryAfter := store.bucket(class+":"+c.RealIP(), rate, burst, now()).take(now())
			c.Response().Header().Set("X-RateLimit-Limit", limit)
			if !ok {
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
				c.Response().Header().Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

func isWrite(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

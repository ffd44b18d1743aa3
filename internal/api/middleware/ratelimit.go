package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/janovincze/shapesync/internal/api/models"
)

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int

	// PerClient keys limiters by client IP instead of sharing one.
	PerClient bool

	// ClientTTL is how long an idle client's limiter is kept.
	ClientTTL time.Duration
}

// DefaultRateLimitConfig returns a per-client limit of 100 rps.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
		PerClient:         true,
		ClientTTL:         time.Hour,
	}
}

// RateLimiter returns a middleware that answers 429 once the limit is hit.
func RateLimiter(cfg RateLimitConfig) gin.HandlerFunc {
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	var limiterFor func(c *gin.Context) *rate.Limiter
	if cfg.PerClient {
		store := newLimiterStore(cfg)
		limiterFor = func(c *gin.Context) *rate.Limiter { return store.get(c.ClientIP()) }
	} else {
		shared := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstSize)
		limiterFor = func(*gin.Context) *rate.Limiter { return shared }
	}

	return func(c *gin.Context) {
		c.Header("X-RateLimit-Limit", limit)
		if !limiterFor(c).Allow() {
			c.Header("Retry-After", "1")
			c.Header("X-RateLimit-Remaining", "0")
			models.RespondWithError(c, models.NewRateLimitedError(c.Request.URL.Path))
			c.Abort()
			return
		}
		c.Next()
	}
}

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterStore holds per-client limiters. Idle entries are swept lazily on
// access, at most once per TTL.
type limiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*clientLimiter
	rps       rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
}

func newLimiterStore(cfg RateLimitConfig) *limiterStore {
	ttl := cfg.ClientTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &limiterStore{
		limiters:  make(map[string]*clientLimiter),
		rps:       rate.Limit(cfg.RequestsPerSecond),
		burst:     cfg.BurstSize,
		ttl:       ttl,
		lastSweep: time.Now(),
	}
}

func (s *limiterStore) get(clientIP string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Sub(s.lastSweep) > s.ttl {
		for ip, cl := range s.limiters {
			if now.Sub(cl.lastAccess) > s.ttl {
				delete(s.limiters, ip)
			}
		}
		s.lastSweep = now
	}

	cl, ok := s.limiters[clientIP]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(s.rps, s.burst)}
		s.limiters[clientIP] = cl
	}
	cl.lastAccess = now
	return cl.limiter
}

package middleware

import (
	"net/http"
	"sync"
	"time"

	"go-dm-relay/pkg/config"
	"go-dm-relay/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// UserRateLimiter hands each authenticated user a token bucket. It guards the chunk
// endpoint, where one client can otherwise flood the upload sessions.
type UserRateLimiter struct {
	mu       sync.Mutex
	visitors map[uint]*visitor
	rps      rate.Limit
	burst    int
	idle     time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewUserRateLimiter(cfg config.RateLimitConfig) *UserRateLimiter {
	rps, burst := cfg.ChunksPerSecond, cfg.Burst
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = 40
	}
	return &UserRateLimiter{
		visitors: make(map[uint]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		idle:     5 * time.Minute,
	}
}

func (l *UserRateLimiter) limiter(userID uint) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.visitors[userID]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[userID] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Allow takes one token for userID.
func (l *UserRateLimiter) Allow(userID uint) bool {
	return l.limiter(userID).Allow()
}

// Cleanup forgets users not seen for the idle period and returns how many were dropped.
func (l *UserRateLimiter) Cleanup() int {
	cutoff := time.Now().Add(-l.idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, id)
			n++
		}
	}
	return n
}

// Run calls Cleanup every minute until stop is closed.
func (l *UserRateLimiter) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}

// Handler must run after AuthMiddleware.
func (l *UserRateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := UserID(c)
		if !l.Allow(uid) {
			logger.L.Warn("rate limit exceeded", zap.Uint("userID", uid), zap.String("path", c.FullPath()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

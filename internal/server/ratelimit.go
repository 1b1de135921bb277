package server

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/jonesrussell/worklens/internal/tenant"
)

// TenantRateLimiter hands each tenant its own token bucket so one noisy
// tenant cannot starve the interactive path for everyone else. Limiters are
// created on first sight and kept for the process lifetime; the tenant
// population is small enough that the map never needs eviction.
type TenantRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perSec   rate.Limit
	burst    int
}

// NewTenantRateLimiter allows perSec requests per second with the given
// burst per tenant.
func NewTenantRateLimiter(perSec float64, burst int) *TenantRateLimiter {
	if perSec <= 0 {
		perSec = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &TenantRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		perSec:   rate.Limit(perSec),
		burst:    burst,
	}
}

func (l *TenantRateLimiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.perSec, l.burst)
		l.limiters[key] = lim
	}
	return lim
}

// Middleware enforces the per-tenant budget. Mount after Auth so the tenant
// identity is on the context; requests without one are bucketed by client
// IP.
func (l *TenantRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := tenant.FromContext(c.Request.Context())
		if !ok {
			key = c.ClientIP()
		}

		if !l.limiterFor(key).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error_code": "rate_limited",
				"message":    "request rate exceeds the tenant budget; retry shortly",
			})
			return
		}
		c.Next()
	}
}

package server

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Status grades a health check.
type Status string

const (
	// StatusHealthy means the dependency answered normally.
	StatusHealthy Status = "healthy"
	// StatusDegraded means the service works but a non-critical dependency
	// is down.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy means the service cannot do useful work.
	StatusUnhealthy Status = "unhealthy"
)

// checkTimeout bounds each dependency probe so a hung dependency cannot
// hang the health endpoint.
const checkTimeout = 2 * time.Second

// CheckResult is the outcome of one named health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthChecker probes one dependency.
type HealthChecker func() CheckResult

// healthResponse is the GET /health body.
type healthResponse struct {
	Status  Status                 `json:"status"`
	Service string                 `json:"service"`
	Version string                 `json:"version"`
	Uptime  string                 `json:"uptime,omitempty"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
}

// healthState tracks process start for uptime reporting.
var healthState = struct {
	sync.Once
	startTime time.Time
}{}

// DatabaseCheck probes Postgres connectivity. Failure is unhealthy: the
// engine cannot answer queries without its store.
func DatabaseCheck(ping func(context.Context) error) HealthChecker {
	return func() CheckResult {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()

		err := ping(ctx)
		latency := time.Since(start)

		if err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "database connection failed",
				Latency: latency.String(),
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "database connection ok",
			Latency: latency.String(),
		}
	}
}

// RedisCheck probes Redis connectivity. Failure degrades rather than fails:
// the engine still answers, just without the result cache.
func RedisCheck(ping func(context.Context) error) HealthChecker {
	return func() CheckResult {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()

		err := ping(ctx)
		latency := time.Since(start)

		if err != nil {
			return CheckResult{
				Status:  StatusDegraded,
				Message: "redis connection failed",
				Latency: latency.String(),
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "redis connection ok",
			Latency: latency.String(),
		}
	}
}

// registerHealthRoutes adds the standard health endpoints:
//
//	GET  /health        - aggregate status with per-check detail
//	HEAD /health        - lightweight probe for load balancers
//	GET  /health/memory - runtime memory statistics
func registerHealthRoutes(router *gin.Engine, serviceName, version string, checks map[string]HealthChecker) {
	healthState.Do(func() {
		healthState.startTime = time.Now()
	})

	router.GET("/health", healthHandler(serviceName, version, checks))
	router.HEAD("/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	router.GET("/health/memory", memoryHandler)
}

// healthHandler runs every checker and aggregates: any unhealthy check
// makes the whole response unhealthy (503); otherwise any degraded check
// makes it degraded (still 200).
func healthHandler(serviceName, version string, checks map[string]HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := healthResponse{
			Status:  StatusHealthy,
			Service: serviceName,
			Version: version,
			Uptime:  time.Since(healthState.startTime).Round(time.Second).String(),
		}

		if len(checks) > 0 {
			resp.Checks = make(map[string]CheckResult, len(checks))
			for name, check := range checks {
				result := check()
				resp.Checks[name] = result

				switch {
				case result.Status == StatusUnhealthy:
					resp.Status = StatusUnhealthy
				case result.Status == StatusDegraded && resp.Status == StatusHealthy:
					resp.Status = StatusDegraded
				}
			}
		}

		code := http.StatusOK
		if resp.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, resp)
	}
}

// memoryReport is the GET /health/memory body.
type memoryReport struct {
	Timestamp     time.Time `json:"timestamp"`
	HeapAllocMB   float64   `json:"heap_alloc_mb"`
	HeapInuseMB   float64   `json:"heap_inuse_mb"`
	HeapIdleMB    float64   `json:"heap_idle_mb"`
	StackInuseMB  float64   `json:"stack_inuse_mb"`
	NumGC         uint32    `json:"num_gc"`
	NumGoroutine  int       `json:"num_goroutine"`
	GoMaxProcs    int       `json:"gomaxprocs"`
	LastGCPauseMs float64   `json:"last_gc_pause_ms,omitempty"`
}

const bytesPerMB = 1024 * 1024

func memoryHandler(c *gin.Context) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	report := memoryReport{
		Timestamp:    time.Now().UTC(),
		HeapAllocMB:  float64(stats.Alloc) / bytesPerMB,
		HeapInuseMB:  float64(stats.HeapInuse) / bytesPerMB,
		HeapIdleMB:   float64(stats.HeapIdle) / bytesPerMB,
		StackInuseMB: float64(stats.StackInuse) / bytesPerMB,
		NumGC:        stats.NumGC,
		NumGoroutine: runtime.NumGoroutine(),
		GoMaxProcs:   runtime.GOMAXPROCS(0),
	}
	if stats.NumGC > 0 {
		report.LastGCPauseMs = float64(stats.PauseNs[(stats.NumGC+255)%256]) / 1e6
	}

	c.JSON(http.StatusOK, report)
}

package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jonesrussell/worklens/internal/logger"
	"github.com/jonesrussell/worklens/internal/server"
	"github.com/jonesrussell/worklens/internal/tenant"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// --- Test helpers ---

func newTestRouter() *gin.Engine {
	router := gin.New()
	router.Use(server.RequestID())
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	return router
}

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func signToken(t *testing.T, secret string, claims server.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return body
}

// --- Request ID ---

func TestRequestID_GeneratesID(t *testing.T) {
	t.Parallel()

	router := newTestRouter()
	w := serve(router, httptest.NewRequest(http.MethodGet, "/test", http.NoBody))

	id := w.Header().Get("X-Request-ID")
	if id == "" {
		t.Fatal("X-Request-ID response header is empty, want a generated ID")
	}
	// Generated IDs are UUIDs.
	if len(id) != 36 {
		t.Errorf("generated request ID length = %d, want 36", len(id))
	}
}

func TestRequestID_PreservesInboundID(t *testing.T) {
	t.Parallel()

	const inboundID = "trace-from-upstream-abc123"

	router := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("X-Request-ID", inboundID)
	w := serve(router, req)

	if got := w.Header().Get("X-Request-ID"); got != inboundID {
		t.Errorf("response X-Request-ID = %q, want %q", got, inboundID)
	}
}

func TestRequestID_ReplacesOversizedID(t *testing.T) {
	t.Parallel()

	oversized := strings.Repeat("x", 200)

	router := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("X-Request-ID", oversized)
	w := serve(router, req)

	got := w.Header().Get("X-Request-ID")
	if got == oversized {
		t.Error("middleware accepted an oversized X-Request-ID, want a generated one")
	}
	if got == "" {
		t.Fatal("X-Request-ID response header is empty after rejecting oversized ID")
	}
}

// --- Recovery ---

func TestRecovery_AnswersWithGeneric500(t *testing.T) {
	t.Parallel()

	router := gin.New()
	router.Use(server.Recovery(logger.NewNop()))
	router.GET("/boom", func(*gin.Context) {
		panic("storage exploded")
	})

	w := serve(router, httptest.NewRequest(http.MethodGet, "/boom", http.NoBody))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	body := decodeBody(t, w)
	if body["error_code"] != "execution_error" {
		t.Errorf("error_code = %v, want execution_error", body["error_code"])
	}
	if strings.Contains(w.Body.String(), "storage exploded") {
		t.Error("panic detail leaked into the response body")
	}
}

// --- CORS ---

func TestCORS_AllowsConfiguredOrigin(t *testing.T) {
	t.Parallel()

	router := gin.New()
	router.Use(server.CORS([]string{"https://app.example.com"}))
	router.GET("/test", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("Origin", "https://app.example.com")
	w := serve(router, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q, want the configured origin echoed back", got)
	}
}

func TestCORS_IgnoresUnknownOrigin(t *testing.T) {
	t.Parallel()

	router := gin.New()
	router.Use(server.CORS([]string{"https://app.example.com"}))
	router.GET("/test", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("Origin", "https://evil.example.com")
	w := serve(router, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want request to proceed without CORS headers", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q, want no CORS headers for an unknown origin", got)
	}
}

func TestCORS_AnswersPreflight(t *testing.T) {
	t.Parallel()

	router := gin.New()
	router.Use(server.CORS(nil))
	router.POST("/test", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(http.MethodOptions, "/test", http.NoBody)
	req.Header.Set("Origin", "https://anywhere.example.com")
	w := serve(router, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("preflight response missing Allow-Methods")
	}
}

// --- Health ---

func TestHealth_AggregatesCheckResults(t *testing.T) {
	t.Parallel()

	srv := server.New(server.Config{
		ServiceName:    "worklens-test",
		ServiceVersion: "1.2.3",
		Checks: map[string]server.HealthChecker{
			"database": server.DatabaseCheck(func(context.Context) error { return nil }),
			"redis":    server.RedisCheck(func(context.Context) error { return nil }),
		},
	}, logger.NewNop(), nil)

	w := serve(srv.Router(), httptest.NewRequest(http.MethodGet, "/health", http.NoBody))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := decodeBody(t, w)
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
	if body["service"] != "worklens-test" || body["version"] != "1.2.3" {
		t.Errorf("identity = %v/%v, want worklens-test/1.2.3", body["service"], body["version"])
	}
	checks, ok := body["checks"].(map[string]any)
	if !ok || len(checks) != 2 {
		t.Fatalf("checks = %v, want database and redis results", body["checks"])
	}
}

func TestHealth_RedisFailureDegrades(t *testing.T) {
	t.Parallel()

	srv := server.New(server.Config{
		Checks: map[string]server.HealthChecker{
			"redis": server.RedisCheck(func(context.Context) error { return errors.New("refused") }),
		},
	}, logger.NewNop(), nil)

	w := serve(srv.Router(), httptest.NewRequest(http.MethodGet, "/health", http.NoBody))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want degraded to stay 200", w.Code)
	}
	if body := decodeBody(t, w); body["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", body["status"])
	}
}

func TestHealth_DatabaseFailureIsUnhealthy(t *testing.T) {
	t.Parallel()

	srv := server.New(server.Config{
		Checks: map[string]server.HealthChecker{
			"database": server.DatabaseCheck(func(context.Context) error { return errors.New("refused") }),
			"redis":    server.RedisCheck(func(context.Context) error { return nil }),
		},
	}, logger.NewNop(), nil)

	w := serve(srv.Router(), httptest.NewRequest(http.MethodGet, "/health", http.NoBody))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if body := decodeBody(t, w); body["status"] != "unhealthy" {
		t.Errorf("status = %v, want unhealthy", body["status"])
	}
}

func TestHealth_HeadProbe(t *testing.T) {
	t.Parallel()

	srv := server.New(server.Config{}, logger.NewNop(), nil)
	w := serve(srv.Router(), httptest.NewRequest(http.MethodHead, "/health", http.NoBody))

	if w.Code != http.StatusOK {
		t.Fatalf("HEAD /health status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestHealth_MemoryReport(t *testing.T) {
	t.Parallel()

	srv := server.New(server.Config{}, logger.NewNop(), nil)
	w := serve(srv.Router(), httptest.NewRequest(http.MethodGet, "/health/memory", http.NoBody))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := decodeBody(t, w)
	if _, ok := body["heap_alloc_mb"]; !ok {
		t.Error("memory report missing heap_alloc_mb")
	}
	if n, ok := body["num_goroutine"].(float64); !ok || n < 1 {
		t.Errorf("num_goroutine = %v, want at least 1", body["num_goroutine"])
	}
}

// --- Auth ---

func authedRouter(secret string) (*gin.Engine, *string) {
	router := gin.New()
	var seenTenant string
	group := router.Group("/api/v1")
	group.Use(server.Auth(secret))
	group.GET("/whoami", func(c *gin.Context) {
		seenTenant, _ = tenant.FromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})
	return router, &seenTenant
}

func TestAuth_RejectsMissingHeader(t *testing.T) {
	t.Parallel()

	router, _ := authedRouter("secret")
	w := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/whoami", http.NoBody))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if body := decodeBody(t, w); body["error_code"] != "unauthorized" {
		t.Errorf("error_code = %v, want unauthorized", body["error_code"])
	}
}

func TestAuth_RejectsBadToken(t *testing.T) {
	t.Parallel()

	router, _ := authedRouter("secret")

	for _, header := range []string{
		"Bearer not-a-jwt",
		"Basic dXNlcjpwYXNz",
		"Bearer " + signToken(t, "wrong-secret", server.Claims{TenantID: "acme"}),
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/whoami", http.NoBody)
		req.Header.Set("Authorization", header)
		if w := serve(router, req); w.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status = %d, want %d", header, w.Code, http.StatusUnauthorized)
		}
	}
}

func TestAuth_StampsTenantOnRequestContext(t *testing.T) {
	t.Parallel()

	router, seenTenant := authedRouter("secret")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/whoami", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "secret", server.Claims{TenantID: "acme"}))
	w := serve(router, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if *seenTenant != "acme" {
		t.Errorf("handler saw tenant %q, want acme", *seenTenant)
	}
}

func TestAuth_FallsBackToSubject(t *testing.T) {
	t.Parallel()

	router, seenTenant := authedRouter("secret")
	claims := server.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "globex"}}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/whoami", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "secret", claims))
	w := serve(router, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if *seenTenant != "globex" {
		t.Errorf("handler saw tenant %q, want subject fallback globex", *seenTenant)
	}
}

func TestAuth_RejectsTenantlessToken(t *testing.T) {
	t.Parallel()

	router, _ := authedRouter("secret")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/whoami", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "secret", server.Claims{}))
	w := serve(router, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d for a token with no tenant identity", w.Code, http.StatusUnauthorized)
	}
}

func TestAdminOnly_GatesOnAdminClaim(t *testing.T) {
	t.Parallel()

	router := gin.New()
	group := router.Group("/admin")
	group.Use(server.Auth("secret"), server.AdminOnly())
	group.GET("/thing", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/admin/thing", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "secret", server.Claims{TenantID: "acme"}))
	if w := serve(router, req); w.Code != http.StatusForbidden {
		t.Errorf("non-admin status = %d, want %d", w.Code, http.StatusForbidden)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/thing", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "secret", server.Claims{TenantID: "acme", Admin: true}))
	if w := serve(router, req); w.Code != http.StatusOK {
		t.Errorf("admin status = %d, want %d", w.Code, http.StatusOK)
	}
}

// --- Rate limiting ---

func TestTenantRateLimiter_BoundsEachTenantSeparately(t *testing.T) {
	t.Parallel()

	limiter := server.NewTenantRateLimiter(1, 2)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		// Stand-in for Auth: tenant comes from a header.
		c.Request = c.Request.WithContext(tenant.WithTenant(c.Request.Context(), c.GetHeader("X-Tenant")))
		c.Next()
	})
	router.Use(limiter.Middleware())
	router.GET("/q", func(c *gin.Context) { c.Status(http.StatusOK) })

	hit := func(tenantID string) int {
		req := httptest.NewRequest(http.MethodGet, "/q", http.NoBody)
		req.Header.Set("X-Tenant", tenantID)
		return serve(router, req).Code
	}

	// Burst of 2 passes, third in the same instant is limited.
	if got := hit("acme"); got != http.StatusOK {
		t.Fatalf("first request status = %d, want %d", got, http.StatusOK)
	}
	if got := hit("acme"); got != http.StatusOK {
		t.Fatalf("second request status = %d, want %d", got, http.StatusOK)
	}
	if got := hit("acme"); got != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want %d", got, http.StatusTooManyRequests)
	}

	// A different tenant has its own bucket.
	if got := hit("globex"); got != http.StatusOK {
		t.Errorf("other tenant status = %d, want %d", got, http.StatusOK)
	}
}

// --- Server config ---

func TestConfig_SetDefaults(t *testing.T) {
	t.Parallel()

	var cfg server.Config
	cfg.SetDefaults()

	if cfg.ReadTimeout != server.DefaultReadTimeout {
		t.Errorf("ReadTimeout = %v, want %v", cfg.ReadTimeout, server.DefaultReadTimeout)
	}
	if cfg.ShutdownTimeout != server.DefaultShutdownTimeout {
		t.Errorf("ShutdownTimeout = %v, want %v", cfg.ShutdownTimeout, server.DefaultShutdownTimeout)
	}
	if cfg.ServiceName == "" || cfg.ServiceVersion == "" {
		t.Error("service identity defaults missing")
	}
}

func TestNew_WiresServiceRoutes(t *testing.T) {
	t.Parallel()

	srv := server.New(server.Config{}, logger.NewNop(), func(router *gin.Engine) {
		router.GET("/custom", func(c *gin.Context) { c.String(http.StatusOK, "custom") })
	})

	w := serve(srv.Router(), httptest.NewRequest(http.MethodGet, "/custom", http.NoBody))
	if w.Code != http.StatusOK || w.Body.String() != "custom" {
		t.Fatalf("custom route: status %d body %q", w.Code, w.Body.String())
	}
}

package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jonesrussell/worklens/internal/logger"
)

// RequestIDHeader carries the request ID between services.
const RequestIDHeader = "X-Request-ID"

// maxRequestIDLen rejects abusive inbound IDs; anything longer is replaced
// with a generated one.
const maxRequestIDLen = 128

// CORS behavior shared by every response.
const (
	corsMaxAge         = 12 * time.Hour
	corsAllowedMethods = "GET, POST, PUT, DELETE, OPTIONS, PATCH"
	corsAllowedHeaders = "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control, X-Requested-With, X-Request-ID"
)

// RequestID attaches a unique ID to each request, honoring a sane inbound
// X-Request-ID so traces survive proxy hops.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" || len(requestID) > maxRequestIDLen {
			requestID = uuid.NewString()
		}

		c.Set("request_id", requestID)
		c.Writer.Header().Set(RequestIDHeader, requestID)

		c.Next()
	}
}

// RequestLogger logs one structured entry per request: method, path,
// status, duration, client IP, and any handler errors. Requests that
// collected errors log at error level so nothing needs double-logging.
func RequestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery
		method := c.Request.Method

		c.Next()

		fields := []logger.Field{
			logger.String("method", method),
			logger.String("path", path),
			logger.Int("status", c.Writer.Status()),
			logger.Duration("duration", time.Since(start)),
			logger.String("client_ip", c.ClientIP()),
			logger.String("request_id", c.GetString("request_id")),
		}
		if query != "" {
			fields = append(fields, logger.String("query", query))
		}
		if !strings.HasPrefix(path, "/health") {
			fields = append(fields, logger.String("user_agent", c.Request.UserAgent()))
		}

		if len(c.Errors) > 0 {
			messages := make([]string, len(c.Errors))
			for i, err := range c.Errors {
				messages[i] = err.Err.Error()
			}
			fields = append(fields, logger.Strings("errors", messages))
			log.Error("http request failed", fields...)
			return
		}
		log.Info("http request", fields...)
	}
}

// Recovery catches panics, logs them, and answers with a generic 500 so
// internals never leak to callers.
func Recovery(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error("panic recovered",
					logger.Any("error", err),
					logger.String("path", c.Request.URL.Path),
					logger.String("method", c.Request.Method),
					logger.String("client_ip", c.ClientIP()))

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error_code": "execution_error",
					"message":    "an unexpected error occurred",
				})
			}
		}()

		c.Next()
	}
}

// CORS handles cross-origin requests for the configured origins. An empty
// origins list allows all.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	maxAge := strconv.Itoa(int(corsMaxAge.Seconds()))

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := allowedOrigin(origin, allowedOrigins)
		if allowed == "" {
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", allowed)
		h.Set("Access-Control-Allow-Methods", corsAllowedMethods)
		h.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
		h.Set("Access-Control-Max-Age", maxAge)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// allowedOrigin returns the origin value to echo back, or "" when the
// origin is not allowed. Same-origin requests (no Origin header) pass.
func allowedOrigin(origin string, allowedOrigins []string) string {
	if origin == "" {
		return "*"
	}
	if len(allowedOrigins) == 0 {
		return "*"
	}
	for _, allowed := range allowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if allowed == origin {
			return origin
		}
	}
	return ""
}

package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/worklens/internal/domain"
)

// statusFor maps the engine error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	if errors.Is(err, domain.ErrNoTenant) {
		return http.StatusUnauthorized
	}
	switch domain.CodeOf(err) {
	case domain.CodeValidation, domain.CodeDeprecatedMetric:
		return http.StatusBadRequest
	case domain.CodeTimeout:
		return http.StatusGatewayTimeout
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the structured engine error. Server-side failures are
// also attached to the gin context so the request logger records them.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, domain.AsEngineError(err))
}

// bindSpec decodes the request body into a query specification, answering
// 400 in the taxonomy shape when the body is not one.
func bindSpec(c *gin.Context) (domain.QuerySpec, bool) {
	var spec domain.QuerySpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest,
			domain.NewValidationError("body", "request body is not a query specification"))
		return domain.QuerySpec{}, false
	}
	return spec, true
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/worklens/internal/domain"
	"github.com/jonesrussell/worklens/internal/server"
)

// listMetrics returns the summary of every metric in the active catalog
// version.
// GET /api/v1/catalog/metrics
func (r *Router) listMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, r.catalog.Snapshot().Summaries())
}

// getMetric returns the full definition, including deprecation status and
// the recommended replacement.
// GET /api/v1/catalog/metrics/:name
func (r *Router) getMetric(c *gin.Context) {
	def, err := r.catalog.Snapshot().Resolve(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

type publishCatalogRequest struct {
	Metrics []domain.MetricDefinition `json:"metrics"`
}

// publishCatalog validates and commits the next catalog version. Invariant
// violations (dependency cycles, composite weights off 1.0) answer 409 with
// the offending detail and leave the active version untouched.
// PUT /api/v1/admin/catalog
func (r *Router) publishCatalog(c *gin.Context) {
	var req publishCatalogRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Metrics) == 0 {
		c.JSON(http.StatusBadRequest,
			domain.NewValidationError("metrics", "at least one metric definition is required"))
		return
	}

	publishedBy := "unknown"
	if claims, ok := server.GetClaims(c); ok {
		publishedBy = claims.Subject
		if publishedBy == "" {
			publishedBy = claims.Tenant()
		}
	}

	snap, err := r.catalog.Publish(c.Request.Context(), req.Metrics, publishedBy)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"version": snap.Version(),
		"metrics": snap.Len(),
	})
}

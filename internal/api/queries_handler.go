package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/worklens/internal/domain"
)

// runQuery answers an interactive query within the interactive budget.
// POST /api/v1/queries
func (r *Router) runQuery(c *gin.Context) {
	spec, ok := bindSpec(c)
	if !ok {
		return
	}

	res, err := r.queries.RunInteractive(c.Request.Context(), spec)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

type translateRequest struct {
	Prompt string `json:"prompt"`
}

// translateResponse returns the validated specification without executing
// it; the caller reviews it and submits explicitly.
type translateResponse struct {
	Spec            domain.QuerySpec `json:"spec"`
	SpecHash        string           `json:"spec_hash"`
	CatalogVersion  int64            `json:"catalog_version"`
	RecommendedMode domain.QueryMode `json:"recommended_mode"`
}

// translatePrompt turns a natural-language prompt into a validated
// specification. Translator failures answer 502: the upstream service is at
// fault, not the caller, and the body carries the last validation detail so
// the caller can still see what the translator got wrong.
// POST /api/v1/queries/translate
func (r *Router) translatePrompt(c *gin.Context) {
	var req translateRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusBadRequest,
			domain.NewValidationError("prompt", "a non-empty prompt is required"))
		return
	}

	validated, err := r.translator.Translate(c.Request.Context(), req.Prompt)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadGateway, domain.AsEngineError(err))
		return
	}

	c.JSON(http.StatusOK, translateResponse{
		Spec:            validated.Spec,
		SpecHash:        validated.Hash,
		CatalogVersion:  validated.CatalogVersion,
		RecommendedMode: r.queries.EstimateMode(validated.Spec),
	})
}

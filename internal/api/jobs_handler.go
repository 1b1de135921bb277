package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// submitJob enqueues a specification for asynchronous execution. A fresh
// job answers 202; resubmitting a specification whose hash matches a queued
// or running job answers 200 with the existing job.
// POST /api/v1/jobs
func (r *Router) submitJob(c *gin.Context) {
	spec, ok := bindSpec(c)
	if !ok {
		return
	}

	job, created, err := r.jobs.Submit(c.Request.Context(), spec)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	c.JSON(status, job)
}

// getJob reports the job's status, progress, and timestamps.
// GET /api/v1/jobs/:id
func (r *Router) getJob(c *gin.Context) {
	job, err := r.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// getJobResult returns the stored result once the job completed; any other
// status answers 409 naming the current state.
// GET /api/v1/jobs/:id/result
func (r *Router) getJobResult(c *gin.Context) {
	res, err := r.jobs.Result(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// cancelJob requests cancellation. A running job answers 202 and lands at
// its next checkpoint; a queued job cancels immediately, and repeating the
// request against any job already at rest is a harmless 200.
// DELETE /api/v1/jobs/:id
func (r *Router) cancelJob(c *gin.Context) {
	job, err := r.jobs.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusAccepted
	if job.Status.Terminal() {
		status = http.StatusOK
	}
	c.JSON(status, job)
}

// jobStats reports queue depth by status, an operations surface rather than
// a tenant one.
// GET /api/v1/jobs/stats
func (r *Router) jobStats(c *gin.Context) {
	stats, err := r.jobs.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fitroom/tryon-backend/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "tryon-api-service",
		})
	})

	tryOnHandler := handler.NewTryOnHandler(deps)

	// API v1 routes, all scoped to the calling user
	v1 := r.Group("/api/v1/tryon")
	v1.Use(RequireUser())
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/tryon/jobs - Submit a new try-on job
			jobs.POST("", tryOnHandler.SubmitJob)

			// GET /api/v1/tryon/jobs - List jobs with status filtering
			jobs.GET("", tryOnHandler.ListJobs)

			// GET /api/v1/tryon/jobs/:job_id - Get job status
			jobs.GET("/:job_id", tryOnHandler.GetJob)

			// POST /api/v1/tryon/jobs/:job_id/cancel - Cancel a job
			jobs.POST("/:job_id/cancel", tryOnHandler.CancelJob)
		}

		// DELETE /api/v1/tryon/history/:history_id - Remove a saved result
		v1.DELETE("/history/:history_id", tryOnHandler.DeleteHistory)

		// GET /api/v1/tryon/events - SSE stream of job updates
		v1.GET("/events", tryOnHandler.StreamEvents)
	}

	return r
}

package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/escrow-sync/internal/api/handler"
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
		if deps.Health != nil {
			if err := deps.Health.HealthCheck(c.Request.Context()); err != nil {
				c.Error(err)
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": "escrow-sync-api",
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "escrow-sync-api",
		})
	})

	jobHandler := handler.NewJobHandler(deps)
	syncHandler := handler.NewSyncHandler(deps)

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// GET /api/v1/jobs - List cached jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get a job, reading through to the chain
			jobs.GET("/:job_id", jobHandler.GetJob)

			// GET /api/v1/jobs/:job_id/proposals - List cached proposals of a job
			jobs.GET("/:job_id/proposals", jobHandler.ListProposals)
		}

		// GET /api/v1/escrows/:address - Get an escrow with its phase and deliveries
		v1.GET("/escrows/:address", jobHandler.GetEscrow)

		// GET /api/v1/offers/:job_id - Get the direct offer of a job
		v1.GET("/offers/:job_id", jobHandler.GetOffer)

		sync := v1.Group("/sync")
		{
			// GET /api/v1/sync/status - Checkpoint of every tracked contract
			sync.GET("/status", syncHandler.GetStatus)

			triggers := sync.Group("", BearerAuth(deps.CronSecret, deps.Logger))
			{
				// GET|POST /api/v1/sync/reconcile - Catch up to the chain head
				triggers.GET("/reconcile", syncHandler.Reconcile)
				triggers.POST("/reconcile", syncHandler.Reconcile)

				// POST /api/v1/sync/manual - Refresh selected entities
				triggers.POST("/manual", syncHandler.ManualSync)
			}
		}
	}

	return r
}

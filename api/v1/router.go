package v1

import (
	fleethandler "flowfleet/api/v1/fleet"
	"flowfleet/api/v1/jobs"
	"flowfleet/api/v1/middleware"
	"flowfleet/api/v1/revisions"
	"flowfleet/internal/config"
	"flowfleet/internal/dispatch"
	"flowfleet/internal/fleet"
	"flowfleet/internal/httpx"
	"flowfleet/internal/notify"
	"flowfleet/internal/revision"

	"github.com/gin-gonic/gin"
)

// Deps holds the services the API routes depend on
type Deps struct {
	Fleet      *fleet.Service
	Revision   *revision.Service
	Dispatcher *dispatch.Dispatcher
	Notifier   *notify.Service
	Config     *config.Config
}

// SetupRouter sets up the API v1 routes
func SetupRouter(r *gin.Engine, deps *Deps) {
	fleetHandler := fleethandler.NewHandler(deps.Fleet, deps.Revision, deps.Dispatcher, deps.Notifier, deps.Config.NodeLogDir, deps.Config.PluginDir)
	jobsHandler := jobs.NewHandler(deps.Dispatcher)
	revisionsHandler := revisions.NewHandler(deps.Revision)

	v1 := r.Group("/api/v1")
	{
		// Public routes (no authentication required)
		v1.GET("/ping", pingHandler)

		// Registration validates the token itself so a rejected node gets
		// no response body at all
		v1.POST("/fleet/register", fleetHandler.Register)

		// Protected routes (node token required)
		protected := v1.Group("")
		protected.Use(middleware.NodeAuthRequired())
		{
			fleetGroup := protected.Group("/fleet")
			{
				fleetGroup.POST("/heartbeat", fleetHandler.Heartbeat)
				fleetGroup.GET("/configuration", fleetHandler.Configuration)
				fleetGroup.GET("/plugins/:name", fleetHandler.PluginPackage)
				fleetGroup.POST("/log", fleetHandler.SyncLog)
				fleetGroup.POST("/unregister", fleetHandler.Unregister)
				fleetGroup.POST("/jobs/complete", fleetHandler.Complete)
				fleetGroup.POST("/mods/failure", fleetHandler.ModFailure)
			}

			jobsGroup := protected.Group("/jobs")
			{
				jobsGroup.POST("/dispatch", jobsHandler.Dispatch)
				jobsGroup.POST("/abort", jobsHandler.Abort)
				jobsGroup.POST("/abort-all", jobsHandler.AbortAll)
			}

			revisionsGroup := protected.Group("/revisions")
			{
				revisionsGroup.POST("/publish", revisionsHandler.Publish)
				revisionsGroup.GET("/current", revisionsHandler.Current)
			}
		}
	}
}

// pingHandler handles the ping request using unified response
func pingHandler(c *gin.Context) {
	httpx.OK(c, gin.H{
		"pong": true,
	})
}

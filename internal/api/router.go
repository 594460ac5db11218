package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/frostdev-ops/pma-cache-engine/internal/api/handlers"
	"github.com/frostdev-ops/pma-cache-engine/internal/api/middleware"
	"github.com/frostdev-ops/pma-cache-engine/internal/config"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/engine"
	"github.com/frostdev-ops/pma-cache-engine/internal/websocket"
	"github.com/frostdev-ops/pma-cache-engine/pkg/logger"
	"github.com/frostdev-ops/pma-cache-engine/pkg/utils"
)

// NewRouter creates and configures the main HTTP router. The returned func releases
// the rate limiter's janitor.
func NewRouter(cfg *config.Config, eng *engine.Engine, wsHub *websocket.Hub, log *logger.BatchLogger) (*gin.Engine, func()) {
	// Set gin mode based on config
	switch cfg.Server.Mode {
	case "production":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.ErrorHandlingMiddleware(log.Logger))
	router.Use(middleware.LoggingMiddleware(log))
	metricsPath := cfg.Monitoring.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	router.Use(middleware.MetricsMiddleware(eng.Recorder, metricsPath, "/ws"))
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.ErrorResponseMiddleware(log.Logger))

	rateLimiter := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)

	h := handlers.NewHandlers(eng, wsHub, log.Logger)

	// Public routes
	router.GET("/health", h.Health)
	router.GET("/version", h.Version)

	if wsHub != nil {
		router.GET("/ws", websocket.HandleWebSocketGin(wsHub))
	}

	if cfg.Monitoring.Enabled && eng.Collector != nil {
		router.GET(metricsPath, gin.WrapH(promhttp.HandlerFor(eng.Collector.Registry(), promhttp.HandlerOpts{})))
	}

	router.NoRoute(func(c *gin.Context) {
		utils.SendError(c, http.StatusNotFound, "Endpoint not found")
	})

	api := router.Group("/api/v1")
	api.Use(rateLimiter.RateLimitMiddleware())
	{
		api.GET("/status", h.Health)
		api.POST("/fetch", h.Fetch)
		api.GET("/cache/stats", h.GetCacheStats)
		api.POST("/persist", h.PersistState)

		queue := api.Group("/queue")
		{
			queue.GET("/requests", h.GetQueueRequests)
			queue.POST("/requests", h.AddQueueRequest)
			queue.GET("/requests/:id", h.GetQueueRequest)
			queue.DELETE("/requests/:id", h.DeleteQueueRequest)
			queue.GET("/stats", h.GetQueueStats)
			queue.POST("/process", h.ProcessQueue)
			queue.POST("/retry", h.RetryFailedRequests)
			queue.DELETE("/completed", h.ClearCompletedRequests)
		}

		sync := api.Group("/sync")
		{
			sync.GET("/operations", h.GetSyncOperations)
			sync.POST("/operations", h.AddSyncOperation)
			sync.GET("/operations/:id", h.GetSyncOperation)
			sync.GET("/conflicts", h.GetConflicts)
			sync.POST("/conflicts/:id/resolve", h.ResolveConflict)
			sync.POST("/conflicts/:id/ignore", h.IgnoreConflict)
			sync.POST("/process", h.ProcessSync)
			sync.GET("/metrics", h.GetSyncMetrics)
		}

		invalidation := api.Group("/invalidation")
		{
			invalidation.GET("/rules", h.GetInvalidationRules)
			invalidation.POST("/rules", h.AddInvalidationRule)
			invalidation.POST("/pattern", h.InvalidateByPattern)
			invalidation.POST("/event", h.InvalidateByEvent)
			invalidation.POST("/tags/:tag", h.InvalidateByTag)
			invalidation.POST("/sweep", h.SweepCaches)
			invalidation.POST("/cleanup", h.CleanupOrphanedCaches)
			invalidation.GET("/history", h.GetInvalidationHistory)
			invalidation.GET("/versions/:key", h.GetVersion)
			invalidation.PUT("/versions/:key", h.SetVersion)
		}

		warmer := api.Group("/warmer")
		{
			warmer.POST("/tasks", h.AddWarmingTask)
			warmer.GET("/status", h.GetWarmerStatus)
			warmer.GET("/metrics", h.GetWarmerMetrics)
			warmer.POST("/cycle", h.RunWarmingCycle)
		}

		popularity := api.Group("/popularity")
		{
			popularity.POST("/access", h.RecordAccess)
			popularity.GET("/resource", h.GetResourcePopularity)
			popularity.GET("/popular", h.GetPopularContent)
			popularity.GET("/trending", h.GetTrendingContent)
			popularity.GET("/recommendations", h.GetPopularityRecommendations)
		}

		behavior := api.Group("/behavior")
		{
			behavior.POST("/events", h.RecordBehavior)
			behavior.GET("/metrics", h.GetBehaviorMetrics)
			behavior.GET("/recommendations", h.GetBehaviorRecommendations)
		}

		api.GET("/priorities", h.GetPriorities)
		api.POST("/priorities", h.PrioritizeResource)

		connectivity := api.Group("/connectivity")
		{
			connectivity.GET("", h.GetConnectivity)
			connectivity.POST("", h.ReportConnectivity)
			connectivity.POST("/probe", h.ProbeConnectivity)
		}

		api.GET("/websocket/stats", h.GetWebSocketStats)
		api.GET("/scheduler/jobs", h.GetSchedulerJobs)
		api.POST("/scheduler/jobs/:name/run", h.RunSchedulerJob)
	}

	return router, rateLimiter.Stop
}

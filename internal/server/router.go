package server

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/driftpost/driftpost-backend/internal/handlers"
	"github.com/driftpost/driftpost-backend/internal/middleware"
	"github.com/driftpost/driftpost-backend/internal/utils"
)

type RouterConfig struct {
	ItemHandler  *handlers.ItemHandler
	QueueHandler *handlers.QueueHandler
	GateHandler  *handlers.GateHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	allowOrigins := strings.Split(utils.GetEnv("CORS_ALLOW_ORIGINS", "http://localhost:3000", nil), ",")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With", "X-Request-ID"},
		AllowCredentials: true,
	}))
	router.Use(otelgin.Middleware("driftpost-backend"))
	router.Use(middleware.TraceContext())

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	{
		// Items
		api.POST("/items", cfg.ItemHandler.CreateBatch)
		api.GET("/items/:id", cfg.ItemHandler.Get)
		api.GET("/items/:id/history", cfg.ItemHandler.History)
		api.POST("/items/:id/requeue", cfg.ItemHandler.Requeue)
		api.GET("/stages/:stage/items", cfg.ItemHandler.ListByStage)
		// Queue
		api.GET("/queue/export", cfg.QueueHandler.Export)
		// Gate configs
		api.GET("/gates/:stage/active", cfg.GateHandler.Active)
		api.GET("/gates/:stage/history", cfg.GateHandler.History)
		api.POST("/gates", cfg.GateHandler.Snapshot)
	}

	return router
}

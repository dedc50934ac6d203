// internal/routes/routes.go
package routes

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sas-collector/internal/config"
	"sas-collector/internal/handler"
)

// Router manages the status HTTP surface
type Router struct {
	cfg    *config.Config
	logger *zap.Logger
	status *handler.StatusHandler
}

// NewRouter creates the router manager
func NewRouter(cfg *config.Config, logger *zap.Logger, status *handler.StatusHandler) *Router {
	return &Router{
		cfg:    cfg,
		logger: logger,
		status: status,
	}
}

// SetupRouter builds the gin engine with middleware and routes
func (r *Router) SetupRouter() *gin.Engine {
	if r.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(r.requestLogger())
	router.Use(r.corsMiddleware())

	router.GET("/healthz", r.status.Health)

	api := router.Group("/api/v1")
	{
		api.GET("/status", r.status.Status)
		api.POST("/transfers", r.status.Transfer)
	}

	return router
}

// corsMiddleware allows the configured origins
func (r *Router) corsMiddleware() gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	if len(r.cfg.Server.AllowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = r.cfg.Server.AllowedOrigins
	}

	return cors.New(corsConfig)
}

// requestLogger logs each request with latency and status
func (r *Router) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		r.logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

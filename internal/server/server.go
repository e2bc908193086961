package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/fabienpiette/tunevault/internal/config"
	"github.com/fabienpiette/tunevault/internal/middleware"
	"github.com/fabienpiette/tunevault/internal/server/handlers"
	"github.com/fabienpiette/tunevault/internal/services"
)

// HTTPServer represents the HTTP server
type HTTPServer struct {
	config    *config.Config
	container *services.Container
	router    *gin.Engine
	server    *http.Server
	logger    *logrus.Logger
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg *config.Config, container *services.Container) *HTTPServer {
	// Set Gin mode based on configuration
	switch cfg.Environment {
	case "production":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	server := &HTTPServer{
		config:    cfg,
		container: container,
		router:    router,
		logger:    container.GetLogger(),
	}

	server.setupMiddleware()
	server.setupRoutes()

	server.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}

	return server
}

// Handler exposes the router, mainly for tests
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.Infof("Starting HTTP server on %s", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// setupMiddleware configures middleware
func (s *HTTPServer) setupMiddleware() {
	s.router.Use(middleware.RequestID())

	s.router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency":    time.Since(start).String(),
			"request_id": middleware.GetRequestID(c),
		}).Debug("HTTP request")
	})

	s.router.Use(gin.Recovery())

	// CORS middleware
	s.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-Client-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})
}

// setupRoutes configures all API routes
func (s *HTTPServer) setupRoutes() {
	tokens := s.container.GetJWTManager()
	systemHandler := handlers.NewSystemHandler(s.container)

	// Health check endpoint (no auth required)
	s.router.GET("/health", systemHandler.Health)

	// Downloaded files, addressed by the URLs the playback gateway hands out
	offline := s.router.Group("/offline", middleware.AuthRequired(tokens))
	offline.Static("/", s.container.GetStorage().Root())

	v1 := s.router.Group("/api/v1")
	v1.Use(middleware.AuthRequired(tokens))

	v1.GET("/ws", systemHandler.WebSocket)
	v1.GET("/scheduler/stats", systemHandler.SchedulerStats)

	downloadHandler := handlers.NewDownloadHandler(s.container)
	downloadGroup := v1.Group("/downloads")
	{
		downloadGroup.POST("", downloadHandler.RequestDownload)
		downloadGroup.GET("", downloadHandler.ListDownloads)
		downloadGroup.DELETE("/:id", downloadHandler.DeleteDownload)
	}

	queueGroup := v1.Group("/queue")
	{
		queueGroup.GET("", downloadHandler.ListQueues)
		queueGroup.GET("/:id", downloadHandler.GetQueue)
		queueGroup.POST("/:id/pause", downloadHandler.PauseQueue)
		queueGroup.POST("/:id/resume", downloadHandler.ResumeQueue)
		queueGroup.DELETE("/:id", downloadHandler.CancelQueue)
	}

	playbackHandler := handlers.NewPlaybackHandler(s.container)
	deviceGroup := v1.Group("/devices/:device_id")
	{
		deviceGroup.GET("/storage", downloadHandler.GetStorageInfo)
		deviceGroup.POST("/enforce", downloadHandler.EnforceQuota)
		deviceGroup.PUT("/network", downloadHandler.ReportNetwork)
		deviceGroup.POST("/verify", playbackHandler.VerifyDevice)
		deviceGroup.GET("/songs/:song_id/play", playbackHandler.Resolve)
	}

	syncHandler := handlers.NewSyncHandler(s.container)
	syncGroup := v1.Group("/sync")
	{
		syncGroup.POST("", syncHandler.Sync)
		syncGroup.GET("/report", syncHandler.GetReport)
		syncGroup.PUT("/auto", syncHandler.EnableAutoSync)
		syncGroup.DELETE("/auto/:device_id", syncHandler.DisableAutoSync)
	}

	smartHandler := handlers.NewSmartHandler(s.container)
	smartGroup := v1.Group("/smart")
	{
		smartGroup.GET("/predictions", smartHandler.GetPredictions)
		smartGroup.POST("/downloads", smartHandler.RunSmartDownload)
		smartGroup.GET("/settings", smartHandler.GetSettings)
		smartGroup.PUT("/settings", smartHandler.UpdateSettings)
	}
}

package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fabienpiette/tunevault/internal/analytics"
	"github.com/fabienpiette/tunevault/internal/auth"
	"github.com/fabienpiette/tunevault/internal/config"
	"github.com/fabienpiette/tunevault/internal/database"
	"github.com/fabienpiette/tunevault/internal/devicesync"
	"github.com/fabienpiette/tunevault/internal/downloads"
	"github.com/fabienpiette/tunevault/internal/media"
	"github.com/fabienpiette/tunevault/internal/playback"
	"github.com/fabienpiette/tunevault/internal/prediction"
	"github.com/fabienpiette/tunevault/internal/quota"
	"github.com/fabienpiette/tunevault/internal/recommendations"
	"github.com/fabienpiette/tunevault/internal/redis"
	"github.com/fabienpiette/tunevault/internal/repositories"
	"github.com/fabienpiette/tunevault/internal/storage"
)

const progressBuffer = 256

// pinger is implemented by stores that can report their own health
type pinger interface {
	Health(ctx context.Context) error
}

// Container holds all the application services and manages their lifecycle
type Container struct {
	// Configuration
	config *config.Config
	logger *logrus.Logger

	// Infrastructure
	db *database.DB
	kv redis.Store

	// Repositories
	queueRepo        repositories.QueueRepository
	downloadRepo     repositories.DownloadRepository
	catalogRepo      repositories.CatalogRepository
	subscriptionRepo repositories.SubscriptionRepository
	listeningRepo    repositories.ListeningRepository
	analyticsRepo    repositories.AnalyticsRepository

	// Core Services
	storage          *storage.LocalGateway
	recorder         *analytics.Recorder
	events           *downloads.EventBus
	scheduler        *downloads.Scheduler
	downloadService  *downloads.Service
	enforcer         *quota.Enforcer
	syncEngine       *devicesync.Engine
	predictionEngine *prediction.Engine
	playbackGateway  *playback.Gateway

	// Auth Services
	jwtManager *auth.JWTManager

	// WebSocket hub for real-time updates
	wsHub       *WebSocketHub
	unsubscribe func()

	// Lifecycle management
	startedAt time.Time
	started   bool
	wg        sync.WaitGroup
	mu        sync.Mutex
}

// NewContainer creates a new service container
func NewContainer(db *database.DB, kv redis.Store, cfg *config.Config, logger *logrus.Logger) (*Container, error) {
	container := &Container{
		config: cfg,
		logger: logger,
		db:     db,
		kv:     kv,
	}

	container.initializeRepositories()

	if err := container.initializeCoreServices(); err != nil {
		return nil, err
	}

	container.jwtManager = auth.NewJWTManager(cfg.Auth)
	container.wsHub = NewWebSocketHub(logger)

	return container, nil
}

// initializeRepositories creates all repository instances
func (c *Container) initializeRepositories() {
	c.queueRepo = repositories.NewQueueRepository(c.db.DB)
	c.downloadRepo = repositories.NewDownloadRepository(c.db.DB)
	c.catalogRepo = repositories.NewCatalogRepository(c.db.DB)
	c.subscriptionRepo = repositories.NewSubscriptionRepository(c.db.DB)
	c.listeningRepo = repositories.NewListeningRepository(c.db.DB)
	c.analyticsRepo = repositories.NewAnalyticsRepository(c.db.DB)

	c.logger.Info("Repositories initialized")
}

// initializeCoreServices creates the engines in dependency order
func (c *Container) initializeCoreServices() error {
	cfg := c.config

	gateway, err := storage.NewLocalGateway(cfg.Storage, time.Duration(cfg.Downloads.Timeout)*time.Second, c.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	c.storage = gateway

	mediaClient := media.NewClient(cfg.Media, c.logger)
	recommender := recommendations.NewClient(cfg.Recommendations, c.logger)

	c.recorder = analytics.NewRecorder(c.analyticsRepo, 0, c.logger)
	c.events = downloads.NewEventBus()

	executor := downloads.NewExecutor(
		c.queueRepo,
		c.downloadRepo,
		c.catalogRepo,
		mediaClient,
		c.storage,
		c.events,
		c.recorder,
		cfg,
		c.logger,
	)
	c.scheduler = downloads.NewScheduler(c.queueRepo, executor, cfg.Downloads, c.logger)

	c.enforcer = quota.NewEnforcer(c.downloadRepo, c.subscriptionRepo, c.storage, c.recorder, cfg.Quota, c.logger)
	c.scheduler.OnFinished(c.enforcer.AfterQueue)

	c.downloadService = downloads.NewService(
		c.queueRepo,
		c.downloadRepo,
		c.catalogRepo,
		c.enforcer,
		c.scheduler,
		c.storage,
		c.kv,
		c.recorder,
		cfg,
		c.logger,
	)

	c.syncEngine = devicesync.NewEngine(
		c.downloadRepo,
		c.enforcer,
		c.downloadService,
		c.downloadService,
		c.kv,
		c.recorder,
		cfg.Sync,
		c.logger,
	)

	c.predictionEngine = prediction.NewEngine(
		c.downloadRepo,
		c.listeningRepo,
		c.catalogRepo,
		recommender,
		c.enforcer,
		c.downloadService,
		c.kv,
		c.recorder,
		cfg.Smart,
		c.logger,
	)

	c.playbackGateway = playback.NewGateway(
		c.downloadRepo,
		c.listeningRepo,
		c.catalogRepo,
		c.storage,
		c.recorder,
		cfg.Playback,
		c.logger,
	)

	c.logger.Info("Core services initialized")
	return nil
}

// Start starts all background services
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}

	c.logger.Info("Starting service container")

	c.recorder.Start()

	events, unsubscribe := c.events.Subscribe(progressBuffer)
	c.unsubscribe = unsubscribe
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.wsHub.Run(events)
	}()

	if err := c.scheduler.Start(ctx); err != nil {
		c.wsHub.Stop()
		unsubscribe()
		c.wg.Wait()
		c.recorder.Stop()
		return fmt.Errorf("failed to start download scheduler: %w", err)
	}

	c.enforcer.Start(ctx)
	c.playbackGateway.Start(ctx)

	restored, err := c.syncEngine.RestoreAutoSync(ctx)
	if err != nil {
		c.logger.Warnf("Failed to restore auto-sync schedules: %v", err)
	} else if restored > 0 {
		c.logger.Infof("Restored %d auto-sync schedules", restored)
	}

	c.startedAt = time.Now()
	c.started = true
	c.logger.Info("Service container started successfully")
	return nil
}

// Stop gracefully stops all services
func (c *Container) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return
	}

	c.logger.Info("Stopping service container")

	c.syncEngine.Stop()
	c.playbackGateway.Stop()
	c.enforcer.Stop()
	c.scheduler.Stop()

	c.wsHub.Stop()
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.wg.Wait()

	c.recorder.Stop()

	c.started = false
	c.logger.Info("Service container stopped")
}

// RunTask runs fn for a one-shot command. Only the analytics recorder runs;
// the scheduler is halted first, so queue items created by fn stay PENDING
// until a server picks them up.
func (c *Container) RunTask(ctx context.Context, fn func(ctx context.Context) error) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("container is already serving")
	}
	c.mu.Unlock()

	c.scheduler.Stop()
	c.recorder.Start()
	defer c.recorder.Stop()

	return fn(ctx)
}

// GetDownloadService returns the download intake service
func (c *Container) GetDownloadService() *downloads.Service {
	return c.downloadService
}

// GetScheduler returns the queue scheduler
func (c *Container) GetScheduler() *downloads.Scheduler {
	return c.scheduler
}

// GetQuotaEnforcer returns the storage quota enforcer
func (c *Container) GetQuotaEnforcer() *quota.Enforcer {
	return c.enforcer
}

// GetSyncEngine returns the multi-device sync engine
func (c *Container) GetSyncEngine() *devicesync.Engine {
	return c.syncEngine
}

// GetPredictionEngine returns the smart download engine
func (c *Container) GetPredictionEngine() *prediction.Engine {
	return c.predictionEngine
}

// GetPlaybackGateway returns the offline playback gateway
func (c *Container) GetPlaybackGateway() *playback.Gateway {
	return c.playbackGateway
}

// GetStorage returns the local file storage gateway
func (c *Container) GetStorage() *storage.LocalGateway {
	return c.storage
}

// GetJWTManager returns the JWT manager
func (c *Container) GetJWTManager() *auth.JWTManager {
	return c.jwtManager
}

// GetWebSocketHub returns the WebSocket hub
func (c *Container) GetWebSocketHub() *WebSocketHub {
	return c.wsHub
}

// GetLogger returns the logger instance
func (c *Container) GetLogger() *logrus.Logger {
	return c.logger
}

// GetConfig returns the configuration
func (c *Container) GetConfig() *config.Config {
	return c.config
}

// HealthCheck performs a health check on all services
func (c *Container) HealthCheck(ctx context.Context) map[string]interface{} {
	status := "healthy"
	services := map[string]interface{}{}

	if err := c.db.PingContext(ctx); err != nil {
		services["database"] = map[string]interface{}{"status": "unhealthy", "error": err.Error()}
		status = "degraded"
	} else {
		services["database"] = map[string]interface{}{"status": "healthy"}
	}

	if p, ok := c.kv.(pinger); ok {
		if err := p.Health(ctx); err != nil {
			services["redis"] = map[string]interface{}{"status": "unhealthy", "error": err.Error()}
			status = "degraded"
		} else {
			services["redis"] = map[string]interface{}{"status": "healthy"}
		}
	}

	stats := c.scheduler.Stats()
	services["scheduler"] = map[string]interface{}{
		"status": "healthy",
		"stats":  stats,
	}
	services["websocket"] = map[string]interface{}{
		"status":  "healthy",
		"clients": c.wsHub.GetClientCount(),
	}

	health := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  services,
	}

	c.mu.Lock()
	if c.started {
		health["uptime"] = time.Since(c.startedAt).Round(time.Second).String()
	}
	c.mu.Unlock()

	return health
}

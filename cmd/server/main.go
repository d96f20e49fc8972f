package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tullo/simulcast/config"
	"github.com/tullo/simulcast/internal/auth"
	"github.com/tullo/simulcast/internal/broadcast"
	"github.com/tullo/simulcast/internal/cache"
	"github.com/tullo/simulcast/internal/database"
	"github.com/tullo/simulcast/internal/handlers"
	"github.com/tullo/simulcast/internal/logging"
	"github.com/tullo/simulcast/internal/middleware"
	"github.com/tullo/simulcast/internal/models"
	"github.com/tullo/simulcast/internal/provider"
	"github.com/tullo/simulcast/internal/provider/rtmp"
	"github.com/tullo/simulcast/internal/provider/twitch"
	"github.com/tullo/simulcast/internal/provider/youtube"
	"github.com/tullo/simulcast/internal/repository"
	"github.com/tullo/simulcast/internal/scheduler"
	"github.com/tullo/simulcast/internal/websocket"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Server.Env, cfg.Logging.Level, "simulcast")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to database
	db, err := database.NewPostgresDB(cfg.GetDSN())
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Run migrations
	if err := database.RunMigrations(db.DB, logger); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	// Connect to Redis
	var redis *cache.RedisClient
	if cfg.Redis.Enabled {
		redis, err = cache.NewRedisClient(ctx, cfg.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("running without redis, ticks and live comments stay in this process", zap.Error(err))
			redis = nil
		} else {
			defer redis.Close()
		}
	}

	// Initialize services
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpiryHours)

	var sealer auth.Sealer = auth.NoopSealer{}
	if cfg.Broadcast.CredentialKey != "" {
		sealer, err = auth.NewSealer(cfg.Broadcast.CredentialKey)
		if err != nil {
			logger.Fatal("failed to create credential sealer", zap.Error(err))
		}
	} else {
		logger.Warn("CREDENTIAL_KEY not set, provider credentials are stored unencrypted")
	}

	registry := newRegistry(cfg, logger)

	// Initialize repositories
	channelRepo := repository.NewChannelRepository(db)
	templateRepo := repository.NewTemplateRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	commentRepo := repository.NewCommentRepository(db)

	clock := clockwork.NewRealClock()
	hub := websocket.NewHub(redis, logger)

	// With redis, ticks survive restarts and comments reach every replica
	var (
		sched    scheduler.Scheduler
		notifier broadcast.Notifier
	)
	if redis != nil {
		sched = scheduler.NewRedis(redis.GetClient(), clock, logger)
		notifier = redis
	} else {
		sched = scheduler.NewMemory(clock, logger)
		notifier = hub
	}

	credentials := broadcast.NewCredentials(channelRepo, sealer, logger)
	retry := broadcast.RetryConfig{
		MaxRetries: cfg.Broadcast.AdapterMaxRetries,
		Timeout:    cfg.Broadcast.AdapterTimeout,
	}
	poller := broadcast.NewPoller(sessionRepo, commentRepo, credentials, registry, sched, notifier, clock, logger, broadcast.PollerConfig{
		Interval:     cfg.Broadcast.PollInterval,
		FetchTimeout: cfg.Broadcast.AdapterTimeout,
		Concurrency:  cfg.Broadcast.FanoutConcurrency,
	})
	orchestrator := broadcast.NewOrchestrator(templateRepo, sessionRepo, credentials, registry, poller, notifier, clock, logger, broadcast.OrchestratorConfig{
		FanoutConcurrency: cfg.Broadcast.FanoutConcurrency,
		Retry:             retry,
	})
	feed := broadcast.NewFeed(sessionRepo, commentRepo, cfg.Broadcast.CommentPageSize)

	if err := poller.Resume(ctx); err != nil {
		logger.Error("failed to resume comment polling", zap.Error(err))
	}
	go func() {
		if err := sched.Run(ctx, poller.Handle); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", zap.Error(err))
		}
	}()
	go hub.Run(ctx)

	// Initialize handlers
	authHandler := handlers.NewAuthHandler()
	streamHandler := handlers.NewStreamHandler(orchestrator, feed, logger)
	templateHandler := handlers.NewTemplateHandler(templateRepo, channelRepo, logger)
	channelHandler := handlers.NewChannelHandler(channelRepo, registry, sealer, logger)
	wsHandler := websocket.NewHandler(hub, jwtService, orchestrator, cfg.CORS.AllowedOrigins, logger)

	// Initialize rate limiter
	rateLimiter := middleware.NewRateLimiter(cfg.API.RateLimitRequestsPerSec, redis, logger)
	rateLimiter.Cleanup(ctx, 10*time.Minute)

	// Setup Gin router
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Middleware
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORSMiddleware(cfg.CORS.AllowedOrigins))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Browsers cannot set headers on a websocket upgrade, the token comes in
	// the query
	router.GET("/streams/broadcasts/:sessionId/ws", wsHandler.HandleWebSocket)

	// Protected routes
	api := router.Group("/streams")
	api.Use(middleware.AuthMiddleware(jwtService))
	api.Use(middleware.RateLimitMiddleware(rateLimiter))
	{
		api.GET("/me", authHandler.GetMe)

		// Channel routes
		api.POST("/channels/oauth-url", channelHandler.OAuthURL)
		api.POST("/channels", channelHandler.CreateChannel)
		api.GET("/channels", channelHandler.GetChannels)
		api.DELETE("/channels/:id", channelHandler.DeleteChannel)

		// Template routes
		api.POST("/templates", templateHandler.CreateTemplate)
		api.GET("/templates", templateHandler.GetTemplates)
		api.GET("/templates/:id", templateHandler.GetTemplate)
		api.DELETE("/templates/:id", templateHandler.DeleteTemplate)

		// Broadcast routes
		api.POST("/templates/:id/go-live", streamHandler.GoLive)
		api.POST("/templates/:id/stop-egress", streamHandler.StopEgress)
		api.GET("/broadcasts/:sessionId", streamHandler.GetSession)
		api.GET("/broadcasts/:sessionId/comments", streamHandler.GetComments)
	}

	// Start server
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting simulcast server",
			zap.String("addr", srv.Addr),
			zap.String("env", cfg.Server.Env),
			zap.Bool("redis", redis != nil),
			zap.Any("providers", registry.Providers()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// newRegistry registers the providers that are configured. RTMP needs no
// application credentials and is always available.
func newRegistry(cfg *config.Config, logger *zap.Logger) *provider.Registry {
	registry := provider.NewRegistry()

	if cfg.YouTube.ClientID != "" {
		registry.Register(models.ProviderYouTube, youtube.New(youtube.Config{
			ClientID:     cfg.YouTube.ClientID,
			ClientSecret: cfg.YouTube.ClientSecret,
			RedirectURL:  cfg.YouTube.RedirectURL,
		}))
	} else {
		logger.Info("youtube disabled, YOUTUBE_CLIENT_ID not set")
	}

	if cfg.Twitch.ClientID != "" {
		registry.Register(models.ProviderTwitch, twitch.New(twitch.Config{
			ClientID:     cfg.Twitch.ClientID,
			ClientSecret: cfg.Twitch.ClientSecret,
			RedirectURL:  cfg.Twitch.RedirectURL,
			IngestURL:    cfg.Twitch.IngestURL,
		}))
	} else {
		logger.Info("twitch disabled, TWITCH_CLIENT_ID not set")
	}

	registry.Register(models.ProviderRTMP, rtmp.New())
	return registry
}

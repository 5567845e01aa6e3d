package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/skoolo/messaging-api/api/swagger"
	"github.com/skoolo/messaging-api/internal/handler"
	"github.com/skoolo/messaging-api/internal/middleware"
	"github.com/skoolo/messaging-api/internal/models"
	"github.com/skoolo/messaging-api/internal/realtime"
	"github.com/skoolo/messaging-api/internal/repository"
	"github.com/skoolo/messaging-api/internal/service"
	"github.com/skoolo/messaging-api/pkg/cache"
	"github.com/skoolo/messaging-api/pkg/config"
	"github.com/skoolo/messaging-api/pkg/database"
	"github.com/skoolo/messaging-api/pkg/jobs"
	"github.com/skoolo/messaging-api/pkg/logger"
	corsmiddleware "github.com/skoolo/messaging-api/pkg/middleware/cors"
	reqidmiddleware "github.com/skoolo/messaging-api/pkg/middleware/requestid"
	"github.com/skoolo/messaging-api/pkg/storage"
)

// @title Skoolo Messaging API
// @version 1.0.0
// @description School messaging backend: eligibility-gated conversations, message feed and realtime broadcast
// @BasePath /
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, presence disabled", "error", err)
		redisClient = nil
	}

	attachmentStore, err := storage.NewLocalStorage(cfg.Attachments.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init attachment storage", "error", err)
	}
	attachmentSigner := storage.NewSignedURLSigner(cfg.Attachments.SignedURLSecret, cfg.Attachments.SignedURLTTL)

	// Repositories.
	userRepo := repository.NewUserRepository(db)
	conversationRepo := repository.NewConversationRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	assignmentRepo := repository.NewTeacherAssignmentRepository(db)
	guardianshipRepo := repository.NewGuardianshipRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	// Observability and realtime fan-out.
	metricsSvc := service.NewMetricsService()
	hub := realtime.NewHub(logr, metricsSvc)
	broadcastQueue := jobs.NewQueue("chat-broadcast", realtime.NewBroadcastHandler(hub, logr), jobs.QueueConfig{
		Workers:    cfg.Chat.BroadcastWorkers,
		BufferSize: cfg.Chat.BroadcastQueueSize,
		MaxRetries: cfg.Chat.BroadcastRetries,
		Logger:     logr,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broadcastQueue.Start(ctx)
	defer broadcastQueue.Stop()

	// Services.
	authService := service.NewAuthService(userRepo, nil, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "skoolo-messaging-api",
		Audience:           []string{"skoolo"},
	})
	eligibilityService := service.NewEligibilityService(assignmentRepo, guardianshipRepo, logr)
	presenceService := service.NewPresenceService(redisClient, cfg.Chat.PresenceTTL, logr)
	conversationService := service.NewConversationService(
		conversationRepo, userRepo, messageRepo,
		eligibilityService, assignmentRepo, guardianshipRepo,
		presenceService, cacheRepo, cfg.Chat.ContactCacheTTL, userRepo, nil, logr,
	)
	userService := service.NewUserService(userRepo, nil, logr)
	messageService := service.NewMessageService(
		messageRepo, conversationRepo, userRepo,
		attachmentStore, attachmentSigner, broadcastQueue, metricsSvc,
		nil, logr,
	)

	// Handlers.
	authHandler := handler.NewAuthHandler(authService)
	conversationHandler := handler.NewConversationHandler(conversationService)
	messageHandler := handler.NewMessageHandler(messageService)
	wsHandler := handler.NewWSHandler(hub, conversationService, messageService, presenceService, authService, logr)
	attachmentHandler := handler.NewAttachmentHandler(attachmentStore, attachmentSigner, logr)
	userHandler := handler.NewUserHandler(userService)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))
	r.Use(middleware.WithResponseMeta())
	r.MaxMultipartMemory = cfg.Attachments.MaxFileSizeBytes

	r.GET("/health", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/forgot-password", authHandler.ForgotPassword)
		auth.POST("/reset-password", authHandler.ResetPassword)

		protected := auth.Group("", middleware.JWT(authService))
		protected.POST("/logout", authHandler.Logout)
		protected.POST("/change-password", authHandler.ChangePassword)
		protected.GET("/me", authHandler.Me)
	}

	chat := api.Group("/chat", middleware.JWT(authService))
	{
		chat.GET("/contacts", conversationHandler.Contacts)
		chat.GET("/conversations", conversationHandler.List)
		chat.POST("/conversations/direct", conversationHandler.CreateDirect)
		chat.POST("/conversations/group", conversationHandler.CreateGroup)
		chat.GET("/conversations/:id", conversationHandler.Get)
		chat.GET("/conversations/:id/messages", messageHandler.History)
		chat.GET("/conversations/:id/unread", messageHandler.Unread)
		chat.POST("/messages", messageHandler.Send)
		chat.POST("/messages/:id/read", messageHandler.MarkRead)
	}

	users := api.Group("/users", middleware.JWT(authService), middleware.RBAC("ADMIN"))
	{
		users.GET("", userHandler.List)
		users.GET("/:id", userHandler.Get)
		users.POST("", userHandler.Create)
		users.PUT("/:id", userHandler.Update)
		users.DELETE("/:id", userHandler.Delete)
	}

	// Websocket auth falls back to a token query parameter, so the strict
	// header middleware does not guard this route.
	api.GET("/chat/conversations/:id/ws", middleware.OptionalJWT(authService), wsHandler.Connect)

	// Signed tokens are the credential for downloads. The audit middleware
	// still records who fetched what when a JWT happens to be present.
	api.GET("/attachments/:token",
		middleware.Audit(userRepo, models.AuditActionAttachmentDownload, "attachments"),
		attachmentHandler.Download)

	if cfg.Exports.Enabled {
		exportStore, err := storage.NewLocalStorage(cfg.Exports.StorageDir)
		if err != nil {
			logr.Sugar().Fatalw("failed to init export storage", "error", err)
		}
		exportSigner := storage.NewSignedURLSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL)
		exportService := service.NewExportService(
			conversationRepo, messageRepo, userRepo,
			exportStore, exportSigner, userRepo,
			service.ExportConfig{APIPrefix: cfg.APIPrefix, ResultTTL: cfg.Exports.ResultTTL},
			nil, logr,
		)
		exportHandler := handler.NewExportHandler(exportService, logr)

		api.POST("/chat/exports", middleware.JWT(authService), middleware.RBAC("ADMIN"), exportHandler.Export)
		api.GET("/chat/exports/:token",
			middleware.Audit(userRepo, models.AuditActionTranscriptDownload, "chat_exports"),
			exportHandler.Download)

		go cleanupExports(ctx, exportService, cfg.Exports.CleanupInterval, logr.Sugar())
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}

func cleanupExports(ctx context.Context, svc *service.ExportService, interval time.Duration, logr *zap.SugaredLogger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := svc.Cleanup(0)
			if err != nil {
				logr.Warnw("export cleanup failed", "error", err)
				continue
			}
			if len(removed) > 0 {
				logr.Infow("export cleanup removed files", "count", len(removed))
			}
		}
	}
}

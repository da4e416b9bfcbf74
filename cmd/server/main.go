// Package main runs the kiosk relay: WebSocket pairing of tablet and phone plus video handoff.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-kiosk/backend/config"
	"github.com/aura-kiosk/backend/internal/cluster"
	"github.com/aura-kiosk/backend/internal/handoff"
	"github.com/aura-kiosk/backend/internal/middleware"
	"github.com/aura-kiosk/backend/internal/realtime"
	"github.com/aura-kiosk/backend/internal/registry"
	"github.com/aura-kiosk/backend/internal/relay"
	"github.com/aura-kiosk/backend/pkg/database"
	"github.com/aura-kiosk/backend/pkg/redis"
	"github.com/aura-kiosk/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Session.Generated {
		logger.Warn("SESSION_SECRET not set; using a generated secret, session tokens will not survive a restart")
	}

	ctx := context.Background()
	store, err := storage.NewS3(ctx, storage.S3Config{
		Endpoint:        cfg.Storage.Endpoint,
		Region:          cfg.Storage.Region,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		Bucket:          cfg.Storage.Bucket,
		PublicURL:       cfg.Storage.PublicURL,
	}, logger)
	if err != nil {
		logger.Fatal("object store", zap.Error(err))
	}

	// Session routing
	reg := registry.New()
	hub := realtime.NewHub(logger)
	tokens := relay.NewTokenService(cfg.Session.Secret, cfg.Session.TokenTTL)
	router := relay.NewRouter(reg, hub, tokens, cfg.Session.Timeout, logger)
	hub.SetDispatcher(router)

	// Cross-instance presence (optional)
	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()

		dir := cluster.NewDirectory(rdb.Client, cfg.Redis.InstanceID, cluster.DefaultPresenceTTL, logger)
		unsubscribe, err := dir.Subscribe(ctx, router.HandleDelivery)
		if err != nil {
			logger.Fatal("cluster subscribe", zap.Error(err))
		}
		defer unsubscribe()
		router.SetDirectory(dir)
		logger.Info("cluster routing enabled", zap.Stringer("directory", dir))
	}

	// Artifact handoff; the catalog is optional
	handoffSvc := handoff.NewService(store, cfg.Upload.PublicBaseURL, logger)
	if cfg.Database.URL != "" {
		pool, err := database.NewPostgresPool(ctx, cfg.Database.URL, logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		handoffSvc.SetCatalog(handoff.NewRepository(pool))
	}
	handoffHandler := handoff.NewHandler(handoffSvc, cfg.Upload.MaxUploadBytes(), logger)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	engine.Use(middleware.Logger(logger))

	// Health
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
			"devices":     reg.Count(),
			"connections": hub.Count(),
			"sessions":    router.ActiveSessions(),
		})
	})

	// API
	handoffHandler.Register(engine.Group("/api"))

	// WebSocket
	engine.GET("/ws", realtime.ServeWs(hub, realtime.NewUpgrader(cfg.Server.AllowedOrigins), logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      engine,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening",
			zap.String("port", cfg.Server.Port),
			zap.Strings("allowed_origins", cfg.Server.AllowedOrigins),
			zap.String("bucket", cfg.Storage.Bucket),
			zap.Duration("session_timeout", cfg.Session.Timeout),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	hub.Close()
	router.Close()
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}

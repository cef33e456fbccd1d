package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go-dm-relay/internal/api"
	"go-dm-relay/internal/cache"
	"go-dm-relay/internal/media"
	"go-dm-relay/internal/metrics"
	"go-dm-relay/internal/middleware"
	"go-dm-relay/internal/pipeline"
	"go-dm-relay/internal/repository"
	"go-dm-relay/internal/service"
	"go-dm-relay/internal/storage"
	"go-dm-relay/internal/websocket"
	"go-dm-relay/pkg/config"
	"go-dm-relay/pkg/db"
	"go-dm-relay/pkg/logger"
	"go-dm-relay/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// .env 可选，缺失时只用环境变量和配置文件
	_ = godotenv.Load()

	// 初始化配置
	if err := config.Init(); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := config.GlobalConfig

	if err := logger.InitLogger(cfg.Log.Level, cfg.Log.Production); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	if cfg.Log.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化数据库连接
	gdb, err := db.Open(cfg.Database)
	if err != nil {
		logger.L.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close(gdb)

	store := openCache(ctx, cfg.Redis)

	hub, err := websocket.CreateHub(cfg.Messaging, nil)
	if err != nil {
		logger.L.Fatal("Failed to create hub", zap.Error(err))
	}
	notifier := websocket.NewNotifier(hub)

	tasks := utils.NewTaskGroup(5 * time.Second)
	users := repository.NewUserRepository(gdb)
	messages := repository.NewMessageRepository(gdb)
	msgSvc := service.NewMessageService(messages, users, store, notifier, tasks, cfg.Message)
	convSvc := service.NewConversationService(messages, cfg.Message)
	hub.SetEventHandler(msgSvc)

	uploader, closeStorage, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		logger.L.Fatal("Failed to initialize blob storage", zap.Error(err))
	}

	limits := media.NewLimits(cfg.Media)
	validator := media.NewValidator(limits)
	dispatcher := newTranscodeDispatcher(cfg.Messaging)
	p := pipeline.New(messages, validator, media.NewProcessors(limits), uploader, dispatcher, notifier, cfg.Media)
	p.Start()

	mediaHandler := api.NewMediaHandler(msgSvc, p, validator)
	backend := uploader
	if b, ok := backend.(*storage.BreakerUploader); ok {
		backend = b.Unwrap()
	}
	switch u := backend.(type) {
	case *storage.LocalUploader:
		mediaHandler.WithLocalFiles(u)
	case *storage.GridFSUploader:
		mediaHandler.WithGridFS(u)
	}

	limiter := middleware.NewUserRateLimiter(cfg.RateLimit)
	go limiter.Run(ctx.Done())

	sqlDB, err := gdb.DB()
	if err != nil {
		logger.L.Fatal("Failed to access database handle", zap.Error(err))
	}
	router := api.NewRouter(api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Tokens:         utils.NewTokenParser(cfg.JWT.Secret),
		Messages:       api.NewMessageHandler(msgSvc, convSvc),
		Media:          mediaHandler,
		WS:             api.NewWSHandler(hub, msgSvc, websocket.NewClientOptions(cfg.WebSocket), cfg.Server.AllowedOrigins),
		ChunkLimiter:   limiter,
		Checks: map[string]api.HealthCheck{
			"database": sqlDB.PingContext,
			"cache":    store.Ping,
		},
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.L.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.L.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 先停止接收请求，再排空媒体队列和后台任务
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("HTTP server shutdown", zap.Error(err))
	}
	if err := hub.Close(); err != nil {
		logger.L.Warn("Hub close", zap.Error(err))
	}
	if err := p.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("Media pipeline shutdown", zap.Error(err))
	}
	tasks.Wait()
	if err := dispatcher.Close(); err != nil {
		logger.L.Warn("Transcode dispatcher close", zap.Error(err))
	}
	if err := closeStorage(shutdownCtx); err != nil {
		logger.L.Warn("Blob storage close", zap.Error(err))
	}
	if rc, ok := store.(*cache.RedisCache); ok {
		_ = rc.Close()
	}
	logger.L.Info("Server stopped")
}

// openCache connects to Redis. An unreachable server is not fatal: the client keeps
// reconnecting and every read falls back to the store until it answers.
func openCache(ctx context.Context, cfg config.RedisConfig) cache.Store {
	if !cfg.Enabled {
		logger.L.Info("Redis disabled, running without cache")
		return cache.Disabled{}
	}
	rc, err := cache.NewRedis(ctx, cfg)
	if err != nil {
		logger.L.Warn("Redis unreachable at startup, continuing degraded", zap.String("addr", cfg.Addr), zap.Error(err))
	}
	return rc
}

func newTranscodeDispatcher(cfg config.MessagingConfig) media.TranscodeDispatcher {
	if cfg.Provider != "kafka" {
		return media.LogDispatcher{}
	}
	d, err := media.NewKafkaTranscodeDispatcher(cfg.Kafka)
	if err != nil {
		logger.L.Warn("Kafka transcode dispatcher unavailable, logging requests instead", zap.Error(err))
		return media.LogDispatcher{}
	}
	return d
}

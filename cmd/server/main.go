package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"attendance/internal/attendance"
	"attendance/internal/cache"
	"attendance/internal/config"
	"attendance/internal/handlers"
	"attendance/internal/middleware"
	"attendance/internal/remote"
	"attendance/internal/session"
	"attendance/internal/store"
	"attendance/internal/swr"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Configure logger
	logger, err := setupLogger(&cfg.Logger)
	if err != nil {
		fmt.Printf("Failed to setup logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting attendance server",
		zap.String("address", cfg.Server.GetAddress()),
		zap.String("store", cfg.Store.Driver),
	)

	// Durable store backing cache and session
	kv, err := store.New(&cfg.Store, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer kv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := kv.Ping(ctx); err != nil {
		logger.Fatal("Store is not reachable", zap.Error(err))
	}

	sess := session.New(kv, logger)
	if err := sess.Load(ctx); err != nil {
		logger.Warn("Failed to restore session, starting unregistered", zap.Error(err))
	}

	expiring := cache.NewExpiringCache(kv, logger)
	revalidator := swr.NewRevalidator(expiring, logger)
	client := remote.NewClient(&cfg.Remote, logger)
	service := attendance.NewService(client, revalidator, sess, cfg.Cache, cfg.Scan.Cooldown, clock.New(), logger)

	// Warm caches at boot and whenever a new user registers
	appCtx, stopApp := context.WithCancel(context.Background())
	defer stopApp()

	go func() {
		if err := service.Warm(appCtx, sess.Name()); err != nil {
			logger.Debug("Boot warmup skipped", zap.Error(err))
		}
	}()
	stopFollowing := service.FollowSession(appCtx)
	defer stopFollowing()

	// Configure Gin
	if cfg.Logger.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS())

	handler := handlers.NewAttendanceHandler(service, kv, logger)
	handler.Register(router, middleware.RateLimiter(cfg.Scan.CheckinRate, cfg.Scan.CheckinBurst))

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		BaseContext: func(_ net.Listener) context.Context {
			return appCtx
		},
	}

	go func() {
		logger.Info("Server starting", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	// Ends open SSE streams and pending warmups
	stopApp()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// setupLogger configures the logger according to the configuration
func setupLogger(cfg *config.LoggerConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: cfg.Format,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{cfg.OutputPath},
		ErrorOutputPaths: []string{cfg.OutputPath},
	}

	return config.Build()
}

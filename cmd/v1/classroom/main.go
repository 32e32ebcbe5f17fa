package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/lecturehall/classroom/backend/go/internal/v1/api"
	"github.com/lecturehall/classroom/backend/go/internal/v1/config"
	"github.com/lecturehall/classroom/backend/go/internal/v1/health"
	"github.com/lecturehall/classroom/backend/go/internal/v1/hub"
	"github.com/lecturehall/classroom/backend/go/internal/v1/lectures"
	"github.com/lecturehall/classroom/backend/go/internal/v1/logging"
	"github.com/lecturehall/classroom/backend/go/internal/v1/middleware"
	"github.com/lecturehall/classroom/backend/go/internal/v1/ratelimit"
	"github.com/lecturehall/classroom/backend/go/internal/v1/registry"
	"github.com/lecturehall/classroom/backend/go/internal/v1/store"
	"github.com/lecturehall/classroom/backend/go/internal/v1/tracing"
	"github.com/lecturehall/classroom/backend/go/internal/v1/transport"
)

const serviceName = "classroom-backend"

func main() {
	// Load .env for local development. Try multiple paths to handle
	// different ways of running the binary; containers rely on real env.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	envPath := ""
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			envPath = path
			break
		}
	}

	development := os.Getenv("GO_ENV") == "development"
	if err := logging.Initialize(development); err != nil {
		panic(err)
	}
	ctx := context.Background()

	if envPath != "" {
		logging.Info(ctx, "Loaded environment file", zap.String("path", envPath))
	} else {
		logging.Warn(ctx, "No .env file found, relying on process environment")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		logging.Fatal(ctx, "Environment validation failed", zap.Error(err))
	}

	// Tracing is optional; without a collector the no-op provider stays.
	if cfg.TracingEndpoint != "" {
		tp, err := tracing.Init(ctx, serviceName, cfg.TracingEndpoint, cfg.DevelopmentMode())
		if err != nil {
			logging.Fatal(ctx, "Failed to initialize tracing", zap.Error(err))
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logging.Error(shutdownCtx, "Tracer provider shutdown failed", zap.Error(err))
			}
		}()
		logging.Info(ctx, "Tracing initialized", zap.String("collector", cfg.TracingEndpoint))
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		logging.Fatal(ctx, "Failed to open document store", zap.Error(err), zap.String("path", cfg.StorePath))
	}

	reg := registry.New()
	endpoint := transport.NewEndpoint(cfg.Origins())
	limiter := ratelimit.NewChatLimiter(int64(cfg.RateLimitMessages), cfg.RateLimitWindow)

	roomHub := hub.New(endpoint, reg, limiter, cfg)
	endpoint.SetHandler(roomHub)

	coordinator := lectures.New(st, reg, roomHub)
	coordinator.ResumeInProgressLectures(ctx)

	// Background room sweeper; stopped through runCtx on shutdown.
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	go roomHub.Run(runCtx)

	if !cfg.DevelopmentMode() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware(serviceName))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.Origins()
	router.Use(cors.New(corsConfig))

	router.GET("/ws", endpoint.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(st, roomHub)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	api.NewHandler(coordinator).Register(router.Group("/api/v1"))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Start the server in a goroutine so it doesn't block signal handling.
	go func() {
		logging.Info(ctx, "Server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Server failed", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop the sweeper, notify every client, then drain HTTP.
	stopRun()
	roomHub.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "Server forced to shutdown", zap.Error(err))
	}

	logging.Info(ctx, "Server exiting")
}

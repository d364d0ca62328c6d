package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/lumenmarket/storefront-chat/internal/v1/auth"
	"github.com/lumenmarket/storefront-chat/internal/v1/config"
	"github.com/lumenmarket/storefront-chat/internal/v1/health"
	"github.com/lumenmarket/storefront-chat/internal/v1/hub"
	"github.com/lumenmarket/storefront-chat/internal/v1/logging"
	"github.com/lumenmarket/storefront-chat/internal/v1/middleware"
	"github.com/lumenmarket/storefront-chat/internal/v1/ratelimit"
	"github.com/lumenmarket/storefront-chat/internal/v1/store"
	"github.com/lumenmarket/storefront-chat/internal/v1/tracing"
)

const serviceName = "storefront-chat"

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	// --- Tracing (Optional) ---
	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(context.Background(), serviceName, collectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracing, continuing without it", "error", err)
		} else {
			slog.Info("✅ Tracing initialized", "collector", collectorAddr)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	// --- State Persistence (Redis or in-memory) ---
	// Redis keeps chat state across restarts; the in-memory fallback means a
	// broken Redis never blocks chat entirely.
	var persist store.PersistStore
	var redisStore *store.RedisStore
	if cfg.RedisEnabled {
		redisStore, err = store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, falling back to in-memory state", "error", err)
			persist = store.NewMemoryStore()
		} else {
			slog.Info("✅ Redis state persistence initialized", "addr", cfg.RedisAddr)
			persist = redisStore
		}
	} else {
		slog.Info("Running with in-memory state (Redis disabled)")
		persist = store.NewMemoryStore()
	}

	// --- Rate Limiter ---
	var limiterRedis *redis.Client
	if redisStore != nil {
		limiterRedis = redisStore.Client()
	}
	rateLimiter, err := ratelimit.NewRateLimiter(cfg, limiterRedis)
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Hub ---
	baseCtx, baseCancel := context.WithCancel(context.Background())
	defer baseCancel()
	chatHub := hub.NewHub(baseCtx, cfg, persist)

	// --- Set up Server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	// Cors
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins(cfg.AllowedOrigins)
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", middleware.HeaderXCorrelationID)
	router.Use(cors.New(corsConfig))

	// Error handling
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware(serviceName))

	// Routing
	api := router.Group("/api/v1/chat")
	api.Use(auth.Middleware())
	api.Use(rateLimiter.GlobalMiddleware())
	chatHub.RegisterRoutes(api, rateLimiter)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(redisStore, cfg.BackendURL)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	// Start the server.
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("Chat API server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	// The context is used to inform the server it has 30 seconds to finish
	// the requests it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Close all session engines gracefully so pending state is persisted
	if err := chatHub.Shutdown(ctx); err != nil {
		slog.Error("Error during Hub shutdown:", "error", err)
	}

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	// Close Redis connection if it was initialized
	if redisStore != nil {
		if err := redisStore.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	slog.Info("Server exiting")
}

// allowedOrigins parses the comma-separated ALLOWED_ORIGINS value with a
// localhost default for development.
func allowedOrigins(raw string) []string {
	if raw == "" {
		return []string{"http://localhost:3000"}
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// Gorilla Builder orchestration server: boots sandboxes on demand, proxies
// preview traffic into them, and keeps file mutations durable through a
// write-ahead log.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/cache"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/config"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/db"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/dispatch"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/events"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/export"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/handlers"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/logging"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/middleware"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/sandbox"
	"github.com/gorillabuilder-code/Gorilla-builder-sub000/internal/wal"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logging.L().Info(".env file not found, using system environment")
	}
	defer logging.Sync()

	cfg := config.Load()
	log := logging.L()

	database, err := db.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal("database init failed", zap.Error(err))
	}
	defer database.Close()

	provider := sandbox.Detect(&cfg.Sandbox)
	manager := sandbox.NewManager(&cfg.Sandbox, provider)

	engine := wal.NewEngine(database.DB, manager)
	packager := export.NewPackager(database.DB, engine, &cfg.Export)

	sharedCache := cache.New(&cfg.Cache)
	defer sharedCache.Close()
	projectCache := cache.NewProjectCache(sharedCache, &cfg.Cache)

	bus := events.NewBus()
	go bus.Run()

	dispatcher := dispatch.NewDispatcher(database.DB, manager, projectCache)
	handler := handlers.New(database.DB, manager, engine, packager, bus, projectCache)

	router := setupRouter(cfg, handler, dispatcher, database)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server starting",
			zap.String("port", cfg.Port),
			zap.String("environment", cfg.Environment),
			zap.String("sandbox_provider", manager.Provider()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("http shutdown failed", zap.Error(err))
	}
	manager.StopAll(ctx)
	bus.Shutdown()
	log.Info("shutdown complete")
}

func setupRouter(cfg *config.Config, handler *handlers.Handler, dispatcher *dispatch.Dispatcher, database *db.Database) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(
		middleware.RequestID(),
		middleware.RequestLogger(),
		middleware.Recovery(),
		middleware.CORS(),
		middleware.Metrics(),
	)

	router.GET("/health", func(c *gin.Context) {
		if err := database.Health(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limiter := middleware.NewIPRateLimiter(20, 40)
	api := router.Group("/api", limiter.Middleware())
	handler.Register(api)

	// Public preview surface; per-project limiting happens inside.
	router.Any("/app/:project/*path", dispatcher.Handle)

	return router
}

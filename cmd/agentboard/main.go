// Package main is the entry point for the agentboard daemon. The single
// binary spawns the agent executors, warms the worker pool, recovers board
// state, and serves the WebSocket gateway plus a small HTTP API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/common/config"
	"github.com/agentboard/agentboard/internal/common/logger"
	"github.com/agentboard/agentboard/internal/daemon"
	"github.com/agentboard/agentboard/internal/events/bus"
	gateways "github.com/agentboard/agentboard/internal/gateway/websocket"
	"github.com/agentboard/agentboard/internal/kanban"
	"github.com/agentboard/agentboard/internal/tracing"
	"github.com/agentboard/agentboard/internal/workerpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := config.ApplyExecutorDefaults(&cfg.Executors, config.DefaultExecutorsPath()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load executor defaults: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agentboard...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Enabled {
		tracing.Enable(ctx)
		defer tracing.Shutdown(context.Background())
	}

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	store, err := kanban.OpenStore(cfg.Store, "claude", log)
	if err != nil {
		log.Fatal("Failed to open board store", zap.Error(err))
	}
	log.Info("Board store opened",
		zap.String("driver", cfg.Store.Driver), zap.String("path", cfg.Store.Path))

	pool := workerpool.New(cfg.WorkerPool, cfg.Executors.Claude, log)

	// The daemon survives transport reloads; the registration slot lets a
	// reloaded gateway re-acquire the running instance.
	d := daemon.Current()
	if d == nil {
		d = daemon.New(cfg, store, pool, eventBus, log)
		daemon.Register(d)
		if err := d.Start(ctx); err != nil {
			log.Fatal("Failed to start daemon", zap.Error(err))
		}
	}

	gateway := gateways.NewGateway(d, log)
	go gateway.Hub.Run(ctx)
	d.SetEventSink(gateway.Hub.Broadcast)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	gateway.SetupRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Server listening",
			zap.String("host", cfg.Server.Host), zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agentboard...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	d.Close()

	log.Info("agentboard stopped")
}

// corsMiddleware allows browser clients served from a different local port.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

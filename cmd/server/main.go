package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/frostdev-ops/pma-cache-engine/internal/api"
	"github.com/frostdev-ops/pma-cache-engine/internal/config"
	"github.com/frostdev-ops/pma-cache-engine/internal/core/engine"
	"github.com/frostdev-ops/pma-cache-engine/internal/websocket"
	"github.com/frostdev-ops/pma-cache-engine/pkg/logger"
	"github.com/frostdev-ops/pma-cache-engine/pkg/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./configs/config.yaml)")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Options{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		BatchSize: cfg.Logging.BatchSize,
	})
	log.WithField("version", version.GetVersion()).Info("Starting PMA cache engine")

	// Build and start the engine
	eng, err := engine.New(cfg, log.Logger, engine.Options{})
	if err != nil {
		log.WithError(err).Fatal("Failed to create cache engine")
	}
	if err := eng.Start(context.Background()); err != nil {
		log.WithError(err).Fatal("Failed to start cache engine")
	}

	// Create WebSocket hub; tabs receive bus events and report their connectivity
	hubCtx, stopHub := context.WithCancel(context.Background())
	wsHub := websocket.NewHub(cfg.WebSocket, eng.Recorder, log.Logger)
	wsHub.SetConnectivityReporter(eng.Connectivity)
	detach := wsHub.BridgeEvents(eng.Bus)
	go wsHub.Run(hubCtx)

	// Initialize router
	router, stopLimiter := api.NewRouter(cfg, eng, wsHub, log)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server
	go func() {
		log.Infof("Listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}
	stopLimiter()

	detach()
	stopHub()
	<-wsHub.Done()

	if err := eng.Stop(ctx); err != nil {
		log.WithError(err).Warn("Cache engine stopped with errors")
	}
	log.FlushPending()

	log.Info("Server exited")
}

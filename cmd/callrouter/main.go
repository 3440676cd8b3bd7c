package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sebas/callrouter/internal/banner"
	"github.com/sebas/callrouter/internal/logger"
	"github.com/sebas/callrouter/internal/router/app"
	"github.com/sebas/callrouter/internal/router/config"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Print startup banner
	banner.Print("CALL ROUTER", []banner.ConfigLine{
		{Label: "HTTP Listen", Value: cfg.HTTPAddr},
		{Label: "Backends", Value: cfg.BackendsPath},
		{Label: "Node ID", Value: cfg.NodeID},
		{Label: "Log Level", Value: cfg.LogLevel},
	})

	// Initialize logger
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	// Create router
	router, err := app.NewRouter(cfg)
	if err != nil {
		slog.Error("Failed to create call router", "error", err)
		os.Exit(1)
	}

	run(router, cfg)
}

func run(router *app.Router, cfg *config.Config) {
	slog.Info("Starting Call Router",
		"http", cfg.HTTPAddr,
		"node", cfg.NodeID,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel on signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("Received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := router.Start(ctx); err != nil {
		slog.Error("Router error", "error", err)
		os.Exit(1)
	}
}

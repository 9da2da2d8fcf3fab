// Command router is the nulpoint model routing server.
//
// It exposes OpenAI-compatible and Anthropic-compatible chat endpoints and
// dispatches each request to the best upstream provider for the requested
// model, based on per-link health, metrics, and the configured strategy.
//
// Configuration comes from environment variables (see .env.example);
// DATABASE_URL is the only required setting.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/model-router/internal/app"
	"github.com/nulpointcorp/model-router/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := buildLogger(cfg.Debug)
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		logger.Error("router stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// buildLogger constructs the shared JSON slog.Logger.
func buildLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "time/tzdata"

	"github.com/deusflow/clearfeed/internal/app"
	"github.com/deusflow/clearfeed/internal/config"
	"github.com/deusflow/clearfeed/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("info", os.Getenv("LOG_FORMAT"))
		logger.Logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.Init(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("Startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		log.Error("ClearFeed stopped with error", "error", err)
		a.Close()
		os.Exit(1)
	}
	log.Info("ClearFeed stopped")
}

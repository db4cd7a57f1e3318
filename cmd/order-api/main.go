package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kstore/order-api/cmd/order-api/app"
	"github.com/kstore/order-api/configs"
	"github.com/kstore/order-api/internal/logging"
)

func main() {
	env := os.Getenv("APP_ENV") // dev | staging | prod
	if env == "" {
		env = "dev"
	}

	cfg, err := configs.Load("configs", env)
	if err != nil {
		log.Fatal(err)
	}

	logger := logging.Init(logging.Options{
		Component: cfg.App.Name,
		FilePath:  cfg.App.LogFile,
		Level:     cfg.App.LogLevel,
	})
	defer logging.Close()

	a, cleanup, err := app.InitWithConfig(cfg)
	if err != nil {
		logger.Error("init failed", "err", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Error("order-api stopped", "err", err)
		cleanup()
		os.Exit(1)
	}
	logger.Info("order-api stopped")
}

// Package main Signals Bot API
//
// @title           Signals Bot API
// @version         1.0
// @description     Приём уведомлений платёжного провайдера для бота торговых сигналов

// @host      localhost:8080
// @BasePath  /api/v1
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/magabrotheeeer/signals-bot/docs"
	"github.com/magabrotheeeer/signals-bot/internal/app/bot"
	"github.com/magabrotheeeer/signals-bot/internal/config"
	"github.com/magabrotheeeer/signals-bot/internal/lib/sl"
)

func main() {
	cfg := config.MustLoad()
	logger := sl.NewLogger(cfg.Env, os.Stdout)

	logger.Info("starting signals-bot", slog.String("env", cfg.Env))
	logger.Debug("config loaded", slog.String("config", cfg.String()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bot.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize app", sl.Err(err))
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		logger.Error("app stopped with error", sl.Err(err))
		os.Exit(1)
	}

	logger.Info("signals-bot stopped gracefully")
}

// Package scheduler собирает процесс планировщика: перевод просроченных
// подписок в expired и напоминания об окончании.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/signals-bot/internal/config"
	"github.com/magabrotheeeer/signals-bot/internal/rabbitmq"
	schedulerservice "github.com/magabrotheeeer/signals-bot/internal/services/scheduler"
	subscriptionservice "github.com/magabrotheeeer/signals-bot/internal/services/subscription"
	"github.com/magabrotheeeer/signals-bot/internal/storage/repository"
)

// App представляет приложение планировщика.
type App struct {
	schedulerService *schedulerservice.SchedulerService
	sweepSpec        string
	reminderSpec     string
	db               *repository.Storage
	conn             *amqp.Connection
	ch               *amqp.Channel
	logger           *slog.Logger
}

// New создает новый экземпляр приложения планировщика.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	conn, err := rabbitmq.Connect(ctx, cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, cfg.RabbitMQRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to connect RabbitMQ: %w", err)
	}

	queues := rabbitmq.GetNotificationQueues()
	ch, err := rabbitmq.SetupChannel(conn, queues)
	if err != nil {
		closeResources(nil, conn, nil, logger)
		return nil, fmt.Errorf("failed to setup RabbitMQ channel: %w", err)
	}

	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		closeResources(ch, conn, nil, logger)
		return nil, fmt.Errorf("failed to connect storage: %w", err)
	}

	if err := repository.WaitForDB(ctx, db, 10, 3*time.Second); err != nil {
		closeResources(ch, conn, db, logger)
		return nil, err
	}

	manager := subscriptionservice.New(db, cfg.Subscription.Duration(), logger)
	schedulerService := schedulerservice.NewSchedulerService(manager, rabbitmq.NewPublisher(ch), logger)

	return &App{
		schedulerService: schedulerService,
		sweepSpec:        cfg.SweepSpec,
		reminderSpec:     cfg.ReminderSpec,
		db:               db,
		conn:             conn,
		ch:               ch,
		logger:           logger,
	}, nil
}

func closeResources(ch *amqp.Channel, conn *amqp.Connection, db *repository.Storage, logger *slog.Logger) {
	if ch != nil {
		if err := ch.Close(); err != nil {
			logger.Error("failed to close channel", "error", err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			logger.Error("failed to close connection", "error", err)
		}
	}
	if db != nil {
		if err := db.Close(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}
}

// Run запускает планировщик и блокируется до отмены ctx.
func (a *App) Run(ctx context.Context) error {
	defer closeResources(a.ch, a.conn, a.db, a.logger)

	if err := a.schedulerService.Start(ctx, a.sweepSpec, a.reminderSpec); err != nil {
		return err
	}
	a.logger.Info("shutting down scheduler service")
	return nil
}

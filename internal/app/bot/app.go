package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/streadway/amqp"
	"golang.org/x/sync/errgroup"

	"github.com/magabrotheeeer/signals-bot/internal/cache"
	"github.com/magabrotheeeer/signals-bot/internal/config"
	"github.com/magabrotheeeer/signals-bot/internal/lib/sl"
	"github.com/magabrotheeeer/signals-bot/internal/migrations"
	"github.com/magabrotheeeer/signals-bot/internal/paymentprovider"
	"github.com/magabrotheeeer/signals-bot/internal/rabbitmq"
	paymentservice "github.com/magabrotheeeer/signals-bot/internal/services/payment"
	subscriptionservice "github.com/magabrotheeeer/signals-bot/internal/services/subscription"
	"github.com/magabrotheeeer/signals-bot/internal/signals"
	"github.com/magabrotheeeer/signals-bot/internal/storage/repository"
	"github.com/magabrotheeeer/signals-bot/internal/telegram"
)

// App основной процесс: long polling Telegram и HTTP-сервер для вебхука.
type App struct {
	server *http.Server
	bot    *telegram.Bot
	logger *slog.Logger
	db     *repository.Storage
	cache  *cache.Cache
	conn   *amqp.Connection
	ch     *amqp.Channel
}

// New создает приложение и все его зависимости.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect storage: %w", err)
	}
	if err = migrations.Run(db.DB, cfg.MigrationsPath); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err = repository.WaitForDB(ctx, db, 10, 3*time.Second); err != nil {
		_ = db.Close()
		return nil, err
	}

	cacheRedis, err := cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache not initialized: %w", err)
	}

	conn, err := rabbitmq.Connect(ctx, cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, cfg.RabbitMQRetryDelay)
	if err != nil {
		_ = cacheRedis.Close()
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect RabbitMQ: %w", err)
	}
	ch, err := rabbitmq.SetupChannel(conn, rabbitmq.GetNotificationQueues())
	if err != nil {
		_ = conn.Close()
		_ = cacheRedis.Close()
		_ = db.Close()
		return nil, fmt.Errorf("failed to setup RabbitMQ channel: %w", err)
	}
	publisher := rabbitmq.NewPublisher(ch)

	api, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		closeAll(logger, ch, conn, cacheRedis, db)
		return nil, fmt.Errorf("failed to init telegram bot: %w", err)
	}
	logger.Info("authorized in telegram", slog.String("username", api.Self.UserName))

	manager := subscriptionservice.New(db, cfg.Subscription.Duration(), logger)
	provider := paymentprovider.NewClient(cfg.NowPayments)
	payments := paymentservice.New(logger, provider, manager, publisher)

	bot := telegram.New(logger, telegram.Deps{
		API:       api,
		Manager:   manager,
		Invoices:  provider,
		Cache:     cacheRedis,
		Signals:   signals.NewClient(cfg.Signals.ServiceURL, cfg.SignalTimeout),
		Publisher: publisher,
	}, telegram.Options{
		Plans:       cfg.Subscription.PlanCatalog(),
		Symbols:     cfg.Symbols,
		AdminIDs:    cfg.Telegram.AdminIDs,
		RateLimit:   cfg.Telegram.RateLimit,
		RateBurst:   cfg.Telegram.RateBurst,
		PollTimeout: cfg.PollTimeout,
	})

	router := chi.NewRouter()
	RegisterRoutes(router, logger, RouteDeps{
		Payments:        payments,
		DB:              db.DB,
		SignatureHeader: cfg.NowPayments.SignatureHeader,
		WebhookRPS:      cfg.WebhookRPS,
		WebhookBurst:    cfg.WebhookBurst,
	})

	srv := &http.Server{
		Addr:         cfg.AddressHTTP,
		Handler:      router,
		ReadTimeout:  cfg.TimeoutHTTP,
		WriteTimeout: cfg.TimeoutHTTP,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &App{
		server: srv,
		bot:    bot,
		logger: logger,
		db:     db,
		cache:  cacheRedis,
		conn:   conn,
		ch:     ch,
	}, nil
}

type closer interface {
	Close() error
}

func closeAll(logger *slog.Logger, resources ...closer) {
	for _, r := range resources {
		if err := r.Close(); err != nil {
			logger.Error("failed to close resource", sl.Err(err))
		}
	}
}

// Run запускает HTTP-сервер и бота и ждёт отмены ctx.
func (a *App) Run(ctx context.Context) error {
	defer closeAll(a.logger, a.ch, a.conn, a.cache, a.db)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("HTTP server starting on", slog.String("address", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.bot.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		timeoutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.logger.Info("shutting down HTTP server gracefully")
		return a.server.Shutdown(timeoutCtx)
	})
	return g.Wait()
}

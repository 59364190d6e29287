// Package telegram командный интерфейс бота: выбор тарифа, оплата, статус,
// получение сигналов и отмена подписки.
package telegram

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/magabrotheeeer/signals-bot/internal/cache"
	"github.com/magabrotheeeer/signals-bot/internal/lib/sl"
	"github.com/magabrotheeeer/signals-bot/internal/models"
	"github.com/magabrotheeeer/signals-bot/internal/paymentprovider"
)

// BotAPI часть *tgbotapi.BotAPI, которой пользуется бот.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// SubscriptionManager операции жизненного цикла подписки, доступные боту.
// Бот никогда не меняет подписки напрямую.
type SubscriptionManager interface {
	GetOrCreateUser(ctx context.Context, identity string, meta models.UserMeta) (*models.User, error)
	RequestSubscription(ctx context.Context, identity, plan string, price models.Money) (*models.Subscription, error)
	AttachPaymentReference(ctx context.Context, subID int64, ref string) error
	GetActiveSubscription(ctx context.Context, identity string) (*models.Subscription, error)
	GetOpenSubscription(ctx context.Context, identity string) (*models.Subscription, error)
	Cancel(ctx context.Context, subID int64) error
	SweepExpired(ctx context.Context) ([]*models.Subscription, error)
	IsAdmin(ctx context.Context, identity string) (bool, error)
}

// InvoiceCreator создаёт счёт у платёжного провайдера.
type InvoiceCreator interface {
	CreateInvoice(ctx context.Context, subID int64, price models.Money) (*paymentprovider.Invoice, error)
}

// InvoiceCache хранит выданные ссылки на оплату.
type InvoiceCache interface {
	SaveInvoice(ctx context.Context, subID int64, inv cache.PendingInvoice) error
	GetInvoice(ctx context.Context, subID int64) (*cache.PendingInvoice, bool, error)
	DeleteInvoice(ctx context.Context, subID int64) error
}

// SignalChecker проверяет сигнал стратегии по торговой паре.
type SignalChecker interface {
	CheckSignal(ctx context.Context, plan, symbol string) (bool, error)
}

// EventPublisher публикует события подписок.
type EventPublisher interface {
	Publish(ctx context.Context, event models.Event) error
}

// Deps зависимости бота.
type Deps struct {
	API       BotAPI
	Manager   SubscriptionManager
	Invoices  InvoiceCreator
	Cache     InvoiceCache
	Signals   SignalChecker
	Publisher EventPublisher
}

// Options настройки бота.
type Options struct {
	Plans       []models.Plan
	Symbols     []string
	AdminIDs    []int64
	RateLimit   float64
	RateBurst   int
	PollTimeout int
}

// Bot обрабатывает обновления Telegram.
type Bot struct {
	Deps
	plans       []models.Plan
	plansByCode map[string]models.Plan
	symbols     []string
	admins      map[int64]struct{}
	limiter     *userLimiter
	pollTimeout int
	log         *slog.Logger
}

// maxConcurrentUpdates сколько обновлений обрабатывается одновременно.
const maxConcurrentUpdates = 16

// requestTimeout ограничение на обработку одного обновления.
const requestTimeout = 30 * time.Second

func New(log *slog.Logger, deps Deps, opts Options) *Bot {
	b := &Bot{
		Deps:        deps,
		plans:       opts.Plans,
		plansByCode: make(map[string]models.Plan, len(opts.Plans)),
		symbols:     opts.Symbols,
		admins:      make(map[int64]struct{}, len(opts.AdminIDs)),
		limiter:     newUserLimiter(opts.RateLimit, opts.RateBurst),
		pollTimeout: opts.PollTimeout,
		log:         log,
	}
	for _, p := range opts.Plans {
		b.plansByCode[p.Code] = p
	}
	for _, id := range opts.AdminIDs {
		b.admins[id] = struct{}{}
	}
	return b
}

// Run получает обновления long polling до отмены ctx.
func (b *Bot) Run(ctx context.Context) error {
	const op = "telegram.Run"
	log := b.log.With(slog.String("op", op))

	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = b.pollTimeout
	updates := b.API.GetUpdatesChan(cfg)

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxConcurrentUpdates)
	defer wg.Wait()

	stop := func() error {
		b.API.StopReceivingUpdates()
		log.Info("telegram polling stopped")
		return nil
	}

	log.Info("telegram polling started")
	for {
		select {
		case <-ctx.Done():
			return stop()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return stop()
			}
			wg.Add(1)
			go func(u tgbotapi.Update) {
				defer wg.Done()
				defer func() { <-sem }()
				b.HandleUpdate(ctx, u)
			}(update)
		}
	}
}

// HandleUpdate обрабатывает одно обновление: команду или нажатие inline-кнопки.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			b.log.Error("panic while handling update", slog.Int("update_id", update.UpdateID), slog.Any("panic", p))
		}
	}()

	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.IsCommand():
		b.handleCommand(ctx, update.Message)
	}
}

func identity(u *tgbotapi.User) string {
	return strconv.FormatInt(u.ID, 10)
}

func (b *Bot) reply(chatID int64, text string) {
	b.send(tgbotapi.NewMessage(chatID, text))
}

func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.API.Send(c); err != nil {
		b.log.Error("failed to send telegram message", sl.Err(err))
	}
}

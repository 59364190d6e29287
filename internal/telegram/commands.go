package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/magabrotheeeer/signals-bot/internal/cache"
	"github.com/magabrotheeeer/signals-bot/internal/lib/sl"
	"github.com/magabrotheeeer/signals-bot/internal/metrics"
	"github.com/magabrotheeeer/signals-bot/internal/models"
)

// planCallbackPrefix префикс данных inline-кнопки выбора тарифа.
const planCallbackPrefix = "plan:"

const dateLayout = "2006-01-02 15:04 UTC"

// Тексты ответов бота
const (
	msgWelcome         = "Hi! Choose a strategy to subscribe to trading signals:"
	msgHelp            = "/start - choose a plan and subscribe\n/status - show your subscription\n/analysis - get current signals\n/cancel - cancel your subscription\n/help - this message"
	msgUnknownCommand  = "Unknown command. Send /help to see what I can do."
	msgTooManyRequests = "Too many requests, please slow down."
	msgInternalError   = "Something went wrong, please try again later."
	msgUnknownPlan     = "This plan is not available."
	msgInvoiceFailed   = "Could not create a payment link right now. Choose the plan again in a minute."
	msgNoSubscription  = "You have no active subscription. Send /start to choose a plan."
	msgNothingToCancel = "You have no subscription to cancel."
	msgCanceled        = "Your subscription has been canceled."
	msgPendingNoLink   = "Your payment is being processed. Send /cancel if you want to choose another plan."
	msgSignalsDown     = "Signals are temporarily unavailable, please try again later."
	msgForbidden       = "This command is available to administrators only."
	msgPayButton       = "Pay"
)

var knownCommands = map[string]struct{}{
	"start": {}, "status": {}, "analysis": {}, "cancel": {}, "help": {}, "sweep": {},
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	cmd := msg.Command()
	if _, ok := knownCommands[cmd]; ok {
		metrics.BotCommands.WithLabelValues(cmd).Inc()
	} else {
		metrics.BotCommands.WithLabelValues("unknown").Inc()
	}

	if !b.limiter.Allow(msg.From.ID) {
		b.reply(msg.Chat.ID, msgTooManyRequests)
		return
	}

	switch cmd {
	case "start":
		b.handleStart(ctx, msg)
	case "status":
		b.handleStatus(ctx, msg)
	case "analysis":
		b.handleAnalysis(ctx, msg)
	case "cancel":
		b.handleCancel(ctx, msg)
	case "help":
		b.reply(msg.Chat.ID, msgHelp)
	case "sweep":
		b.handleSweep(ctx, msg)
	default:
		b.reply(msg.Chat.ID, msgUnknownCommand)
	}
}

func userMeta(u *tgbotapi.User) models.UserMeta {
	return models.UserMeta{
		Username:  u.UserName,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	const op = "telegram.handleStart"
	log := b.log.With(slog.String("op", op), slog.Int64("telegram_id", msg.From.ID))

	if _, err := b.Manager.GetOrCreateUser(ctx, identity(msg.From), userMeta(msg.From)); err != nil {
		log.Error("failed to register user", sl.Err(err))
		b.reply(msg.Chat.ID, msgInternalError)
		return
	}

	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(b.plans))
	for _, p := range b.plans {
		label := fmt.Sprintf("%s - %s", p.Title, p.Price)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, planCallbackPrefix+p.Code),
		))
	}
	out := tgbotapi.NewMessage(msg.Chat.ID, msgWelcome)
	out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	b.send(out)
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if _, err := b.API.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
		b.log.Warn("failed to answer callback", sl.Err(err))
	}
	if q.From == nil || q.Message == nil || q.Message.Chat == nil {
		return
	}
	if !b.limiter.Allow(q.From.ID) {
		b.reply(q.Message.Chat.ID, msgTooManyRequests)
		return
	}
	code, ok := strings.CutPrefix(q.Data, planCallbackPrefix)
	if !ok {
		return
	}
	metrics.BotCommands.WithLabelValues("plan").Inc()
	b.handlePlanChoice(ctx, q.From, q.Message.Chat.ID, code)
}

// handlePlanChoice создаёт заявку на подписку и выдаёт ссылку на оплату.
// Счёт создаётся уже после фиксации заявки, вне транзакции.
func (b *Bot) handlePlanChoice(ctx context.Context, from *tgbotapi.User, chatID int64, code string) {
	const op = "telegram.handlePlanChoice"
	log := b.log.With(slog.String("op", op), slog.Int64("telegram_id", from.ID), slog.String("plan", code))

	plan, ok := b.plansByCode[code]
	if !ok {
		b.reply(chatID, msgUnknownPlan)
		return
	}
	id := identity(from)
	if _, err := b.Manager.GetOrCreateUser(ctx, id, userMeta(from)); err != nil {
		log.Error("failed to register user", sl.Err(err))
		b.reply(chatID, msgInternalError)
		return
	}

	sub, err := b.Manager.RequestSubscription(ctx, id, plan.Code, plan.Price)
	switch {
	case errors.Is(err, models.ErrConflict):
		b.resumeOpenSubscription(ctx, log, id, chatID)
		return
	case err != nil:
		log.Error("failed to request subscription", sl.Err(err))
		b.reply(chatID, msgInternalError)
		return
	}
	b.issueInvoice(ctx, log, sub, chatID)
}

// resumeOpenSubscription отвечает пользователю, у которого уже есть открытая подписка.
func (b *Bot) resumeOpenSubscription(ctx context.Context, log *slog.Logger, id string, chatID int64) {
	sub, err := b.Manager.GetOpenSubscription(ctx, id)
	if err != nil {
		log.Error("failed to load open subscription", sl.Err(err))
		b.reply(chatID, msgInternalError)
		return
	}
	if sub == nil {
		b.reply(chatID, msgInternalError)
		return
	}
	if sub.Status == models.StatusActive {
		b.reply(chatID, fmt.Sprintf("You already have an active %s subscription until %s.",
			b.planTitle(sub.Plan), sub.EndDate.UTC().Format(dateLayout)))
		return
	}
	if sub.PaymentRef == nil {
		b.issueInvoice(ctx, log, sub, chatID)
		return
	}
	inv, found, err := b.Cache.GetInvoice(ctx, sub.ID)
	if err != nil {
		log.Warn("failed to read cached invoice", sl.SubID(sub.ID), sl.Err(err))
	}
	if !found {
		b.reply(chatID, msgPendingNoLink)
		return
	}
	b.sendPayLink(chatID, sub, inv.URL)
}

func (b *Bot) issueInvoice(ctx context.Context, log *slog.Logger, sub *models.Subscription, chatID int64) {
	inv, err := b.Invoices.CreateInvoice(ctx, sub.ID, sub.Price)
	if err != nil {
		log.Error("failed to create invoice", sl.SubID(sub.ID), sl.Err(err))
		b.reply(chatID, msgInvoiceFailed)
		return
	}
	if err := b.Manager.AttachPaymentReference(ctx, sub.ID, inv.ID); err != nil {
		log.Error("failed to attach payment reference", sl.SubID(sub.ID), sl.Err(err))
		b.reply(chatID, msgInternalError)
		return
	}
	if err := b.Cache.SaveInvoice(ctx, sub.ID, cache.PendingInvoice{InvoiceID: inv.ID, URL: inv.URL}); err != nil {
		log.Warn("failed to cache invoice", sl.SubID(sub.ID), sl.Err(err))
	}
	log.Info("invoice issued", sl.SubID(sub.ID), slog.String("invoice_id", inv.ID))
	b.sendPayLink(chatID, sub, inv.URL)
}

func (b *Bot) sendPayLink(chatID int64, sub *models.Subscription, url string) {
	text := fmt.Sprintf("Subscription %s for %s. Follow the link to pay, access is granted right after the payment is confirmed.",
		b.planTitle(sub.Plan), sub.Price)
	out := tgbotapi.NewMessage(chatID, text)
	out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL(msgPayButton, url)),
	)
	b.send(out)
}

func (b *Bot) handleStatus(ctx context.Context, msg *tgbotapi.Message) {
	const op = "telegram.handleStatus"
	log := b.log.With(slog.String("op", op), slog.Int64("telegram_id", msg.From.ID))
	id := identity(msg.From)

	active, err := b.Manager.GetActiveSubscription(ctx, id)
	if err != nil {
		log.Error("failed to load active subscription", sl.Err(err))
		b.reply(msg.Chat.ID, msgInternalError)
		return
	}
	if active != nil {
		b.reply(msg.Chat.ID, fmt.Sprintf("Plan: %s\nStatus: active\nValid until: %s",
			b.planTitle(active.Plan), active.EndDate.UTC().Format(dateLayout)))
		return
	}

	open, err := b.Manager.GetOpenSubscription(ctx, id)
	if err != nil {
		log.Error("failed to load open subscription", sl.Err(err))
		b.reply(msg.Chat.ID, msgInternalError)
		return
	}
	if open != nil && open.Status == models.StatusPending {
		b.reply(msg.Chat.ID, fmt.Sprintf("Plan: %s\nStatus: awaiting payment", b.planTitle(open.Plan)))
		return
	}
	b.reply(msg.Chat.ID, msgNoSubscription)
}

// handleAnalysis выдаёт сигналы только при активной подписке.
func (b *Bot) handleAnalysis(ctx context.Context, msg *tgbotapi.Message) {
	const op = "telegram.handleAnalysis"
	log := b.log.With(slog.String("op", op), slog.Int64("telegram_id", msg.From.ID))

	sub, err := b.Manager.GetActiveSubscription(ctx, identity(msg.From))
	if err != nil {
		log.Error("failed to load active subscription", sl.Err(err))
		b.reply(msg.Chat.ID, msgInternalError)
		return
	}
	if sub == nil {
		b.reply(msg.Chat.ID, msgNoSubscription)
		return
	}

	var (
		lines  []string
		failed int
	)
	for _, symbol := range b.symbols {
		ok, err := b.Signals.CheckSignal(ctx, sub.Plan, symbol)
		if err != nil {
			log.Warn("signal check failed", slog.String("symbol", symbol), sl.Err(err))
			failed++
			continue
		}
		if ok {
			lines = append(lines, fmt.Sprintf("%s: signal", symbol))
		} else {
			lines = append(lines, fmt.Sprintf("%s: no signal", symbol))
		}
	}
	if failed == len(b.symbols) {
		b.reply(msg.Chat.ID, msgSignalsDown)
		return
	}
	b.reply(msg.Chat.ID, fmt.Sprintf("%s\n%s", b.planTitle(sub.Plan), strings.Join(lines, "\n")))
}

func (b *Bot) handleCancel(ctx context.Context, msg *tgbotapi.Message) {
	const op = "telegram.handleCancel"
	log := b.log.With(slog.String("op", op), slog.Int64("telegram_id", msg.From.ID))

	sub, err := b.Manager.GetOpenSubscription(ctx, identity(msg.From))
	if err != nil {
		log.Error("failed to load open subscription", sl.Err(err))
		b.reply(msg.Chat.ID, msgInternalError)
		return
	}
	if sub == nil {
		b.reply(msg.Chat.ID, msgNothingToCancel)
		return
	}
	if err := b.Manager.Cancel(ctx, sub.ID); err != nil {
		log.Error("failed to cancel subscription", sl.SubID(sub.ID), sl.Err(err))
		b.reply(msg.Chat.ID, msgInternalError)
		return
	}
	if err := b.Cache.DeleteInvoice(ctx, sub.ID); err != nil {
		log.Warn("failed to drop cached invoice", sl.SubID(sub.ID), sl.Err(err))
	}
	b.reply(msg.Chat.ID, msgCanceled)
}

// handleSweep ручной запуск перевода просроченных подписок, только для администраторов.
func (b *Bot) handleSweep(ctx context.Context, msg *tgbotapi.Message) {
	const op = "telegram.handleSweep"
	log := b.log.With(slog.String("op", op), slog.Int64("telegram_id", msg.From.ID))

	if !b.isAdmin(ctx, log, msg.From) {
		b.reply(msg.Chat.ID, msgForbidden)
		return
	}
	expired, err := b.Manager.SweepExpired(ctx)
	if err != nil {
		log.Error("failed to sweep subscriptions", sl.Err(err))
		b.reply(msg.Chat.ID, msgInternalError)
		return
	}
	for _, sub := range expired {
		b.publish(ctx, log, models.EventExpired, sub)
	}
	b.reply(msg.Chat.ID, fmt.Sprintf("Expired subscriptions: %d", len(expired)))
}

func (b *Bot) isAdmin(ctx context.Context, log *slog.Logger, u *tgbotapi.User) bool {
	if _, ok := b.admins[u.ID]; ok {
		return true
	}
	ok, err := b.Manager.IsAdmin(ctx, identity(u))
	if err != nil {
		log.Error("failed to check admin flag", sl.Err(err))
		return false
	}
	return ok
}

func (b *Bot) publish(ctx context.Context, log *slog.Logger, eventType string, sub *models.Subscription) {
	if b.Publisher == nil {
		return
	}
	event := models.NewSubscriptionEvent(uuid.NewString(), eventType, sub)
	if err := b.Publisher.Publish(ctx, event); err != nil {
		log.Error("failed to publish event", slog.String("type", eventType), sl.SubID(sub.ID), sl.Err(err))
	}
}

func (b *Bot) planTitle(code string) string {
	if p, ok := b.plansByCode[code]; ok {
		return p.Title
	}
	return code
}

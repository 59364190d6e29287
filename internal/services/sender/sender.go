// Package sender доставляет пользователям уведомления о событиях подписки.
package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/magabrotheeeer/signals-bot/internal/lib/sl"
	"github.com/magabrotheeeer/signals-bot/internal/models"
	"github.com/magabrotheeeer/signals-bot/internal/rabbitmq"
	"github.com/magabrotheeeer/signals-bot/internal/telegram"
)

const dateLayout = "2006-01-02 15:04 UTC"

// Notifier отправляет текст пользователю.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
}

// Deduplicator помнит уже доставленные события.
type Deduplicator interface {
	EventSent(ctx context.Context, eventID string) (bool, error)
	MarkEventSent(ctx context.Context, eventID string) error
}

type SenderService struct {
	notifier Notifier
	dedup    Deduplicator
	log      *slog.Logger
}

// NewSenderService создает новый экземпляр SenderService. dedup может быть nil.
func NewSenderService(log *slog.Logger, notifier Notifier, dedup Deduplicator) *SenderService {
	return &SenderService{
		notifier: notifier,
		dedup:    dedup,
		log:      log,
	}
}

// HandleEvent обрабатывает тело сообщения из очереди уведомлений.
// Ошибки, после которых повтор бессмыслен, оборачивают rabbitmq.ErrDiscard.
func (s *SenderService) HandleEvent(ctx context.Context, body []byte) error {
	const op = "sender.HandleEvent"
	log := s.log.With(slog.String("op", op))

	var event models.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("%s: %w: %w", op, rabbitmq.ErrDiscard, err)
	}
	log = log.With(slog.String("event_id", event.ID), slog.String("type", event.Type), sl.SubID(event.SubscriptionID))

	chatID, err := strconv.ParseInt(event.ExternalID, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: bad recipient %q: %w", op, event.ExternalID, rabbitmq.ErrDiscard)
	}
	text, ok := render(event)
	if !ok {
		return fmt.Errorf("%s: unknown event type %q: %w", op, event.Type, rabbitmq.ErrDiscard)
	}

	if s.dedup != nil && event.ID != "" {
		sent, err := s.dedup.EventSent(ctx, event.ID)
		if err != nil {
			log.Warn("dedup check failed", sl.Err(err))
		}
		if sent {
			log.Info("event already delivered, skip")
			return nil
		}
	}

	if err := s.notifier.Notify(ctx, chatID, text); err != nil {
		if errors.Is(err, telegram.ErrRecipientUnavailable) {
			return fmt.Errorf("%s: %w: %w", op, rabbitmq.ErrDiscard, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if s.dedup != nil && event.ID != "" {
		if err := s.dedup.MarkEventSent(ctx, event.ID); err != nil {
			log.Warn("failed to mark event as delivered", sl.Err(err))
		}
	}
	log.Info("notification sent")
	return nil
}

// render возвращает текст уведомления для события.
func render(e models.Event) (string, bool) {
	end := e.EndDate.UTC().Format(dateLayout)
	switch e.Type {
	case models.EventActivated:
		return fmt.Sprintf("Payment received, thank you! Your %s subscription is active until %s. Send /analysis to get signals.", e.Plan, end), true
	case models.EventExpiring:
		return fmt.Sprintf("Your %s subscription ends on %s. Send /start to renew it after it ends.", e.Plan, end), true
	case models.EventExpired:
		return fmt.Sprintf("Your %s subscription has ended. Send /start to subscribe again.", e.Plan), true
	default:
		return "", false
	}
}

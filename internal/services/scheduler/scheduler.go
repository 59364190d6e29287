// Package scheduler периодически переводит просроченные подписки в expired
// и напоминает о скором окончании подписки.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/magabrotheeeer/signals-bot/internal/lib/sl"
	"github.com/magabrotheeeer/signals-bot/internal/models"
)

// SubscriptionManager операции менеджера подписок, нужные планировщику.
type SubscriptionManager interface {
	SweepExpired(ctx context.Context) ([]*models.Subscription, error)
	ExpiringBetween(ctx context.Context, from, to time.Time) ([]*models.Subscription, error)
}

// EventPublisher публикует события подписок.
type EventPublisher interface {
	Publish(ctx context.Context, event models.Event) error
}

// Окно напоминания: подписки, которые заканчиваются через 24-48 часов.
const (
	reminderFrom = 24 * time.Hour
	reminderTo   = 48 * time.Hour
)

type SchedulerService struct {
	manager   SubscriptionManager
	publisher EventPublisher
	log       *slog.Logger
	now       func() time.Time
}

// NewSchedulerService создает новый экземпляр SchedulerService.
func NewSchedulerService(manager SubscriptionManager, publisher EventPublisher, log *slog.Logger) *SchedulerService {
	return &SchedulerService{
		manager:   manager,
		publisher: publisher,
		log:       log,
		now:       time.Now,
	}
}

// Start регистрирует задачи по расписанию и блокируется до отмены ctx.
// Очистка выполняется один раз сразу при старте.
func (s *SchedulerService) Start(ctx context.Context, sweepSpec, reminderSpec string) error {
	const op = "scheduler.Start"
	log := s.log.With(slog.String("op", op))

	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(sweepSpec, func() { s.runSweep(ctx) }); err != nil {
		return fmt.Errorf("%s: sweep spec %q: %w", op, sweepSpec, err)
	}
	if _, err := c.AddFunc(reminderSpec, func() { s.runReminders(ctx) }); err != nil {
		return fmt.Errorf("%s: reminder spec %q: %w", op, reminderSpec, err)
	}

	s.runSweep(ctx)
	c.Start()
	log.Info("scheduler started", slog.String("sweep", sweepSpec), slog.String("reminder", reminderSpec))

	<-ctx.Done()
	<-c.Stop().Done()
	log.Info("scheduler stopped")
	return nil
}

func (s *SchedulerService) runSweep(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil {
		s.log.Error("sweep failed", sl.Err(err))
	}
}

func (s *SchedulerService) runReminders(ctx context.Context) {
	if _, err := s.RemindExpiring(ctx); err != nil {
		s.log.Error("reminders failed", sl.Err(err))
	}
}

// Sweep переводит просроченные подписки в expired и публикует по событию на каждую.
// Возвращает число переведённых подписок.
func (s *SchedulerService) Sweep(ctx context.Context) (int, error) {
	const op = "scheduler.Sweep"

	expired, err := s.manager.SweepExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if len(expired) == 0 {
		s.log.Debug("no expired subscriptions found")
		return 0, nil
	}
	s.log.Info("expired subscriptions found", slog.String("op", op), slog.Int("count", len(expired)))
	for _, sub := range expired {
		s.publish(ctx, models.EventExpired, sub)
	}
	return len(expired), nil
}

// RemindExpiring публикует напоминания для активных подписок,
// которые заканчиваются через 24-48 часов.
func (s *SchedulerService) RemindExpiring(ctx context.Context) (int, error) {
	const op = "scheduler.RemindExpiring"

	now := s.now()
	subs, err := s.manager.ExpiringBetween(ctx, now.Add(reminderFrom), now.Add(reminderTo))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if len(subs) == 0 {
		s.log.Debug("no expiring subscriptions found")
		return 0, nil
	}
	s.log.Info("expiring subscriptions found", slog.String("op", op), slog.Int("count", len(subs)))
	for _, sub := range subs {
		s.publish(ctx, models.EventExpiring, sub)
	}
	return len(subs), nil
}

// eventID одинаков для одной и той же пары (тип, подписка, дата окончания),
// получатель отбрасывает повторы по нему.
func eventID(eventType string, sub *models.Subscription) string {
	var end int64
	if sub.EndDate != nil {
		end = sub.EndDate.Unix()
	}
	name := fmt.Sprintf("%s:%d:%d", eventType, sub.ID, end)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

func (s *SchedulerService) publish(ctx context.Context, eventType string, sub *models.Subscription) {
	event := models.NewSubscriptionEvent(eventID(eventType, sub), eventType, sub)
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Error("failed to publish message", slog.String("type", eventType), sl.SubID(sub.ID), sl.Err(err))
	}
}

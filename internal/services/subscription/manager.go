// Package subscription реализует жизненный цикл подписки:
// pending -> active (подтверждённая оплата) -> expired (отмена или истечение срока).
// Manager единственный, кто меняет строки подписок.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/magabrotheeeer/signals-bot/internal/lib/sl"
	"github.com/magabrotheeeer/signals-bot/internal/metrics"
	"github.com/magabrotheeeer/signals-bot/internal/models"
	"github.com/magabrotheeeer/signals-bot/internal/storage"
)

// Manager управляет пользователями и подписками поверх storage.Store.
// Каждая операция открывает собственную транзакцию и закрывает её до возврата.
type Manager struct {
	store    storage.Store
	duration time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// Option настраивает Manager.
type Option func(*Manager)

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New создает Manager. duration: срок действия оплаченной подписки.
func New(store storage.Store, duration time.Duration, log *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		duration: duration,
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreateUser создаёт пользователя при первом обращении. Метаданные только информационные.
func (m *Manager) GetOrCreateUser(ctx context.Context, identity string, meta models.UserMeta) (*models.User, error) {
	const op = "subscription.GetOrCreateUser"

	if identity == "" {
		return nil, fmt.Errorf("%s: empty identity: %w", op, models.ErrValidation)
	}
	u, err := m.store.UpsertUser(ctx, identity, meta)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// RequestSubscription создаёт подписку в статусе pending.
// Возвращает models.ErrConflict, если у пользователя уже есть pending или active подписка.
func (m *Manager) RequestSubscription(ctx context.Context, identity, plan string, price models.Money) (*models.Subscription, error) {
	const op = "subscription.RequestSubscription"
	log := m.log.With(slog.String("op", op), slog.String("user", identity), slog.String("plan", plan))

	if identity == "" || plan == "" {
		return nil, fmt.Errorf("%s: identity and plan are required: %w", op, models.ErrValidation)
	}
	if price.Amount < 0 || strings.TrimSpace(price.Currency) == "" {
		return nil, fmt.Errorf("%s: invalid price %s: %w", op, price, models.ErrValidation)
	}

	now := m.now()
	sub := &models.Subscription{
		Plan:   plan,
		Status: models.StatusPending,
		Price:  models.Money{Amount: price.Amount, Currency: strings.ToLower(strings.TrimSpace(price.Currency))},
	}
	err := m.store.WithinTx(ctx, func(tx storage.Tx) error {
		u, err := tx.EnsureUser(ctx, identity)
		if err != nil {
			return err
		}
		// подписка, срок которой вышел до прохода фоновой задачи, уже не открыта
		expired, err := tx.ExpireStale(ctx, u.ID, now)
		if err != nil {
			return err
		}
		if expired > 0 {
			log.Info("stale active subscription expired on request")
		}
		sub.UserID = u.ID
		sub.ExternalID = u.ExternalID
		return tx.InsertSubscription(ctx, sub)
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			metrics.SubscriptionConflicts.Inc()
			log.Info("open subscription already exists")
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	metrics.SubscriptionTransitions.WithLabelValues(string(models.StatusPending)).Inc()
	log.Info("subscription requested", sl.SubID(sub.ID))
	return sub, nil
}

// AttachPaymentReference один раз привязывает идентификатор счёта к pending подписке.
// Повторный вызов с тем же значением ничего не меняет.
func (m *Manager) AttachPaymentReference(ctx context.Context, subID int64, ref string) error {
	const op = "subscription.AttachPaymentReference"

	if ref == "" {
		return fmt.Errorf("%s: empty reference: %w", op, models.ErrValidation)
	}
	err := m.store.WithinTx(ctx, func(tx storage.Tx) error {
		sub, err := tx.GetSubscriptionForUpdate(ctx, subID)
		if err != nil {
			return err
		}
		if sub.PaymentRef != nil && *sub.PaymentRef == ref {
			return nil
		}
		if sub.Status != models.StatusPending {
			return fmt.Errorf("subscription is %s: %w", sub.Status, models.ErrState)
		}
		if sub.PaymentRef != nil {
			return models.ErrAlreadyAttached
		}
		sub.PaymentRef = &ref
		return tx.UpdateSubscription(ctx, sub)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	m.log.Debug("payment reference attached", slog.String("op", op), sl.SubID(subID), slog.String("ref", ref))
	return nil
}

// Activate переводит подписку в active после подтверждённой оплаты.
// Повторная доставка того же уведомления возвращает уже активную подписку без изменений.
func (m *Manager) Activate(ctx context.Context, subID int64, ref string, paid models.Money) (*models.Subscription, error) {
	sub, _, err := m.ActivatePayment(ctx, subID, ref, paid)
	return sub, err
}

// ActivatePayment работает как Activate и дополнительно сообщает,
// произошёл ли переход именно этим вызовом.
func (m *Manager) ActivatePayment(ctx context.Context, subID int64, ref string, paid models.Money) (*models.Subscription, bool, error) {
	const op = "subscription.Activate"
	log := m.log.With(slog.String("op", op), sl.SubID(subID), slog.String("ref", ref))

	var (
		result    *models.Subscription
		activated bool
	)
	err := m.store.WithinTx(ctx, func(tx storage.Tx) error {
		sub, err := tx.GetSubscriptionForUpdate(ctx, subID)
		if err != nil {
			return err
		}
		if sub.Status == models.StatusExpired {
			return fmt.Errorf("subscription is expired: %w", models.ErrState)
		}
		if sub.PaymentRef == nil || *sub.PaymentRef != ref {
			return fmt.Errorf("payment reference mismatch: %w", models.ErrValidation)
		}
		if sub.Status == models.StatusActive {
			result = sub
			return nil
		}
		if !paid.SameCurrency(sub.Price) {
			return fmt.Errorf("paid currency %q, expected %q: %w", paid.Currency, sub.Price.Currency, models.ErrValidation)
		}
		if !paid.Covers(sub.Price) {
			return fmt.Errorf("paid %s, expected %s: %w", paid, sub.Price, models.ErrValidation)
		}

		start := m.now()
		end := start.Add(m.duration)
		sub.Status = models.StatusActive
		sub.StartDate = &start
		sub.EndDate = &end
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		result = sub
		activated = true
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			log.Warn("payment does not match subscription", sl.Err(err))
		}
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}

	if activated {
		metrics.SubscriptionTransitions.WithLabelValues(string(models.StatusActive)).Inc()
		log.Info("subscription activated", slog.Time("end_date", *result.EndDate))
	} else {
		log.Debug("subscription already active")
	}
	return result, activated, nil
}

// GetActiveSubscription возвращает активную на текущий момент подписку или nil.
// Подписка с истёкшим end_date считается отсутствующей, даже если её статус ещё active.
func (m *Manager) GetActiveSubscription(ctx context.Context, identity string) (*models.Subscription, error) {
	const op = "subscription.GetActiveSubscription"

	sub, err := m.store.GetActiveByExternalID(ctx, identity, m.now())
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}

// GetOpenSubscription возвращает pending или active подписку пользователя или nil.
func (m *Manager) GetOpenSubscription(ctx context.Context, identity string) (*models.Subscription, error) {
	const op = "subscription.GetOpenSubscription"

	sub, err := m.store.GetOpenByExternalID(ctx, identity)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}

// Cancel переводит pending или active подписку в expired. Для expired ничего не делает.
// У досрочно отменённой активной подписки end_date сдвигается на момент отмены.
func (m *Manager) Cancel(ctx context.Context, subID int64) error {
	const op = "subscription.Cancel"

	var canceled bool
	err := m.store.WithinTx(ctx, func(tx storage.Tx) error {
		sub, err := tx.GetSubscriptionForUpdate(ctx, subID)
		if err != nil {
			return err
		}
		if sub.Status == models.StatusExpired {
			return nil
		}
		if sub.Status == models.StatusActive {
			now := m.now()
			if sub.EndDate != nil && sub.EndDate.After(now) {
				end := now
				if sub.StartDate != nil && end.Before(*sub.StartDate) {
					end = *sub.StartDate
				}
				sub.EndDate = &end
			}
		}
		sub.Status = models.StatusExpired
		canceled = true
		return tx.UpdateSubscription(ctx, sub)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if canceled {
		metrics.SubscriptionTransitions.WithLabelValues(string(models.StatusExpired)).Inc()
		m.log.Info("subscription canceled", slog.String("op", op), sl.SubID(subID))
	}
	return nil
}

// SweepExpired переводит в expired все активные подписки с end_date в прошлом
// и возвращает их. Повторный запуск сразу после первого ничего не переводит.
func (m *Manager) SweepExpired(ctx context.Context) ([]*models.Subscription, error) {
	const op = "subscription.SweepExpired"

	expired, err := m.store.ExpireDue(ctx, m.now())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(expired) > 0 {
		metrics.SubscriptionTransitions.WithLabelValues(string(models.StatusExpired)).Add(float64(len(expired)))
		m.log.Info("expired subscriptions swept", slog.String("op", op), slog.Int("count", len(expired)))
	}
	return expired, nil
}

// ExpiringBetween возвращает активные подписки, которые заканчиваются в [from, to).
func (m *Manager) ExpiringBetween(ctx context.Context, from, to time.Time) ([]*models.Subscription, error) {
	const op = "subscription.ExpiringBetween"

	subs, err := m.store.ListActiveEndingBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return subs, nil
}

// SetAdmin создаёт пользователя при необходимости и выставляет ему флаг администратора.
func (m *Manager) SetAdmin(ctx context.Context, identity string, isAdmin bool) error {
	const op = "subscription.SetAdmin"

	if _, err := m.GetOrCreateUser(ctx, identity, models.UserMeta{}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := m.store.SetAdmin(ctx, identity, isAdmin); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	m.log.Info("admin flag updated", slog.String("op", op), slog.String("user", identity), slog.Bool("is_admin", isAdmin))
	return nil
}

// IsAdmin сообщает, отмечен ли пользователь как администратор.
func (m *Manager) IsAdmin(ctx context.Context, identity string) (bool, error) {
	const op = "subscription.IsAdmin"

	u, err := m.store.GetUser(ctx, identity)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return u.IsAdmin, nil
}

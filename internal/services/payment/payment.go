// Package payment обрабатывает IPN-уведомления платёжного провайдера
// и переводит их в активацию подписки.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-playground/validator"
	"github.com/google/uuid"

	"github.com/magabrotheeeer/signals-bot/internal/lib/sl"
	"github.com/magabrotheeeer/signals-bot/internal/metrics"
	"github.com/magabrotheeeer/signals-bot/internal/models"
	"github.com/magabrotheeeer/signals-bot/internal/paymentprovider"
)

// ErrMalformedNotification тело уведомления прошло проверку подписи, но не разбирается.
var ErrMalformedNotification = errors.New("malformed notification")

// SignatureVerifier проверяет подпись уведомления над исходными байтами.
type SignatureVerifier interface {
	VerifySignature(rawBody []byte, signature string) bool
}

// Activator активирует подписку по подтверждённой оплате.
type Activator interface {
	ActivatePayment(ctx context.Context, subID int64, ref string, paid models.Money) (*models.Subscription, bool, error)
}

// EventPublisher публикует события жизненного цикла подписки.
type EventPublisher interface {
	Publish(ctx context.Context, event models.Event) error
}

// Outcome итог обработки уведомления.
type Outcome string

// Возможные итоги
const (
	OutcomeActivated Outcome = "activated"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
	OutcomeIgnored   Outcome = "ignored"
)

// Result описывает, что произошло с уведомлением.
// Любой Result без ошибки подтверждается провайдеру.
type Result struct {
	Outcome        Outcome `json:"outcome"`
	SubscriptionID int64   `json:"subscription_id,omitempty"`
	Reason         string  `json:"reason,omitempty"`
}

// Service обработчик уведомлений о платежах.
type Service struct {
	verifier  SignatureVerifier
	activator Activator
	publisher EventPublisher
	validate  *validator.Validate
	log       *slog.Logger
}

// New создает Service. publisher может быть nil, тогда события не публикуются.
func New(log *slog.Logger, verifier SignatureVerifier, activator Activator, publisher EventPublisher) *Service {
	return &Service{
		verifier:  verifier,
		activator: activator,
		publisher: publisher,
		validate:  validator.New(),
		log:       log,
	}
}

// Handle проверяет подпись, разбирает уведомление и при статусе finished активирует подписку.
// Любой другой статус подтверждается без изменений, даже для чужого order_id.
// Неподписанное уведомление не меняет состояние и возвращает models.ErrAuthentication.
// Несовпадение платежа, неизвестная или уже закрытая подписка дают OutcomeRejected без ошибки,
// так как провайдер может повторно присылать уведомления по чужим или обработанным заказам.
func (s *Service) Handle(ctx context.Context, rawBody []byte, signature string) (Result, error) {
	const op = "payment.Handle"
	log := s.log.With(slog.String("op", op))

	if !s.verifier.VerifySignature(rawBody, signature) {
		metrics.PaymentNotifications.WithLabelValues("unauthenticated").Inc()
		log.Warn("notification signature mismatch, possible spoofing attempt", slog.Int("body_size", len(rawBody)))
		return Result{}, fmt.Errorf("%s: %w", op, models.ErrAuthentication)
	}

	var n paymentprovider.Notification
	if err := json.Unmarshal(rawBody, &n); err != nil {
		metrics.PaymentNotifications.WithLabelValues("malformed").Inc()
		return Result{}, fmt.Errorf("%s: %w: %v", op, ErrMalformedNotification, err)
	}
	if err := s.validate.Struct(n); err != nil {
		metrics.PaymentNotifications.WithLabelValues("malformed").Inc()
		return Result{}, fmt.Errorf("%s: %w: %w", op, ErrMalformedNotification, err)
	}
	log = log.With(slog.String("order_id", string(n.OrderID)), slog.String("status", n.PaymentStatus), slog.String("ref", n.Reference()))
	log.Info("payment notification received")

	if !strings.EqualFold(n.PaymentStatus, paymentprovider.StatusFinished) {
		metrics.PaymentNotifications.WithLabelValues(string(OutcomeIgnored)).Inc()
		res := Result{Outcome: OutcomeIgnored}
		if subID, err := strconv.ParseInt(string(n.OrderID), 10, 64); err == nil {
			res.SubscriptionID = subID
		}
		return res, nil
	}

	// order_id, не похожий на номер подписки, принадлежит чужому заказу того же аккаунта.
	subID, err := strconv.ParseInt(string(n.OrderID), 10, 64)
	if err != nil {
		return s.reject(log, 0, fmt.Errorf("order_id %q: %w", n.OrderID, models.ErrNotFound)), nil
	}
	log = log.With(sl.SubID(subID))

	// price_amount провайдер повторяет из счёта, поэтому сверка ловит подмену заказа
	// или тарифа, но не недоплату: её провайдер отражает статусом partially_paid.
	paid, err := models.ParseMoney(string(n.PriceAmount), n.PriceCurrency)
	if err != nil {
		return s.reject(log, subID, fmt.Errorf("%w: %v", models.ErrValidation, err)), nil
	}

	sub, activated, err := s.activator.ActivatePayment(ctx, subID, n.Reference(), paid)
	if err != nil {
		if errors.Is(err, models.ErrValidation) || errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrState) {
			return s.reject(log, subID, err), nil
		}
		metrics.PaymentNotifications.WithLabelValues("error").Inc()
		log.Error("failed to activate subscription", sl.Err(err))
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	if !activated {
		metrics.PaymentNotifications.WithLabelValues(string(OutcomeDuplicate)).Inc()
		log.Info("duplicate notification for active subscription")
		return Result{Outcome: OutcomeDuplicate, SubscriptionID: subID}, nil
	}

	metrics.PaymentNotifications.WithLabelValues(string(OutcomeActivated)).Inc()
	s.publishActivated(ctx, log, sub)
	return Result{Outcome: OutcomeActivated, SubscriptionID: subID}, nil
}

func (s *Service) reject(log *slog.Logger, subID int64, err error) Result {
	metrics.PaymentNotifications.WithLabelValues(string(OutcomeRejected)).Inc()
	log.Warn("payment notification rejected", sl.Err(err))
	return Result{Outcome: OutcomeRejected, SubscriptionID: subID, Reason: err.Error()}
}

// publishActivated отправляет событие после фиксации транзакции. Ошибка публикации
// не влияет на ответ провайдеру: подписка уже активна.
func (s *Service) publishActivated(ctx context.Context, log *slog.Logger, sub *models.Subscription) {
	if s.publisher == nil {
		return
	}
	event := models.NewSubscriptionEvent(uuid.NewString(), models.EventActivated, sub)
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Error("failed to publish activation event", sl.Err(err))
	}
}

// Package metrics объявляет счётчики Prometheus, которые отдаются на /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "signals_bot"

var (
	// SubscriptionTransitions считает переходы жизненного цикла подписки.
	SubscriptionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subscription_transitions_total",
		Help:      "Subscription lifecycle transitions by target status.",
	}, []string{"to"})

	// SubscriptionConflicts считает отклонённые повторные запросы подписки.
	SubscriptionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subscription_conflicts_total",
		Help:      "Subscription requests rejected because an open subscription exists.",
	})

	// PaymentNotifications считает входящие уведомления о платежах по исходу обработки.
	PaymentNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_notifications_total",
		Help:      "Inbound payment notifications by outcome.",
	}, []string{"outcome"})

	// InvoiceRequests считает обращения к платёжному провайдеру.
	InvoiceRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invoice_requests_total",
		Help:      "Invoice creation requests by result.",
	}, []string{"result"})

	// BotCommands считает команды бота.
	BotCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bot_commands_total",
		Help:      "Telegram commands handled, by command.",
	}, []string{"command"})

	// EventsPublished считает события, отправленные в RabbitMQ.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Events published to the broker by type and result.",
	}, []string{"type", "result"})
)

package models

import "time"

// Типы событий, публикуемых в очередь уведомлений.
const (
	EventActivated = "subscription.activated"
	EventExpired   = "subscription.expired"
	EventExpiring  = "subscription.expiring"
)

// Event сообщение о смене состояния подписки для отправки пользователю.
type Event struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	SubscriptionID int64     `json:"subscription_id"`
	ExternalID     string    `json:"external_id"`
	Plan           string    `json:"plan"`
	EndDate        time.Time `json:"end_date"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// NewSubscriptionEvent собирает событие по текущему состоянию подписки.
func NewSubscriptionEvent(id, eventType string, sub *Subscription) Event {
	e := Event{
		ID:             id,
		Type:           eventType,
		SubscriptionID: sub.ID,
		ExternalID:     sub.ExternalID,
		Plan:           sub.Plan,
		OccurredAt:     time.Now().UTC(),
	}
	if sub.EndDate != nil {
		e.EndDate = *sub.EndDate
	}
	return e
}

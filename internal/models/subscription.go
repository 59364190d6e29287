package models

import "time"

// Status состояние подписки.
type Status string

// Состояния подписки
const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// Open сообщает, считается ли подписка открытой (pending или active).
func (s Status) Open() bool {
	return s == StatusPending || s == StatusActive
}

// Subscription представляет подписку пользователя на тарифный план.
// ID одновременно служит order_id при создании счёта у платёжного провайдера.
// StartDate и EndDate равны nil, пока подписка в статусе pending.
type Subscription struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"user_id"`
	ExternalID string     `json:"external_id,omitempty"` // Telegram ID владельца (join)
	Plan       string     `json:"plan"`
	Status     Status     `json:"status"`
	StartDate  *time.Time `json:"start_date,omitempty"`
	EndDate    *time.Time `json:"end_date,omitempty"`
	PaymentRef *string    `json:"payment_ref,omitempty"`
	Price      Money      `json:"price"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ActiveAt сообщает, активна ли подписка в момент now.
// Подписка со статусом active, но с истёкшей датой окончания активной не считается.
func (s *Subscription) ActiveAt(now time.Time) bool {
	return s.Status == StatusActive && s.EndDate != nil && !s.EndDate.Before(now)
}

// Clone возвращает копию подписки, не разделяющую указатели с оригиналом.
func (s *Subscription) Clone() *Subscription {
	c := *s
	if s.StartDate != nil {
		t := *s.StartDate
		c.StartDate = &t
	}
	if s.EndDate != nil {
		t := *s.EndDate
		c.EndDate = &t
	}
	if s.PaymentRef != nil {
		r := *s.PaymentRef
		c.PaymentRef = &r
	}
	return &c
}

// Plan описывает тарифный план, который можно купить через бота.
type Plan struct {
	Code  string
	Title string
	Price Money
}

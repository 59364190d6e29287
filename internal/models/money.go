package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Money денежная сумма в минимальных единицах валюты (центах).
// Арифметика только целочисленная.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"` // ISO 4217 в нижнем регистре: "usd"
}

// NewMoney создаёт сумму из значения в основных единицах, например 40.5 -> 4050.
func NewMoney(major float64, currency string) Money {
	return Money{
		Amount:   int64(math.Round(major * 100)),
		Currency: strings.ToLower(strings.TrimSpace(currency)),
	}
}

// ParseMoney разбирает строковое значение суммы вида "40" или "39.99".
func ParseMoney(value, currency string) (Money, error) {
	const op = "models.ParseMoney"
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return Money{}, fmt.Errorf("%s: %w", op, err)
	}
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return Money{}, fmt.Errorf("%s: invalid amount %q", op, value)
	}
	return NewMoney(f, currency), nil
}

// SameCurrency сообщает, совпадают ли валюты (без учёта регистра).
func (m Money) SameCurrency(other Money) bool {
	return strings.EqualFold(m.Currency, other.Currency)
}

// Covers сообщает, покрывает ли сумма m сумму price в той же валюте.
func (m Money) Covers(price Money) bool {
	return m.SameCurrency(price) && m.Amount >= price.Amount
}

// Major возвращает сумму в основных единицах.
func (m Money) Major() float64 {
	return float64(m.Amount) / 100
}

func (m Money) String() string {
	return fmt.Sprintf("%d.%02d %s", m.Amount/100, m.Amount%100, strings.ToUpper(m.Currency))
}

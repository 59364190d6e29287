package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMoney(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		currency string
		want     Money
		wantErr  bool
	}{
		{name: "integer", value: "40", currency: "USD", want: Money{Amount: 4000, Currency: "usd"}},
		{name: "cents", value: "39.99", currency: "usd", want: Money{Amount: 3999, Currency: "usd"}},
		{name: "float noise", value: "70.0000001", currency: "usd", want: Money{Amount: 7000, Currency: "usd"}},
		{name: "negative", value: "-1", currency: "usd", wantErr: true},
		{name: "garbage", value: "forty", currency: "usd", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMoney(tt.value, tt.currency)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMoney_Covers(t *testing.T) {
	price := NewMoney(40, "usd")

	assert.True(t, NewMoney(40, "USD").Covers(price))
	assert.True(t, NewMoney(45.5, "usd").Covers(price))
	assert.False(t, NewMoney(39.99, "usd").Covers(price))
	assert.False(t, NewMoney(40, "eur").Covers(price))
}

func TestMoney_String(t *testing.T) {
	assert.Equal(t, "40.05 USD", Money{Amount: 4005, Currency: "usd"}.String())
}

func TestSubscription_ActiveAt(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	assert.True(t, (&Subscription{Status: StatusActive, EndDate: &future}).ActiveAt(now))
	assert.True(t, (&Subscription{Status: StatusActive, EndDate: &now}).ActiveAt(now))
	assert.False(t, (&Subscription{Status: StatusActive, EndDate: &past}).ActiveAt(now))
	assert.False(t, (&Subscription{Status: StatusPending}).ActiveAt(now))
	assert.False(t, (&Subscription{Status: StatusExpired, EndDate: &future}).ActiveAt(now))
}

func TestSubscription_Clone(t *testing.T) {
	ref := "R1"
	end := time.Now()
	s := &Subscription{ID: 1, PaymentRef: &ref, EndDate: &end}

	c := s.Clone()
	*c.PaymentRef = "R2"

	assert.Equal(t, "R1", *s.PaymentRef)
	assert.Equal(t, end, *c.EndDate)
}

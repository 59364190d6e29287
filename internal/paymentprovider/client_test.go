package paymentprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/signals-bot/internal/config"
	"github.com/magabrotheeeer/signals-bot/internal/models"
)

func newTestClient(url string) *Client {
	return NewClient(config.NowPayments{
		APIURL:         url,
		APIKey:         "api-key",
		IPNSecret:      "secret",
		IPNCallbackURL: "https://bot.example/api/v1/payments/webhook",
		PayCurrency:    "usdttrc20",
		RequestTimeout: 5 * time.Second,
	})
}

func TestClient_CreateInvoice(t *testing.T) {
	var got CreateInvoiceRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/invoice", r.URL.Path)
		assert.Equal(t, "api-key", r.Header.Get("x-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"4522625843","order_id":"7","invoice_url":"https://nowpayments.io/payment/?iid=4522625843"}`))
	}))
	defer srv.Close()

	inv, err := newTestClient(srv.URL).CreateInvoice(context.Background(), 7, models.Money{Amount: 4000, Currency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, "4522625843", inv.ID)
	assert.Equal(t, "https://nowpayments.io/payment/?iid=4522625843", inv.URL)

	assert.Equal(t, "7", got.OrderID)
	assert.InDelta(t, 40.0, got.PriceAmount, 0.0001)
	assert.Equal(t, "usd", got.PriceCurrency)
	assert.Equal(t, "usdttrc20", got.PayCurrency)
	assert.Equal(t, "https://bot.example/api/v1/payments/webhook", got.IPNCallbackURL)
}

func TestClient_CreateInvoice_NumericID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":4522625843,"invoice_url":"https://pay"}`))
	}))
	defer srv.Close()

	inv, err := newTestClient(srv.URL).CreateInvoice(context.Background(), 1, models.Money{Amount: 100, Currency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, "4522625843", inv.ID)
}

func TestClient_CreateInvoice_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "ошибка провайдера", status: http.StatusBadRequest, body: `{"message":"bad"}`, wantErr: "unexpected status"},
		{name: "битый json", status: http.StatusOK, body: `{`, wantErr: "decode response"},
		{name: "нет ссылки", status: http.StatusOK, body: `{"id":"1"}`, wantErr: "without invoice id or url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).CreateInvoice(context.Background(), 1, models.Money{Amount: 100, Currency: "usd"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestClient_VerifySignature(t *testing.T) {
	c := newTestClient("http://unused")
	body := []byte(`{"payment_status":"finished","order_id":"1"}`)
	sig := Sign("secret", body)

	assert.True(t, c.VerifySignature(body, sig))
	assert.True(t, c.VerifySignature(body, strings.ToUpper(sig)), "hex в верхнем регистре")
	assert.False(t, c.VerifySignature(body, Sign("other", body)))
	assert.False(t, c.VerifySignature([]byte(`{"payment_status": "finished","order_id":"1"}`), sig),
		"подпись считается по исходным байтам")
	assert.False(t, c.VerifySignature(body, ""))
	assert.False(t, c.VerifySignature(body, "not-hex"))

	noSecret := NewClient(config.NowPayments{})
	assert.False(t, noSecret.VerifySignature(body, Sign("", body)))
}

func TestNotification_Decode(t *testing.T) {
	var n Notification
	err := json.Unmarshal([]byte(`{"payment_id":5077125051,"invoice_id":4522625843,"payment_status":"finished",
		"order_id":"7","price_amount":40,"price_currency":"usd","actually_paid":40.01}`), &n)
	require.NoError(t, err)
	assert.Equal(t, "4522625843", n.Reference())
	assert.Equal(t, FlexString("7"), n.OrderID)
	assert.Equal(t, FlexString("40"), n.PriceAmount)
	assert.Equal(t, FlexString("40.01"), n.ActuallyPaid)

	var fallback Notification
	require.NoError(t, json.Unmarshal([]byte(`{"payment_id":"55","invoice_id":null,"order_id":7}`), &fallback))
	assert.Equal(t, "55", fallback.Reference())
	assert.Equal(t, FlexString("7"), fallback.OrderID)
}

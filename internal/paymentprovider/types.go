package paymentprovider

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CreateInvoiceRequest тело запроса POST /invoice.
type CreateInvoiceRequest struct {
	PriceAmount      float64 `json:"price_amount"`
	PriceCurrency    string  `json:"price_currency"`
	PayCurrency      string  `json:"pay_currency,omitempty"`
	OrderID          string  `json:"order_id"`
	OrderDescription string  `json:"order_description,omitempty"`
	IPNCallbackURL   string  `json:"ipn_callback_url,omitempty"`
	SuccessURL       string  `json:"success_url,omitempty"`
	CancelURL        string  `json:"cancel_url,omitempty"`
}

// CreateInvoiceResponse ответ NOWPayments на создание счёта (используемые поля).
type CreateInvoiceResponse struct {
	ID         FlexString `json:"id"`
	OrderID    string     `json:"order_id"`
	InvoiceURL string     `json:"invoice_url"`
}

// Invoice счёт на оплату подписки.
type Invoice struct {
	// ID идентификатор счёта у провайдера, он же платёжная ссылка подписки.
	ID string
	// URL страница оплаты для пользователя.
	URL string
}

// Notification IPN-уведомление NOWPayments (используемые поля).
type Notification struct {
	PaymentID     FlexString `json:"payment_id"`
	InvoiceID     FlexString `json:"invoice_id"`
	ID            FlexString `json:"id"`
	PaymentStatus string     `json:"payment_status" validate:"required"`
	OrderID       FlexString `json:"order_id" validate:"required"`
	PriceAmount   FlexString `json:"price_amount"`
	PriceCurrency string     `json:"price_currency"`
	PayCurrency   string     `json:"pay_currency"`
	ActuallyPaid  FlexString `json:"actually_paid"`
}

// Reference возвращает идентификатор счёта, к которому относится уведомление.
func (n Notification) Reference() string {
	for _, v := range []FlexString{n.InvoiceID, n.ID, n.PaymentID} {
		if v != "" {
			return string(v)
		}
	}
	return ""
}

// Статусы платежа NOWPayments
const (
	StatusWaiting       = "waiting"
	StatusConfirming    = "confirming"
	StatusConfirmed     = "confirmed"
	StatusSending       = "sending"
	StatusPartiallyPaid = "partially_paid"
	StatusFinished      = "finished"
	StatusFailed        = "failed"
	StatusRefunded      = "refunded"
	StatusExpired       = "expired"
)

// FlexString принимает значение JSON как строкой, так и числом.
// NOWPayments присылает идентификаторы и суммы в обоих видах.
type FlexString string

// UnmarshalJSON реализует json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*f = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("flex string: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

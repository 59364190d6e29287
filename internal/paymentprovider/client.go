// Package paymentprovider клиент платёжного провайдера NOWPayments:
// создание счетов и проверка подписи IPN-уведомлений.
package paymentprovider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/magabrotheeeer/signals-bot/internal/config"
	"github.com/magabrotheeeer/signals-bot/internal/models"
)

// Client обращается к API NOWPayments.
type Client struct {
	apiKey         string
	ipnSecret      string
	apiURL         string
	payCurrency    string
	ipnCallbackURL string
	successURL     string
	cancelURL      string
	httpClient     *http.Client
}

// NewClient создаёт клиент по настройкам из конфига.
func NewClient(cfg config.NowPayments) *Client {
	return &Client{
		apiKey:         cfg.APIKey,
		ipnSecret:      cfg.IPNSecret,
		apiURL:         strings.TrimRight(cfg.APIURL, "/"),
		payCurrency:    cfg.PayCurrency,
		ipnCallbackURL: cfg.IPNCallbackURL,
		successURL:     cfg.SuccessURL,
		cancelURL:      cfg.CancelURL,
		httpClient:     &http.Client{Timeout: cfg.RequestTimeout},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// CreateInvoice создаёт счёт на сумму price. order_id счёта равен subID,
// поэтому уведомление об оплате однозначно сопоставляется с подпиской.
// Вызов не должен выполняться внутри транзакции хранилища.
func (c *Client) CreateInvoice(ctx context.Context, subID int64, price models.Money) (*Invoice, error) {
	const op = "paymentprovider.CreateInvoice"

	orderID := strconv.FormatInt(subID, 10)
	req, err := c.newRequest(ctx, http.MethodPost, "/invoice", CreateInvoiceRequest{
		PriceAmount:      price.Major(),
		PriceCurrency:    price.Currency,
		PayCurrency:      c.payCurrency,
		OrderID:          orderID,
		OrderDescription: "Subscription #" + orderID,
		IPNCallbackURL:   c.ipnCallbackURL,
		SuccessURL:       c.successURL,
		CancelURL:        c.cancelURL,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s: unexpected status %s: %s", op, resp.Status, strings.TrimSpace(string(body)))
	}

	var invoiceResp CreateInvoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&invoiceResp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", op, err)
	}
	if invoiceResp.ID == "" || invoiceResp.InvoiceURL == "" {
		return nil, fmt.Errorf("%s: response without invoice id or url", op)
	}
	return &Invoice{
		ID:  string(invoiceResp.ID),
		URL: invoiceResp.InvoiceURL,
	}, nil
}

// VerifySignature проверяет HMAC-SHA512 подпись над исходными байтами тела.
// Сравнение выполняется за постоянное время. Без секрета или подписи проверка не проходит.
func (c *Client) VerifySignature(rawBody []byte, signature string) bool {
	if c.ipnSecret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(c.ipnSecret))
	mac.Write(rawBody)
	return hmac.Equal(mac.Sum(nil), got)
}

// Sign вычисляет подпись тела в том виде, в котором её присылает провайдер.
func Sign(secret string, rawBody []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// Package signals клиент внешнего сервиса торговых сигналов.
// Расчёт сигналов выполняется в самом сервисе, здесь только запрос результата.
package signals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotConfigured адрес сервиса сигналов не задан.
var ErrNotConfigured = errors.New("signals service is not configured")

// Client запрашивает сигнал по стратегии и торговой паре.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type signalResponse struct {
	Signal bool `json:"signal"`
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// CheckSignal возвращает true, если стратегия plan даёт сигнал на покупку symbol.
func (c *Client) CheckSignal(ctx context.Context, plan, symbol string) (bool, error) {
	const op = "signals.CheckSignal"
	if c.baseURL == "" {
		return false, fmt.Errorf("%s: %w", op, ErrNotConfigured)
	}

	endpoint := c.baseURL + "/signals/" + url.PathEscape(plan) + "/" + url.PathEscape(symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, fmt.Errorf("%s: unexpected status %s", op, resp.Status)
	}

	var out signalResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return out.Signal, nil
}

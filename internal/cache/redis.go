// Package cache кеш в Redis. Хранит ссылку на оплату pending подписки,
// чтобы при повторном выборе тарифа не создавать новый счёт у провайдера.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/magabrotheeeer/signals-bot/internal/config"
)

// InvoiceTTL время жизни ссылки на оплату. NOWPayments держит счёт открытым примерно сутки.
const InvoiceTTL = 24 * time.Hour

type Cache struct {
	Db *redis.Client
}

// PendingInvoice ссылка на оплату, выданная пользователю.
type PendingInvoice struct {
	InvoiceID string `json:"invoice_id"`
	URL       string `json:"url"`
}

func InitServer(ctx context.Context, cfg config.RedisConnection) (*Cache, error) {
	const op = "cache.InitServer"
	db := redis.NewClient(&redis.Options{
		Addr:         cfg.AddressRedis,
		Password:     cfg.Password,
		DB:           cfg.DB,
		Username:     cfg.User,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.TimeoutRedis,
		WriteTimeout: cfg.TimeoutRedis,
	})

	if err := db.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Cache{Db: db}, nil
}

func (c *Cache) Close() error {
	return c.Db.Close()
}

func (c *Cache) Get(ctx context.Context, key string, result any) (bool, error) {
	const op = "cache.Get"
	val, err := c.Db.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if err = json.Unmarshal(val, result); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	const op = "cache.Set"
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err = c.Db.Set(ctx, key, jsonData, expiration).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (c *Cache) Invalidate(ctx context.Context, key string) error {
	const op = "cache.Invalidate"
	if err := c.Db.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func invoiceKey(subID int64) string {
	return "invoice:" + strconv.FormatInt(subID, 10)
}

// SaveInvoice запоминает ссылку на оплату подписки subID.
func (c *Cache) SaveInvoice(ctx context.Context, subID int64, inv PendingInvoice) error {
	return c.Set(ctx, invoiceKey(subID), inv, InvoiceTTL)
}

// GetInvoice возвращает ссылку на оплату, если она ещё в кеше.
func (c *Cache) GetInvoice(ctx context.Context, subID int64) (*PendingInvoice, bool, error) {
	var inv PendingInvoice
	found, err := c.Get(ctx, invoiceKey(subID), &inv)
	if err != nil || !found {
		return nil, false, err
	}
	return &inv, true, nil
}

// DeleteInvoice удаляет ссылку при отмене подписки. После активации ссылка
// не используется и истекает по TTL.
func (c *Cache) DeleteInvoice(ctx context.Context, subID int64) error {
	return c.Invalidate(ctx, invoiceKey(subID))
}

// EventTTL сколько помнить отправленные уведомления.
const EventTTL = 7 * 24 * time.Hour

func eventKey(eventID string) string {
	return "event:" + eventID
}

// EventSent сообщает, было ли уведомление с таким id уже отправлено.
func (c *Cache) EventSent(ctx context.Context, eventID string) (bool, error) {
	const op = "cache.EventSent"
	n, err := c.Db.Exists(ctx, eventKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n > 0, nil
}

// MarkEventSent запоминает отправленное уведомление на EventTTL.
func (c *Cache) MarkEventSent(ctx context.Context, eventID string) error {
	const op = "cache.MarkEventSent"
	if err := c.Db.Set(ctx, eventKey(eventID), 1, EventTTL).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

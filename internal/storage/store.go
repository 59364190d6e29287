// Package storage описывает контракт хранилища пользователей и подписок.
// Реализации: repository (PostgreSQL) и memory (в памяти, для тестов).
//
// Все многошаговые операции, которые поддерживают инварианты подписки,
// выполняются внутри WithinTx. Транзакция открывается на одну логическую
// операцию и никогда не удерживается во время сетевых вызовов к внешним сервисам.
package storage

import (
	"context"
	"time"

	"github.com/magabrotheeeer/signals-bot/internal/models"
)

// Store хранилище пользователей и подписок.
//
// Методы возвращают models.ErrNotFound, если запись не найдена.
type Store interface {
	// UpsertUser создаёт пользователя или обновляет непустые поля meta у существующего.
	UpsertUser(ctx context.Context, externalID string, meta models.UserMeta) (*models.User, error)
	// GetUser возвращает пользователя по внешнему идентификатору.
	GetUser(ctx context.Context, externalID string) (*models.User, error)
	// SetAdmin выставляет флаг администратора.
	SetAdmin(ctx context.Context, externalID string, isAdmin bool) error

	// GetActiveByExternalID возвращает подписку со статусом active и end_date >= now.
	GetActiveByExternalID(ctx context.Context, externalID string, now time.Time) (*models.Subscription, error)
	// GetOpenByExternalID возвращает подписку пользователя в статусе pending или active.
	GetOpenByExternalID(ctx context.Context, externalID string) (*models.Subscription, error)
	// ListActiveEndingBetween возвращает активные подписки с end_date в [from, to).
	ListActiveEndingBetween(ctx context.Context, from, to time.Time) ([]*models.Subscription, error)
	// ExpireDue атомарно переводит все active подписки с end_date < now в expired
	// и возвращает переведённые записи.
	ExpireDue(ctx context.Context, now time.Time) ([]*models.Subscription, error)

	// WithinTx выполняет fn в одной транзакции. Если fn вернула ошибку,
	// изменения откатываются и ошибка возвращается без изменений.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx операции, доступные внутри транзакции.
type Tx interface {
	// EnsureUser возвращает пользователя, создавая его при первом обращении.
	EnsureUser(ctx context.Context, externalID string) (*models.User, error)
	// ExpireStale переводит в expired активную подписку пользователя с end_date < now.
	// Возвращает число переведённых строк (0 или 1).
	ExpireStale(ctx context.Context, userID int64, now time.Time) (int64, error)
	// InsertSubscription сохраняет новую подписку и заполняет ID и временные метки.
	// Возвращает models.ErrConflict, если у пользователя уже есть открытая подписка.
	InsertSubscription(ctx context.Context, sub *models.Subscription) error
	// GetSubscriptionForUpdate читает подписку с блокировкой строки до конца транзакции.
	GetSubscriptionForUpdate(ctx context.Context, id int64) (*models.Subscription, error)
	// UpdateSubscription сохраняет статус, даты и платёжный идентификатор подписки.
	// Возвращает models.ErrAlreadyAttached, если идентификатор уже принадлежит другой подписке.
	UpdateSubscription(ctx context.Context, sub *models.Subscription) error
}

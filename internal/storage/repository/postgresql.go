// Package repository реализует хранилище пользователей и подписок на PostgreSQL.
// Инварианты подписки (одна открытая подписка на пользователя, уникальность
// платёжного идентификатора, согласованность дат) закреплены ограничениями схемы,
// а нарушения уникальных индексов переводятся в доменные ошибки models.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	// Регистрация драйвера pgx для использования с database/sql.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/magabrotheeeer/signals-bot/internal/models"
	"github.com/magabrotheeeer/signals-bot/internal/storage"
)

// Имена уникальных индексов из migrations/000001_init.up.sql.
const (
	openSubscriptionIndex = "subscriptions_one_open_per_user"
	paymentRefIndex       = "subscriptions_payment_ref_key"
)

// Storage инкапсулирует пул соединений с PostgreSQL.
// Соединение берётся из пула на время одной операции или транзакции.
type Storage struct {
	DB *sql.DB
}

var _ storage.Store = (*Storage)(nil)

// querier общее подмножество *sql.DB и *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New создаёт пул соединений с PostgreSQL и проверяет доступность базы.
func New(storageConnectionString string) (*Storage, error) {
	const op = "storage.New"

	db, err := sql.Open("pgx", storageConnectionString)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err = db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{
		DB: db,
	}, nil
}

// Close закрывает пул соединений.
func (s *Storage) Close() error {
	return s.DB.Close()
}

// CheckDatabaseReady проверяет, что миграции применены.
func CheckDatabaseReady(ctx context.Context, storage *Storage) error {
	var exists bool
	err := storage.DB.QueryRowContext(ctx, `SELECT EXISTS (
        SELECT FROM information_schema.tables 
        WHERE table_name = 'subscriptions'
    )`).Scan(&exists)
	if err != nil {
		return fmt.Errorf("required table subscriptions query error: %w", err)
	}
	if !exists {
		return errors.New("required table subscriptions missing")
	}
	return nil
}

// WaitForDB ждёт, пока CheckDatabaseReady не пройдёт, делая до attempts попыток.
func WaitForDB(ctx context.Context, db *Storage, attempts int, delay time.Duration) error {
	var err error
	for range attempts {
		if err = CheckDatabaseReady(ctx, db); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("database not ready after retries: %w", err)
}

// WithinTx выполняет fn в транзакции с уровнем изоляции read committed.
// Гонку «проверка и вставка» закрывает частичный уникальный индекс.
func (s *Storage) WithinTx(ctx context.Context, fn func(tx storage.Tx) error) (err error) {
	const op = "storage.WithinTx"

	sqlTx, err := s.DB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err = fn(&txStorage{q: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// txStorage реализует storage.Tx поверх открытой транзакции.
type txStorage struct {
	q querier
}

// mapError переводит ошибки драйвера в доменные ошибки.
func mapError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		switch pgErr.ConstraintName {
		case openSubscriptionIndex:
			return models.ErrConflict
		case paymentRefIndex:
			return models.ErrAlreadyAttached
		}
	}
	return err
}

func checkCtx(ctx context.Context, op string) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
		return nil
	}
}

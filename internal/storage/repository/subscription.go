package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/magabrotheeeer/signals-bot/internal/models"
)

const subscriptionColumns = `s.id, s.user_id, u.external_id, s.plan, s.status, s.start_date, s.end_date,
	s.payment_ref, s.price_amount, s.currency, s.created_at, s.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var (
		sub        models.Subscription
		status     string
		startDate  sql.NullTime
		endDate    sql.NullTime
		paymentRef sql.NullString
	)
	err := row.Scan(&sub.ID, &sub.UserID, &sub.ExternalID, &sub.Plan, &status, &startDate, &endDate,
		&paymentRef, &sub.Price.Amount, &sub.Price.Currency, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.Status = models.Status(status)
	if startDate.Valid {
		t := startDate.Time
		sub.StartDate = &t
	}
	if endDate.Valid {
		t := endDate.Time
		sub.EndDate = &t
	}
	if paymentRef.Valid {
		r := paymentRef.String
		sub.PaymentRef = &r
	}
	return &sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]*models.Subscription, error) {
	defer rows.Close()

	var result []*models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// GetActiveByExternalID возвращает подписку, активную в момент now.
// Подписка с истёкшим end_date не возвращается, даже если фоновая задача её ещё не перевела.
func (s *Storage) GetActiveByExternalID(ctx context.Context, externalID string, now time.Time) (*models.Subscription, error) {
	const op = "storage.GetActiveByExternalID"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	query := `SELECT ` + subscriptionColumns + `
			  FROM subscriptions s
			  JOIN users u ON u.id = s.user_id
			  WHERE u.external_id = $1 AND s.status = 'active' AND s.end_date >= $2
			  ORDER BY s.end_date DESC
			  LIMIT 1`
	sub, err := scanSubscription(s.DB.QueryRowContext(ctx, query, externalID, now))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapError(err))
	}
	return sub, nil
}

// GetOpenByExternalID возвращает подписку пользователя в статусе pending или active.
func (s *Storage) GetOpenByExternalID(ctx context.Context, externalID string) (*models.Subscription, error) {
	const op = "storage.GetOpenByExternalID"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	query := `SELECT ` + subscriptionColumns + `
			  FROM subscriptions s
			  JOIN users u ON u.id = s.user_id
			  WHERE u.external_id = $1 AND s.status IN ('pending', 'active')`
	sub, err := scanSubscription(s.DB.QueryRowContext(ctx, query, externalID))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapError(err))
	}
	return sub, nil
}

// ListActiveEndingBetween возвращает активные подписки, которые заканчиваются в [from, to).
func (s *Storage) ListActiveEndingBetween(ctx context.Context, from, to time.Time) ([]*models.Subscription, error) {
	const op = "storage.ListActiveEndingBetween"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	query := `SELECT ` + subscriptionColumns + `
			  FROM subscriptions s
			  JOIN users u ON u.id = s.user_id
			  WHERE s.status = 'active' AND s.end_date >= $1 AND s.end_date < $2
			  ORDER BY s.end_date`
	rows, err := s.DB.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	result, err := scanSubscriptions(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// ExpireDue одним запросом переводит просроченные активные подписки в expired.
func (s *Storage) ExpireDue(ctx context.Context, now time.Time) ([]*models.Subscription, error) {
	const op = "storage.ExpireDue"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	query := `UPDATE subscriptions s
			  SET status = 'expired', updated_at = NOW()
			  FROM users u
			  WHERE u.id = s.user_id AND s.status = 'active' AND s.end_date < $1
			  RETURNING ` + subscriptionColumns
	rows, err := s.DB.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	result, err := scanSubscriptions(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// InsertSubscription сохраняет новую подписку.
func (t *txStorage) InsertSubscription(ctx context.Context, sub *models.Subscription) error {
	const op = "storage.InsertSubscription"

	query := `INSERT INTO subscriptions (user_id, plan, status, start_date, end_date, payment_ref,
				  price_amount, currency)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			  RETURNING id, created_at, updated_at`
	err := t.q.QueryRowContext(ctx, query,
		sub.UserID, sub.Plan, string(sub.Status), sub.StartDate, sub.EndDate, sub.PaymentRef,
		sub.Price.Amount, sub.Price.Currency,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, mapError(err))
	}
	return nil
}

// GetSubscriptionForUpdate читает подписку и блокирует её строку до конца транзакции.
func (t *txStorage) GetSubscriptionForUpdate(ctx context.Context, id int64) (*models.Subscription, error) {
	const op = "storage.GetSubscriptionForUpdate"

	query := `SELECT ` + subscriptionColumns + `
			  FROM subscriptions s
			  JOIN users u ON u.id = s.user_id
			  WHERE s.id = $1
			  FOR UPDATE OF s`
	sub, err := scanSubscription(t.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapError(err))
	}
	return sub, nil
}

// UpdateSubscription сохраняет изменяемые поля подписки.
func (t *txStorage) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	const op = "storage.UpdateSubscription"

	query := `UPDATE subscriptions
			  SET status = $1, start_date = $2, end_date = $3, payment_ref = $4, updated_at = NOW()
			  WHERE id = $5
			  RETURNING updated_at`
	err := t.q.QueryRowContext(ctx, query,
		string(sub.Status), sub.StartDate, sub.EndDate, sub.PaymentRef, sub.ID,
	).Scan(&sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, mapError(err))
	}
	return nil
}

// ExpireStale закрывает просроченную активную подписку пользователя до вставки новой.
func (t *txStorage) ExpireStale(ctx context.Context, userID int64, now time.Time) (int64, error) {
	const op = "storage.ExpireStale"

	res, err := t.q.ExecContext(ctx, `UPDATE subscriptions
			  SET status = 'expired', updated_at = NOW()
			  WHERE user_id = $1 AND status = 'active' AND end_date < $2`, userID, now)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

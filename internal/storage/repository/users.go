package repository

import (
	"context"
	"fmt"

	"github.com/magabrotheeeer/signals-bot/internal/models"
)

const userColumns = `id, external_id, username, first_name, last_name, is_admin, created_at`

// Пустые поля meta не затирают сохранённые значения.
const upsertUserQuery = `INSERT INTO users (external_id, username, first_name, last_name)
		  VALUES ($1, $2, $3, $4)
		  ON CONFLICT (external_id) DO UPDATE
		  SET username   = COALESCE(NULLIF(EXCLUDED.username, ''), users.username),
		      first_name = COALESCE(NULLIF(EXCLUDED.first_name, ''), users.first_name),
		      last_name  = COALESCE(NULLIF(EXCLUDED.last_name, ''), users.last_name)
		  RETURNING ` + userColumns

func upsertUser(ctx context.Context, q querier, externalID string, meta models.UserMeta) (*models.User, error) {
	u := &models.User{}
	err := q.QueryRowContext(ctx, upsertUserQuery,
		externalID, meta.Username, meta.FirstName, meta.LastName,
	).Scan(&u.ID, &u.ExternalID, &u.Username, &u.FirstName, &u.LastName, &u.IsAdmin, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// UpsertUser создаёт пользователя при первом обращении и возвращает его.
func (s *Storage) UpsertUser(ctx context.Context, externalID string, meta models.UserMeta) (*models.User, error) {
	const op = "storage.UpsertUser"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	u, err := upsertUser(ctx, s.DB, externalID, meta)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapError(err))
	}
	return u, nil
}

// EnsureUser возвращает пользователя внутри транзакции, создавая его при необходимости.
func (t *txStorage) EnsureUser(ctx context.Context, externalID string) (*models.User, error) {
	const op = "storage.EnsureUser"

	u, err := upsertUser(ctx, t.q, externalID, models.UserMeta{})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapError(err))
	}
	return u, nil
}

// GetUser возвращает пользователя по его Telegram ID.
func (s *Storage) GetUser(ctx context.Context, externalID string) (*models.User, error) {
	const op = "storage.GetUser"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}

	query := `SELECT ` + userColumns + ` FROM users WHERE external_id = $1`
	u := &models.User{}
	err := s.DB.QueryRowContext(ctx, query, externalID).
		Scan(&u.ID, &u.ExternalID, &u.Username, &u.FirstName, &u.LastName, &u.IsAdmin, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, mapError(err))
	}
	return u, nil
}

// SetAdmin выставляет или снимает флаг администратора.
func (s *Storage) SetAdmin(ctx context.Context, externalID string, isAdmin bool) error {
	const op = "storage.SetAdmin"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}

	res, err := s.DB.ExecContext(ctx, `UPDATE users SET is_admin = $1 WHERE external_id = $2`, isAdmin, externalID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	return nil
}

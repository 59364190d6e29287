package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/signals-bot/internal/models"
	"github.com/magabrotheeeer/signals-bot/internal/storage"
)

func insertPending(t *testing.T, s *Store, externalID string) *models.Subscription {
	t.Helper()
	sub := &models.Subscription{Plan: "strategy_one", Status: models.StatusPending,
		Price: models.Money{Amount: 4000, Currency: "usd"}}
	err := s.WithinTx(context.Background(), func(tx storage.Tx) error {
		u, err := tx.EnsureUser(context.Background(), externalID)
		if err != nil {
			return err
		}
		sub.UserID = u.ID
		return tx.InsertSubscription(context.Background(), sub)
	})
	require.NoError(t, err)
	return sub
}

func TestStore_RollbackOnError(t *testing.T) {
	s := New()
	boom := errors.New("boom")

	err := s.WithinTx(context.Background(), func(tx storage.Tx) error {
		_, _ = tx.EnsureUser(context.Background(), "1")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetUser(context.Background(), "1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStore_Conflicts(t *testing.T) {
	s := New()
	first := insertPending(t, s, "1")
	assert.NotZero(t, first.ID)

	err := s.WithinTx(context.Background(), func(tx storage.Tx) error {
		u, _ := tx.EnsureUser(context.Background(), "1")
		return tx.InsertSubscription(context.Background(), &models.Subscription{UserID: u.ID, Status: models.StatusPending})
	})
	assert.ErrorIs(t, err, models.ErrConflict)

	second := insertPending(t, s, "2")
	ref := "R1"
	attach := func(id int64) error {
		return s.WithinTx(context.Background(), func(tx storage.Tx) error {
			sub, err := tx.GetSubscriptionForUpdate(context.Background(), id)
			if err != nil {
				return err
			}
			sub.PaymentRef = &ref
			return tx.UpdateSubscription(context.Background(), sub)
		})
	}
	require.NoError(t, attach(first.ID))
	assert.ErrorIs(t, attach(second.ID), models.ErrAlreadyAttached)
	assert.ErrorIs(t, attach(42), models.ErrNotFound)
}

func TestStore_ExpireDue(t *testing.T) {
	s := New()
	sub := insertPending(t, s, "1")
	now := time.Now()
	start, end := now.Add(-2*time.Hour), now.Add(-time.Hour)

	err := s.WithinTx(context.Background(), func(tx storage.Tx) error {
		stored, err := tx.GetSubscriptionForUpdate(context.Background(), sub.ID)
		if err != nil {
			return err
		}
		stored.Status = models.StatusActive
		stored.StartDate, stored.EndDate = &start, &end
		return tx.UpdateSubscription(context.Background(), stored)
	})
	require.NoError(t, err)

	_, err = s.GetActiveByExternalID(context.Background(), "1", now)
	assert.ErrorIs(t, err, models.ErrNotFound)

	expired, err := s.ExpireDue(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "1", expired[0].ExternalID)

	expired, err = s.ExpireDue(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestStore_RejectsInvalidDates(t *testing.T) {
	s := New()
	sub := insertPending(t, s, "1")

	err := s.WithinTx(context.Background(), func(tx storage.Tx) error {
		stored, _ := tx.GetSubscriptionForUpdate(context.Background(), sub.ID)
		stored.Status = models.StatusActive
		return tx.UpdateSubscription(context.Background(), stored)
	})
	assert.Error(t, err)
}

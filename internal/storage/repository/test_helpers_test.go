package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/magabrotheeeer/signals-bot/internal/migrations"
	"github.com/magabrotheeeer/signals-bot/internal/models"
	"github.com/magabrotheeeer/signals-bot/internal/storage"
)

const postgresPort = nat.Port("5432/tcp")

// setupTestDatabase поднимает PostgreSQL в контейнере и применяет миграции
func setupTestDatabase(t *testing.T) *Storage {
	t.Helper()
	if testing.Short() {
		t.Skip("requires docker")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{string(postgresPort)},
		Env: map[string]string{
			"POSTGRES_DB":       "testdb",
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort(postgresPort),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		).WithDeadline(3 * time.Minute),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start container")
	t.Cleanup(func() {
		_ = postgresContainer.Terminate(ctx)
	})

	host, err := postgresContainer.Host(ctx)
	require.NoError(t, err)
	port, err := postgresContainer.MappedPort(ctx, postgresPort)
	require.NoError(t, err, "Failed to get port")

	connStr := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())

	// Пробуем подключиться несколько раз с ретраями
	var s *Storage
	for range 10 {
		s, err = New(connStr)
		if err == nil {
			break
		}
		time.Sleep(time.Second)
	}
	require.NoError(t, err, "Failed to create storage after retries")
	t.Cleanup(func() { _ = s.Close() })

	migrationsPath, err := filepath.Abs("../../../migrations")
	require.NoError(t, err)
	require.NoError(t, migrations.Run(s.DB, migrationsPath))
	require.NoError(t, CheckDatabaseReady(ctx, s))

	return s
}

// createPending создаёт пользователя и pending подписку в одной транзакции
func createPending(t *testing.T, s *Storage, externalID, plan string) *models.Subscription {
	t.Helper()
	var sub *models.Subscription
	err := s.WithinTx(context.Background(), func(tx storage.Tx) error {
		u, err := tx.EnsureUser(context.Background(), externalID)
		if err != nil {
			return err
		}
		sub = &models.Subscription{
			UserID: u.ID,
			Plan:   plan,
			Status: models.StatusPending,
			Price:  models.Money{Amount: 4000, Currency: "usd"},
		}
		return tx.InsertSubscription(context.Background(), sub)
	})
	require.NoError(t, err)
	return sub
}

// activateDirect переводит подписку в active с заданным окном действия
func activateDirect(t *testing.T, s *Storage, id int64, start, end time.Time) {
	t.Helper()
	_, err := s.DB.Exec(`UPDATE subscriptions SET status = 'active', start_date = $1, end_date = $2 WHERE id = $3`,
		start, end, id)
	require.NoError(t, err)
}

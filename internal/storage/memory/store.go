// Package memory реализует storage.Store в памяти процесса.
// Используется в тестах сервисов и для локального запуска без PostgreSQL.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/magabrotheeeer/signals-bot/internal/models"
	"github.com/magabrotheeeer/signals-bot/internal/storage"
)

// Store хранит пользователей и подписки в map под одним мьютексом.
// Транзакции сериализуются: WithinTx держит блокировку до фиксации
// и работает с копией данных, которая заменяет оригинал только при успехе.
type Store struct {
	mu sync.Mutex

	data state
}

type state struct {
	users         map[string]*models.User // по external_id
	subscriptions map[int64]*models.Subscription
	nextUserID    int64
	nextSubID     int64
}

var _ storage.Store = (*Store)(nil)

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{
		data: state{
			users:         make(map[string]*models.User),
			subscriptions: make(map[int64]*models.Subscription),
		},
	}
}

func (st state) clone() state {
	c := state{
		users:         make(map[string]*models.User, len(st.users)),
		subscriptions: make(map[int64]*models.Subscription, len(st.subscriptions)),
		nextUserID:    st.nextUserID,
		nextSubID:     st.nextSubID,
	}
	for k, u := range st.users {
		cp := *u
		c.users[k] = &cp
	}
	for k, s := range st.subscriptions {
		c.subscriptions[k] = s.Clone()
	}
	return c
}

func (st *state) upsertUser(externalID string, meta models.UserMeta) *models.User {
	u, ok := st.users[externalID]
	if !ok {
		st.nextUserID++
		u = &models.User{ID: st.nextUserID, ExternalID: externalID, CreatedAt: time.Now()}
		st.users[externalID] = u
	}
	if meta.Username != "" {
		u.Username = meta.Username
	}
	if meta.FirstName != "" {
		u.FirstName = meta.FirstName
	}
	if meta.LastName != "" {
		u.LastName = meta.LastName
	}
	cp := *u
	return &cp
}

func (st *state) withExternalID(sub *models.Subscription) *models.Subscription {
	c := sub.Clone()
	for _, u := range st.users {
		if u.ID == sub.UserID {
			c.ExternalID = u.ExternalID
			break
		}
	}
	return c
}

func (st *state) openFor(externalID string) *models.Subscription {
	u, ok := st.users[externalID]
	if !ok {
		return nil
	}
	for _, s := range st.subscriptions {
		if s.UserID == u.ID && s.Status.Open() {
			return s
		}
	}
	return nil
}

// UpsertUser создаёт пользователя или обновляет непустые поля meta.
func (s *Store) UpsertUser(ctx context.Context, externalID string, meta models.UserMeta) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.data.upsertUser(externalID, meta), nil
}

// GetUser возвращает пользователя по внешнему идентификатору.
func (s *Store) GetUser(ctx context.Context, externalID string) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.data.users[externalID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// SetAdmin выставляет флаг администратора.
func (s *Store) SetAdmin(ctx context.Context, externalID string, isAdmin bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.data.users[externalID]
	if !ok {
		return models.ErrNotFound
	}
	u.IsAdmin = isAdmin
	return nil
}

// GetActiveByExternalID возвращает подписку, активную в момент now.
func (s *Store) GetActiveByExternalID(ctx context.Context, externalID string, now time.Time) (*models.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.data.openFor(externalID)
	if sub == nil || !sub.ActiveAt(now) {
		return nil, models.ErrNotFound
	}
	return s.data.withExternalID(sub), nil
}

// GetOpenByExternalID возвращает pending или active подписку пользователя.
func (s *Store) GetOpenByExternalID(ctx context.Context, externalID string) (*models.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.data.openFor(externalID)
	if sub == nil {
		return nil, models.ErrNotFound
	}
	return s.data.withExternalID(sub), nil
}

// ListActiveEndingBetween возвращает активные подписки с end_date в [from, to).
func (s *Store) ListActiveEndingBetween(ctx context.Context, from, to time.Time) ([]*models.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*models.Subscription
	for _, sub := range s.data.subscriptions {
		if sub.Status != models.StatusActive || sub.EndDate == nil {
			continue
		}
		if !sub.EndDate.Before(from) && sub.EndDate.Before(to) {
			result = append(result, s.data.withExternalID(sub))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].EndDate.Before(*result[j].EndDate) })
	return result, nil
}

// ExpireDue переводит просроченные активные подписки в expired.
func (s *Store) ExpireDue(ctx context.Context, now time.Time) ([]*models.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*models.Subscription
	for _, sub := range s.data.subscriptions {
		if sub.Status == models.StatusActive && sub.EndDate != nil && sub.EndDate.Before(now) {
			sub.Status = models.StatusExpired
			sub.UpdatedAt = time.Now()
			result = append(result, s.data.withExternalID(sub))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// WithinTx выполняет fn над копией данных и фиксирует её, если fn не вернула ошибку.
func (s *Store) WithinTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{data: s.data.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.data = tx.data
	return nil
}

type memTx struct {
	data state
}

func (t *memTx) EnsureUser(_ context.Context, externalID string) (*models.User, error) {
	return t.data.upsertUser(externalID, models.UserMeta{}), nil
}

func (t *memTx) ExpireStale(_ context.Context, userID int64, now time.Time) (int64, error) {
	var n int64
	for _, sub := range t.data.subscriptions {
		if sub.UserID == userID && sub.Status == models.StatusActive && sub.EndDate != nil && sub.EndDate.Before(now) {
			sub.Status = models.StatusExpired
			sub.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertSubscription(_ context.Context, sub *models.Subscription) error {
	for _, existing := range t.data.subscriptions {
		if existing.UserID == sub.UserID && existing.Status.Open() && sub.Status.Open() {
			return models.ErrConflict
		}
	}
	if err := t.checkRef(sub); err != nil {
		return err
	}
	t.data.nextSubID++
	now := time.Now()
	sub.ID = t.data.nextSubID
	sub.CreatedAt = now
	sub.UpdatedAt = now
	t.data.subscriptions[sub.ID] = sub.Clone()
	return nil
}

func (t *memTx) GetSubscriptionForUpdate(_ context.Context, id int64) (*models.Subscription, error) {
	sub, ok := t.data.subscriptions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return t.data.withExternalID(sub), nil
}

func (t *memTx) UpdateSubscription(_ context.Context, sub *models.Subscription) error {
	stored, ok := t.data.subscriptions[sub.ID]
	if !ok {
		return models.ErrNotFound
	}
	if err := checkDates(sub); err != nil {
		return err
	}
	if err := t.checkRef(sub); err != nil {
		return err
	}
	sub.UpdatedAt = time.Now()
	updated := sub.Clone()
	updated.UserID = stored.UserID
	updated.CreatedAt = stored.CreatedAt
	t.data.subscriptions[sub.ID] = updated
	return nil
}

func (t *memTx) checkRef(sub *models.Subscription) error {
	if sub.PaymentRef == nil {
		return nil
	}
	for id, existing := range t.data.subscriptions {
		if id != sub.ID && existing.PaymentRef != nil && *existing.PaymentRef == *sub.PaymentRef {
			return models.ErrAlreadyAttached
		}
	}
	return nil
}

// checkDates повторяет CHECK-ограничения таблицы subscriptions.
func checkDates(sub *models.Subscription) error {
	switch sub.Status {
	case models.StatusPending:
		if sub.StartDate != nil || sub.EndDate != nil {
			return fmt.Errorf("memory: pending subscription %d must not have dates", sub.ID)
		}
	case models.StatusActive:
		if sub.StartDate == nil || sub.EndDate == nil || sub.StartDate.After(*sub.EndDate) {
			return fmt.Errorf("memory: active subscription %d has invalid dates", sub.ID)
		}
	case models.StatusExpired:
	default:
		return fmt.Errorf("memory: unknown status %q", strings.TrimSpace(string(sub.Status)))
	}
	return nil
}

package telegram

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/signals-bot/internal/cache"
	"github.com/magabrotheeeer/signals-bot/internal/config"
	"github.com/magabrotheeeer/signals-bot/internal/models"
	"github.com/magabrotheeeer/signals-bot/internal/paymentprovider"
	"github.com/magabrotheeeer/signals-bot/internal/services/subscription"
	"github.com/magabrotheeeer/signals-bot/internal/storage/memory"
)

type fakeAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	answered []string
	updates  chan tgbotapi.Update
	stopped  bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{updates: make(chan tgbotapi.Update, 8)}
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := c.(tgbotapi.CallbackConfig); ok {
		f.answered = append(f.answered, cb.CallbackQueryID)
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeAPI) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.MessageConfig
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeAPI) last(t *testing.T) tgbotapi.MessageConfig {
	t.Helper()
	msgs := f.messages()
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

type MockInvoices struct {
	mock.Mock
}

func (m *MockInvoices) CreateInvoice(ctx context.Context, subID int64, price models.Money) (*paymentprovider.Invoice, error) {
	args := m.Called(ctx, subID, price)
	if inv := args.Get(0); inv != nil {
		return inv.(*paymentprovider.Invoice), args.Error(1)
	}
	return nil, args.Error(1)
}

type fakeSignals struct {
	signals map[string]bool
	err     error
}

func (f *fakeSignals) CheckSignal(_ context.Context, _ string, symbol string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.signals[symbol], nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *fakePublisher) Publish(_ context.Context, e models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

type testEnv struct {
	bot       *Bot
	api       *fakeAPI
	manager   *subscription.Manager
	store     *memory.Store
	invoices  *MockInvoices
	cache     *cache.Cache
	signals   *fakeSignals
	publisher *fakePublisher
}

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testPlans = []models.Plan{
	{Code: "strategy_one", Title: "Strategy 1", Price: models.NewMoney(40, "usd")},
	{Code: "strategy_two", Title: "Strategy 2", Price: models.NewMoney(70, "usd")},
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c, err := cache.InitServer(context.Background(), config.RedisConnection{AddressRedis: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	store := memory.New()
	env := &testEnv{
		api:       newFakeAPI(),
		manager:   subscription.New(store, 30*24*time.Hour, newNoopLogger()),
		store:     store,
		invoices:  new(MockInvoices),
		cache:     c,
		signals:   &fakeSignals{signals: map[string]bool{"BTC-USDT": true}},
		publisher: &fakePublisher{},
	}
	env.bot = New(newNoopLogger(), Deps{
		API:       env.api,
		Manager:   env.manager,
		Invoices:  env.invoices,
		Cache:     env.cache,
		Signals:   env.signals,
		Publisher: env.publisher,
	}, Options{
		Plans:     testPlans,
		Symbols:   []string{"BTC-USDT", "ETH-USDT"},
		AdminIDs:  []int64{1},
		RateLimit: 100,
		RateBurst: 100,
	})
	return env
}

func command(userID int64, text string) tgbotapi.Update {
	cmd := strings.Fields(text)[0]
	return tgbotapi.Update{
		Message: &tgbotapi.Message{
			From: &tgbotapi.User{ID: userID, UserName: "trader"},
			Chat: &tgbotapi.Chat{ID: userID},
			Text: text,
			Entities: []tgbotapi.MessageEntity{
				{Type: "bot_command", Offset: 0, Length: len(cmd)},
			},
		},
	}
}

func choosePlan(userID int64, code string) tgbotapi.Update {
	return tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:      "cb-1",
			From:    &tgbotapi.User{ID: userID},
			Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: userID}},
			Data:    planCallbackPrefix + code,
		},
	}
}

func payURL(t *testing.T, m tgbotapi.MessageConfig) string {
	t.Helper()
	kb, ok := m.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok, "expected inline keyboard")
	require.NotEmpty(t, kb.InlineKeyboard)
	btn := kb.InlineKeyboard[0][0]
	require.NotNil(t, btn.URL)
	return *btn.URL
}

func TestStart_ShowsPlansAndRegistersUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.bot.HandleUpdate(ctx, command(42, "/start"))

	msg := env.api.last(t)
	assert.Equal(t, msgWelcome, msg.Text)
	kb, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, kb.InlineKeyboard, 2)
	require.NotNil(t, kb.InlineKeyboard[0][0].CallbackData)
	assert.Equal(t, "plan:strategy_one", *kb.InlineKeyboard[0][0].CallbackData)
	assert.Contains(t, kb.InlineKeyboard[1][0].Text, "70.00 USD")

	user, err := env.store.GetUser(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "trader", user.Username)
}

func TestPlanChoice_IssuesInvoice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.invoices.On("CreateInvoice", mock.Anything, mock.AnythingOfType("int64"), testPlans[0].Price).
		Return(&paymentprovider.Invoice{ID: "inv-1", URL: "https://pay.example/inv-1"}, nil).Once()

	env.bot.HandleUpdate(ctx, choosePlan(42, "strategy_one"))

	assert.Equal(t, "https://pay.example/inv-1", payURL(t, env.api.last(t)))
	assert.Equal(t, []string{"cb-1"}, env.api.answered)

	sub, err := env.manager.GetOpenSubscription(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, models.StatusPending, sub.Status)
	require.NotNil(t, sub.PaymentRef)
	assert.Equal(t, "inv-1", *sub.PaymentRef)

	cached, found, err := env.cache.GetInvoice(ctx, sub.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "inv-1", cached.InvoiceID)
	env.invoices.AssertExpectations(t)
}

func TestPlanChoice_RepeatResendsCachedLink(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.invoices.On("CreateInvoice", mock.Anything, mock.Anything, mock.Anything).
		Return(&paymentprovider.Invoice{ID: "inv-1", URL: "https://pay.example/inv-1"}, nil).Once()

	env.bot.HandleUpdate(ctx, choosePlan(42, "strategy_one"))
	env.bot.HandleUpdate(ctx, choosePlan(42, "strategy_two"))

	assert.Equal(t, "https://pay.example/inv-1", payURL(t, env.api.last(t)))
	env.invoices.AssertNumberOfCalls(t, "CreateInvoice", 1)
}

func TestPlanChoice_InvoiceFailureKeepsPendingForRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.invoices.On("CreateInvoice", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("provider down")).Once()
	env.invoices.On("CreateInvoice", mock.Anything, mock.Anything, mock.Anything).
		Return(&paymentprovider.Invoice{ID: "inv-2", URL: "https://pay.example/inv-2"}, nil).Once()

	env.bot.HandleUpdate(ctx, choosePlan(42, "strategy_one"))
	assert.Equal(t, msgInvoiceFailed, env.api.last(t).Text)

	sub, err := env.manager.GetOpenSubscription(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Nil(t, sub.PaymentRef)

	env.bot.HandleUpdate(ctx, choosePlan(42, "strategy_one"))
	assert.Equal(t, "https://pay.example/inv-2", payURL(t, env.api.last(t)))

	sub, err = env.manager.GetOpenSubscription(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, sub.PaymentRef)
	assert.Equal(t, "inv-2", *sub.PaymentRef)
}

func TestPlanChoice_UnknownPlan(t *testing.T) {
	env := newTestEnv(t)

	env.bot.HandleUpdate(context.Background(), choosePlan(42, "gold"))

	assert.Equal(t, msgUnknownPlan, env.api.last(t).Text)
	env.invoices.AssertNotCalled(t, "CreateInvoice", mock.Anything, mock.Anything, mock.Anything)
}

func activeSubscription(t *testing.T, env *testEnv, user string) *models.Subscription {
	t.Helper()
	ctx := context.Background()
	sub, err := env.manager.RequestSubscription(ctx, user, "strategy_one", testPlans[0].Price)
	require.NoError(t, err)
	require.NoError(t, env.manager.AttachPaymentReference(ctx, sub.ID, "ref-"+user))
	active, err := env.manager.Activate(ctx, sub.ID, "ref-"+user, testPlans[0].Price)
	require.NoError(t, err)
	return active
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.bot.HandleUpdate(ctx, command(42, "/status"))
	assert.Equal(t, msgNoSubscription, env.api.last(t).Text)

	activeSubscription(t, env, "42")
	env.bot.HandleUpdate(ctx, command(42, "/status"))
	text := env.api.last(t).Text
	assert.Contains(t, text, "Strategy 1")
	assert.Contains(t, text, "active")
}

func TestAnalysis(t *testing.T) {
	t.Run("requires active subscription", func(t *testing.T) {
		env := newTestEnv(t)
		env.bot.HandleUpdate(context.Background(), command(42, "/analysis"))
		assert.Equal(t, msgNoSubscription, env.api.last(t).Text)
	})

	t.Run("reports signals per symbol", func(t *testing.T) {
		env := newTestEnv(t)
		activeSubscription(t, env, "42")

		env.bot.HandleUpdate(context.Background(), command(42, "/analysis"))

		text := env.api.last(t).Text
		assert.Contains(t, text, "BTC-USDT: signal")
		assert.Contains(t, text, "ETH-USDT: no signal")
	})

	t.Run("signals service down", func(t *testing.T) {
		env := newTestEnv(t)
		activeSubscription(t, env, "42")
		env.signals.err = errors.New("connection refused")

		env.bot.HandleUpdate(context.Background(), command(42, "/analysis"))

		assert.Equal(t, msgSignalsDown, env.api.last(t).Text)
	})
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.bot.HandleUpdate(ctx, command(42, "/cancel"))
	assert.Equal(t, msgNothingToCancel, env.api.last(t).Text)

	sub := activeSubscription(t, env, "42")
	require.NoError(t, env.cache.SaveInvoice(ctx, sub.ID, cache.PendingInvoice{InvoiceID: "ref-42"}))

	env.bot.HandleUpdate(ctx, command(42, "/cancel"))
	assert.Equal(t, msgCanceled, env.api.last(t).Text)

	open, err := env.manager.GetOpenSubscription(ctx, "42")
	require.NoError(t, err)
	assert.Nil(t, open)

	_, found, err := env.cache.GetInvoice(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSweep(t *testing.T) {
	t.Run("forbidden for regular users", func(t *testing.T) {
		env := newTestEnv(t)
		env.bot.HandleUpdate(context.Background(), command(42, "/sweep"))
		assert.Equal(t, msgForbidden, env.api.last(t).Text)
	})

	t.Run("configured admin", func(t *testing.T) {
		env := newTestEnv(t)
		env.bot.HandleUpdate(context.Background(), command(1, "/sweep"))
		assert.Equal(t, "Expired subscriptions: 0", env.api.last(t).Text)
		assert.Empty(t, env.publisher.events)
	})

	t.Run("admin flag in storage", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		_, err := env.manager.GetOrCreateUser(ctx, "7", models.UserMeta{})
		require.NoError(t, err)
		require.NoError(t, env.manager.SetAdmin(ctx, "7", true))

		env.bot.HandleUpdate(ctx, command(7, "/sweep"))
		assert.Equal(t, "Expired subscriptions: 0", env.api.last(t).Text)
	})
}

func TestUnknownCommandAndHelp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.bot.HandleUpdate(ctx, command(42, "/foo"))
	assert.Equal(t, msgUnknownCommand, env.api.last(t).Text)

	env.bot.HandleUpdate(ctx, command(42, "/help"))
	assert.Equal(t, msgHelp, env.api.last(t).Text)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t)
	env.bot.limiter = newUserLimiter(0.001, 1)
	ctx := context.Background()

	env.bot.HandleUpdate(ctx, command(42, "/help"))
	env.bot.HandleUpdate(ctx, command(42, "/help"))
	assert.Equal(t, msgTooManyRequests, env.api.last(t).Text)

	env.bot.HandleUpdate(ctx, command(43, "/help"))
	assert.Equal(t, msgHelp, env.api.last(t).Text)
}

func TestRun_StopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- env.bot.Run(ctx) }()

	env.api.updates <- command(42, "/help")
	require.Eventually(t, func() bool { return len(env.api.messages()) == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	env.api.mu.Lock()
	assert.True(t, env.api.stopped)
	env.api.mu.Unlock()
}

// blockingAPI держит Send, пока не закрыт release.
type blockingAPI struct {
	*fakeAPI
	release chan struct{}
	mu      sync.Mutex
	inSend  int
}

func (b *blockingAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	b.inSend++
	b.mu.Unlock()
	<-b.release
	return b.fakeAPI.Send(c)
}

func (b *blockingAPI) sending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inSend
}

func TestRun_StopsPollingWhenAllWorkersBusy(t *testing.T) {
	env := newTestEnv(t)
	api := &blockingAPI{fakeAPI: env.api, release: make(chan struct{})}
	env.bot.API = api

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.bot.Run(ctx) }()

	go func() {
		for i := 0; i <= maxConcurrentUpdates; i++ {
			env.api.updates <- command(int64(100+i), "/help")
		}
	}()

	require.Eventually(t, func() bool {
		return api.sending() == maxConcurrentUpdates && len(env.api.updates) == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		env.api.mu.Lock()
		defer env.api.mu.Unlock()
		return env.api.stopped
	}, time.Second, 10*time.Millisecond)

	close(api.release)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, maxConcurrentUpdates, api.sending())
}

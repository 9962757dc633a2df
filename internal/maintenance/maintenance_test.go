package maintenance

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finance-tracker/internal/auth"
	"finance-tracker/internal/observability"
)

type harness struct {
	users    *auth.MemoryUserStore
	registry *auth.TokenRegistry
	guard    *auth.LockoutGuard
	issuer   *auth.TokenIssuer
	events   *observability.EventBuffer
	logs     *bytes.Buffer
	logger   *observability.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	events := observability.NewEventBuffer(64)
	users := auth.NewMemoryUserStore()
	tokens := auth.NewObservedTokenStore(auth.NewMemoryTokenStore(), events)
	logs := &bytes.Buffer{}

	return &harness{
		users:    users,
		registry: auth.NewTokenRegistry(tokens),
		guard:    auth.NewLockoutGuard(users, 3, 10*time.Minute),
		issuer:   auth.NewTokenIssuer("maintenance-test-key-0123456789abcdef", 0, 0),
		events:   events,
		logs:     logs,
		logger:   observability.NewLoggerTo(logs),
	}
}

func (h *harness) addUser(t *testing.T, username string) {
	t.Helper()
	_, err := h.users.SaveUser(context.Background(), auth.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "unused",
		Roles:        []string{auth.RoleUser},
	})
	require.NoError(t, err)
}

func TestSweeper_RunOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()

	h.addUser(t, "bob")
	h.addUser(t, "carol")

	pair, err := h.issuer.IssuePair("bob")
	require.NoError(t, err)
	require.NoError(t, h.registry.Activate(ctx, pair))

	for i := 0; i < 3; i++ {
		_, err := h.guard.Fail(ctx, "bob", now)
		require.NoError(t, err)
	}
	require.NoError(t, h.users.RecordLogin(ctx, "carol", now.Add(30*24*time.Hour)))

	later := now.Add(31 * 24 * time.Hour)
	sweeper := NewSweeper(h.registry, h.guard, h.users, h.logger, Config{IdleAfter: 30 * 24 * time.Hour}).
		WithClock(func() time.Time { return later })

	result, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{DeletedTokens: 2, UnlockedUsers: 1, PurgedUsers: 1}, result)

	_, err = h.users.FindUser(ctx, "bob")
	assert.ErrorIs(t, err, auth.ErrNotFound)
	_, err = h.users.FindUser(ctx, "carol")
	assert.NoError(t, err)

	result, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, result)
}

func TestSweeper_PurgeRevokesTokens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addUser(t, "bob")

	pair, err := h.issuer.IssuePair("bob")
	require.NoError(t, err)
	require.NoError(t, h.registry.Activate(ctx, pair))

	later := time.Now().Add(31 * 24 * time.Hour)
	sweeper := NewSweeper(h.registry, h.guard, h.users, h.logger, Config{IdleAfter: 30 * 24 * time.Hour}).
		WithClock(func() time.Time { return later })

	n, err := sweeper.PurgeIdle(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	for _, token := range []string{pair.Access.Token, pair.Refresh.Token} {
		blacklisted, err := h.registry.IsBlacklisted(ctx, token)
		require.NoError(t, err)
		assert.True(t, blacklisted)
	}
}

func TestSweeper_PurgeDisabled(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "bob")

	far := time.Now().Add(365 * 24 * time.Hour)
	sweeper := NewSweeper(h.registry, h.guard, h.users, h.logger, Config{}).
		WithClock(func() time.Time { return far })

	n, err := sweeper.PurgeIdle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	pair, err := h.issuer.IssuePair("bob")
	require.NoError(t, err)
	require.NoError(t, h.registry.Activate(context.Background(), pair))

	far := time.Now().Add(30 * 24 * time.Hour)
	sweeper := NewSweeper(h.registry, h.guard, h.users, h.logger, Config{
		SweepInterval: 5 * time.Millisecond,
		PurgeInterval: time.Hour,
	}).WithClock(func() time.Time { return far })

	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, e := range h.events.Snapshot() {
			if e.Operation == "delete_expired" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}

	assert.Contains(t, h.logs.String(), "token_sweep_completed")
	assert.Contains(t, h.logs.String(), "sweepers_stopped")
}

func TestCleanupHandler(t *testing.T) {
	h := newHarness(t)
	sweeper := NewSweeper(h.registry, h.guard, h.users, h.logger, Config{})
	handler := NewCleanupHandler(sweeper, h.events, h.logger, "cron-secret")

	call := func(method, bearer string, fn http.HandlerFunc) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/internal/maintenance/cleanup", nil)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		rec := httptest.NewRecorder()
		fn(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, call(http.MethodPost, "", handler.Handle).Code)
	assert.Equal(t, http.StatusUnauthorized, call(http.MethodPost, "wrong", handler.Handle).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, call(http.MethodPut, "cron-secret", handler.Handle).Code)

	rec := call(http.MethodPost, "cron-secret", handler.Handle)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status string `json:"status"`
		Result Result `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)

	rec = call(http.MethodGet, "cron-secret", handler.Events)
	require.Equal(t, http.StatusOK, rec.Code)
	var events struct {
		Count  int                   `json:"count"`
		Events []observability.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Equal(t, 1, events.Count)
	assert.Equal(t, "token_registry", events.Events[0].Component)
	assert.Equal(t, "delete_expired", events.Events[0].Operation)
	assert.Equal(t, "ok", events.Events[0].Outcome)
}

func TestCleanupHandler_DisabledWithoutSecret(t *testing.T) {
	h := newHarness(t)
	handler := NewCleanupHandler(NewSweeper(h.registry, h.guard, h.users, h.logger, Config{}), h.events, h.logger, " ")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/internal/maintenance/events", nil)
	req.Header.Set("Authorization", "Bearer ")
	handler.Events(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

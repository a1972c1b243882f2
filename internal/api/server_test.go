package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/lexgate/internal/contentgate"
	"github.com/goodtune/lexgate/internal/staletime"
	"github.com/goodtune/lexgate/internal/storage"
	"github.com/goodtune/lexgate/internal/subscription"
	"github.com/goodtune/lexgate/internal/usage"
	"github.com/goodtune/lexgate/internal/visibility"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	server *Server
	clock  *quartz.Mock
	subs   *subscription.Static
	store  *storage.Memory
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	clock := quartz.NewMock(t)
	clock.Set(time.Date(2025, 5, 5, 10, 0, 0, 0, time.UTC))

	store := storage.NewMemory()
	subs := subscription.NewStatic([]string{"premium-user"})
	logger := zerolog.Nop()

	cfg.Clock = clock
	srv := NewServer(cfg, Services{
		StaleTimes:    staletime.NewDefault(),
		Limiter:       usage.NewLimiter(store, usage.Config{Location: time.UTC, Clock: clock}, logger),
		Gate:          contentgate.NewDefault(logger),
		Subscriptions: subs,
		Anchors:       NewAnchors(visibility.DefaultConfig(), 2, clock, logger),
	}, logger)
	t.Cleanup(func() { _ = srv.Stop() })

	return &testEnv{server: srv, clock: clock, subs: subs, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.10:5555"
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func TestStaleTimeEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, http.MethodGet, "/v1/stale-time?key=noticias_stf&key=page-2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[StaleTimeResponse](t, rec)
	assert.Equal(t, staletime.Realtime.Milliseconds(), resp.StaleTimeMS)
	assert.Equal(t, "noticias", resp.MatchedEntry)
	assert.False(t, resp.DefaultApplied)

	resp = decode[StaleTimeResponse](t, env.do(t, http.MethodGet, "/v1/stale-time?key=unknown", "", nil))
	assert.Equal(t, int64(600000), resp.StaleTimeMS)
	assert.True(t, resp.DefaultApplied)

	rec = env.do(t, http.MethodGet, "/v1/stale-time", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUsageEndpoints(t *testing.T) {
	env := newTestEnv(t, Config{})

	state := decode[usage.State](t, env.do(t, http.MethodGet, "/v1/usage/plano-estudos", "u1", nil))
	assert.Equal(t, 0, state.UsedToday)
	assert.Equal(t, 1, state.LimitToday)
	assert.True(t, state.CanUse)

	rec := env.do(t, http.MethodPost, "/v1/usage/plano-estudos/consume", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state = decode[usage.State](t, rec)
	assert.Equal(t, 1, state.UsedToday)
	assert.False(t, state.CanUse)

	rec = env.do(t, http.MethodPost, "/v1/usage/plano-estudos/consume", "u1", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	limited := decode[LimitResponse](t, rec)
	assert.Equal(t, 1, limited.State.UsedToday)

	// The advisory increment never refuses
	rec = env.do(t, http.MethodPost, "/v1/usage/plano-estudos/increment", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[usage.State](t, rec).UsedToday)

	// Profiles are isolated
	state = decode[usage.State](t, env.do(t, http.MethodGet, "/v1/usage/plano-estudos", "u2", nil))
	assert.Equal(t, 0, state.UsedToday)

	// Reset
	state = decode[usage.State](t, env.do(t, http.MethodDelete, "/v1/usage/plano-estudos", "u1", nil))
	assert.Equal(t, 0, state.UsedToday)

	// Next day starts from zero
	env.do(t, http.MethodPost, "/v1/usage/resumo-ia/increment", "u1", nil)
	env.clock.Advance(24 * time.Hour).MustWait(context.Background())
	state = decode[usage.State](t, env.do(t, http.MethodGet, "/v1/usage/resumo-ia", "u1", nil))
	assert.Equal(t, 0, state.UsedToday)
}

func TestUsageEndpoints_Premium(t *testing.T) {
	env := newTestEnv(t, Config{})

	for i := 0; i < 5; i++ {
		rec := env.do(t, http.MethodPost, "/v1/usage/plano-estudos/consume", "premium-user", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		state := decode[usage.State](t, rec)
		assert.True(t, state.IsUnlimited)
		assert.Equal(t, usage.DefaultSentinel, state.RemainingUses)
	}
}

func TestContentGateEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{})

	items := []interface{}{}
	for i := 0; i < 10; i++ {
		items = append(items, map[string]int{"id": i})
	}

	rec := env.do(t, http.MethodPost, "/v1/content/artigos/gate", "u1", map[string]interface{}{"items": items})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[contentgate.Result[json.RawMessage]](t, rec)
	assert.Equal(t, 3, res.VisibleCount)
	assert.Equal(t, 7, res.LockedCount)
	assert.True(t, res.IsPremiumRequired)
	assert.JSONEq(t, `{"id":0}`, string(res.VisibleItems[0]))
	assert.JSONEq(t, `{"id":3}`, string(res.LockedItems[0]))

	rec = env.do(t, http.MethodPost, "/v1/content/artigos/gate", "premium-user", map[string]interface{}{"items": items})
	res = decode[contentgate.Result[json.RawMessage]](t, rec)
	assert.Equal(t, 10, res.VisibleCount)
	assert.Equal(t, 100, res.LimitPercentage)

	rec = env.do(t, http.MethodPost, "/v1/content/artigos/gate", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestContentLockedEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp := decode[LockedResponse](t, env.do(t, http.MethodGet, "/v1/content/politica-artigos/locked?index=3&total=10", "u1", nil))
	assert.True(t, resp.Locked)
	assert.Equal(t, 3, resp.VisibleCount)

	resp = decode[LockedResponse](t, env.do(t, http.MethodGet, "/v1/content/politica-artigos/locked?index=2&total=10", "u1", nil))
	assert.False(t, resp.Locked)

	rec := env.do(t, http.MethodGet, "/v1/content/flashcards/locked?index=-1&total=10", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnchorLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env := newTestEnv(t, Config{})

	rec := env.do(t, http.MethodPut, "/v1/anchors/video-1", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state := decode[AnchorState](t, rec)
	assert.False(t, state.Running)
	assert.Equal(t, "1s", state.Interval)

	state = decode[AnchorState](t, env.do(t, http.MethodPost, "/v1/anchors/video-1/intersection", "u1", map[string]float64{"ratio": 0.8}))
	assert.True(t, state.Visible)
	assert.True(t, state.Running)
	assert.EqualValues(t, 1, state.Ticks)

	env.clock.Advance(time.Second).MustWait(ctx)
	env.clock.Advance(time.Second).MustWait(ctx)

	state = decode[AnchorState](t, env.do(t, http.MethodGet, "/v1/anchors/video-1", "u1", nil))
	assert.EqualValues(t, 3, state.Ticks)

	// Geometry report: element scrolled out of view
	state = decode[AnchorState](t, env.do(t, http.MethodPost, "/v1/anchors/video-1/intersection", "u1", map[string]interface{}{
		"target": map[string]float64{"x": 0, "y": 2000, "width": 100, "height": 100},
		"root":   map[string]float64{"x": 0, "y": 0, "width": 400, "height": 800},
	}))
	assert.False(t, state.Running)

	// Another profile cannot see this anchor
	rec = env.do(t, http.MethodGet, "/v1/anchors/video-1", "u2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/v1/anchors/video-1", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodDelete, "/v1/anchors/video-1", "u1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnchorMountValidation(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, http.MethodPut, "/v1/anchors/a", "u1", map[string]string{"interval": "never"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/v1/anchors/a", "u1", map[string]string{"root_margin": "1em"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPut, "/v1/anchors/a", "u1", nil).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPut, "/v1/anchors/b", "u1", nil).Code)
	// Remounting an existing id does not count against the limit
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPut, "/v1/anchors/b", "u1", nil).Code)

	rec = env.do(t, http.MethodPut, "/v1/anchors/c", "u1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/anchors/a/intersection", "u1", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{RateLimit: 2, RateLimitWindow: time.Minute})

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do(t, http.MethodGet, "/health", "", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, Config{AllowedOrigins: []string{"https://app.example"}})

	req := httptest.NewRequest(http.MethodOptions, "/v1/usage/resumo-ia/consume", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-User-ID")
}

func TestProfileFromContextDefaultsToAnonymous(t *testing.T) {
	assert.Equal(t, anonymousProfile, ProfileFromContext(context.Background()))
}

package control

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Elgammal1299/block-app/internal/cache"
	"github.com/Elgammal1299/block-app/internal/config"
	"github.com/Elgammal1299/block-app/internal/monitor"
	"github.com/Elgammal1299/block-app/internal/policy"
	"github.com/Elgammal1299/block-app/internal/storage"
	"github.com/Elgammal1299/block-app/internal/storage/redis"
	"github.com/Elgammal1299/block-app/internal/usage"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	server     *Server
	dispatcher *monitor.Dispatcher
	cache      *cache.Cache
	ledger     *usage.Ledger
	clock      *policy.TestClock
}

func newTestEnv(t *testing.T, cfg Config, blobs map[string]string) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := redis.Open(config.RedisConfig{
		Host:         mr.Addr(),
		PoolSize:     4,
		DialTimeout:  "1s",
		ReadTimeout:  "1s",
		WriteTimeout: "1s",
	}, "test:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	for key, value := range blobs {
		require.NoError(t, store.Config().Put(ctx, key, value))
	}

	clock := policy.NewTestClock(time.Date(2024, 1, 15, 10, 0, 0, 0, time.Local))
	logger := zerolog.Nop()

	c := cache.New(store.Config(), logger)
	c.SetClock(clock)
	require.NoError(t, c.Refresh(ctx))

	ledger := usage.NewLedger(store.Counters(), logger)
	ledger.SetClock(clock)
	tracker := usage.NewTracker(ledger, store.Config(), usage.NewClassifier("com.example.block_app", nil), usage.Config{}, logger)

	engine := policy.NewEngine(ledger, logger)
	engine.SetClock(clock)

	d := monitor.NewDispatcher(c, tracker, ledger, engine, nil, monitor.FixedWindow(0), monitor.Config{EventBuffer: 1}, logger)
	d.SetClock(clock)
	t.Cleanup(d.Shutdown)

	s := NewServer(cfg, d, c, tracker, logger)
	s.SetClock(clock)

	return &testEnv{server: s, dispatcher: d, cache: c, ledger: ledger, clock: clock}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	w := env.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestSubmitEvent(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"foreground", `{"type":"foreground","package":"com.example.a"}`, http.StatusAccepted},
		{"queue full", `{"type":"screen_off"}`, http.StatusServiceUnavailable},
		{"unknown type", `{"type":"reboot"}`, http.StatusBadRequest},
		{"foreground without package", `{"type":"foreground"}`, http.StatusBadRequest},
		{"missing type", `{"package":"com.example.a"}`, http.StatusBadRequest},
		{"not json", `nope`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/v1/events", tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}

func TestBlockStats(t *testing.T) {
	env := newTestEnv(t, Config{}, map[string]string{
		storage.KeyBlockedApps:      `[{"packageName":"com.example.game","blockAttempts":2}]`,
		storage.KeyBlockScreenStyle: `{"color":"#000000","quote":"Go outside"}`,
	})

	outcome := env.dispatcher.HandleEvent(monitor.Event{Type: monitor.EventForeground, Package: "com.example.game"})
	require.Equal(t, monitor.OutcomeBlocked, outcome)

	w := env.do(http.MethodGet, "/v1/stats/blocks/com.example.game", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"package":"com.example.game","today":1,"total":3,
		"style":{"color":"#000000","quote":"Go outside"}
	}`, w.Body.String())

	w = env.do(http.MethodGet, "/v1/stats/blocks", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"packages":[{"package":"com.example.game","today":1,"total":3}]}`, w.Body.String())
}

func TestSessionAndUsage(t *testing.T) {
	env := newTestEnv(t, Config{}, map[string]string{
		storage.KeyUsageLimits: `[{"packageName":"com.example.social","dailyLimitMinutes":30}]`,
	})

	w := env.do(http.MethodGet, "/v1/session", "")
	assert.JSONEq(t, `{"active":false}`, w.Body.String())

	env.ledger.AddDuration("com.example.social", 10*time.Minute, env.clock.Now().Add(-time.Hour))
	env.dispatcher.HandleEvent(monitor.Event{Type: monitor.EventForeground, Package: "com.example.social"})
	env.clock.Advance(5 * time.Minute)

	w = env.do(http.MethodGet, "/v1/session", "")
	require.Equal(t, http.StatusOK, w.Code)
	var session struct {
		Active  bool   `json:"active"`
		Elapsed string `json:"elapsed"`
		Session struct {
			Package string `json:"package"`
		} `json:"session"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	assert.True(t, session.Active)
	assert.Equal(t, "com.example.social", session.Session.Package)
	assert.Equal(t, "5m0s", session.Elapsed)

	w = env.do(http.MethodGet, "/v1/usage/com.example.social", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats usage.UsageStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 15*time.Minute, stats.TodayUsage)
	assert.Equal(t, 15*time.Minute, stats.RemainingToday)
	assert.False(t, stats.LimitExceeded)
	assert.Zero(t, stats.Opens, "opens count when a session is committed")
}

func TestUnlock(t *testing.T) {
	env := newTestEnv(t, Config{UnlockDuration: 10 * time.Minute}, map[string]string{
		storage.KeyBlockedApps: `[{"packageName":"com.example.game"}]`,
	})

	w := env.do(http.MethodPost, "/v1/unlock", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	unlock := env.cache.Snapshot().Unlock
	assert.True(t, unlock.Expiry.Equal(env.clock.Now().Add(10*time.Minute)))

	w = env.do(http.MethodPost, "/v1/unlock", `{"duration":"1m"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.cache.Snapshot().Unlock.Expiry.Equal(env.clock.Now().Add(time.Minute)))

	outcome := env.dispatcher.HandleEvent(monitor.Event{Type: monitor.EventForeground, Package: "com.example.game"})
	assert.Equal(t, monitor.OutcomeAllowed, outcome)

	for _, body := range []string{`{"duration":"soon"}`, `{"duration":"-5m"}`} {
		w = env.do(http.MethodPost, "/v1/unlock", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestFocus(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	w := env.do(http.MethodPost, "/v1/focus", `{"packages":["com.example.chat"],"duration":"25m"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	focus := env.cache.Snapshot().Focus
	assert.True(t, focus.Contains("com.example.chat"))
	assert.True(t, focus.Expiry.Equal(env.clock.Now().Add(25*time.Minute)))

	outcome := env.dispatcher.HandleEvent(monitor.Event{Type: monitor.EventForeground, Package: "com.example.chat"})
	assert.Equal(t, monitor.OutcomeBlocked, outcome)

	w = env.do(http.MethodDelete, "/v1/focus", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, env.cache.Snapshot().Focus.Active(env.clock.Now()))

	for _, body := range []string{
		`{"packages":[],"duration":"25m"}`,
		`{"packages":["com.example.chat"],"duration":"0s"}`,
		`{"packages":["com.example.chat"]}`,
	} {
		w = env.do(http.MethodPost, "/v1/focus", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestRefresh(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	w := env.do(http.MethodPost, "/v1/cache/refresh", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{RateLimit: 0.001, RateBurst: 2}, nil)

	assert.Equal(t, http.StatusAccepted, env.do(http.MethodPost, "/v1/cache/refresh", "").Code)
	assert.Equal(t, http.StatusAccepted, env.do(http.MethodPost, "/v1/cache/refresh", "").Code)

	w := env.do(http.MethodPost, "/v1/cache/refresh", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")

	// Reads are not limited
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/v1/stats/blocks", "").Code)
}

func TestBlockStream(t *testing.T) {
	env := newTestEnv(t, Config{}, map[string]string{
		storage.KeyBlockedApps: `[{"packageName":"com.example.game"}]`,
	})

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lines := make(chan string, 8)
	go func() {
		defer close(lines)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/blocks/stream", nil)
		if err != nil {
			return
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	require.Eventually(t, func() bool { return env.dispatcher.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	outcome := env.dispatcher.HandleEvent(monitor.Event{Type: monitor.EventForeground, Package: "com.example.game"})
	require.Equal(t, monitor.OutcomeBlocked, outcome)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed before the block event")
			if strings.HasPrefix(line, "data:") {
				assert.Contains(t, line, `"package":"com.example.game"`)
				assert.Contains(t, line, `"reason":"schedule"`)
				cancel()
				require.Eventually(t, func() bool { return env.dispatcher.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
				return
			}
		case <-deadline:
			t.Fatal("no block event on the stream")
		}
	}
}

func TestStopEndsBlockStream(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	env.server.SetListener(ln)
	require.NoError(t, env.server.Start())

	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		resp, err := http.Get("http://" + ln.Addr().String() + "/v1/blocks/stream")
		if err != nil {
			return
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
	}()

	require.Eventually(t, func() bool { return env.dispatcher.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, env.server.Stop())
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case <-streamDone:
	case <-time.After(2 * time.Second):
		t.Fatal("stream still open after Stop")
	}
	assert.Zero(t, env.dispatcher.Subscribers())
}

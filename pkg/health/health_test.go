package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type checkState struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error"`
}

type body struct {
	Status string                `json:"status"`
	Ready  *bool                 `json:"ready"`
	Checks map[string]checkState `json:"checks"`
}

func passing(context.Context) error { return nil }

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func probeHTTP(t *testing.T, h *Health, k Kind) (int, body) {
	t.Helper()
	w := httptest.NewRecorder()
	h.Handler(k).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var b body
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	return w.Code, b
}

func runN(h *Health, name string, n int) {
	for _, p := range h.probes {
		if p.Name == name {
			for range n {
				p.run(context.Background())
			}
		}
	}
}

func TestLiveness(t *testing.T) {
	h := New()
	h.AddLivenessCheck("goroutines", time.Second, passing)
	h.AddLivenessCheck("db", time.Second, failing("connection refused"))

	code, b := probeHTTP(t, h, Liveness)
	assert.Equal(t, http.StatusOK, code, "checks start healthy")
	assert.Equal(t, "ok", b.Status)
	assert.Nil(t, b.Ready)

	runN(h, "db", 2)
	code, _ = probeHTTP(t, h, Liveness)
	assert.Equal(t, http.StatusOK, code, "below failure threshold")

	runN(h, "db", 1)
	code, b = probeHTTP(t, h, Liveness)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", b.Status)
	assert.Equal(t, checkState{Healthy: false, Error: "connection refused"}, b.Checks["db"])
	assert.True(t, b.Checks["goroutines"].Healthy)
}

func TestReadiness(t *testing.T) {
	h := New()
	h.AddReadinessCheck("storage", time.Second, passing)
	h.AddLivenessCheck("broken", time.Second, failing("x"))
	runN(h, "broken", 3)

	code, b := probeHTTP(t, h, Readiness)
	assert.Equal(t, http.StatusServiceUnavailable, code, "not ready until switched on")
	require.NotNil(t, b.Ready)
	assert.False(t, *b.Ready)
	assert.False(t, h.IsReady())

	h.SetReady(true)
	code, b = probeHTTP(t, h, Readiness)
	assert.Equal(t, http.StatusOK, code, "liveness failures do not affect readiness")
	assert.NotContains(t, b.Checks, "broken")
	assert.True(t, h.IsReady())

	h.SetReady(false)
	code, _ = probeHTTP(t, h, Readiness)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestRegister_Thresholds(t *testing.T) {
	down := true
	h := New()
	h.Register(Check{
		Name:             "redis",
		Kind:             Readiness,
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Func: func(context.Context) error {
			if down {
				return errors.New("down")
			}
			return nil
		},
	})
	h.SetReady(true)

	runN(h, "redis", 1)
	assert.False(t, h.IsReady())

	down = false
	runN(h, "redis", 1)
	assert.False(t, h.IsReady(), "one success is not enough")
	runN(h, "redis", 1)
	assert.True(t, h.IsReady())
}

func TestRegister_Defaults(t *testing.T) {
	h := New()
	h.Register(Check{Name: "x", Func: passing})
	p := h.probes[0]
	assert.Equal(t, time.Second, p.Timeout)
	assert.Equal(t, 3, p.FailureThreshold)
	assert.Equal(t, 1, p.SuccessThreshold)
	assert.Equal(t, "liveness", p.Kind.String())
	assert.Nil(t, p.err())
}

func TestRun_Timeout(t *testing.T) {
	h := New()
	h.Register(Check{Name: "slow", Timeout: 10 * time.Millisecond, FailureThreshold: 1, Func: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	runN(h, "slow", 1)
	assert.ErrorIs(t, h.probes[0].err(), context.DeadlineExceeded)
	assert.False(t, h.probes[0].healthy.Load())
}

func TestStartStop(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	h := New()
	h.AddReadinessCheck("counter", time.Second, func(context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	h.Start(context.Background(), 5*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 3
	}, time.Second, time.Millisecond)
	h.Stop()
	h.Stop()
}

func TestConcurrentAccess(t *testing.T) {
	h := New()
	h.AddLivenessCheck("a", time.Second, failing("err"))
	h.AddReadinessCheck("b", time.Second, passing)
	h.SetReady(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx, time.Millisecond)
	defer h.Stop()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				h.IsReady()
				h.Handler(Liveness).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
				h.Handler(Readiness).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
			}
		}()
	}
	wg.Wait()
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestCheckers(t *testing.T) {
	assert.NoError(t, PingCheck(pinger{})(context.Background()))
	assert.EqualError(t, PingCheck(pinger{err: errors.New("no route")})(context.Background()), "no route")

	assert.NoError(t, GoroutineCountCheck(100000)(context.Background()))
	assert.ErrorContains(t, GoroutineCountCheck(0)(context.Background()), "exceeds threshold")
}

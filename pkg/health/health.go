// Package health serves liveness and readiness probes.
//
// Every registered check runs on its own ticker. A check flips to unhealthy
// only after FailureThreshold consecutive failures and back to healthy after
// SuccessThreshold consecutive successes, so a single slow ping does not
// take the service out of rotation.
package health

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
)

// CheckFunc reports the health of one dependency.
type CheckFunc func(ctx context.Context) error

// Kind selects the probe a check contributes to.
type Kind uint8

const (
	Liveness Kind = iota
	Readiness
)

func (k Kind) String() string {
	if k == Readiness {
		return "readiness"
	}
	return "liveness"
}

// Check describes a registered check. Zero thresholds default to 3 failures
// and 1 success; a zero Timeout defaults to one second.
type Check struct {
	Name             string
	Kind             Kind
	Timeout          time.Duration
	Func             CheckFunc
	FailureThreshold int
	SuccessThreshold int
}

type probe struct {
	Check

	healthy atomic.Bool
	lastErr atomic.Pointer[error]

	// Touched only by the goroutine driving run.
	fails, oks int
}

func (p *probe) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	err := p.Func(ctx)
	p.lastErr.Store(&err)

	if err != nil {
		p.oks = 0
		p.fails++
		if p.fails >= p.FailureThreshold {
			p.healthy.Store(false)
		}
		return
	}
	p.fails = 0
	p.oks++
	if p.oks >= p.SuccessThreshold {
		p.healthy.Store(true)
	}
}

func (p *probe) err() error {
	if e := p.lastErr.Load(); e != nil {
		return *e
	}
	return nil
}

// Health aggregates checks and the manual readiness switch.
type Health struct {
	ready atomic.Bool

	mu     sync.RWMutex
	probes []*probe
	cancel context.CancelFunc
}

// New returns a Health that is not ready until SetReady(true).
func New() *Health {
	return &Health{}
}

// Register adds a check. Checks registered after Start are not scheduled.
func (h *Health) Register(c Check) {
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	p := &probe{Check: c}
	p.healthy.Store(true)

	h.mu.Lock()
	h.probes = append(h.probes, p)
	h.mu.Unlock()
}

// AddLivenessCheck registers a liveness check with default thresholds.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, fn CheckFunc) {
	h.Register(Check{Name: name, Kind: Liveness, Timeout: timeout, Func: fn})
}

// AddReadinessCheck registers a readiness check with default thresholds.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, fn CheckFunc) {
	h.Register(Check{Name: name, Kind: Readiness, Timeout: timeout, Func: fn})
}

// Start schedules every registered check at interval until Stop or ctx ends.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	probes := slices.Clone(h.probes)
	h.mu.Unlock()

	for _, p := range probes {
		go schedule(ctx, p, interval)
	}
}

func schedule(ctx context.Context, p *probe, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	p.run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.run(ctx)
		}
	}
}

// Stop halts scheduled checks. It may be called more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady flips the manual readiness switch.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the switch is on and every readiness check passes.
func (h *Health) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	for _, p := range h.snapshot(Readiness) {
		if !p.healthy.Load() {
			return false
		}
	}
	return true
}

func (h *Health) snapshot(k Kind) []*probe {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*probe
	for _, p := range h.probes {
		if p.Kind == k {
			out = append(out, p)
		}
	}
	slices.SortStableFunc(out, func(a, b *probe) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// Handler serves the probe of kind k: 200 when healthy, 503 otherwise.
// The body lists every check with its state and last error.
func (h *Health) Handler(k Kind) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		probes := h.snapshot(k)

		ok := true
		if k == Readiness && !h.ready.Load() {
			ok = false
		}
		for _, p := range probes {
			if !p.healthy.Load() {
				ok = false
			}
		}

		var e jx.Encoder
		e.ObjStart()
		e.FieldStart("status")
		if ok {
			e.Str("ok")
		} else {
			e.Str("unhealthy")
		}
		if k == Readiness {
			e.FieldStart("ready")
			e.Bool(h.ready.Load())
		}
		if len(probes) > 0 {
			e.FieldStart("checks")
			e.ObjStart()
			for _, p := range probes {
				e.FieldStart(p.Name)
				e.ObjStart()
				e.FieldStart("healthy")
				e.Bool(p.healthy.Load())
				if err := p.err(); err != nil {
					e.FieldStart("error")
					e.Str(err.Error())
				}
				e.ObjEnd()
			}
			e.ObjEnd()
		}
		e.ObjEnd()

		w.Header().Set("Content-Type", "application/json")
		if ok {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write(e.Bytes())
	})
}

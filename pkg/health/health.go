// Package health runs liveness and readiness probes in the background and
// serves their aggregated state over HTTP.
//
// A probe flips to unhealthy only after failureThreshold consecutive
// failures and back to healthy after successThreshold consecutive passes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

const (
	DefaultFailureThreshold = 3
	DefaultSuccessThreshold = 1
)

// CheckFunc reports nil when the checked component is healthy.
type CheckFunc func(ctx context.Context) error

// CheckOption tunes a registered probe.
type CheckOption func(*probe)

// WithThresholds overrides the failure and success thresholds.
func WithThresholds(failure, success int) CheckOption {
	return func(p *probe) {
		if failure > 0 {
			p.failureThreshold = failure
		}
		if success > 0 {
			p.successThreshold = success
		}
	}
}

type kind string

const (
	liveness  kind = "liveness"
	readiness kind = "readiness"
)

// probe is run from a single goroutine; healthy and lastErr are read
// concurrently by the endpoints.
type probe struct {
	name             string
	kind             kind
	timeout          time.Duration
	check            CheckFunc
	failureThreshold int
	successThreshold int

	healthy atomic.Bool
	lastErr atomic.Pointer[error]

	fails int
	oks   int
}

func (p *probe) isHealthy() bool {
	return p.healthy.Load()
}

func (p *probe) lastError() error {
	if e := p.lastErr.Load(); e != nil {
		return *e
	}
	return nil
}

// run executes the check once and applies thresholds. It returns true when
// the health state changed.
func (p *probe) run(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.check(checkCtx)
	p.lastErr.Store(&err)

	before := p.isHealthy()
	if err != nil {
		p.oks = 0
		p.fails++
		if p.fails >= p.failureThreshold {
			p.healthy.Store(false)
		}
	} else {
		p.fails = 0
		p.oks++
		if p.oks >= p.successThreshold {
			p.healthy.Store(true)
		}
	}
	return before != p.isHealthy()
}

// Health aggregates probes and a manual readiness switch.
type Health struct {
	ready atomic.Bool

	mu          sync.RWMutex
	liveProbes  []*probe
	readyProbes []*probe
	cancel      context.CancelFunc
}

// New creates a Health that reports not ready until SetReady(true).
func New() *Health {
	return &Health{}
}

// AddLivenessCheck registers a probe for process health.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, check CheckFunc, opts ...CheckOption) {
	h.add(liveness, name, timeout, check, opts)
}

// AddReadinessCheck registers a probe gating traffic.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, check CheckFunc, opts ...CheckOption) {
	h.add(readiness, name, timeout, check, opts)
}

func (h *Health) add(k kind, name string, timeout time.Duration, check CheckFunc, opts []CheckOption) {
	p := &probe{
		name:             name,
		kind:             k,
		timeout:          timeout,
		check:            check,
		failureThreshold: DefaultFailureThreshold,
		successThreshold: DefaultSuccessThreshold,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.healthy.Store(true)

	h.mu.Lock()
	defer h.mu.Unlock()
	if k == liveness {
		h.liveProbes = append(h.liveProbes, p)
	} else {
		h.readyProbes = append(h.readyProbes, p)
	}
}

// Start runs every probe immediately and then every interval until Stop or
// ctx cancellation. Transitions are logged with the logger from ctx.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	probes := make([]*probe, 0, len(h.liveProbes)+len(h.readyProbes))
	probes = append(probes, h.liveProbes...)
	probes = append(probes, h.readyProbes...)
	h.mu.Unlock()

	for _, p := range probes {
		go loop(ctx, p, interval)
	}
}

func loop(ctx context.Context, p *probe, interval time.Duration) {
	lg := zctx.From(ctx).With(
		zap.String("check", p.name),
		zap.String("kind", string(p.kind)),
	)
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		if p.run(ctx) {
			if p.isHealthy() {
				lg.Info("Health check recovered")
			} else {
				lg.Warn("Health check failing", zap.Error(p.lastError()))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Stop cancels background probes. It is idempotent.
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

// IsReady reports the switch combined with every readiness probe.
func (h *Health) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	return len(failures(h.snapshot(readiness))) == 0
}

func (h *Health) snapshot(k kind) []*probe {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if k == liveness {
		return append([]*probe(nil), h.liveProbes...)
	}
	return append([]*probe(nil), h.readyProbes...)
}

// Register mounts /livez and /readyz on r.
func (h *Health) Register(r chi.Router) {
	r.Get("/livez", h.LiveEndpoint)
	r.Get("/readyz", h.ReadyEndpoint)
}

type statusResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LiveEndpoint answers 200 while every liveness probe is healthy, 503 with
// the failing probes otherwise.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, failures(h.snapshot(liveness)))
}

// ReadyEndpoint is like LiveEndpoint for readiness probes and also reports
// 503 while the manual switch is off.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failed := failures(h.snapshot(readiness))
	if !h.ready.Load() {
		failed["_readiness"] = "service is not ready"
	}
	writeStatus(w, failed)
}

// failures uses the stored result of each probe; endpoints never run checks.
func failures(probes []*probe) map[string]string {
	out := make(map[string]string)
	for _, p := range probes {
		if p.isHealthy() {
			continue
		}
		if err := p.lastError(); err != nil {
			out[p.name] = err.Error()
		} else {
			out[p.name] = "check is unhealthy"
		}
	}
	return out
}

func writeStatus(w http.ResponseWriter, failed map[string]string) {
	resp := statusResponse{Status: "ok"}
	code := http.StatusOK
	if len(failed) > 0 {
		resp = statusResponse{Status: "unhealthy", Checks: failed}
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

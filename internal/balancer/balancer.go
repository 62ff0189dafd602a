// Package balancer routes gateway requests across inference endpoints
// (typically one per GPU). Policy is weighted least-inflight with EWMA
// latency tiebreak. A failing endpoint is taken out of rotation and
// re-probed in the background with exponential backoff.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"aires/internal/alerting"
	"aires/internal/gateway"
	"aires/internal/health"
	"aires/internal/metrics"
	"aires/internal/types"
)

// ewmaAlpha weights the most recent latency sample.
const ewmaAlpha = 0.3

// Endpoint describes one inference server.
type Endpoint struct {
	ID            string
	BaseURL       string
	Weight        float64 // relative capacity, default 1
	MaxConcurrent int     // admission cap, default 4
	Labels        map[string]string
}

// ProbeFunc checks endpoint liveness during background re-probing.
type ProbeFunc func(ctx context.Context, baseURL string) error

// Options tunes the balancer.
type Options struct {
	// AdmissionDeadline bounds how long Acquire blocks waiting for a free
	// slot. Default 30s.
	AdmissionDeadline time.Duration
	// ReprobeMaxBackoff caps the re-probe delay. Default 60s.
	ReprobeMaxBackoff time.Duration
	// Probe overrides the default GET /api/tags liveness check.
	Probe ProbeFunc
}

type endpointState struct {
	Endpoint
	healthy       bool
	inflight      int
	lastLatencyMs float64
	reprobing     bool
}

// Balancer implements gateway.Router over a live endpoint set.
type Balancer struct {
	mu        sync.Mutex
	endpoints []*endpointState
	slotFreed chan struct{}

	opts    Options
	probe   ProbeFunc
	logger  *zap.Logger
	metrics *metrics.Registry
	alerts  *alerting.Sink

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a balancer. metrics and alerts may be nil in tests.
func New(endpoints []Endpoint, opts Options, logger *zap.Logger, m *metrics.Registry, alerts *alerting.Sink) (*Balancer, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("balancer requires at least one endpoint")
	}
	if opts.AdmissionDeadline <= 0 {
		opts.AdmissionDeadline = 30 * time.Second
	}
	if opts.ReprobeMaxBackoff <= 0 {
		opts.ReprobeMaxBackoff = 60 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Balancer{
		slotFreed: make(chan struct{}, 1),
		opts:      opts,
		probe:     opts.Probe,
		logger:    logger.Named("balancer"),
		metrics:   m,
		alerts:    alerts,
		ctx:       ctx,
		cancel:    cancel,
	}
	if b.probe == nil {
		b.probe = defaultProbe
	}
	for _, ep := range endpoints {
		if ep.Weight <= 0 {
			ep.Weight = 1
		}
		if ep.MaxConcurrent <= 0 {
			ep.MaxConcurrent = 4
		}
		b.endpoints = append(b.endpoints, &endpointState{Endpoint: ep, healthy: true})
	}
	return b, nil
}

// Close stops background re-probing.
func (b *Balancer) Close() {
	b.cancel()
}

// Acquire admits one request, blocking up to the admission deadline when
// every endpoint is saturated or unhealthy.
func (b *Balancer) Acquire(ctx context.Context) (gateway.Route, error) {
	deadline := time.NewTimer(b.opts.AdmissionDeadline)
	defer deadline.Stop()

	for {
		if ep := b.tryPick(); ep != nil {
			return &route{b: b, ep: ep}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, types.NewError(types.CodeNoEndpointAvailable,
				"no endpoint available within admission deadline", nil)
		case <-b.slotFreed:
			// Re-evaluate candidates.
		}
	}
}

// tryPick applies the policy under the lock and reserves a slot.
func (b *Balancer) tryPick() *endpointState {
	b.mu.Lock()
	defer b.mu.Unlock()

	var candidates []*endpointState
	for _, ep := range b.endpoints {
		if ep.healthy && ep.inflight < ep.MaxConcurrent {
			candidates = append(candidates, ep)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	best := candidates[0]
	for _, ep := range candidates[1:] {
		bi, ei := float64(best.inflight)/best.Weight, float64(ep.inflight)/ep.Weight
		switch {
		case ei < bi:
			best = ep
		case ei == bi && ep.lastLatencyMs < best.lastLatencyMs:
			best = ep
		case ei == bi && ep.lastLatencyMs == best.lastLatencyMs && rand.Intn(2) == 0:
			best = ep
		}
	}

	best.inflight++
	if b.metrics != nil {
		b.metrics.EndpointInflight.WithLabelValues(best.ID).Set(float64(best.inflight))
	}
	return best
}

// release returns a slot and updates the endpoint's latency and liveness.
func (b *Balancer) release(ep *endpointState, latencyMs float64, failed bool) {
	b.mu.Lock()
	ep.inflight--
	if b.metrics != nil {
		b.metrics.EndpointInflight.WithLabelValues(ep.ID).Set(float64(ep.inflight))
	}
	if failed {
		wasHealthy := ep.healthy
		ep.healthy = false
		startReprobe := !ep.reprobing
		if startReprobe {
			ep.reprobing = true
		}
		b.mu.Unlock()

		if wasHealthy {
			b.logger.Warn("endpoint marked unhealthy", zap.String("endpoint", ep.ID))
			if b.alerts != nil {
				b.alerts.Raise(alerting.SeverityWarning, "balancer",
					"endpoint marked unhealthy",
					map[string]string{"endpoint": ep.ID, "baseUrl": ep.BaseURL})
			}
		}
		if startReprobe {
			go b.reprobe(ep)
		}
	} else {
		if ep.lastLatencyMs == 0 {
			ep.lastLatencyMs = latencyMs
		} else {
			ep.lastLatencyMs = ewmaAlpha*latencyMs + (1-ewmaAlpha)*ep.lastLatencyMs
		}
		b.mu.Unlock()
	}

	b.signal()
}

func (b *Balancer) signal() {
	select {
	case b.slotFreed <- struct{}{}:
	default:
	}
}

// reprobe retries the endpoint with doubling delays until it answers or
// the balancer closes. A sustained outage (backoff at cap) raises one
// Critical alert.
func (b *Balancer) reprobe(ep *endpointState) {
	delay := time.Second
	criticalRaised := false

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(delay):
		}

		probeCtx, cancel := context.WithTimeout(b.ctx, 5*time.Second)
		err := b.probe(probeCtx, ep.BaseURL)
		cancel()

		if err == nil {
			b.mu.Lock()
			ep.healthy = true
			ep.reprobing = false
			b.mu.Unlock()
			b.logger.Info("endpoint recovered", zap.String("endpoint", ep.ID))
			if b.alerts != nil {
				b.alerts.Raise(alerting.SeverityInfo, "balancer",
					"endpoint recovered", map[string]string{"endpoint": ep.ID})
			}
			b.signal()
			return
		}

		b.logger.Debug("endpoint re-probe failed",
			zap.String("endpoint", ep.ID),
			zap.Duration("nextDelay", delay),
			zap.Error(err))

		delay *= 2
		if delay >= b.opts.ReprobeMaxBackoff {
			delay = b.opts.ReprobeMaxBackoff
			if !criticalRaised && b.alerts != nil {
				b.alerts.Raise(alerting.SeverityCritical, "balancer",
					"endpoint outage persists",
					map[string]string{"endpoint": ep.ID, "baseUrl": ep.BaseURL})
				criticalRaised = true
			}
		}
	}
}

// Snapshot reports the current endpoint states for health diagnostics.
func (b *Balancer) Snapshot() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]string, len(b.endpoints))
	for _, ep := range b.endpoints {
		liveness := "Healthy"
		if !ep.healthy {
			liveness = "Unhealthy"
		}
		out[ep.ID] = fmt.Sprintf("%s inflight=%d latencyMs=%.0f", liveness, ep.inflight, ep.lastLatencyMs)
	}
	return out
}

// HealthProbe returns a probe for the health registry: Healthy when every
// endpoint is live, Degraded when some are out, Unhealthy when all are.
func (b *Balancer) HealthProbe() health.Probe {
	return func(_ context.Context) health.Status {
		b.mu.Lock()
		total, live := len(b.endpoints), 0
		for _, ep := range b.endpoints {
			if ep.healthy {
				live++
			}
		}
		b.mu.Unlock()

		st := health.Status{
			Diagnostics: b.Snapshot(),
		}
		switch {
		case live == total:
			st.State = health.StateHealthy
		case live > 0:
			st.State = health.StateDegraded
			st.FailureReasons = []string{fmt.Sprintf("%d/%d endpoints unhealthy", total-live, total)}
		default:
			st.State = health.StateUnhealthy
			st.FailureReasons = []string{"all endpoints unhealthy"}
		}
		return st
	}
}

type route struct {
	b  *Balancer
	ep *endpointState
}

func (r *route) BaseURL() string { return r.ep.BaseURL }

func (r *route) Release(latencyMs float64, failed bool) {
	r.b.release(r.ep, latencyMs, failed)
}

// defaultProbe checks GET /api/tags.
func defaultProbe(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(baseURL, "/")+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe returned %d", resp.StatusCode)
	}
	return nil
}

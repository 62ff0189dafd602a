// Package health aggregates per-component probes into a single status.
// Probes run in parallel with individual timeouts; the aggregate alert is
// edge-triggered so a persistent outage raises exactly one Critical alert.
package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"aires/internal/alerting"
)

// State is the ternary probe status plus Unknown.
type State string

const (
	StateHealthy   State = "Healthy"
	StateDegraded  State = "Degraded"
	StateUnhealthy State = "Unhealthy"
	StateUnknown   State = "Unknown"
)

// Status is one probe's snapshot, replaced wholesale on each check.
type Status struct {
	Component      string
	State          State
	ResponseTimeMs int64
	ErrorMessage   string
	Diagnostics    map[string]string
	FailureReasons []string
}

// Probe produces a component status. It must respect ctx.
type Probe func(ctx context.Context) Status

// Report is the outcome of one CheckAll pass.
type Report struct {
	Aggregate State
	Statuses  []Status
	Took      time.Duration
}

// String renders the textual diagnostic report: probe name, state, latency,
// first failure reason.
func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "aggregate: %s (%s)\n", r.Aggregate, r.Took.Round(time.Millisecond))
	for _, st := range r.Statuses {
		reason := ""
		if len(st.FailureReasons) > 0 {
			reason = " - " + st.FailureReasons[0]
		} else if st.ErrorMessage != "" {
			reason = " - " + st.ErrorMessage
		}
		fmt.Fprintf(&b, "  %-14s %-9s %4dms%s\n", st.Component, st.State, st.ResponseTimeMs, reason)
	}
	return b.String()
}

// Registry holds named probes and tracks the previous aggregate for
// edge-triggered alerting.
type Registry struct {
	mu     sync.Mutex
	names  []string
	probes map[string]Probe

	probeTimeout  time.Duration
	globalTimeout time.Duration

	alerts *alerting.Sink
	logger *zap.Logger

	prevAggregate State
}

// Options tunes the registry. Zero values take defaults (5s per probe,
// 30s global).
type Options struct {
	ProbeTimeout  time.Duration
	GlobalTimeout time.Duration
}

// NewRegistry builds an empty registry. The sink may be nil in tests.
func NewRegistry(opts Options, alerts *alerting.Sink, logger *zap.Logger) *Registry {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.GlobalTimeout <= 0 {
		opts.GlobalTimeout = 30 * time.Second
	}
	return &Registry{
		probes:        make(map[string]Probe),
		probeTimeout:  opts.ProbeTimeout,
		globalTimeout: opts.GlobalTimeout,
		alerts:        alerts,
		logger:        logger.Named("health"),
		prevAggregate: StateUnknown,
	}
}

// Register adds a probe under a stable component name. Re-registering a
// name replaces the probe.
func (r *Registry) Register(name string, p Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.probes[name]; !ok {
		r.names = append(r.names, name)
		sort.Strings(r.names)
	}
	r.probes[name] = p
}

// CheckAll runs every probe in parallel and aggregates. Healthy only when
// all probes are Healthy; Degraded when any Degraded and none Unhealthy;
// otherwise Unhealthy.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.Lock()
	names := append([]string(nil), r.names...)
	probes := make(map[string]Probe, len(r.probes))
	for k, v := range r.probes {
		probes[k] = v
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.globalTimeout)
	defer cancel()

	start := time.Now()
	results := make([]Status, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string, probe Probe) {
			defer wg.Done()
			results[i] = r.runProbe(ctx, name, probe)
		}(i, name, probes[name])
	}
	wg.Wait()

	report := Report{
		Aggregate: aggregate(results),
		Statuses:  results,
		Took:      time.Since(start),
	}
	r.observeTransition(report)
	return report
}

// runProbe executes one probe with its own timeout, converting a timeout
// or panic into an Unhealthy status rather than failing the pass.
func (r *Registry) runProbe(ctx context.Context, name string, probe Probe) Status {
	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan Status, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- Status{
					Component:      name,
					State:          StateUnhealthy,
					ErrorMessage:   fmt.Sprintf("probe panic: %v", rec),
					FailureReasons: []string{fmt.Sprintf("probe panic: %v", rec)},
				}
			}
		}()
		done <- probe(ctx)
	}()

	select {
	case st := <-done:
		st.Component = name
		if st.ResponseTimeMs == 0 {
			st.ResponseTimeMs = time.Since(start).Milliseconds()
		}
		return st
	case <-ctx.Done():
		return Status{
			Component:      name,
			State:          StateUnhealthy,
			ResponseTimeMs: time.Since(start).Milliseconds(),
			ErrorMessage:   "probe timed out",
			FailureReasons: []string{"probe timed out"},
		}
	}
}

func aggregate(statuses []Status) State {
	if len(statuses) == 0 {
		return StateUnknown
	}
	agg := StateHealthy
	for _, st := range statuses {
		switch st.State {
		case StateUnhealthy:
			return StateUnhealthy
		case StateDegraded, StateUnknown:
			agg = StateDegraded
		}
	}
	return agg
}

// observeTransition raises edge-triggered alerts: Critical the first time
// the aggregate becomes Unhealthy, Info on recovery to Healthy.
func (r *Registry) observeTransition(report Report) {
	r.mu.Lock()
	prev := r.prevAggregate
	r.prevAggregate = report.Aggregate
	r.mu.Unlock()

	if prev == report.Aggregate {
		return
	}
	r.logger.Info("health aggregate changed",
		zap.String("from", string(prev)),
		zap.String("to", string(report.Aggregate)))

	if r.alerts == nil {
		return
	}
	switch {
	case report.Aggregate == StateUnhealthy && prev != StateUnhealthy:
		r.alerts.Raise(alerting.SeverityCritical, "health",
			"system health degraded to Unhealthy",
			map[string]string{"report": firstFailure(report)})
	case report.Aggregate == StateHealthy && prev == StateUnhealthy:
		r.alerts.Raise(alerting.SeverityInfo, "health",
			"system health recovered", nil)
	}
}

func firstFailure(report Report) string {
	for _, st := range report.Statuses {
		if st.State == StateUnhealthy {
			if len(st.FailureReasons) > 0 {
				return st.Component + ": " + st.FailureReasons[0]
			}
			return st.Component + ": " + st.ErrorMessage
		}
	}
	return ""
}

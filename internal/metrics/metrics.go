// Package metrics keeps the in-process counters, gauges and histograms on
// a private prometheus registry. Nothing is pushed or served; values feed
// the health diagnostics and are snapshotted into booklet metadata.
package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry bundles every AIRES metric.
type Registry struct {
	reg *prometheus.Registry

	BookletsSaved        prometheus.Counter
	OrchestratorFailures *prometheus.CounterVec // label: code
	GatewayRetries       prometheus.Counter
	GatewayRequests      *prometheus.CounterVec // labels: model, outcome
	JobsCompleted        *prometheus.CounterVec // label: result
	QueueRejections      prometheus.Counter
	AlertsDropped        prometheus.Counter

	QueueDepth       prometheus.Gauge
	EndpointInflight *prometheus.GaugeVec // label: endpoint

	StageDuration    *prometheus.HistogramVec // label: stage
	GenerateDuration prometheus.Histogram

	mu         sync.Mutex
	lastEvents map[string]time.Time
}

// New builds and registers every metric.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg:        reg,
		lastEvents: make(map[string]time.Time),
		BookletsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aires_booklets_saved_total",
			Help: "Booklets persisted successfully.",
		}),
		OrchestratorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aires_orchestrator_failures_total",
			Help: "Pipeline failures by stable error code.",
		}, []string{"code"}),
		GatewayRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aires_gateway_retries_total",
			Help: "Gateway retry attempts after transient failures.",
		}),
		GatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aires_gateway_requests_total",
			Help: "Gateway generate calls by model and outcome.",
		}, []string{"model", "outcome"}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aires_jobs_completed_total",
			Help: "Jobs reaching a terminal state, by result.",
		}, []string{"result"}),
		QueueRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aires_queue_rejections_total",
			Help: "Enqueue attempts rejected because the queue was full.",
		}),
		AlertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aires_alerts_dropped_total",
			Help: "Alerts discarded by the overflow policy.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aires_queue_depth",
			Help: "Jobs currently queued.",
		}),
		EndpointInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aires_endpoint_inflight",
			Help: "In-flight gateway requests per endpoint.",
		}, []string{"endpoint"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aires_stage_duration_seconds",
			Help:    "Per-stage wallclock.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
		GenerateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aires_generate_duration_seconds",
			Help:    "Gateway generate call wallclock.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}

	reg.MustRegister(
		r.BookletsSaved, r.OrchestratorFailures, r.GatewayRetries,
		r.GatewayRequests, r.JobsCompleted, r.QueueRejections,
		r.AlertsDropped, r.QueueDepth, r.EndpointInflight,
		r.StageDuration, r.GenerateDuration,
	)
	return r
}

// MarkEvent records the wallclock of a named event (last poll, last booklet,
// last health pass). Exposed through Snapshot and health diagnostics.
func (r *Registry) MarkEvent(name string) {
	r.mu.Lock()
	r.lastEvents[name] = time.Now().UTC()
	r.mu.Unlock()
}

// LastEvent returns the recorded time for an event, zero if never marked.
func (r *Registry) LastEvent(name string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastEvents[name]
}

// Snapshot renders every current metric value into a flat string map,
// suitable for booklet metadata and the health report. Histograms export
// their _count and _sum.
func (r *Registry) Snapshot() map[string]string {
	out := make(map[string]string)

	families, err := r.reg.Gather()
	if err != nil {
		out["metrics_error"] = err.Error()
		return out
	}
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			name := fam.GetName() + labelSuffix(m)
			switch fam.GetType() {
			case dto.MetricType_COUNTER:
				out[name] = formatFloat(m.GetCounter().GetValue())
			case dto.MetricType_GAUGE:
				out[name] = formatFloat(m.GetGauge().GetValue())
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				out[name+"_count"] = strconv.FormatUint(h.GetSampleCount(), 10)
				out[name+"_sum"] = formatFloat(h.GetSampleSum())
			}
		}
	}

	r.mu.Lock()
	for name, at := range r.lastEvents {
		out["last_"+name] = at.Format(time.RFC3339)
	}
	r.mu.Unlock()
	return out
}

func labelSuffix(m *dto.Metric) string {
	labels := m.GetLabel()
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, fmt.Sprintf("%s=%s", l.GetName(), l.GetValue()))
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ",") + "}"
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

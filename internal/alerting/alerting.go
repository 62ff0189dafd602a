// Package alerting delivers severity-graded alerts to the enabled channels
// (console, rolling file, OS log). Raise never blocks the caller: alerts go
// through a bounded in-memory queue serviced by a dispatcher goroutine.
// When the queue is full the oldest Info alerts are dropped first; Critical
// alerts are never dropped.
package alerting

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"aires/internal/metrics"
)

// Severity grades an alert.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "WARNING"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "INFO"
	}
}

// Alert is one dispatched event.
type Alert struct {
	Severity Severity
	Source   string
	Message  string
	Context  map[string]string
	RaisedAt time.Time
}

// channel is one delivery target. Deliver errors are logged and never
// propagate; one failing channel must not block the others.
type channel interface {
	Deliver(a Alert) error
	Name() string
}

// Options selects channels per the [Alerting] config section.
type Options struct {
	Enabled       bool
	ConsoleAlerts bool
	FileAlerts    bool
	OSLog         bool
	AlertDir      string
	QueueCapacity int // default 1024
}

// Sink accepts alerts and fans them out.
type Sink struct {
	mu       sync.Mutex
	queue    []Alert
	capacity int
	notify   chan struct{}
	done     chan struct{}
	stopped  chan struct{}
	closed   bool

	channels []channel
	enabled  bool
	logger   *zap.Logger
	metrics  *metrics.Registry
	dropped  atomic.Int64
}

// New builds a sink and starts its dispatcher. Call Close on shutdown.
// m may be nil in tests.
func New(opts Options, logger *zap.Logger, m *metrics.Registry) *Sink {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 1024
	}
	s := &Sink{
		capacity: opts.QueueCapacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		enabled:  opts.Enabled,
		logger:   logger.Named("alerting"),
		metrics:  m,
	}
	if opts.Enabled {
		if opts.ConsoleAlerts {
			s.channels = append(s.channels, newConsoleChannel())
		}
		if opts.FileAlerts && opts.AlertDir != "" {
			s.channels = append(s.channels, newFileChannel(opts.AlertDir))
		}
		if opts.OSLog {
			if ch := newOSLogChannel(); ch != nil {
				s.channels = append(s.channels, ch)
			}
		}
	}
	go s.dispatch()
	return s
}

// Raise enqueues an alert. Non-blocking; overflow applies the
// drop-oldest-Info policy.
func (s *Sink) Raise(sev Severity, source, message string, context map[string]string) {
	if !s.enabled {
		return
	}
	a := Alert{
		Severity: sev,
		Source:   source,
		Message:  message,
		Context:  context,
		RaisedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.capacity && !s.evictLocked(sev) {
		// Nothing evictable and the new alert is not Critical: drop it.
		s.mu.Unlock()
		s.countDropped()
		return
	}
	s.queue = append(s.queue, a)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// evictLocked frees one slot. Oldest Info goes first, then oldest Warning.
// Returns false when only Critical alerts remain and the incoming alert is
// not itself Critical; an incoming Critical may exceed the bound instead.
func (s *Sink) evictLocked(incoming Severity) bool {
	for _, sev := range []Severity{SeverityInfo, SeverityWarning} {
		for i, a := range s.queue {
			if a.Severity == sev {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				s.countDropped()
				return true
			}
		}
	}
	return incoming == SeverityCritical
}

func (s *Sink) countDropped() {
	s.dropped.Add(1)
	if s.metrics != nil {
		s.metrics.AlertsDropped.Inc()
	}
}

// Dropped reports how many alerts overflow has discarded.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Close drains outstanding alerts and stops the dispatcher.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	<-s.stopped
}

func (s *Sink) dispatch() {
	defer close(s.stopped)
	for {
		select {
		case <-s.notify:
			s.drain()
		case <-s.done:
			s.drain()
			return
		}
	}
}

func (s *Sink) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		a := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		for _, ch := range s.channels {
			if err := ch.Deliver(a); err != nil {
				s.logger.Warn("alert channel delivery failed",
					zap.String("channel", ch.Name()),
					zap.String("source", a.Source),
					zap.Error(err))
			}
		}
	}
}

// formatContext renders context fields deterministically (sorted keys).
func formatContext(ctx map[string]string) string {
	if len(ctx) == 0 {
		return ""
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for _, k := range keys {
		out += fmt.Sprintf(" %s=%s", k, ctx[k])
	}
	return out
}

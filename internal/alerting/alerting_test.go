package alerting

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"aires/internal/metrics"
)

// captureChannel records delivered alerts for assertions.
type captureChannel struct {
	mu     sync.Mutex
	alerts []Alert
}

func (c *captureChannel) Name() string { return "capture" }

func (c *captureChannel) Deliver(a Alert) error {
	c.mu.Lock()
	c.alerts = append(c.alerts, a)
	c.mu.Unlock()
	return nil
}

func (c *captureChannel) snapshot() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Alert(nil), c.alerts...)
}

func newTestSink(capacity int) (*Sink, *captureChannel) {
	s := New(Options{Enabled: true, QueueCapacity: capacity}, zap.NewNop(), nil)
	ch := &captureChannel{}
	s.channels = append(s.channels, ch)
	return s, ch
}

func TestSinkDelivery(t *testing.T) {
	s, ch := newTestSink(16)

	s.Raise(SeverityInfo, "test", "first", nil)
	s.Raise(SeverityCritical, "test", "second", map[string]string{"k": "v"})
	s.Close()

	alerts := ch.snapshot()
	require.Len(t, alerts, 2)
	assert.Equal(t, "first", alerts[0].Message)
	assert.Equal(t, SeverityCritical, alerts[1].Severity)
	assert.Equal(t, "v", alerts[1].Context["k"])
	assert.False(t, alerts[0].RaisedAt.IsZero())
}

func TestSinkOverflowPolicy(t *testing.T) {
	t.Run("oldest Info dropped first", func(t *testing.T) {
		s := New(Options{Enabled: true, QueueCapacity: 3}, zap.NewNop(), nil)
		// No channels: the queue only drains on Close, so it fills up.
		s.mu.Lock()
		s.queue = append(s.queue,
			Alert{Severity: SeverityInfo, Message: "info-old"},
			Alert{Severity: SeverityWarning, Message: "warn"},
			Alert{Severity: SeverityCritical, Message: "crit"},
		)
		evicted := s.evictLocked(SeverityCritical)
		s.mu.Unlock()

		require.True(t, evicted)
		require.Len(t, s.queue, 2)
		assert.Equal(t, "warn", s.queue[0].Message)
		s.Close()
	})

	t.Run("critical never evicted for lower severities", func(t *testing.T) {
		s := New(Options{Enabled: true, QueueCapacity: 2}, zap.NewNop(), nil)
		s.mu.Lock()
		s.queue = append(s.queue,
			Alert{Severity: SeverityCritical, Message: "c1"},
			Alert{Severity: SeverityCritical, Message: "c2"},
		)
		evicted := s.evictLocked(SeverityInfo)
		s.mu.Unlock()

		assert.False(t, evicted)
		s.Close()
	})

	t.Run("dropped counter increments", func(t *testing.T) {
		m := metrics.New()
		s := New(Options{Enabled: true, QueueCapacity: 1}, zap.NewNop(), m)
		blocker := make(chan struct{})
		s.channels = append(s.channels, blockingChannel{release: blocker})

		s.Raise(SeverityInfo, "test", "a", nil)
		// Give the dispatcher time to pick up "a" and block in Deliver.
		time.Sleep(20 * time.Millisecond)
		s.Raise(SeverityInfo, "test", "b", nil)
		s.Raise(SeverityInfo, "test", "c", nil)

		assert.GreaterOrEqual(t, s.Dropped(), int64(1))
		assert.NotEqual(t, "0", m.Snapshot()["aires_alerts_dropped_total"])
		close(blocker)
		s.Close()
	})
}

type blockingChannel struct{ release chan struct{} }

func (b blockingChannel) Name() string { return "blocking" }
func (b blockingChannel) Deliver(Alert) error {
	<-b.release
	return nil
}

func TestSinkDisabled(t *testing.T) {
	s := New(Options{Enabled: false}, zap.NewNop(), nil)
	s.Raise(SeverityCritical, "test", "ignored", nil)
	s.Close()
	assert.Zero(t, s.Dropped())
}

func TestFileChannel(t *testing.T) {
	dir := t.TempDir()
	s := New(Options{Enabled: true, FileAlerts: true, AlertDir: dir}, zap.NewNop(), nil)
	s.Raise(SeverityWarning, "watchdog", "file processing failed", map[string]string{"path": "x.txt"})
	s.Close()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "WARNING")
	assert.Contains(t, content, "file processing failed")
	assert.Contains(t, content, "path=x.txt")
}

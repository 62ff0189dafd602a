// Package watchdog polls the inbox for stable build-output files and
// dispatches them to a fixed worker pool. Polling is the source of truth
// for eligibility; fsnotify events only wake the poller early.
package watchdog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"aires/internal/alerting"
	"aires/internal/health"
	"aires/internal/metrics"
	"aires/internal/types"
)

// Processor handles one eligible file end to end. A nil return means a
// booklet was produced; context.Canceled means the job was cancelled.
type Processor interface {
	Process(ctx context.Context, path string) error
}

// JobState tracks a job through its lifecycle.
type JobState string

const (
	JobQueued    JobState = "Queued"
	JobRunning   JobState = "Running"
	JobSucceeded JobState = "Succeeded"
	JobFailed    JobState = "Failed"
	JobRequeued  JobState = "Requeued"
	JobCancelled JobState = "Cancelled"
)

// job identity survives requeues: retries keep the original id and
// enqueue time.
type job struct {
	id         uuid.UUID
	path       string
	attempt    int
	enqueuedAt time.Time
}

// Options tunes the watchdog. Zero values take the documented defaults.
type Options struct {
	PollInterval      time.Duration // default 30s
	FileAgeThreshold  time.Duration // default 1m
	MaxQueueSize      int           // default 100
	Workers           int           // default 2
	MaxRetries        int           // default 3
	RetryDelay        time.Duration // default 2s
	AllowedExtensions []string      // default .txt, .log
	MaxFileSizeMB     int           // default 10
	ShutdownTimeout   time.Duration // default 30s
}

func (o *Options) fillDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.FileAgeThreshold <= 0 {
		o.FileAgeThreshold = time.Minute
	}
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = 100
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
	if len(o.AllowedExtensions) == 0 {
		o.AllowedExtensions = []string{".txt", ".log"}
	}
	if o.MaxFileSizeMB <= 0 {
		o.MaxFileSizeMB = 10
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
}

// Watchdog owns the inbox, the bounded queue and the worker pool.
type Watchdog struct {
	inbox        string
	processedDir string
	failedDir    string
	opts         Options

	proc    Processor
	logger  *zap.Logger
	m       *metrics.Registry
	alerts  *alerting.Sink

	mu        sync.Mutex
	pending   map[string]bool // queued or in-flight, keyed by absolute path
	accepting bool
	queue     chan job
	wake      chan struct{}

	wg sync.WaitGroup
}

// New builds a watchdog over the given inbox. Trays live under the inbox.
// metrics and alerts may be nil in tests.
func New(inbox string, proc Processor, opts Options, logger *zap.Logger, m *metrics.Registry, alerts *alerting.Sink) *Watchdog {
	opts.fillDefaults()
	return &Watchdog{
		inbox:        inbox,
		processedDir: filepath.Join(inbox, "processed"),
		failedDir:    filepath.Join(inbox, "failed"),
		opts:         opts,
		proc:         proc,
		logger:       logger.Named("watchdog"),
		m:            m,
		alerts:       alerts,
		pending:      make(map[string]bool),
		accepting:    true,
		queue:        make(chan job, opts.MaxQueueSize),
		wake:         make(chan struct{}, 1),
	}
}

// Run polls until ctx is cancelled, then drains in-flight jobs up to the
// shutdown deadline. Files already in the inbox at startup are picked up
// by the first poll.
func (w *Watchdog) Run(ctx context.Context) error {
	for _, dir := range []string{w.inbox, w.processedDir, w.failedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	for i := 0; i < w.opts.Workers; i++ {
		w.wg.Add(1)
		go w.worker(workerCtx, i)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, relying on polling only", zap.Error(err))
	} else {
		defer watcher.Close()
		if err := watcher.Add(w.inbox); err != nil {
			w.logger.Warn("cannot watch inbox, relying on polling only", zap.Error(err))
		} else {
			go w.forwardEvents(ctx, watcher)
		}
	}

	w.logger.Info("watchdog started",
		zap.String("inbox", w.inbox),
		zap.Duration("pollInterval", w.opts.PollInterval),
		zap.Int("workers", w.opts.Workers))

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	w.poll()
	for {
		select {
		case <-ctx.Done():
			return w.shutdown(cancelWorkers)
		case <-ticker.C:
			w.poll()
		case <-w.wake:
			w.poll()
		}
	}
}

// shutdown stops enqueues, lets workers drain the queue, and force-cancels
// whatever is still running at the deadline.
func (w *Watchdog) shutdown(cancelWorkers context.CancelFunc) error {
	w.mu.Lock()
	w.accepting = false
	w.mu.Unlock()
	close(w.queue)

	w.logger.Info("watchdog draining", zap.Duration("deadline", w.opts.ShutdownTimeout))

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info("watchdog drained")
	case <-time.After(w.opts.ShutdownTimeout):
		w.logger.Warn("shutdown deadline reached, cancelling in-flight jobs")
		cancelWorkers()
		<-done
	}
	return nil
}

// forwardEvents collapses inbox create/write events into poller wakes.
func (w *Watchdog) forwardEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				select {
				case w.wake <- struct{}{}:
				default:
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("fsnotify error", zap.Error(err))
		}
	}
}

// poll scans the inbox and enqueues every eligible file. Rejected files
// are reconsidered on the next poll.
func (w *Watchdog) poll() {
	if w.m != nil {
		w.m.MarkEvent("poll")
	}
	entries, err := os.ReadDir(w.inbox)
	if err != nil {
		w.logger.Error("inbox scan failed", zap.Error(err))
		return
	}
	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.inbox, entry.Name())
		if !w.eligible(entry.Name(), path, now) {
			continue
		}
		w.enqueue(job{path: path})
	}
}

func (w *Watchdog) eligible(name, path string, now time.Time) bool {
	ext := strings.ToLower(filepath.Ext(name))
	allowed := false
	for _, a := range w.opts.AllowedExtensions {
		if strings.EqualFold(a, ext) {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if now.Sub(info.ModTime()) < w.opts.FileAgeThreshold {
		return false
	}
	if info.Size() > int64(w.opts.MaxFileSizeMB)*1024*1024 {
		w.logger.Warn("file exceeds size limit, skipping",
			zap.String("path", path),
			zap.Int64("sizeBytes", info.Size()))
		return false
	}
	return true
}

// enqueue adds a job unless the path is already pending or the queue is
// full. Returns whether the job was accepted.
func (w *Watchdog) enqueue(j job) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.accepting || w.pending[j.path] {
		return false
	}
	j.id = uuid.New()
	j.enqueuedAt = time.Now().UTC()
	select {
	case w.queue <- j:
		w.pending[j.path] = true
		if w.m != nil {
			w.m.QueueDepth.Set(float64(len(w.queue)))
		}
		w.logger.Debug("job queued",
			zap.String("jobId", j.id.String()),
			zap.String("path", j.path),
			zap.Int("attempt", j.attempt))
		return true
	default:
		if w.m != nil {
			w.m.QueueRejections.Inc()
		}
		w.logger.Debug("queue full, rejecting", zap.String("path", j.path))
		return false
	}
}

// requeue schedules a transient-failure retry after the backoff delay.
// The path stays pending so duplicate polls are still ignored.
func (w *Watchdog) requeue(j job) {
	delay := w.opts.RetryDelay * (1 << uint(j.attempt))
	next := job{id: j.id, path: j.path, attempt: j.attempt + 1, enqueuedAt: j.enqueuedAt}
	w.logger.Info("job requeued",
		zap.String("jobId", j.id.String()),
		zap.String("path", j.path),
		zap.Int("attempt", next.attempt),
		zap.Duration("delay", delay))

	time.AfterFunc(delay, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if !w.accepting {
			delete(w.pending, next.path)
			return
		}
		select {
		case w.queue <- next:
			if w.m != nil {
				w.m.QueueDepth.Set(float64(len(w.queue)))
			}
		default:
			// Queue full; give up the slot and let a future poll retry
			// from attempt 0.
			delete(w.pending, next.path)
			if w.m != nil {
				w.m.QueueRejections.Inc()
			}
		}
	})
}

func (w *Watchdog) worker(ctx context.Context, id int) {
	defer w.wg.Done()
	log := w.logger.With(zap.Int("worker", id))
	for j := range w.queue {
		if w.m != nil {
			w.m.QueueDepth.Set(float64(len(w.queue)))
		}
		w.runJob(ctx, log, j)
	}
}

// runJob drives one job to a terminal state or a requeue.
func (w *Watchdog) runJob(ctx context.Context, log *zap.Logger, j job) {
	log = log.With(zap.String("jobId", j.id.String()), zap.String("path", j.path))
	log.Info("job started",
		zap.Int("attempt", j.attempt),
		zap.Duration("queuedFor", time.Since(j.enqueuedAt)))
	start := time.Now()
	err := w.proc.Process(ctx, j.path)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		w.finish(j, JobSucceeded, w.processedDir)
		log.Info("job succeeded", zap.Duration("took", elapsed))

	case ctx.Err() != nil:
		// Shutdown force-cancel. Leave the file in place for the next run.
		w.clearPending(j.path)
		w.countJob(JobCancelled)
		log.Info("job cancelled")

	case types.IsTransient(err) && j.attempt < w.opts.MaxRetries:
		w.countJob(JobRequeued)
		log.Warn("job hit transient failure",
			zap.String("errorCode", types.CodeOf(err)),
			zap.Int("attempt", j.attempt),
			zap.Error(err))
		w.requeue(j)

	default:
		w.finish(j, JobFailed, w.failedDir)
		log.Error("job failed",
			zap.String("errorCode", types.CodeOf(err)),
			zap.Int("attempt", j.attempt),
			zap.Error(err))
		if w.alerts != nil {
			w.alerts.Raise(alerting.SeverityWarning, "watchdog",
				"file processing failed terminally",
				map[string]string{
					"jobId":     j.id.String(),
					"path":      j.path,
					"errorCode": types.CodeOf(err),
					"error":     err.Error(),
				})
		}
	}
}

// finish moves the input file to its tray and releases the pending slot.
func (w *Watchdog) finish(j job, state JobState, tray string) {
	if err := moveToTray(j.path, tray); err != nil {
		w.logger.Error("tray move failed",
			zap.String("path", j.path),
			zap.String("tray", tray),
			zap.Error(err))
	}
	w.clearPending(j.path)
	w.countJob(state)
}

func (w *Watchdog) clearPending(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()
}

func (w *Watchdog) countJob(state JobState) {
	if w.m != nil {
		w.m.JobsCompleted.WithLabelValues(string(state)).Inc()
	}
}

// HealthProbe verifies the inbox is listable and reports queue state.
func (w *Watchdog) HealthProbe() health.Probe {
	return func(_ context.Context) health.Status {
		st := health.Status{State: health.StateHealthy}
		if _, err := os.ReadDir(w.inbox); err != nil {
			st.State = health.StateUnhealthy
			st.FailureReasons = []string{"inbox not listable: " + err.Error()}
			return st
		}
		w.mu.Lock()
		st.Diagnostics = map[string]string{
			"inbox":      w.inbox,
			"queueDepth": fmt.Sprintf("%d", len(w.queue)),
			"pending":    fmt.Sprintf("%d", len(w.pending)),
		}
		w.mu.Unlock()
		return st
	}
}

// moveToTray renames the file into the tray, suffixing a timestamp when
// the name is already taken.
func moveToTray(path, tray string) error {
	target := filepath.Join(tray, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		ext := filepath.Ext(target)
		target = strings.TrimSuffix(target, ext) + "-" + time.Now().UTC().Format("20060102T150405") + ext
	}
	return os.Rename(path, target)
}

// Package scheduler runs scrape tasks on a schedule, bounded by a global
// concurrency ceiling, and drives each attempt through rate limiting, proxy
// selection, browser checkout and extraction.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/scrape-scheduler/internal/browser"
	"github.com/JakeFAU/scrape-scheduler/internal/clock/system"
	"github.com/JakeFAU/scrape-scheduler/internal/extract"
	"github.com/JakeFAU/scrape-scheduler/internal/id/uuid"
	"github.com/JakeFAU/scrape-scheduler/internal/metrics"
	"github.com/JakeFAU/scrape-scheduler/internal/policy/breaker"
	"github.com/JakeFAU/scrape-scheduler/internal/policy/ratelimit"
	"github.com/JakeFAU/scrape-scheduler/internal/policy/retry"
	"github.com/JakeFAU/scrape-scheduler/internal/proxy"
	"github.com/JakeFAU/scrape-scheduler/internal/results"
	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

var (
	// ErrClosed is returned once Cleanup has started.
	ErrClosed = errors.New("scheduler closed")
	// ErrDuplicateTask is returned when the id is already known.
	ErrDuplicateTask = errors.New("task already exists")
	// ErrBreakerOpen is returned while the global circuit breaker rejects work.
	ErrBreakerOpen = errors.New("circuit breaker open")
	// ErrNotRunnable is returned by ExecuteTask for a task that is not waiting to run.
	ErrNotRunnable = errors.New("task is not runnable")
)

// Config tunes the scheduler.
type Config struct {
	MaxInstances int `mapstructure:"max_instances"`
	// MisfireGraceTime is how late a task may start; zero disables the check.
	MisfireGraceTime time.Duration  `mapstructure:"misfire_grace_time"`
	RateLimitTimeout time.Duration  `mapstructure:"rate_limit_timeout"`
	ProxyTimeout     time.Duration  `mapstructure:"proxy_timeout"`
	BrowserTimeout   time.Duration  `mapstructure:"browser_timeout"`
	DefaultTimeout   time.Duration  `mapstructure:"default_timeout"`
	ShutdownTimeout  time.Duration  `mapstructure:"shutdown_timeout"`
	HistoryLimit     int            `mapstructure:"history_limit"`
	Breaker          breaker.Config `mapstructure:"breaker"`
	Retry            retry.Config   `mapstructure:"retry"`
}

func (c Config) withDefaults() Config {
	if c.MaxInstances <= 0 {
		c.MaxInstances = 100
	}
	if c.MisfireGraceTime < 0 {
		c.MisfireGraceTime = 0
	}
	if c.RateLimitTimeout <= 0 {
		c.RateLimitTimeout = 5 * time.Second
	}
	if c.ProxyTimeout <= 0 {
		c.ProxyTimeout = 5 * time.Second
	}
	if c.BrowserTimeout <= 0 {
		c.BrowserTimeout = 30 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 10000
	}
	return c
}

// RateLimiter admits or rejects an attempt for a domain.
type RateLimiter interface {
	Check(ctx context.Context, domain, clientID string) (ratelimit.Decision, error)
}

// ProxyProvider leases upstream proxies.
type ProxyProvider interface {
	GetProxy(ctx context.Context, req proxy.Request) (*proxy.Lease, error)
	Close() error
}

// BrowserProvider checks browsers in and out.
type BrowserProvider interface {
	GetBrowser(ctx context.Context, opts browser.Options) (*browser.Handle, error)
	ReleaseBrowser(ctx context.Context, id string) bool
	Utilization() float64
	Cleanup(ctx context.Context) error
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints result ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Deps are the collaborators an attempt runs through. Proxies, Sink, Clock and
// IDs are optional.
type Deps struct {
	Limiter   RateLimiter
	Proxies   ProxyProvider
	Browsers  BrowserProvider
	Extractor extract.Extractor
	Sink      results.Sink
	Clock     Clock
	IDs       IDGenerator
	Logger    *zap.Logger
}

// Metrics is a point-in-time summary.
type Metrics struct {
	ActiveTasks          int           `json:"active_tasks"`
	QueuedTasks          int           `json:"queued_tasks"`
	RunningTasks         int           `json:"running_tasks"`
	CompletedTasks       int           `json:"completed_tasks"`
	FailedTasks          int           `json:"failed_tasks"`
	CancelledTasks       int           `json:"cancelled_tasks"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	ResourceUtilization  float64       `json:"resource_utilization"`
}

type task struct {
	scrape.Task

	seq      uint64
	delayIdx int
	readyIdx int

	running         bool
	cancelRequested bool
	retired         bool
	lastDelay       time.Duration
}

func (t *task) snapshot() scrape.Task {
	out := t.Task
	if len(t.Config.AdditionalURLs) > 0 {
		out.Config.AdditionalURLs = append([]string(nil), t.Config.AdditionalURLs...)
	}
	return out
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	cfg       Config
	limiter   RateLimiter
	proxies   ProxyProvider
	browsers  BrowserProvider
	extractor extract.Extractor
	sink      results.Sink
	clock     Clock
	ids       IDGenerator
	logger    *zap.Logger
	breaker   *breaker.Breaker
	retry     *retry.ExponentialPolicy
	sem       *semaphore.Weighted
	locks     *keyedMutex

	mu           sync.Mutex
	tasks        map[string]*task
	history      map[string]*task
	historyOrder []string
	delayed      delayQueue
	ready        readyQueue
	seq          uint64
	running      int
	closed       bool
	finished     map[scrape.Status]int
	execTotal    time.Duration
	execCount    int

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	cleanupOnce sync.Once
	cleanupErr  error
}

// New builds a Scheduler and starts its dispatcher.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Limiter == nil {
		return nil, fmt.Errorf("%w: rate limiter is required", scrape.ErrConfiguration)
	}
	if deps.Browsers == nil {
		return nil, fmt.Errorf("%w: browser provider is required", scrape.ErrConfiguration)
	}
	if deps.Extractor == nil {
		return nil, fmt.Errorf("%w: extractor is required", scrape.ErrConfiguration)
	}
	if deps.Sink == nil {
		deps.Sink = results.Discard{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	runCtx, runCancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:       cfg,
		limiter:   deps.Limiter,
		proxies:   deps.Proxies,
		browsers:  deps.Browsers,
		extractor: deps.Extractor,
		sink:      deps.Sink,
		clock:     deps.Clock,
		ids:       deps.IDs,
		logger:    deps.Logger,
		retry:     retry.NewExponentialPolicy(cfg.Retry),
		sem:       semaphore.NewWeighted(int64(cfg.MaxInstances)),
		locks:     newKeyedMutex(),
		tasks:     make(map[string]*task),
		history:   make(map[string]*task),
		finished:  make(map[scrape.Status]int),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		runCtx:    runCtx,
		runCancel: runCancel,
	}
	s.breaker = breaker.New(cfg.Breaker,
		breaker.WithClock(s.now),
		breaker.OnStateChange(func(from, to breaker.State) {
			metrics.SetBreakerState("scheduler", int(to))
			s.logger.Warn("Scheduler circuit breaker changed state",
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}),
	)
	metrics.SetBreakerState("scheduler", int(breaker.Closed))

	go s.dispatch()
	return s, nil
}

func (s *Scheduler) now() time.Time {
	return s.clock.Now()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Schedule registers a task. It reports false when the scheduler is closed, the
// id is empty or taken, the config is invalid, or the global breaker is open.
func (s *Scheduler) Schedule(id string, cfg scrape.TaskConfig, priority *int) bool {
	if err := s.Submit(id, cfg, priority); err != nil {
		s.logger.Warn("Task rejected", zap.String("task_id", id), zap.Error(err))
		return false
	}
	return true
}

// Submit is Schedule with the rejection reason.
func (s *Scheduler) Submit(id string, cfg scrape.TaskConfig, priority *int) error {
	if id == "" {
		return fmt.Errorf("%w: task id is required", scrape.ErrConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	var sched cron.Schedule
	if cfg.Schedule != "" {
		parsed, err := cron.ParseStandard(cfg.Schedule)
		if err != nil {
			return fmt.Errorf("%w: schedule %q: %v", scrape.ErrConfiguration, cfg.Schedule, err)
		}
		sched = parsed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.tasks[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	if _, ok := s.history[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	if !s.breaker.Allow() {
		return ErrBreakerOpen
	}

	now := s.now()
	prio := cfg.Priority
	if priority != nil {
		prio = *priority
	}
	trigger := now
	switch {
	case !cfg.StartAt.IsZero():
		trigger = cfg.StartAt
	case sched != nil:
		trigger = sched.Next(now)
	}

	t := &task{
		Task: scrape.Task{
			ID:          id,
			Config:      cfg,
			Priority:    prio,
			Status:      scrape.StatusScheduled,
			ScheduledAt: now,
			TriggerAt:   trigger,
		},
		delayIdx: -1,
		readyIdx: -1,
	}
	s.tasks[id] = t
	s.enqueueLocked(t)
	metrics.SetActiveTasks(len(s.tasks))
	s.logger.Info("Task scheduled",
		zap.String("task_id", id),
		zap.String("url", cfg.URL),
		zap.Int("priority", prio),
		zap.Time("trigger_at", trigger),
	)
	return nil
}

// PauseTask takes a scheduled task off the queue. Pausing a paused task is a no-op
// that reports true; anything else reports false.
func (s *Scheduler) PauseTask(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.running {
		return false
	}
	switch {
	case t.Status == scrape.StatusPaused:
		return true
	case t.Status == scrape.StatusScheduled:
		s.dequeueLocked(t)
		t.Status = scrape.StatusPaused
		s.logger.Info("Task paused", zap.String("task_id", id))
		return true
	default:
		return false
	}
}

// ResumeTask re-queues a paused task at max(trigger, now).
func (s *Scheduler) ResumeTask(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != scrape.StatusPaused || s.closed {
		return false
	}
	if now := s.now(); t.TriggerAt.Before(now) {
		t.TriggerAt = now
	}
	t.Status = scrape.StatusScheduled
	s.enqueueLocked(t)
	s.logger.Info("Task resumed", zap.String("task_id", id), zap.Time("trigger_at", t.TriggerAt))
	return true
}

// CancelTask cancels a waiting task at once. A running task is only flagged: its
// in-flight call runs to completion and the flag retires it at the next
// checkpoint. Unknown and finished tasks report false.
func (s *Scheduler) CancelTask(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	if t.running {
		if !t.cancelRequested {
			t.cancelRequested = true
			s.logger.Info("Cancellation requested for running task", zap.String("task_id", id))
		}
		return true
	}
	s.cancelWaitingLocked(t)
	s.logger.Info("Task cancelled", zap.String("task_id", id))
	return true
}

func (s *Scheduler) cancelWaitingLocked(t *task) {
	s.dequeueLocked(t)
	t.Status = scrape.StatusCancelled
	t.RetryPending = false
	t.EndedAt = s.now()
	s.retireLocked(t)
}

// retireLocked moves a terminal task from the active map into history.
func (s *Scheduler) retireLocked(t *task) {
	if t.retired {
		return
	}
	t.retired = true
	delete(s.tasks, t.ID)
	s.finished[t.Status]++
	s.history[t.ID] = t
	s.historyOrder = append(s.historyOrder, t.ID)
	for len(s.historyOrder) > s.cfg.HistoryLimit {
		delete(s.history, s.historyOrder[0])
		s.historyOrder = s.historyOrder[1:]
	}
	metrics.SetActiveTasks(len(s.tasks))
}

// Task returns a snapshot of id, whether active or finished.
func (s *Scheduler) Task(id string) (scrape.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		return t.snapshot(), true
	}
	if t, ok := s.history[id]; ok {
		return t.snapshot(), true
	}
	return scrape.Task{}, false
}

// Tasks returns snapshots of every known task ordered by id.
func (s *Scheduler) Tasks() []scrape.Task {
	s.mu.Lock()
	out := make([]scrape.Task, 0, len(s.tasks)+len(s.history))
	for _, t := range s.tasks {
		out = append(out, t.snapshot())
	}
	for _, t := range s.history {
		out = append(out, t.snapshot())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetMetrics summarises the scheduler.
func (s *Scheduler) GetMetrics() Metrics {
	s.mu.Lock()
	m := Metrics{
		ActiveTasks:    len(s.tasks),
		QueuedTasks:    s.queuedLocked(),
		RunningTasks:   s.running,
		CompletedTasks: s.finished[scrape.StatusCompleted],
		FailedTasks:    s.finished[scrape.StatusFailed],
		CancelledTasks: s.finished[scrape.StatusCancelled],
	}
	if s.execCount > 0 {
		m.AverageExecutionTime = s.execTotal / time.Duration(s.execCount)
	}
	s.mu.Unlock()
	m.ResourceUtilization = s.browsers.Utilization()
	return m
}

// BreakerState exposes the global breaker position.
func (s *Scheduler) BreakerState() breaker.State {
	return s.breaker.State()
}

// Cleanup stops the scheduler. Waiting tasks are cancelled; running tasks get
// ShutdownTimeout to finish before their contexts are cancelled and they are
// recorded as cancelled. Later calls return the first call's result.
func (s *Scheduler) Cleanup(ctx context.Context) error {
	s.cleanupOnce.Do(func() {
		s.cleanupErr = s.cleanup(ctx)
	})
	return s.cleanupErr
}

func (s *Scheduler) cleanup(ctx context.Context) error {
	s.logger.Info("Scheduler shutting down")
	s.mu.Lock()
	s.closed = true
	for _, t := range s.tasks {
		if t.running {
			t.cancelRequested = true
			continue
		}
		s.cancelWaitingLocked(t)
	}
	s.mu.Unlock()

	close(s.stop)
	<-s.done

	var errs error
	if !s.waitRunning(ctx) {
		s.runCancel()
		s.mu.Lock()
		for id, t := range s.tasks {
			t.Status = scrape.StatusCancelled
			t.RetryPending = false
			t.EndedAt = s.now()
			t.running = false
			s.running--
			s.retireLocked(t)
			errs = multierr.Append(errs, fmt.Errorf("task %s did not stop within %s", id, s.cfg.ShutdownTimeout))
		}
		s.mu.Unlock()
	}
	s.runCancel()

	if err := s.browsers.Cleanup(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("browser cleanup: %w", err))
	}
	if s.proxies != nil {
		if err := s.proxies.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("proxy registry close: %w", err))
		}
	}

	s.mu.Lock()
	s.tasks = make(map[string]*task)
	s.delayed = nil
	s.ready = nil
	metrics.SetActiveTasks(0)
	s.mu.Unlock()
	s.locks.reset()

	if errs != nil {
		s.logger.Warn("Scheduler cleanup finished with errors", zap.Error(errs))
		return errs
	}
	s.logger.Info("Scheduler stopped")
	return nil
}

// waitRunning reports whether every execution finished within ShutdownTimeout.
func (s *Scheduler) waitRunning(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(s.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

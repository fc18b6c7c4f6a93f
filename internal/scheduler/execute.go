package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/browser"
	"github.com/JakeFAU/scrape-scheduler/internal/extract"
	"github.com/JakeFAU/scrape-scheduler/internal/metrics"
	"github.com/JakeFAU/scrape-scheduler/internal/proxy"
	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

const releaseTimeout = 10 * time.Second

type outcome struct {
	result    extract.Result
	err       error
	proxy     string
	startedAt time.Time
	timings   scrape.Timings
}

// ExecuteTask runs one attempt of id immediately, taking it off the queue if it
// was waiting there. The task must be scheduled or waiting for a retry.
func (s *Scheduler) ExecuteTask(ctx context.Context, id string) (scrape.TaskResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return scrape.TaskResult{}, ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return scrape.TaskResult{}, fmt.Errorf("acquire execution slot: %w", err)
	}
	defer s.signal()
	defer s.sem.Release(1)
	return s.execute(ctx, id, false)
}

// execute runs one attempt. The caller holds an execution slot. fromQueue marks
// attempts launched by the dispatcher; those only run once the trigger is due, so
// a retry requeued by a concurrent ExecuteTask keeps its backoff.
func (s *Scheduler) execute(ctx context.Context, id string, fromQueue bool) (scrape.TaskResult, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		_, known := s.history[id]
		s.mu.Unlock()
		if known {
			return scrape.TaskResult{}, fmt.Errorf("%w: %s has finished", ErrNotRunnable, id)
		}
		return scrape.TaskResult{}, fmt.Errorf("%w: %s", scrape.ErrTaskNotFound, id)
	}
	runnable := t.Status == scrape.StatusScheduled || (t.Status == scrape.StatusFailed && t.RetryPending)
	if t.running || !runnable {
		status := t.Status
		s.mu.Unlock()
		return scrape.TaskResult{}, fmt.Errorf("%w: %s is %s", ErrNotRunnable, id, status)
	}
	if fromQueue && t.TriggerAt.After(s.now()) {
		trigger := t.TriggerAt
		s.mu.Unlock()
		return scrape.TaskResult{}, fmt.Errorf("%w: %s is not due until %s", ErrNotRunnable, id, trigger.Format(time.RFC3339Nano))
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.runCtx, cancel)
	defer stop()
	defer cancel()

	s.dequeueLocked(t)
	t.running = true
	t.Status = scrape.StatusRunning
	t.RetryPending = false
	t.Attempt++
	t.StartedAt = s.now()
	t.EndedAt = time.Time{}
	s.running++
	cfg := t.Config
	attempt := t.Attempt
	s.mu.Unlock()

	s.logger.Debug("Attempt started",
		zap.String("task_id", id),
		zap.Int("attempt", attempt),
		zap.String("url", cfg.URL),
	)
	out := s.run(attemptCtx, t, cfg, attempt)
	res, deliver, err := s.finish(t, out)
	if deliver {
		s.deliver(res)
	}
	return res, err
}

// run drives one attempt through rate limit, proxy, browser and extraction.
// Resources are released in reverse order of acquisition.
func (s *Scheduler) run(ctx context.Context, t *task, cfg scrape.TaskConfig, attempt int) (out outcome) {
	out.startedAt = s.now()
	defer func() {
		out.timings.Total = s.now().Sub(out.startedAt)
	}()
	domain := cfg.Domain()

	if out.err = s.checkpoint(ctx, t); out.err != nil {
		return out
	}
	stage := s.now()
	rlCtx, cancelRL := context.WithTimeout(ctx, s.cfg.RateLimitTimeout)
	decision, err := s.limiter.Check(rlCtx, domain, cfg.ClientID)
	cancelRL()
	out.timings.RateLimit = s.now().Sub(stage)
	if err != nil {
		out.err = fmt.Errorf("rate limit check: %w", err)
		return out
	}
	if !decision.Allowed {
		out.err = &scrape.RateLimitedError{Domain: domain, RetryAfter: decision.RetryAfter}
		return out
	}

	var lease *proxy.Lease
	if s.proxies != nil {
		if out.err = s.checkpoint(ctx, t); out.err != nil {
			return out
		}
		stage = s.now()
		proxyCtx, cancelProxy := context.WithTimeout(ctx, s.cfg.ProxyTimeout)
		lease, err = s.proxies.GetProxy(proxyCtx, proxy.Request{TaskID: t.ID, Domain: domain})
		cancelProxy()
		out.timings.Proxy = s.now().Sub(stage)
		if err != nil {
			out.err = fmt.Errorf("proxy: %w", err)
			return out
		}
		out.proxy = lease.Label()
	}
	extracted := false
	defer func() {
		settleLease(lease, extracted, out.err)
	}()

	if out.err = s.checkpoint(ctx, t); out.err != nil {
		return out
	}
	stage = s.now()
	opts := browser.Options{
		UserAgent:      cfg.UserAgent,
		Headers:        cfg.Headers,
		AcquireTimeout: s.cfg.BrowserTimeout,
	}
	if lease != nil {
		opts.Proxy = lease.URL
	}
	browserCtx, cancelBrowser := context.WithTimeout(ctx, s.cfg.BrowserTimeout)
	handle, err := s.browsers.GetBrowser(browserCtx, opts)
	cancelBrowser()
	out.timings.Browser = s.now().Sub(stage)
	if err != nil {
		out.err = fmt.Errorf("browser: %w", err)
		return out
	}
	defer s.releaseBrowser(t.ID, handle.ID)

	if out.err = s.checkpoint(ctx, t); out.err != nil {
		return out
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	stage = s.now()
	extractCtx, cancelExtract := context.WithTimeout(ctx, timeout)
	extracted = true
	result, err := s.extractor.Extract(extractCtx, extract.Request{
		TaskID:  t.ID,
		Attempt: attempt,
		Config:  cfg,
		Browser: handle,
		Proxy:   out.proxy,
	})
	timedOut := errors.Is(extractCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancelExtract()
	out.timings.Extraction = s.now().Sub(stage)
	if err != nil {
		if timedOut {
			err = fmt.Errorf("extraction timed out after %s: %w", timeout, err)
		}
		out.err = err
		return out
	}
	out.result = result
	out.err = s.checkpoint(ctx, t)
	return out
}

// checkpoint reports cancellation requested by an operator or a dead context.
func (s *Scheduler) checkpoint(ctx context.Context, t *task) error {
	s.mu.Lock()
	flagged := t.cancelRequested
	s.mu.Unlock()
	if flagged {
		return scrape.ErrCancelled
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("attempt interrupted: %w", err)
	}
	return nil
}

// settleLease credits or debits the proxy. Failures that say nothing about the
// proxy leave its score alone.
func settleLease(lease *proxy.Lease, extracted bool, err error) {
	if lease == nil {
		return
	}
	if !extracted {
		lease.Abandon()
		return
	}
	switch scrape.Classify(err) {
	case scrape.ErrorClassNone, scrape.ErrorClassTerminal:
		lease.Done(nil)
	case scrape.ErrorClassCancelled:
		lease.Abandon()
	default:
		lease.Done(err)
	}
}

func (s *Scheduler) releaseBrowser(taskID, browserID string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if !s.browsers.ReleaseBrowser(ctx, browserID) {
		s.logger.Debug("Browser was already reclaimed",
			zap.String("task_id", taskID),
			zap.String("browser_id", browserID),
		)
	}
}

// finish records the outcome. The bool is false when the task was already
// retired by a forced shutdown and the result must not be delivered.
func (s *Scheduler) finish(t *task, out outcome) (scrape.TaskResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	err := out.err
	if t.retired {
		if err == nil {
			err = scrape.ErrCancelled
		}
		return scrape.TaskResult{
			TaskID:     t.ID,
			Attempt:    t.Attempt,
			Status:     scrape.StatusCancelled,
			ErrorClass: scrape.ErrorClassCancelled,
			Error:      err.Error(),
			StartedAt:  out.startedAt,
			FinishedAt: now,
			Timings:    out.timings,
		}, false, err
	}

	t.running = false
	s.running--
	if t.cancelRequested && scrape.Classify(err) != scrape.ErrorClassCancelled {
		if err == nil {
			err = scrape.ErrCancelled
		} else {
			err = fmt.Errorf("%w: %w", scrape.ErrCancelled, err)
		}
	}
	class := scrape.Classify(err)
	s.execTotal += out.timings.Total
	s.execCount++

	res := scrape.TaskResult{
		ID:         s.resultID(),
		TaskID:     t.ID,
		Attempt:    t.Attempt,
		Success:    err == nil,
		Pages:      out.result.Pages,
		Records:    len(out.result.Records),
		Bytes:      out.result.Bytes,
		Artifacts:  out.result.Artifacts,
		ErrorClass: class,
		Proxy:      out.proxy,
		StartedAt:  out.startedAt,
		FinishedAt: now,
		Timings:    out.timings,
	}
	if err != nil {
		res.Error = err.Error()
		t.LastError = res.Error
	}

	switch class {
	case scrape.ErrorClassNone:
		s.breaker.RecordSuccess()
		t.Status = scrape.StatusCompleted
		t.LastError = ""
		t.EndedAt = now
		s.retireLocked(t)
	case scrape.ErrorClassCancelled:
		t.Status = scrape.StatusCancelled
		t.EndedAt = now
		s.retireLocked(t)
	default:
		s.breaker.RecordFailure()
		t.Status = scrape.StatusFailed
		if class == scrape.ErrorClassTransient && !s.closed && s.retry.ShouldRetry(err, t.Attempt, t.Config.MaxAttempts) {
			delay := s.retry.Backoff(t.Attempt)
			if after := scrape.RetryAfter(err); after > delay {
				delay = after
			}
			if delay < t.lastDelay {
				delay = t.lastDelay
			}
			t.lastDelay = delay
			t.RetryPending = true
			t.TriggerAt = now.Add(delay)
			s.enqueueLocked(t)
			res.WillRetry = true
		} else {
			t.EndedAt = now
			s.retireLocked(t)
		}
	}
	res.Status = t.Status
	metrics.ObserveTask(string(t.Status), out.timings.Total)

	fields := []zap.Field{
		zap.String("task_id", t.ID),
		zap.Int("attempt", t.Attempt),
		zap.String("status", string(t.Status)),
		zap.Duration("duration", out.timings.Total),
	}
	switch {
	case err == nil:
		s.logger.Info("Task completed", append(fields, zap.Int("pages", res.Pages))...)
	case res.WillRetry:
		s.logger.Warn("Attempt failed, retry scheduled", append(fields, zap.Time("retry_at", t.TriggerAt), zap.Error(err))...)
	default:
		s.logger.Warn("Task ended", append(fields, zap.String("error_class", string(class)), zap.Error(err))...)
	}
	return res, true, err
}

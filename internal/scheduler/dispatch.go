package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/metrics"
	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

// dispatch is the only goroutine that moves tasks from the queues to execution.
func (s *Scheduler) dispatch() {
	defer close(s.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.admit()

		s.mu.Lock()
		var wait time.Duration = -1
		if next := s.delayed.peek(); next != nil {
			wait = next.TriggerAt.Sub(s.now())
			if wait < 0 {
				wait = 0
			}
		}
		s.mu.Unlock()

		var fire <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			fire = timer.C
		}
		select {
		case <-s.stop:
			return
		case <-s.wake:
		case <-fire:
		}
	}
}

// admit starts as many ready tasks as the concurrency ceiling allows.
func (s *Scheduler) admit() {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.promoteLocked()
		if s.ready.Len() == 0 {
			s.mu.Unlock()
			return
		}
		if !s.sem.TryAcquire(1) {
			s.mu.Unlock()
			return
		}
		t := heap.Pop(&s.ready).(*task)

		if late := s.now().Sub(t.TriggerAt); s.cfg.MisfireGraceTime > 0 && late > s.cfg.MisfireGraceTime {
			s.sem.Release(1)
			res := s.misfireLocked(t, late)
			s.mu.Unlock()
			s.deliver(res)
			continue
		}

		s.wg.Add(1)
		s.mu.Unlock()
		go func(id string) {
			defer s.wg.Done()
			defer s.signal()
			defer s.sem.Release(1)
			if _, err := s.execute(s.runCtx, id, true); err != nil {
				s.logger.Debug("Attempt ended with error", zap.String("task_id", id), zap.Error(err))
			}
		}(t.ID)
	}
}

func (s *Scheduler) misfireLocked(t *task, late time.Duration) scrape.TaskResult {
	now := s.now()
	err := fmt.Errorf("%w: started %s after trigger", scrape.ErrMisfire, late.Round(time.Millisecond))
	t.Status = scrape.StatusFailed
	t.RetryPending = false
	t.LastError = err.Error()
	t.EndedAt = now
	s.retireLocked(t)
	metrics.ObserveTask(string(scrape.StatusFailed), 0)
	s.logger.Warn("Task misfired", zap.String("task_id", t.ID), zap.Duration("late", late))
	return scrape.TaskResult{
		ID:         s.resultID(),
		TaskID:     t.ID,
		Attempt:    t.Attempt,
		Status:     scrape.StatusFailed,
		ErrorClass: scrape.ErrorClassTerminal,
		Error:      err.Error(),
		StartedAt:  now,
		FinishedAt: now,
	}
}

func (s *Scheduler) resultID() string {
	id, err := s.ids.NewID()
	if err != nil {
		s.logger.Warn("Failed to mint result id", zap.Error(err))
		return ""
	}
	return id
}

func (s *Scheduler) deliver(res scrape.TaskResult) {
	if err := s.sink.Deliver(context.Background(), res); err != nil {
		s.logger.Warn("Result delivery failed",
			zap.String("task_id", res.TaskID),
			zap.Int("attempt", res.Attempt),
			zap.Error(err),
		)
	}
}

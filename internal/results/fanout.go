// Package results delivers task attempt outcomes to persistent stores and
// downstream consumers.
package results

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/metrics"
	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

// Sink receives every attempt outcome.
type Sink interface {
	Deliver(ctx context.Context, res scrape.TaskResult) error
}

// Store persists results.
type Store interface {
	StoreResult(ctx context.Context, res scrape.TaskResult) error
}

// Publisher announces results.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fanout writes each result to an optional store and an optional publisher.
// A failing target is logged and does not stop the others.
type Fanout struct {
	store     Store
	publisher Publisher
	topic     string
	timeout   time.Duration
	logger    *zap.Logger
}

// NewFanout wires the targets. Either may be nil.
func NewFanout(store Store, publisher Publisher, topic string, timeout time.Duration, logger *zap.Logger) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{
		store:     store,
		publisher: publisher,
		topic:     topic,
		timeout:   timeout,
		logger:    logger,
	}
}

// Deliver sends res to every target and returns their combined error.
func (f *Fanout) Deliver(ctx context.Context, res scrape.TaskResult) error {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	var errs error
	if f.store != nil {
		start := time.Now()
		err := f.store.StoreResult(ctx, res)
		metrics.ObserveOperation("store_result", time.Since(start))
		if err != nil {
			metrics.IncError("store_result")
			f.logger.Error("Failed to store task result",
				zap.String("task_id", res.TaskID),
				zap.Int("attempt", res.Attempt),
				zap.Error(err),
			)
			errs = multierr.Append(errs, err)
		}
	}
	if f.publisher != nil {
		start := time.Now()
		id, err := f.publisher.Publish(ctx, f.topic, res)
		metrics.ObserveOperation("publish_result", time.Since(start))
		if err != nil {
			metrics.IncError("publish_result")
			f.logger.Error("Failed to publish task result",
				zap.String("task_id", res.TaskID),
				zap.Int("attempt", res.Attempt),
				zap.Error(err),
			)
			errs = multierr.Append(errs, err)
		} else {
			f.logger.Debug("Task result published",
				zap.String("task_id", res.TaskID),
				zap.String("message_id", id),
			)
		}
	}
	return errs
}

// Discard drops results.
type Discard struct{}

// Deliver does nothing.
func (Discard) Deliver(context.Context, scrape.TaskResult) error { return nil }

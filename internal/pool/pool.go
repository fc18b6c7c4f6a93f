// Package pool implements a bounded, generic pool of costly resources with FIFO
// waiters, validated release and a background sweep for abandoned checkouts.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/id/uuid"
	"github.com/JakeFAU/scrape-scheduler/internal/metrics"
	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

var (
	// ErrPoolClosed is returned once Close has been called.
	ErrPoolClosed = errors.New("pool closed")
	// ErrDuplicateID is returned when the requested id is already checked out.
	ErrDuplicateID = errors.New("resource id already in use")
)

// Factory creates a new resource.
type Factory[T any] func(ctx context.Context) (T, error)

// IDGenerator produces resource ids for callers that do not supply one.
type IDGenerator interface {
	NewID() (string, error)
}

// Config bounds the pool.
type Config struct {
	Name    string
	MaxSize int
	// AcquireTimeout is used when Acquire is called with a zero timeout.
	AcquireTimeout time.Duration
	// StaleTimeout is how long a checkout may go without activity before the sweep
	// reclaims it.
	StaleTimeout time.Duration
	// SweepInterval <= 0 disables the background sweep.
	SweepInterval time.Duration
}

const (
	defaultMaxSize        = 100
	defaultAcquireTimeout = 30 * time.Second
	defaultStaleTimeout   = 30 * time.Second
)

// Resource is a checked-out resource. The pool keeps ownership bookkeeping; the
// caller holds Value until Release.
type Resource[T any] struct {
	ID         string
	Value      T
	AcquiredAt time.Time
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	MaxSize int `json:"max_size"`
	Size    int `json:"size"`
	Idle    int `json:"idle"`
	InUse   int `json:"in_use"`
	Waiting int `json:"waiting"`
}

// Option customizes a Pool.
type Option[T any] func(*Pool[T])

// WithValidator sets the health check run on every Release.
func WithValidator[T any](fn func(T) bool) Option[T] {
	return func(p *Pool[T]) {
		if fn != nil {
			p.validate = fn
		}
	}
}

// WithDestroyer sets how discarded resources are closed.
func WithDestroyer[T any](fn func(T) error) Option[T] {
	return func(p *Pool[T]) {
		if fn != nil {
			p.destroy = fn
		}
	}
}

// WithLogger sets the pool logger.
func WithLogger[T any](logger *zap.Logger) Option[T] {
	return func(p *Pool[T]) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(p *Pool[T]) {
		if now != nil {
			p.now = now
		}
	}
}

// WithIDGenerator overrides how ids are generated for anonymous acquisitions.
func WithIDGenerator[T any](ids IDGenerator) Option[T] {
	return func(p *Pool[T]) {
		if ids != nil {
			p.ids = ids
		}
	}
}

type entry[T any] struct {
	value      T
	createdAt  time.Time
	acquiredAt time.Time
	lastActive time.Time
}

// grant is what a waiter receives: an idle entry, permission to create one
// (entry == nil), or an error.
type grant[T any] struct {
	entry *entry[T]
	err   error
}

type waiter[T any] struct {
	ch      chan grant[T]
	granted bool
}

// Pool is safe for concurrent use.
type Pool[T any] struct {
	cfg      Config
	factory  Factory[T]
	validate func(T) bool
	destroy  func(T) error
	logger   *zap.Logger
	now      func() time.Time
	ids      IDGenerator

	mu      sync.Mutex
	idle    []*entry[T]
	inUse   map[string]*entry[T]
	size    int
	waiters *list.List
	closed  bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New builds a pool and starts its sweeper.
func New[T any](cfg Config, factory Factory[T], opts ...Option[T]) (*Pool[T], error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: pool factory is required", scrape.ErrConfiguration)
	}
	if cfg.MaxSize < 0 {
		return nil, fmt.Errorf("%w: pool max size must be >= 0", scrape.ErrConfiguration)
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = defaultMaxSize
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = defaultStaleTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	p := &Pool[T]{
		cfg:      cfg,
		factory:  factory,
		validate: func(T) bool { return true },
		destroy:  func(T) error { return nil },
		logger:   zap.NewNop(),
		now:      time.Now,
		ids:      uuid.New(),
		inUse:    make(map[string]*entry[T]),
		waiters:  list.New(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if cfg.SweepInterval > 0 {
		go p.sweepLoop(cfg.SweepInterval)
	} else {
		close(p.done)
	}
	return p, nil
}

// Acquire checks out a resource under id, creating one if the pool has room.
// A zero timeout uses the configured default; a negative timeout never waits and
// fails with scrape.ErrPoolExhausted when nothing is immediately available.
func (p *Pool[T]) Acquire(ctx context.Context, timeout time.Duration, id string) (*Resource[T], error) {
	if id == "" {
		generated, err := p.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("acquire: %w", err)
		}
		id = generated
	}
	noWait := timeout < 0
	if timeout == 0 {
		timeout = p.cfg.AcquireTimeout
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if _, dup := p.inUse[id]; dup {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	if p.waiters.Len() == 0 {
		if n := len(p.idle); n > 0 {
			e := p.idle[n-1]
			p.idle = p.idle[:n-1]
			res := p.checkoutLocked(id, e)
			p.mu.Unlock()
			return res, nil
		}
		if p.size < p.cfg.MaxSize {
			p.size++
			p.mu.Unlock()
			return p.create(ctx, id)
		}
	}
	if noWait {
		p.mu.Unlock()
		return nil, fmt.Errorf("acquire %s: %w", p.cfg.Name, scrape.ErrPoolExhausted)
	}
	w := &waiter[T]{ch: make(chan grant[T], 1)}
	elem := p.waiters.PushBack(w)
	p.reportLocked()
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case g := <-w.ch:
		return p.take(ctx, id, g)
	case <-timer.C:
		waitErr = &scrape.AcquisitionTimeoutError{Resource: p.cfg.Name, Timeout: timeout}
	case <-ctx.Done():
		waitErr = fmt.Errorf("acquire %s: %w", p.cfg.Name, ctx.Err())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			waitErr = &scrape.AcquisitionTimeoutError{Resource: p.cfg.Name, Timeout: timeout}
		}
	}

	p.mu.Lock()
	if !w.granted {
		p.waiters.Remove(elem)
		p.reportLocked()
		p.mu.Unlock()
		metrics.IncPoolAcquireTimeout(p.cfg.Name)
		return nil, waitErr
	}
	p.mu.Unlock()
	// Capacity was handed over while we were giving up; pass it on.
	p.giveBack(<-w.ch)
	metrics.IncPoolAcquireTimeout(p.cfg.Name)
	return nil, waitErr
}

// Release returns the resource checked out under id. It reports false when id is
// not checked out. Resources failing validation are destroyed and their slot freed.
func (p *Pool[T]) Release(id string) bool {
	return p.release(id, true, "unhealthy")
}

// Discard removes the resource checked out under id and destroys it.
func (p *Pool[T]) Discard(id string) bool {
	return p.release(id, false, "discarded")
}

// Touch records activity on a checkout so the sweep does not reclaim it.
func (p *Pool[T]) Touch(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.inUse[id]
	if !ok {
		return false
	}
	e.lastActive = p.now()
	return true
}

// InUse reports whether id is currently checked out.
func (p *Pool[T]) InUse(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inUse[id]
	return ok
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		MaxSize: p.cfg.MaxSize,
		Size:    p.size,
		Idle:    len(p.idle),
		InUse:   len(p.inUse),
		Waiting: p.waiters.Len(),
	}
}

// Utilization is the checked-out fraction of capacity.
func (p *Pool[T]) Utilization() float64 {
	s := p.Stats()
	if s.MaxSize == 0 {
		return 0
	}
	return float64(s.InUse) / float64(s.MaxSize)
}

// Close stops the sweeper, fails pending waiters and destroys idle resources.
// Resources still checked out are destroyed when they are released.
func (p *Pool[T]) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		idle := p.idle
		p.idle = nil
		p.size -= len(idle)
		for p.waiters.Len() > 0 {
			w := p.waiters.Remove(p.waiters.Front()).(*waiter[T])
			w.granted = true
			w.ch <- grant[T]{err: ErrPoolClosed}
		}
		p.reportLocked()
		p.mu.Unlock()

		close(p.stop)
		<-p.done

		var err error
		for _, e := range idle {
			if dErr := p.destroy(e.value); dErr != nil {
				err = multierr.Append(err, fmt.Errorf("destroy idle resource: %w", dErr))
			}
		}
		p.closeErr = err
	})
	return p.closeErr
}

func (p *Pool[T]) release(id string, validate bool, reason string) bool {
	p.mu.Lock()
	e, ok := p.inUse[id]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.inUse, id)
	closed := p.closed
	p.mu.Unlock()

	healthy := validate && !closed && p.validate(e.value)

	p.mu.Lock()
	if healthy && !p.closed {
		e.lastActive = p.now()
		p.returnIdleLocked(e)
		p.reportLocked()
		p.mu.Unlock()
		return true
	}
	p.size--
	p.handoffLocked()
	p.reportLocked()
	p.mu.Unlock()

	if !closed {
		metrics.IncPoolEviction(p.cfg.Name, reason)
	}
	if err := p.destroy(e.value); err != nil {
		p.logger.Warn("destroy resource failed", zap.String("resource_id", id), zap.Error(err))
	}
	return true
}

func (p *Pool[T]) take(ctx context.Context, id string, g grant[T]) (*Resource[T], error) {
	if g.err != nil {
		return nil, g.err
	}
	if g.entry == nil {
		return p.create(ctx, id)
	}
	p.mu.Lock()
	if _, dup := p.inUse[id]; dup {
		p.returnIdleLocked(g.entry)
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	res := p.checkoutLocked(id, g.entry)
	p.mu.Unlock()
	return res, nil
}

// create runs the factory for a slot that has already been reserved in size.
func (p *Pool[T]) create(ctx context.Context, id string) (*Resource[T], error) {
	value, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.size--
		p.handoffLocked()
		p.reportLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("create %s resource: %w", p.cfg.Name, err)
	}
	e := &entry[T]{value: value, createdAt: p.now()}

	p.mu.Lock()
	if p.closed {
		p.size--
		p.mu.Unlock()
		if dErr := p.destroy(value); dErr != nil {
			p.logger.Warn("destroy resource failed", zap.Error(dErr))
		}
		return nil, ErrPoolClosed
	}
	if _, dup := p.inUse[id]; dup {
		p.returnIdleLocked(e)
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	res := p.checkoutLocked(id, e)
	p.mu.Unlock()
	return res, nil
}

// giveBack hands an unused grant to the next waiter or back to the pool.
func (p *Pool[T]) giveBack(g grant[T]) {
	if g.err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if g.entry != nil {
		p.returnIdleLocked(g.entry)
	} else {
		p.size--
		p.handoffLocked()
	}
	p.reportLocked()
}

func (p *Pool[T]) checkoutLocked(id string, e *entry[T]) *Resource[T] {
	now := p.now()
	e.acquiredAt = now
	e.lastActive = now
	p.inUse[id] = e
	p.reportLocked()
	return &Resource[T]{ID: id, Value: e.value, AcquiredAt: now}
}

// returnIdleLocked gives e to the oldest waiter, or parks it in the idle set.
func (p *Pool[T]) returnIdleLocked(e *entry[T]) {
	if front := p.waiters.Front(); front != nil {
		w := p.waiters.Remove(front).(*waiter[T])
		w.granted = true
		w.ch <- grant[T]{entry: e}
		return
	}
	p.idle = append(p.idle, e)
}

// handoffLocked turns freed capacity into create permits for waiting callers.
func (p *Pool[T]) handoffLocked() {
	for p.waiters.Len() > 0 && p.size < p.cfg.MaxSize {
		w := p.waiters.Remove(p.waiters.Front()).(*waiter[T])
		w.granted = true
		p.size++
		w.ch <- grant[T]{}
	}
}

func (p *Pool[T]) reportLocked() {
	metrics.SetPoolUsage(p.cfg.Name, len(p.inUse), p.waiters.Len())
}

func (p *Pool[T]) sweepLoop(interval time.Duration) {
	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

type staleEntry[T any] struct {
	id    string
	entry *entry[T]
}

// sweep reclaims checkouts with no activity for longer than StaleTimeout.
func (p *Pool[T]) sweep() int {
	cutoff := p.now().Add(-p.cfg.StaleTimeout)

	p.mu.Lock()
	var stale []staleEntry[T]
	for id, e := range p.inUse {
		if e.lastActive.Before(cutoff) {
			delete(p.inUse, id)
			p.size--
			stale = append(stale, staleEntry[T]{id: id, entry: e})
		}
	}
	if len(stale) > 0 {
		p.handoffLocked()
		p.reportLocked()
	}
	p.mu.Unlock()

	for _, s := range stale {
		p.logger.Warn("reclaiming stale resource",
			zap.String("pool", p.cfg.Name),
			zap.String("resource_id", s.id),
			zap.Duration("held_for", p.now().Sub(s.entry.acquiredAt)),
			zap.Duration("idle_for", p.now().Sub(s.entry.lastActive)),
		)
		metrics.IncPoolEviction(p.cfg.Name, "stale")
		if err := p.destroy(s.entry.value); err != nil {
			p.logger.Warn("destroy stale resource failed", zap.String("resource_id", s.id), zap.Error(err))
		}
	}
	return len(stale)
}

package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/id/uuid"
	"github.com/JakeFAU/scrape-scheduler/internal/metrics"
	"github.com/JakeFAU/scrape-scheduler/internal/pool"
)

// ErrManagerClosed is returned by GetBrowser after Cleanup.
var ErrManagerClosed = errors.New("browser manager closed")

// Config controls the manager and its pool.
type Config struct {
	PoolSize            int           `mapstructure:"pool_size"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	ProbeTimeout        time.Duration `mapstructure:"probe_timeout"`
	StaleTimeout        time.Duration `mapstructure:"stale_timeout"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	MemoryLimitMB       int           `mapstructure:"memory_limit_mb"`
	Defaults            Options       `mapstructure:"defaults"`
}

// Manager specializes a pool for browsers and adds health checks.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	pool   *pool.Pool[Browser]
	ids    *uuid.Generator

	mu     sync.Mutex
	active map[string]*Handle
	closed bool

	stop        chan struct{}
	done        chan struct{}
	cleanupOnce sync.Once
	cleanupErr  error
}

// NewManager builds a manager and starts its health loop.
func NewManager(cfg Config, factory Factory, logger *zap.Logger) (*Manager, error) {
	if factory == nil {
		return nil, fmt.Errorf("browser factory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.Defaults.AcquireTimeout <= 0 {
		cfg.Defaults.AcquireTimeout = 30 * time.Second
	}
	if cfg.Defaults.Viewport.Width <= 0 || cfg.Defaults.Viewport.Height <= 0 {
		cfg.Defaults.Viewport = Viewport{Width: 1920, Height: 1080}
	}

	m := &Manager{
		cfg:    cfg,
		logger: logger,
		ids:    uuid.New(),
		active: make(map[string]*Handle),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	p, err := pool.New(pool.Config{
		Name:           "browser",
		MaxSize:        cfg.PoolSize,
		AcquireTimeout: cfg.Defaults.AcquireTimeout,
		StaleTimeout:   cfg.StaleTimeout,
		SweepInterval:  cfg.SweepInterval,
	}, pool.Factory[Browser](factory),
		pool.WithValidator(m.validate),
		pool.WithDestroyer(func(b Browser) error { return b.Close() }),
		pool.WithLogger[Browser](logger),
		pool.WithIDGenerator[Browser](m.ids),
	)
	if err != nil {
		return nil, fmt.Errorf("build browser pool: %w", err)
	}
	m.pool = p

	if cfg.HealthCheckInterval > 0 {
		go m.healthLoop(cfg.HealthCheckInterval)
	} else {
		close(m.done)
	}
	return m, nil
}

// GetBrowser checks out a browser configured with opts merged over the defaults.
func (m *Manager) GetBrowser(ctx context.Context, opts Options) (*Handle, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrManagerClosed
	}

	merged := opts.merge(m.cfg.Defaults)
	id := m.ids.MustNewID()
	start := time.Now()
	res, err := m.pool.Acquire(ctx, merged.AcquireTimeout, id)
	metrics.ObserveOperation("browser_acquire", time.Since(start))
	if err != nil {
		metrics.IncError("browser_acquire")
		return nil, fmt.Errorf("get browser: %w", err)
	}

	h := &Handle{
		ID:         id,
		Browser:    res.Value,
		Options:    merged,
		AcquiredAt: res.AcquiredAt,
		touch:      func() { m.pool.Touch(id) },
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.pool.Discard(id)
		return nil, ErrManagerClosed
	}
	m.active[id] = h
	m.mu.Unlock()
	metrics.IncActiveBrowsers()
	return h, nil
}

// ReleaseBrowser cleans up the handle's browsing contexts and returns it to the pool.
// It reports false when id is not an active handle.
func (m *Manager) ReleaseBrowser(ctx context.Context, id string) bool {
	m.mu.Lock()
	h, ok := m.active[id]
	if ok {
		delete(m.active, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	metrics.DecActiveBrowsers()

	if err := h.Browser.Cleanup(ctx); err != nil {
		m.logger.Warn("browser cleanup failed; discarding", zap.String("browser_id", id), zap.Error(err))
		metrics.IncError("browser_cleanup")
		m.pool.Discard(id)
		return true
	}
	m.pool.Release(id)
	return true
}

// Active returns the number of checked-out handles.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Utilization is the checked-out fraction of the browser pool.
func (m *Manager) Utilization() float64 {
	return m.pool.Utilization()
}

// Stats returns the underlying pool occupancy.
func (m *Manager) Stats() pool.Stats {
	return m.pool.Stats()
}

// Cleanup stops the health loop, force-releases every active handle and closes the
// pool. It never stops on an individual failure; errors are aggregated.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.cleanupOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		handles := make([]*Handle, 0, len(m.active))
		for _, h := range m.active {
			handles = append(handles, h)
		}
		m.active = make(map[string]*Handle)
		m.mu.Unlock()

		close(m.stop)
		<-m.done

		var err error
		for _, h := range handles {
			if cErr := h.Browser.Cleanup(ctx); cErr != nil {
				err = multierr.Append(err, fmt.Errorf("cleanup browser %s: %w", h.ID, cErr))
			}
			m.pool.Discard(h.ID)
		}
		if pErr := m.pool.Close(); pErr != nil {
			err = multierr.Append(err, pErr)
		}
		metrics.ResetActiveBrowsers()
		metrics.SetBrowserMemory(0)
		if err != nil {
			m.logger.Warn("browser manager cleanup finished with errors", zap.Error(err))
		} else {
			m.logger.Info("browser manager cleaned up", zap.Int("released", len(handles)))
		}
		m.cleanupErr = err
	})
	return m.cleanupErr
}

func (m *Manager) validate(b Browser) bool {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	defer cancel()
	return b.Ping(ctx) == nil
}

func (m *Manager) healthLoop(interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

// checkHealth probes every active handle and discards the ones that fail.
func (m *Manager) checkHealth() int {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.active))
	for _, h := range m.active {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	var (
		totalMemory uint64
		discarded   int
	)
	for _, h := range handles {
		mem, err := m.probe(h)
		totalMemory += mem
		metrics.ObserveBrowserHealth(err == nil)
		if err == nil {
			continue
		}
		m.mu.Lock()
		_, still := m.active[h.ID]
		if still {
			delete(m.active, h.ID)
		}
		m.mu.Unlock()
		if !still {
			continue
		}
		discarded++
		metrics.DecActiveBrowsers()
		metrics.IncError("browser_unhealthy")
		m.logger.Warn("discarding unhealthy browser", zap.String("browser_id", h.ID), zap.Error(err))
		m.pool.Discard(h.ID)
	}
	metrics.SetBrowserMemory(totalMemory)
	return discarded
}

func (m *Manager) probe(h *Handle) (uint64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	defer cancel()
	if err := h.Browser.Ping(ctx); err != nil {
		return 0, fmt.Errorf("ping: %w", err)
	}
	reporter, ok := h.Browser.(MemoryReporter)
	if !ok {
		return 0, nil
	}
	mem, err := reporter.MemoryUsage(ctx)
	if err != nil {
		m.logger.Debug("browser memory unavailable", zap.String("browser_id", h.ID), zap.Error(err))
		return 0, nil
	}
	if limit := uint64(m.cfg.MemoryLimitMB) * 1024 * 1024; limit > 0 && mem > limit {
		return mem, fmt.Errorf("memory %d bytes exceeds limit %d", mem, limit)
	}
	return mem, nil
}

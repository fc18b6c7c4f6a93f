// Package proxy keeps a scored, self-healing pool of upstream proxies.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/scrape-scheduler/internal/metrics"
	"github.com/JakeFAU/scrape-scheduler/internal/policy/breaker"
	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

// ErrRegistryClosed is returned once Close has run.
var ErrRegistryClosed = errors.New("proxy registry closed")

// Config tunes the registry.
type Config struct {
	PoolSize            int              `mapstructure:"pool_size"`
	SuccessThreshold    float64          `mapstructure:"success_threshold"`
	HealthCheckInterval time.Duration    `mapstructure:"health_check_interval"`
	RotationInterval    time.Duration    `mapstructure:"rotation_interval"`
	ProbeTimeout        time.Duration    `mapstructure:"probe_timeout"`
	ProbeConcurrency    int              `mapstructure:"probe_concurrency"`
	QuarantineTTL       time.Duration    `mapstructure:"quarantine_ttl"`
	ReplacementRate     float64          `mapstructure:"replacement_rate"`
	ReplacementBurst    int              `mapstructure:"replacement_burst"`
	Breaker             breaker.Config   `mapstructure:"breaker"`
	Validation          ValidationConfig `mapstructure:"validation"`
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.SuccessThreshold < 0 || c.SuccessThreshold > 1 {
		c.SuccessThreshold = 0.95
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.ProbeConcurrency <= 0 {
		c.ProbeConcurrency = 4
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.RecoveryTimeout <= 0 {
		def := breaker.DefaultConfig()
		if c.Breaker.FailureThreshold <= 0 {
			c.Breaker.FailureThreshold = def.FailureThreshold
		}
		if c.Breaker.RecoveryTimeout <= 0 {
			c.Breaker.RecoveryTimeout = def.RecoveryTimeout
		}
	}
	if c.QuarantineTTL <= 0 {
		c.QuarantineTTL = 3 * c.Breaker.RecoveryTimeout
	}
	if c.ReplacementRate <= 0 {
		c.ReplacementRate = 1
	}
	if c.ReplacementBurst <= 0 {
		c.ReplacementBurst = 5
	}
	return c
}

// Request describes who wants a proxy.
type Request struct {
	TaskID string
	Domain string
}

// NoHealthyProxyError reports an empty eligible set.
type NoHealthyProxyError struct {
	Tracked int
}

func (e *NoHealthyProxyError) Error() string {
	return fmt.Sprintf("no healthy proxy among %d tracked", e.Tracked)
}

// Is matches scrape.ErrNoHealthyProxy.
func (e *NoHealthyProxyError) Is(target error) bool {
	return target == scrape.ErrNoHealthyProxy
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the time source for scoring and breakers.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithProber enables the health loop.
func WithProber(p Prober) Option {
	return func(r *Registry) {
		r.prober = p
	}
}

// WithSource sets where replacement proxies come from.
func WithSource(s Source) Option {
	return func(r *Registry) {
		r.source = s
	}
}

// Registry hands out proxies and tracks how they perform.
type Registry struct {
	cfg     Config
	logger  *zap.Logger
	source  Source
	prober  Prober
	now     func() time.Time
	replace *rate.Limiter

	mu      sync.Mutex
	records map[string]*Record
	closed  bool

	baseCtx   context.Context
	cancel    context.CancelFunc
	stop      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// NewRegistry constructs an empty registry. Call Start to fill it from the source.
func NewRegistry(cfg Config, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		replace: rate.NewLimiter(rate.Limit(cfg.ReplacementRate), cfg.ReplacementBurst),
		records: make(map[string]*Record),
		baseCtx: ctx,
		cancel:  cancel,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start performs the initial fill and launches the rotation and health loops.
func (r *Registry) Start(ctx context.Context) error {
	var err error
	r.startOnce.Do(func() {
		if _, fillErr := r.topUp(ctx, r.cfg.PoolSize); fillErr != nil {
			err = fmt.Errorf("initial proxy fill: %w", fillErr)
		}
		if r.cfg.RotationInterval > 0 {
			r.wg.Add(1)
			go r.loop(r.cfg.RotationInterval, r.rotate)
		}
		if r.cfg.HealthCheckInterval > 0 && r.prober != nil {
			r.wg.Add(1)
			go r.loop(r.cfg.HealthCheckInterval, r.healthCheck)
		}
	})
	return err
}

func (r *Registry) loop(interval time.Duration, fn func(context.Context)) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			fn(r.baseCtx)
		}
	}
}

// Add validates and tracks url. Duplicates are ignored.
func (r *Registry) Add(url string) error {
	if err := Validate(url, r.cfg.Validation); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	r.addLocked(url)
	return nil
}

func (r *Registry) addLocked(url string) bool {
	if _, ok := r.records[url]; ok {
		return false
	}
	rec := &Record{
		URL:     url,
		label:   Label(url),
		addedAt: r.now(),
		breaker: breaker.New(r.cfg.Breaker, breaker.WithClock(r.now)),
	}
	r.records[url] = rec
	metrics.SetProxyHealth(rec.label, rec.Score())
	metrics.SetProxyPoolSize(len(r.records))
	return true
}

// GetProxy leases the best eligible proxy. It never waits.
func (r *Registry) GetProxy(ctx context.Context, req Request) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("get proxy: %w", err)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	best := r.selectLocked("")
	if best == nil {
		tracked := len(r.records)
		r.mu.Unlock()
		metrics.IncError("no_healthy_proxy")
		return nil, &NoHealthyProxyError{Tracked: tracked}
	}
	now := r.now()
	best.lastUsed = now
	url := best.URL
	r.mu.Unlock()

	r.logger.Debug("Proxy leased",
		zap.String("proxy", Label(url)),
		zap.String("task_id", req.TaskID),
		zap.String("domain", req.Domain),
	)
	return &Lease{URL: url, registry: r, leasedAt: now}, nil
}

func (r *Registry) selectLocked(exclude string) *Record {
	var best *Record
	for _, rec := range r.records {
		if rec.URL == exclude || !rec.eligible(r.cfg.SuccessThreshold) {
			continue
		}
		if best == nil || better(rec, best) {
			best = rec
		}
	}
	return best
}

// ReportSuccess credits url. A quarantined proxy whose breaker closes again is
// reinstated with fresh counters.
func (r *Registry) ReportSuccess(url string, latency time.Duration) {
	r.mu.Lock()
	rec, ok := r.records[url]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec.successes++
	state := rec.breaker.RecordSuccess()
	reinstated := false
	if rec.quarantined() && state == breaker.Closed {
		rec.quarantinedAt = time.Time{}
		rec.successes = 1
		rec.failures = 0
		reinstated = true
	}
	score := rec.Score()
	r.mu.Unlock()

	metrics.ObserveProxyRequest(rec.label, true, latency)
	metrics.SetProxyHealth(rec.label, score)
	if reinstated {
		r.logger.Info("Proxy reinstated", zap.String("proxy", rec.label))
	}
}

// ReportFailure debits url and returns an alternative eligible proxy, or "" when
// none is left. When the proxy's breaker opens it is quarantined and a
// replacement is requested in the background.
func (r *Registry) ReportFailure(url string, cause error) string {
	r.mu.Lock()
	rec, ok := r.records[url]
	var (
		quarantined bool
		score       float64
	)
	if ok {
		rec.failures++
		state := rec.breaker.RecordFailure()
		if state == breaker.Open && !rec.quarantined() {
			rec.quarantinedAt = r.now()
			quarantined = true
		}
		score = rec.Score()
	}
	alt := ""
	if best := r.selectLocked(url); best != nil {
		alt = best.URL
	}
	if quarantined && !r.closed {
		r.requestReplacementLocked()
	}
	r.mu.Unlock()

	if !ok {
		return alt
	}
	metrics.ObserveProxyRequest(rec.label, false, 0)
	metrics.SetProxyHealth(rec.label, score)
	r.logger.Debug("Proxy failure recorded",
		zap.String("proxy", rec.label),
		zap.Float64("score", score),
		zap.Error(cause),
	)
	if quarantined {
		r.logger.Warn("Proxy quarantined",
			zap.String("proxy", rec.label),
			zap.Duration("recovery_timeout", r.cfg.Breaker.RecoveryTimeout),
		)
	}
	return alt
}

// requestReplacementLocked starts a background top-up unless throttled. The
// caller holds r.mu so the WaitGroup cannot race with Close.
func (r *Registry) requestReplacementLocked() {
	if r.source == nil {
		return
	}
	if !r.replace.Allow() {
		r.logger.Debug("Proxy replacement throttled")
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(r.baseCtx, r.cfg.ProbeTimeout)
		defer cancel()
		if _, err := r.topUp(ctx, 1); err != nil {
			r.logger.Warn("Proxy replacement failed", zap.Error(err))
		}
	}()
}

// topUp asks the source for up to want proxies while active capacity remains.
func (r *Registry) topUp(ctx context.Context, want int) (int, error) {
	if r.source == nil {
		return 0, nil
	}
	r.mu.Lock()
	need := r.cfg.PoolSize - r.activeLocked()
	r.mu.Unlock()
	if want < need {
		need = want
	}
	if need <= 0 {
		return 0, nil
	}

	urls, err := r.source.Fetch(ctx, need)
	if err != nil {
		return 0, fmt.Errorf("fetch proxies: %w", err)
	}
	added := 0
	for _, u := range urls {
		if err := Validate(u, r.cfg.Validation); err != nil {
			r.logger.Warn("Rejected proxy from source", zap.String("proxy", Label(u)), zap.Error(err))
			continue
		}
		r.mu.Lock()
		if !r.closed && r.activeLocked() < r.cfg.PoolSize && r.addLocked(u) {
			added++
		}
		r.mu.Unlock()
	}
	if added > 0 {
		r.logger.Info("Proxies added", zap.Int("count", added))
	}
	return added, nil
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, rec := range r.records {
		if !rec.quarantined() {
			n++
		}
	}
	return n
}

// rotate drops proxies that fell under the score threshold and quarantined
// proxies that never recovered, then refills from the source.
func (r *Registry) rotate(ctx context.Context) {
	now := r.now()
	var dropped []string
	r.mu.Lock()
	for url, rec := range r.records {
		switch {
		case rec.quarantined() && now.Sub(rec.quarantinedAt) > r.cfg.QuarantineTTL:
		case !rec.quarantined() && rec.Score() < r.cfg.SuccessThreshold:
		default:
			continue
		}
		delete(r.records, url)
		dropped = append(dropped, rec.label)
	}
	size := len(r.records)
	r.mu.Unlock()

	for _, label := range dropped {
		metrics.DeleteProxyHealth(label)
	}
	metrics.SetProxyPoolSize(size)
	if len(dropped) > 0 {
		r.logger.Info("Proxies rotated out", zap.Strings("proxies", dropped))
	}
	if _, err := r.topUp(ctx, r.cfg.PoolSize); err != nil {
		r.logger.Warn("Proxy refill failed", zap.Error(err))
	}
}

// healthCheck probes every tracked proxy with bounded concurrency.
func (r *Registry) healthCheck(ctx context.Context) {
	if r.prober == nil {
		return
	}
	r.mu.Lock()
	urls := make([]string, 0, len(r.records))
	for url := range r.records {
		urls = append(urls, url)
	}
	r.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(r.cfg.ProbeConcurrency)
	for _, url := range urls {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
			defer cancel()
			start := time.Now()
			err := r.prober.Probe(pctx, url)
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				r.ReportFailure(url, err)
				return nil
			}
			r.ReportSuccess(url, time.Since(start))
			return nil
		})
	}
	_ = g.Wait()
}

// Snapshot lists every tracked proxy ordered by label.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	out := make([]Status, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.status())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Proxy < out[j].Proxy })
	return out
}

// Close stops background work and forgets all proxies. Safe to call repeatedly.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.stop)
		r.cancel()
		r.wg.Wait()

		r.mu.Lock()
		for _, rec := range r.records {
			metrics.DeleteProxyHealth(rec.label)
		}
		r.records = make(map[string]*Record)
		r.mu.Unlock()
		metrics.SetProxyPoolSize(0)
	})
	return nil
}

// Lease is one use of a proxy. Exactly one of Done or Abandon takes effect.
type Lease struct {
	URL      string
	registry *Registry
	leasedAt time.Time
	once     sync.Once
}

// Label is the credential-free host:port of the leased proxy.
func (l *Lease) Label() string {
	return Label(l.URL)
}

// Done reports the outcome of the request made through the proxy.
func (l *Lease) Done(err error) {
	l.once.Do(func() {
		if err == nil {
			l.registry.ReportSuccess(l.URL, l.registry.now().Sub(l.leasedAt))
			return
		}
		l.registry.ReportFailure(l.URL, err)
	})
}

// Abandon returns the lease without affecting the proxy's score.
func (l *Lease) Abandon() {
	l.once.Do(func() {})
}

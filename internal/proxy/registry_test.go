package proxy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/policy/breaker"
	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeProber struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls map[string]int
}

func newFakeProber() *fakeProber {
	return &fakeProber{fail: map[string]bool{}, calls: map[string]int{}}
}

func (p *fakeProber) Probe(_ context.Context, proxyURL string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[proxyURL]++
	if p.fail[proxyURL] {
		return errors.New("probe failed")
	}
	return nil
}

func (p *fakeProber) setFail(url string, fail bool) {
	p.mu.Lock()
	p.fail[url] = fail
	p.mu.Unlock()
}

const (
	proxyA = "http://10.0.0.1:8080"
	proxyB = "http://10.0.0.2:8080"
	proxyC = "http://10.0.0.3:8080"
)

func newTestRegistry(t *testing.T, clock *fakeClock, opts ...Option) *Registry {
	t.Helper()
	cfg := Config{
		PoolSize:         3,
		SuccessThreshold: 0.5,
		Breaker:          breaker.Config{FailureThreshold: 3, RecoveryTimeout: 10 * time.Second},
	}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	r := NewRegistry(cfg, zap.NewNop(), opts...)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestGetProxyPrefersLeastRecentlyUsedOnTie(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	r := newTestRegistry(t, clock)
	require.NoError(t, r.Add(proxyA))
	require.NoError(t, r.Add(proxyB))

	first, err := r.GetProxy(context.Background(), Request{TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, proxyA, first.URL)
	clock.Advance(time.Second)

	second, err := r.GetProxy(context.Background(), Request{TaskID: "t2"})
	require.NoError(t, err)
	assert.Equal(t, proxyB, second.URL)
}

func TestGetProxyPrefersHigherScore(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	r := newTestRegistry(t, clock)
	require.NoError(t, r.Add(proxyA))
	require.NoError(t, r.Add(proxyB))

	r.ReportSuccess(proxyA, time.Millisecond)
	r.ReportSuccess(proxyA, time.Millisecond)
	r.ReportFailure(proxyA, errors.New("reset"))
	r.ReportSuccess(proxyB, time.Millisecond)

	for i := 0; i < 3; i++ {
		lease, err := r.GetProxy(context.Background(), Request{})
		require.NoError(t, err)
		assert.Equal(t, proxyB, lease.URL)
		lease.Abandon()
		clock.Advance(time.Second)
	}
}

func TestGetProxyFailsFastWhenNothingEligible(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, newFakeClock())

	_, err := r.GetProxy(context.Background(), Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, scrape.ErrNoHealthyProxy)

	require.NoError(t, r.Add(proxyA))
	r.ReportFailure(proxyA, errors.New("boom"))
	_, err = r.GetProxy(context.Background(), Request{})
	assert.ErrorIs(t, err, scrape.ErrNoHealthyProxy, "score 0 is under the threshold")
}

func TestReportFailureReturnsAlternative(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, newFakeClock())
	require.NoError(t, r.Add(proxyA))
	require.NoError(t, r.Add(proxyB))

	assert.Equal(t, proxyB, r.ReportFailure(proxyA, errors.New("refused")))
	r.ReportFailure(proxyB, errors.New("refused"))
	assert.Empty(t, r.ReportFailure(proxyA, errors.New("refused")))
}

func TestQuarantinedProxyReturnsAfterRecoveryAndHealthyProbe(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	prober := newFakeProber()
	r := newTestRegistry(t, clock, WithProber(prober))
	r.cfg.SuccessThreshold = 0
	require.NoError(t, r.Add(proxyA))
	require.NoError(t, r.Add(proxyB))

	for i := 0; i < 3; i++ {
		r.ReportFailure(proxyA, errors.New("timeout"))
	}

	for i := 0; i < 3; i++ {
		lease, err := r.GetProxy(context.Background(), Request{})
		require.NoError(t, err)
		assert.Equal(t, proxyB, lease.URL, "quarantined proxy must not be leased")
		clock.Advance(time.Second)
	}

	// A probe before the recovery timeout does not reinstate.
	r.healthCheck(context.Background())
	assert.True(t, statusOf(t, r, proxyA).Quarantined)

	clock.Advance(10 * time.Second)
	_, err := r.GetProxy(context.Background(), Request{})
	require.NoError(t, err)
	assert.True(t, statusOf(t, r, proxyA).Quarantined, "recovery alone is not enough")

	r.healthCheck(context.Background())
	st := statusOf(t, r, proxyA)
	assert.False(t, st.Quarantined)
	assert.Equal(t, "closed", st.Breaker)
	assert.Equal(t, int64(0), st.Failures)

	clock.Advance(time.Second)
	lease, err := r.GetProxy(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, proxyA, lease.URL)
}

func TestFailedProbeInHalfOpenReopens(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	prober := newFakeProber()
	prober.setFail(proxyA, true)
	r := newTestRegistry(t, clock, WithProber(prober))
	require.NoError(t, r.Add(proxyA))

	for i := 0; i < 3; i++ {
		r.ReportFailure(proxyA, errors.New("timeout"))
	}
	clock.Advance(10 * time.Second)
	r.healthCheck(context.Background())

	st := statusOf(t, r, proxyA)
	assert.True(t, st.Quarantined)
	assert.Equal(t, "open", st.Breaker)
}

type fakeSource struct {
	mu    sync.Mutex
	urls  []string
	calls int
}

func (s *fakeSource) Fetch(_ context.Context, n int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if n > len(s.urls) {
		n = len(s.urls)
	}
	out := s.urls[:n]
	s.urls = s.urls[n:]
	return out, nil
}

func TestStartFillsFromSourceAndSkipsInvalid(t *testing.T) {
	t.Parallel()
	src := &fakeSource{urls: []string{"ftp://bad:21", proxyA, proxyB, proxyC}}
	r := newTestRegistry(t, newFakeClock(), WithSource(src))

	require.NoError(t, r.Start(context.Background()))
	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "10.0.0.1:8080", snap[0].Proxy)
}

func TestQuarantineRequestsReplacement(t *testing.T) {
	t.Parallel()
	src := &fakeSource{urls: []string{proxyC}}
	r := newTestRegistry(t, newFakeClock(), WithSource(src))
	require.NoError(t, r.Add(proxyA))
	require.NoError(t, r.Add(proxyB))

	for i := 0; i < 3; i++ {
		r.ReportFailure(proxyA, errors.New("timeout"))
	}

	require.Eventually(t, func() bool {
		for _, st := range r.Snapshot() {
			if st.Proxy == "10.0.0.3:8080" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestRotateDropsLowScoreAndExpiredQuarantine(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	r := newTestRegistry(t, clock)
	require.NoError(t, r.Add(proxyA))
	require.NoError(t, r.Add(proxyB))
	require.NoError(t, r.Add(proxyC))

	r.ReportFailure(proxyB, errors.New("slow"))
	for i := 0; i < 3; i++ {
		r.ReportFailure(proxyC, errors.New("dead"))
	}

	r.rotate(context.Background())
	snap := r.Snapshot()
	require.Len(t, snap, 2, "low score dropped, fresh quarantine kept")

	clock.Advance(31 * time.Second)
	r.rotate(context.Background())
	snap = r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "10.0.0.1:8080", snap[0].Proxy)
}

func TestLeaseDoneCountsOnce(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, newFakeClock())
	require.NoError(t, r.Add(proxyA))

	lease, err := r.GetProxy(context.Background(), Request{})
	require.NoError(t, err)
	lease.Done(nil)
	lease.Done(errors.New("ignored"))

	st := statusOf(t, r, proxyA)
	assert.Equal(t, int64(1), st.Successes)
	assert.Equal(t, int64(0), st.Failures)
}

func TestClosedRegistryRejects(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, newFakeClock())
	require.NoError(t, r.Add(proxyA))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err := r.GetProxy(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrRegistryClosed)
	assert.ErrorIs(t, r.Add(proxyB), ErrRegistryClosed)
	assert.Empty(t, r.Snapshot())
}

func statusOf(t *testing.T, r *Registry, url string) Status {
	t.Helper()
	label := Label(url)
	for _, st := range r.Snapshot() {
		if st.Proxy == label {
			return st
		}
	}
	t.Fatalf("proxy %s not tracked", label)
	return Status{}
}

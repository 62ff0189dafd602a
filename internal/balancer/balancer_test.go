package balancer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"aires/internal/gateway"
	"aires/internal/health"
	"aires/internal/types"
)

func testBalancer(t *testing.T, endpoints []Endpoint, opts Options) *Balancer {
	t.Helper()
	if opts.Probe == nil {
		opts.Probe = func(context.Context, string) error { return errors.New("down") }
	}
	b, err := New(endpoints, opts, zap.NewNop(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func twoEndpoints() []Endpoint {
	return []Endpoint{
		{ID: "a", BaseURL: "http://a:11434", MaxConcurrent: 2},
		{ID: "b", BaseURL: "http://b:11434", MaxConcurrent: 2},
	}
}

func TestAcquirePrefersLeastLoaded(t *testing.T) {
	b := testBalancer(t, twoEndpoints(), Options{})

	r1, err := b.Acquire(context.Background())
	require.NoError(t, err)
	r2, err := b.Acquire(context.Background())
	require.NoError(t, err)

	// With one slot taken on each, the two routes must be on different
	// endpoints.
	assert.NotEqual(t, r1.BaseURL(), r2.BaseURL())
	r1.Release(100, false)
	r2.Release(100, false)
}

func TestWeightedPolicy(t *testing.T) {
	b := testBalancer(t, []Endpoint{
		{ID: "small", BaseURL: "http://small", Weight: 1, MaxConcurrent: 4},
		{ID: "big", BaseURL: "http://big", Weight: 4, MaxConcurrent: 8},
	}, Options{})

	// First two acquisitions load the big endpoint before the small one
	// catches up: inflight/weight stays lower on big.
	r1, err := b.Acquire(context.Background())
	require.NoError(t, err)
	r2, err := b.Acquire(context.Background())
	require.NoError(t, err)

	urls := []string{r1.BaseURL(), r2.BaseURL()}
	assert.Contains(t, urls, "http://big")
	r1.Release(10, false)
	r2.Release(10, false)
}

func TestAdmissionDeadline(t *testing.T) {
	b := testBalancer(t, []Endpoint{
		{ID: "a", BaseURL: "http://a", MaxConcurrent: 1},
	}, Options{AdmissionDeadline: 50 * time.Millisecond})

	r1, err := b.Acquire(context.Background())
	require.NoError(t, err)

	_, err = b.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.CodeNoEndpointAvailable, types.CodeOf(err))

	r1.Release(10, false)
}

func TestReleaseUnblocksWaiter(t *testing.T) {
	b := testBalancer(t, []Endpoint{
		{ID: "a", BaseURL: "http://a", MaxConcurrent: 1},
	}, Options{AdmissionDeadline: 2 * time.Second})

	r1, err := b.Acquire(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r2, err := b.Acquire(context.Background())
		assert.NoError(t, err)
		if r2 != nil {
			r2.Release(10, false)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	r1.Release(10, false)
	wg.Wait()
}

func TestFailureFlipsUnhealthy(t *testing.T) {
	b := testBalancer(t, twoEndpoints(), Options{AdmissionDeadline: 50 * time.Millisecond})

	// Take one slot on each endpoint, then fail the one on a.
	r1, err := b.Acquire(context.Background())
	require.NoError(t, err)
	r2, err := b.Acquire(context.Background())
	require.NoError(t, err)
	for _, r := range []gateway.Route{r1, r2} {
		r.Release(10, r.BaseURL() == "http://a:11434")
	}

	for i := 0; i < 4; i++ {
		r, err := b.Acquire(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "http://b:11434", r.BaseURL())
		r.Release(10, false)
	}
}

func TestReprobeRecovery(t *testing.T) {
	var mu sync.Mutex
	healthy := false
	probe := func(context.Context, string) error {
		mu.Lock()
		defer mu.Unlock()
		if healthy {
			return nil
		}
		return errors.New("still down")
	}
	b := testBalancer(t, []Endpoint{
		{ID: "a", BaseURL: "http://a", MaxConcurrent: 1},
	}, Options{Probe: probe, AdmissionDeadline: 100 * time.Millisecond})

	r, err := b.Acquire(context.Background())
	require.NoError(t, err)
	r.Release(10, true)

	_, err = b.Acquire(context.Background())
	require.Error(t, err, "endpoint must be out of rotation while down")

	mu.Lock()
	healthy = true
	mu.Unlock()

	// First re-probe fires after 1s.
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		route, err := b.Acquire(ctx)
		if err != nil {
			return false
		}
		route.Release(10, false)
		return true
	}, 5*time.Second, 100*time.Millisecond)
}

func TestEWMAUpdate(t *testing.T) {
	b := testBalancer(t, []Endpoint{
		{ID: "a", BaseURL: "http://a", MaxConcurrent: 4},
	}, Options{})

	r, _ := b.Acquire(context.Background())
	r.Release(100, false)
	r, _ = b.Acquire(context.Background())
	r.Release(200, false)

	b.mu.Lock()
	latency := b.endpoints[0].lastLatencyMs
	b.mu.Unlock()
	// 0.3*200 + 0.7*100 = 130
	assert.InDelta(t, 130, latency, 0.001)
}

func TestHealthProbeStates(t *testing.T) {
	b := testBalancer(t, twoEndpoints(), Options{})
	probe := b.HealthProbe()

	assert.Equal(t, health.StateHealthy, probe(context.Background()).State)

	b.mu.Lock()
	b.endpoints[0].healthy = false
	b.mu.Unlock()
	assert.Equal(t, health.StateDegraded, probe(context.Background()).State)

	b.mu.Lock()
	b.endpoints[1].healthy = false
	b.mu.Unlock()
	assert.Equal(t, health.StateUnhealthy, probe(context.Background()).State)
}

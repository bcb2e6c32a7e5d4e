package ratelimiter

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicecluster/controlplane/internal/cperrors"
)

// scenario 4: ip_rpm=5, six requests from one IP within 1s: first five
// admitted, sixth rejected.
func TestPerIPBoundary(t *testing.T) {
	l := New(1000, 5, 100, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Admit("1.2.3.4", "/api/synthesize"))
	}
	err := l.Admit("1.2.3.4", "/api/synthesize")
	require.Error(t, err)
	cpe, ok := cperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, cperrors.CodeRateLimitExceeded, cpe.Code)
}

func TestGlobalLayerIndependentOfIP(t *testing.T) {
	l := New(3, 1000, 100, nil)

	require.NoError(t, l.Admit("1.1.1.1", "/x"))
	require.NoError(t, l.Admit("2.2.2.2", "/x"))
	require.NoError(t, l.Admit("3.3.3.3", "/x"))
	err := l.Admit("4.4.4.4", "/x")
	require.Error(t, err, "global counter spans all IPs")
}

func TestPerEndpointOnlyAppliesToConfiguredPaths(t *testing.T) {
	l := New(1000, 1000, 100, []string{"/api/extract_voice"})

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Admit("1.1.1.1", "/api/synthesize"))
	}
}

func TestConcurrencySemaphoreBounds(t *testing.T) {
	l := New(1000, 1000, 2, nil)

	require.NoError(t, l.AcquireConcurrent())
	require.NoError(t, l.AcquireConcurrent())
	err := l.AcquireConcurrent()
	require.Error(t, err)

	l.ReleaseConcurrent()
	require.NoError(t, l.AcquireConcurrent())
}

// round-trip: acquire then release N times keeps current_concurrent at
// its initial value.
func TestAcquireReleaseRoundTrip(t *testing.T) {
	l := New(1000, 1000, 10, nil)

	for i := 0; i < 50; i++ {
		require.NoError(t, l.AcquireConcurrent())
		l.ReleaseConcurrent()
	}
	assert.EqualValues(t, 0, l.GetStats().CurrentConcurrent)
}

func TestConcurrencyNoOverAdmissionUnderRace(t *testing.T) {
	l := New(100000, 100000, 8, nil)
	var wg sync.WaitGroup
	admitted := make(chan struct{}, 1000)
	var inFlight, peak int32

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.AcquireConcurrent(); err == nil {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				admitted <- struct{}{}
				atomic.AddInt32(&inFlight, -1)
				l.ReleaseConcurrent()
			}
		}()
	}
	wg.Wait()
	close(admitted)

	stats := l.GetStats()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), stats.ConcurrentLimit, "never more holders at once than concurrent_limit")
	assert.GreaterOrEqual(t, stats.CurrentConcurrent, int32(0))
	assert.LessOrEqual(t, stats.CurrentConcurrent, stats.ConcurrentLimit)
}

func TestGetRemaining(t *testing.T) {
	l := New(10, 5, 3, nil)
	require.NoError(t, l.Admit("9.9.9.9", "/x"))

	rem := l.GetRemaining("9.9.9.9")
	assert.Equal(t, 9, rem.GlobalRemaining)
	assert.Equal(t, 4, rem.IPRemaining)
	assert.Equal(t, 3, rem.ConcurrentAvailable)
}

// Package ratelimiter implements the gateway's three sliding-window
// counters (global, per-IP, per-endpoint) plus a concurrency semaphore.
//
// Grounded on the teacher's nearest analog, internal/peer/pairing.go's
// rateLimitTracker (a mutex-guarded map of per-key attempt counters with
// time fields), generalized here from a single fixed-window counter to
// the spec's required sliding 60-second window of per-second buckets.
package ratelimiter

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/voicecluster/controlplane/internal/cperrors"
)

const (
	windowSeconds = 60
	perIPSoftCap  = 1024
)

// window is a pruned map of second-granularity timestamp -> count,
// confined to the trailing 60 seconds.
type window struct {
	mu      sync.Mutex
	buckets map[int64]int
}

func newWindow() *window {
	return &window{buckets: make(map[int64]int)}
}

// admit prunes buckets older than now-60s, sums the remainder, and
// either rejects (sum >= limit) or records the request at now's second
// bucket. limit <= 0 means unlimited (used when a layer is disabled).
func (w *window) admit(now time.Time, limit int) bool {
	if limit <= 0 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-windowSeconds * time.Second).Unix()
	sum := 0
	for ts, count := range w.buckets {
		if ts < cutoff {
			delete(w.buckets, ts)
			continue
		}
		sum += count
	}

	if sum >= limit {
		return false
	}
	w.buckets[now.Unix()]++
	return true
}

// Limiter gates admission across the global, per-IP, and per-endpoint
// layers, plus an independent concurrency semaphore.
type Limiter struct {
	globalRPM       int
	ipRPM           int
	concurrentLimit int32

	global *window

	ipMu sync.Mutex
	ip   map[string]*window

	endpointMu       sync.Mutex
	endpoint         map[string]*window
	limitedEndpoints map[string]struct{}

	currentConcurrent int32

	totalRequests    int64
	rejectedRequests int64
}

// New creates a Limiter. limitedEndpoints lists the paths the
// per-endpoint layer applies to (spec.md §4.2: "activated only for
// endpoints listed in config").
func New(globalRPM, ipRPM, concurrentLimit int, limitedEndpoints []string) *Limiter {
	endpoints := make(map[string]struct{}, len(limitedEndpoints))
	for _, e := range limitedEndpoints {
		endpoints[e] = struct{}{}
	}
	return &Limiter{
		globalRPM:        globalRPM,
		ipRPM:            ipRPM,
		concurrentLimit:  int32(concurrentLimit),
		global:           newWindow(),
		ip:               make(map[string]*window),
		endpoint:         make(map[string]*window),
		limitedEndpoints: endpoints,
	}
}

// Admit checks all three window layers for (ip, endpoint) at the
// current time. A rejection at any layer fails the whole request with
// RateLimitExceeded; admitting at an earlier layer but rejecting at a
// later one still counts as an overall rejection (the earlier layer's
// bucket increment is not rolled back — spec.md treats the counters as
// independent sliding windows, not a combined transaction).
func (l *Limiter) Admit(ip, endpoint string) error {
	now := time.Now()
	atomic.AddInt64(&l.totalRequests, 1)

	if !l.global.admit(now, l.globalRPM) {
		atomic.AddInt64(&l.rejectedRequests, 1)
		return cperrors.RateLimitExceeded("global rate limit exceeded")
	}
	if !l.ipWindow(ip).admit(now, l.ipRPM) {
		atomic.AddInt64(&l.rejectedRequests, 1)
		return cperrors.RateLimitExceeded("per-IP rate limit exceeded")
	}
	if _, limited := l.limitedEndpoints[endpoint]; limited {
		if !l.endpointWindow(endpoint).admit(now, l.ipRPM) {
			atomic.AddInt64(&l.rejectedRequests, 1)
			return cperrors.RateLimitExceeded("per-endpoint rate limit exceeded")
		}
	}
	return nil
}

func (l *Limiter) ipWindow(ip string) *window {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	if len(l.ip) > perIPSoftCap {
		// Coarse eviction: wipe the whole map past the soft cap, per
		// spec.md §4.2 — acceptable because eviction merely re-zeros an
		// inactive IP's window, not an LRU.
		l.ip = make(map[string]*window)
	}

	w, ok := l.ip[ip]
	if !ok {
		w = newWindow()
		l.ip[ip] = w
	}
	return w
}

func (l *Limiter) endpointWindow(endpoint string) *window {
	l.endpointMu.Lock()
	defer l.endpointMu.Unlock()

	w, ok := l.endpoint[endpoint]
	if !ok {
		w = newWindow()
		l.endpoint[endpoint] = w
	}
	return w
}

// AcquireConcurrent atomically admits one concurrent request, rejecting
// with RateLimitExceeded when concurrent_limit is saturated. Uses a
// CAS loop rather than a channel semaphore so the release path is
// reachable from a handler's deferred cleanup regardless of how the
// handler exits.
func (l *Limiter) AcquireConcurrent() error {
	for {
		cur := atomic.LoadInt32(&l.currentConcurrent)
		if cur >= l.concurrentLimit {
			return cperrors.RateLimitExceeded("concurrency limit exceeded")
		}
		if atomic.CompareAndSwapInt32(&l.currentConcurrent, cur, cur+1) {
			return nil
		}
	}
}

// ReleaseConcurrent releases one concurrent admission slot. Must be
// called exactly once per successful AcquireConcurrent, typically from
// a defer so it runs regardless of success.
func (l *Limiter) ReleaseConcurrent() {
	atomic.AddInt32(&l.currentConcurrent, -1)
}

// Stats is the aggregate limiter snapshot from spec.md §4.2.
type Stats struct {
	TotalRequests     int64   `json:"total_requests"`
	RejectedRequests  int64   `json:"rejected_requests"`
	RejectionRate     float64 `json:"rejection_rate"`
	CurrentConcurrent int32   `json:"current_concurrent"`
	ConcurrentLimit   int32   `json:"concurrent_limit"`
	GlobalRPM         int     `json:"global_rpm"`
	IPRPM             int     `json:"ip_rpm"`
}

// GetStats returns the aggregate limiter snapshot.
func (l *Limiter) GetStats() Stats {
	total := atomic.LoadInt64(&l.totalRequests)
	rejected := atomic.LoadInt64(&l.rejectedRequests)
	var rate float64
	if total > 0 {
		rate = float64(rejected) / float64(total)
	}
	return Stats{
		TotalRequests:     total,
		RejectedRequests:  rejected,
		RejectionRate:     rate,
		CurrentConcurrent: atomic.LoadInt32(&l.currentConcurrent),
		ConcurrentLimit:   l.concurrentLimit,
		GlobalRPM:         l.globalRPM,
		IPRPM:             l.ipRPM,
	}
}

// Remaining is the per-IP remaining-capacity snapshot from spec.md §4.2.
type Remaining struct {
	GlobalRemaining     int `json:"global_remaining"`
	IPRemaining         int `json:"ip_remaining"`
	ConcurrentAvailable int `json:"concurrent_available"`
}

// GetRemaining computes remaining capacity for ip without mutating any
// window (a read-only sum over the pruned buckets).
func (l *Limiter) GetRemaining(ip string) Remaining {
	now := time.Now()
	globalUsed := l.global.sum(now)
	ipUsed := l.ipWindow(ip).sum(now)

	globalRemaining := l.globalRPM - globalUsed
	if globalRemaining < 0 {
		globalRemaining = 0
	}
	ipRemaining := l.ipRPM - ipUsed
	if ipRemaining < 0 {
		ipRemaining = 0
	}
	available := int(l.concurrentLimit - atomic.LoadInt32(&l.currentConcurrent))
	if available < 0 {
		available = 0
	}
	return Remaining{
		GlobalRemaining:     globalRemaining,
		IPRemaining:         ipRemaining,
		ConcurrentAvailable: available,
	}
}

// sum reports the window's current in-range total without pruning or
// recording, for read-only remaining-capacity queries.
func (w *window) sum(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-windowSeconds * time.Second).Unix()
	sum := 0
	for ts, count := range w.buckets {
		if ts >= cutoff {
			sum += count
		}
	}
	return sum
}

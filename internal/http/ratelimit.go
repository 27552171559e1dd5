package http

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// writeLimitPerWindow caps mutating requests per client per window.
	// Attribution writes are interactive, not batch, so the cap is low.
	writeLimitPerWindow = 60
	limitWindow         = time.Minute
	visitorStaleAfter   = 10 * time.Minute
	sweepInterval       = 5 * time.Minute
)

// rateLimiter throttles mutating requests per client IP with a fixed
// window counter. Read endpoints bypass it entirely.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	stop     chan struct{}
	stopOnce sync.Once
}

type visitor struct {
	windowStart time.Time
	count       int
}

func newRateLimiter() *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		stop:     make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// allow records one request for clientIP and reports whether it fits in
// the current window. Rejections are counted on metrics when given.
func (rl *rateLimiter) allow(clientIP string, metrics *securityMetrics) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	v, ok := rl.visitors[clientIP]
	if !ok || now.Sub(v.windowStart) >= limitWindow {
		rl.visitors[clientIP] = &visitor{windowStart: now, count: 1}
		return true
	}

	v.count++
	if v.count > writeLimitPerWindow {
		if metrics != nil {
			atomic.AddInt64(&metrics.rateLimitHits, 1)
		}
		return false
	}
	return true
}

func (rl *rateLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.dropStaleVisitors()
		case <-rl.stop:
			return
		}
	}
}

func (rl *rateLimiter) dropStaleVisitors() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-visitorStaleAfter)
	for ip, v := range rl.visitors {
		if v.windowStart.Before(cutoff) {
			delete(rl.visitors, ip)
		}
	}
}

// shutdown stops the background sweep goroutine.
func (rl *rateLimiter) shutdown() {
	rl.stopOnce.Do(func() {
		close(rl.stop)
	})
}

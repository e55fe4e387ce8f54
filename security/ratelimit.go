package security

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

const (
	// DefaultRateLimiterIdleTimeout is how long an unused bucket is kept.
	DefaultRateLimiterIdleTimeout = 30 * time.Minute

	// DefaultRateLimiterCleanupInterval is how often idle buckets are swept.
	DefaultRateLimiterCleanupInterval = 5 * time.Minute
)

// RateLimiter keeps one token bucket per identifier (typically a client IP).
// Buckets live in an expiring cache so callers that go quiet are forgotten.
type RateLimiter struct {
	buckets *cache.Cache
	mu      sync.Mutex
	rate    rate.Limit
	burst   int
	logger  *slog.Logger

	rejected atomic.Int64

	stopSweep chan struct{}
	sweepDone chan struct{}
	stopOnce  sync.Once
}

// NewRateLimiter creates a limiter allowing requestsPerSecond sustained with
// the given burst.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(requestsPerSecond, burst, DefaultRateLimiterIdleTimeout, logger)
}

// NewRateLimiterWithConfig is NewRateLimiter with an explicit idle timeout.
func NewRateLimiterWithConfig(requestsPerSecond, burst int, idleTimeout time.Duration, logger *slog.Logger) *RateLimiter {
	return newRateLimiter(requestsPerSecond, burst, idleTimeout, DefaultRateLimiterCleanupInterval, logger)
}

func newRateLimiter(requestsPerSecond, burst int, idleTimeout, cleanupInterval time.Duration, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultRateLimiterIdleTimeout
	}
	if burst <= 0 {
		burst = 1
	}

	rl := &RateLimiter{
		// The sweep below replaces the go-cache janitor so that Stop ends it.
		buckets:   cache.New(idleTimeout, 0),
		rate:      rate.Limit(requestsPerSecond),
		burst:     burst,
		logger:    logger,
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go rl.sweep(cleanupInterval)
	return rl
}

func (rl *RateLimiter) sweep(interval time.Duration) {
	defer close(rl.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.buckets.DeleteExpired()
		case <-rl.stopSweep:
			return
		}
	}
}

// Allow reports whether one more request from identifier fits in its bucket.
func (rl *RateLimiter) Allow(identifier string) bool {
	if rl == nil {
		return true
	}

	if rl.limiter(identifier).Allow() {
		return true
	}

	rl.rejected.Add(1)
	rl.logger.Debug("Rate limit exceeded", "identifier", identifier)
	return false
}

// limiter returns the bucket for identifier, creating it on first use. Each
// access refreshes the idle deadline.
func (rl *RateLimiter) limiter(identifier string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if item, ok := rl.buckets.Get(identifier); ok {
		limiter := item.(*rate.Limiter)
		rl.buckets.SetDefault(identifier, limiter)
		return limiter
	}

	limiter := rate.NewLimiter(rl.rate, rl.burst)
	rl.buckets.SetDefault(identifier, limiter)
	return limiter
}

// Stats is a point-in-time snapshot for monitoring.
type Stats struct {
	TrackedIdentifiers int
	Rejected           int64
}

// GetStats returns the current number of buckets and the total rejections.
func (rl *RateLimiter) GetStats() Stats {
	return Stats{
		TrackedIdentifiers: rl.buckets.ItemCount(),
		Rejected:           rl.rejected.Load(),
	}
}

// Stop ends the idle sweep and drops all buckets. It is safe to call more
// than once. Allow keeps working afterwards but idle buckets are no longer
// swept.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopSweep) })
	<-rl.sweepDone
	rl.buckets.Flush()
}

package discovery

import (
	"sync"
	"time"
)

// ReplyLimiter is a per-source token bucket that bounds how often the
// responder answers any single address.
type ReplyLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	rpm     int
	now     func() time.Time
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewReplyLimiter allows rpm replies per minute per source, with a burst
// of rpm. rpm <= 0 means unlimited.
func NewReplyLimiter(rpm int) *ReplyLimiter {
	return &ReplyLimiter{
		buckets: make(map[string]*tokenBucket),
		rpm:     rpm,
		now:     time.Now,
	}
}

// Allow reports whether a reply to source may be sent now, consuming a
// token if so.
func (rl *ReplyLimiter) Allow(source string) bool {
	if rl == nil || rl.rpm <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	max := float64(rl.rpm)
	bucket, ok := rl.buckets[source]
	if !ok {
		bucket = &tokenBucket{tokens: max, lastRefill: now}
		rl.buckets[source] = bucket
	}

	bucket.tokens += now.Sub(bucket.lastRefill).Seconds() * max / 60.0
	if bucket.tokens > max {
		bucket.tokens = max
	}
	bucket.lastRefill = now

	if bucket.tokens < 1 {
		return false
	}
	bucket.tokens--
	return true
}

// Cleanup removes buckets for sources not seen within maxAge.
func (rl *ReplyLimiter) Cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxAge)
	for src, bucket := range rl.buckets {
		if bucket.lastRefill.Before(cutoff) {
			delete(rl.buckets, src)
		}
	}
}

// Len returns the number of tracked sources.
func (rl *ReplyLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

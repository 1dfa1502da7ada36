package quote

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// callerLimiter keeps one token bucket per caller. Buckets of the least
// recently seen callers are evicted once the cache is full, which resets
// their budget.
type callerLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
}

func newCallerLimiter(perSecond float64, burst, size int) (*callerLimiter, error) {
	buckets, err := lru.New[string, *rate.Limiter](size)
	if err != nil {
		return nil, err
	}
	return &callerLimiter{limit: rate.Limit(perSecond), burst: burst, buckets: buckets}, nil
}

func (l *callerLimiter) allow(caller string, now time.Time) bool {
	l.mu.Lock()
	bucket, ok := l.buckets.Get(caller)
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
		l.buckets.Add(caller, bucket)
	}
	l.mu.Unlock()

	return bucket.AllowN(now, 1)
}

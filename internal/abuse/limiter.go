package abuse

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// limiterCacheSize bounds the number of addresses tracked at once. Evicting
// an address only forgets its history.
const limiterCacheSize = 10240

// JoinLimiter is a token bucket per address key: perMinute joins per minute
// with a burst of the same size. Keys are anonymized addresses, so the
// limiter never stores a real IP.
type JoinLimiter struct {
	mu        sync.Mutex
	perMinute int
	buckets   *lru.Cache[uint64, *rate.Limiter]
	now       func() time.Time
}

// NewJoinLimiter creates a limiter. perMinute <= 0 disables limiting.
func NewJoinLimiter(perMinute int) *JoinLimiter {
	buckets, err := lru.New[uint64, *rate.Limiter](limiterCacheSize)
	if err != nil {
		// Only fails for a non-positive size.
		panic(err)
	}
	return &JoinLimiter{perMinute: perMinute, buckets: buckets, now: time.Now}
}

// Allow consumes a token for key and reports whether the join may proceed.
func (l *JoinLimiter) Allow(key uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.perMinute <= 0 {
		return true
	}
	bkt, ok := l.buckets.Get(key)
	if !ok {
		bkt = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)
		l.buckets.Add(key, bkt)
	}
	return bkt.AllowN(l.now(), 1)
}

// SetLimit changes the rate. Existing buckets are reset.
func (l *JoinLimiter) SetLimit(perMinute int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perMinute = perMinute
	l.buckets.Purge()
}

// Tracked returns the number of addresses currently tracked.
func (l *JoinLimiter) Tracked() int { return l.buckets.Len() }

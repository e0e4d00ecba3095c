package httpmiddleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"qrattendance/internal/auth"
)

// idleAfter is the interval between sweeps of refilled buckets.
const idleAfter = 10 * time.Minute

// TokenBucket is an in-memory per-client rate limiter. Authenticated requests are
// limited per device, anonymous ones per IP.
type TokenBucket struct {
	capacity float64
	perSec   float64
	now      func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// NewTokenBucket creates a limiter holding capacity tokens refilled continuously at
// perMinute. capacity <= 0 means perMinute; perMinute <= 0 disables limiting.
func NewTokenBucket(capacity, perMinute int) *TokenBucket {
	if capacity <= 0 {
		capacity = perMinute
	}
	return &TokenBucket{
		capacity: float64(capacity),
		perSec:   float64(perMinute) / 60,
		now:      time.Now,
		buckets:  make(map[string]*bucket),
	}
}

// GinMiddleware rejects requests over the limit with 429 and a Retry-After header.
func (l *TokenBucket) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.perSec <= 0 {
			c.Next()
			return
		}
		if ok, wait := l.reserve(clientKey(c)); !ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func clientKey(c *gin.Context) string {
	if claims, ok := auth.FromContext(c); ok && claims.Subject != "" {
		return "device:" + claims.Subject
	}
	if ip := c.ClientIP(); ip != "" {
		return "ip:" + ip
	}
	return "unknown"
}

func (l *TokenBucket) allow(key string) bool {
	ok, _ := l.reserve(key)
	return ok
}

// reserve takes one token for key. When none is available it reports how long until
// one is.
func (l *TokenBucket) reserve(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity, seen: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(l.capacity, b.tokens+now.Sub(b.seen).Seconds()*l.perSec)
	b.seen = now

	if b.tokens < 1 {
		missing := 1 - b.tokens
		return false, time.Duration(missing / l.perSec * float64(time.Second))
	}
	b.tokens--
	return true, 0
}

// sweep drops buckets that have refilled completely, at most once per idleAfter. A
// forgotten bucket starts full again, which is the state it was in.
func (l *TokenBucket) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < idleAfter {
		return
	}
	l.lastSweep = now
	for key, b := range l.buckets {
		if b.tokens+now.Sub(b.seen).Seconds()*l.perSec >= l.capacity {
			delete(l.buckets, key)
		}
	}
}

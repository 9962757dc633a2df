package auth

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"finance-tracker/internal/observability"
)

const (
	defaultRateLimitMax    = 2
	defaultRateLimitWindow = time.Minute
)

// WindowStore counts hits per key inside a fixed window that restarts on
// the first hit after it lapses.
type WindowStore interface {
	Hit(ctx context.Context, key string, window time.Duration, now time.Time) (count int, resetAt time.Time, err error)
}

type RateLimiter struct {
	name    string
	store   WindowStore
	maxHits int
	window  time.Duration
	now     func() time.Time
}

func NewRateLimiter(name string, store WindowStore, maxHits int, window time.Duration) *RateLimiter {
	if maxHits <= 0 {
		maxHits = defaultRateLimitMax
	}
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	if store == nil {
		store = NewMemoryWindowStore()
	}

	return &RateLimiter{
		name:    name,
		store:   store,
		maxHits: maxHits,
		window:  window,
		now:     time.Now,
	}
}

func (l *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	l.now = now
	return l
}

// Allow counts one request from ip. A rejection is a RateLimitExceeded
// error whose Until is the end of the current window.
func (l *RateLimiter) Allow(ctx context.Context, ip string) error {
	now := l.now().UTC()
	count, resetAt, err := l.store.Hit(ctx, l.name+":"+ip, l.window, now)
	if err != nil {
		return fmt.Errorf("rate limit hit: %w", err)
	}
	if count > l.maxHits {
		return &Error{Kind: KindRateLimitExceeded, Until: resetAt}
	}
	return nil
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := l.Allow(r.Context(), observability.ClientIP(r))
		if err != nil {
			if KindOf(err) == KindRateLimitExceeded {
				writeAuthError(w, err, l.now())
				return
			}
			observability.CaptureError(r.Context(), err)
			writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
			return
		}

		next.ServeHTTP(w, r)
	})
}

type memoryWindow struct {
	count int
	start time.Time
}

// MemoryWindowStore keeps windows in process memory. Once more than
// maxMemory keys are tracked, lapsed windows are dropped on insert.
type MemoryWindowStore struct {
	mu        sync.Mutex
	windows   map[string]memoryWindow
	maxMemory int
}

func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{
		windows:   make(map[string]memoryWindow),
		maxMemory: 5000,
	}
}

func (s *MemoryWindowStore) Hit(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.windows[key]
	if !ok || !now.Before(current.start.Add(window)) {
		current = memoryWindow{count: 1, start: now}
	} else {
		current.count++
	}
	s.windows[key] = current

	if !ok && len(s.windows) > s.maxMemory {
		for k, w := range s.windows {
			if !now.Before(w.start.Add(window)) {
				delete(s.windows, k)
			}
		}
	}

	return current.count, current.start.Add(window), nil
}

// RedisWindowStore shares windows between instances: INCR, with the expiry
// set on the first hit of a window.
type RedisWindowStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisWindowStore(client redis.UniversalClient) *RedisWindowStore {
	return &RedisWindowStore{client: client, prefix: "rl:"}
}

func (s *RedisWindowStore) Hit(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	k := s.prefix + key

	count, err := s.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("incr window: %w", err)
	}
	if count == 1 {
		if err := s.client.PExpire(ctx, k, window).Err(); err != nil {
			return 0, time.Time{}, fmt.Errorf("expire window: %w", err)
		}
		return 1, now.Add(window), nil
	}

	ttl, err := s.client.PTTL(ctx, k).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("ttl window: %w", err)
	}
	if ttl < 0 {
		// A crash between INCR and PEXPIRE leaves a key without expiry.
		if err := s.client.PExpire(ctx, k, window).Err(); err != nil {
			return 0, time.Time{}, fmt.Errorf("expire window: %w", err)
		}
		ttl = window
	}

	return int(count), now.Add(ttl), nil
}

func retryAfterSeconds(until, now time.Time) string {
	seconds := int(math.Ceil(until.Sub(now).Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

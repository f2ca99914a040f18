package settlement

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const rateLimitPrefix = "settlement:ratelimit:"

// RateLimiter caps requests per client in fixed windows. With a redis client
// the counters are shared by every replica; without one they are local.
type RateLimiter struct {
	requests int
	window   time.Duration
	rdb      *redis.Client
	logger   *log.Logger

	mu      sync.Mutex
	clients map[string]*clientWindow
}

type clientWindow struct {
	count   int
	expires time.Time
}

func NewRateLimiter(requests int, window time.Duration, rdb *redis.Client, logger *log.Logger) *RateLimiter {
	if requests <= 0 || window <= 0 {
		return &RateLimiter{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RateLimiter{
		requests: requests,
		window:   window,
		rdb:      rdb,
		logger:   logger,
		clients:  make(map[string]*clientWindow),
	}
}

func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	if r == nil || r.requests == 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if exceeded := r.hit(req.Context(), clientKey(req)); exceeded {
			w.Header().Set("Retry-After", strconv.Itoa(int(r.window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) hit(ctx context.Context, key string) bool {
	if r.rdb != nil {
		exceeded, err := r.hitShared(ctx, key)
		if err == nil {
			return exceeded
		}
		r.logger.Printf("rate limit: redis unavailable, using local window: %v", err)
	}
	return r.hitLocal(key, time.Now())
}

func (r *RateLimiter) hitShared(ctx context.Context, key string) (bool, error) {
	redisKey := rateLimitPrefix + key
	pipe := r.rdb.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return incr.Val() > int64(r.requests), nil
}

func (r *RateLimiter) hitLocal(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.clients[key]
	if !ok || now.After(state.expires) {
		r.clients[key] = &clientWindow{count: 1, expires: now.Add(r.window)}
		return false
	}
	if state.count >= r.requests {
		return true
	}
	state.count++
	return false
}

func clientKey(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

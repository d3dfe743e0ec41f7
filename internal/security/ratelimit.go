package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Limiter decides whether another attempt for key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// RateLimiter implements a simple in-process token bucket rate limiter
type RateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	rate     int           // requests per window
	window   time.Duration // time window
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

type visitor struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter creates a limiter allowing rate attempts per window and
// starts its cleanup loop; call Close to stop it.
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go rl.cleanupVisitors(time.Hour)
	return rl
}

// Allow checks if an attempt for key should be allowed
func (rl *RateLimiter) Allow(_ context.Context, key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	v, exists := rl.visitors[key]
	if !exists || now.Sub(v.lastRefill) >= rl.window {
		v = &visitor{tokens: rl.rate, lastRefill: now}
		rl.visitors[key] = v
	}

	if v.tokens > 0 {
		v.tokens--
		return true
	}
	return false
}

// Close stops the cleanup loop.
func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanupVisitors(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for key, v := range rl.visitors {
				if now.Sub(v.lastRefill) > rl.window*2 {
					delete(rl.visitors, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// tokenBucketScript refills capacity tokens every interval and takes one.
// Returns {allowed, tokens_left}.
var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local capacity = tonumber(ARGV[2])
	local interval_ms = tonumber(ARGV[3])
	local ttl_seconds = tonumber(ARGV[4])

	local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
	local tokens = tonumber(state[1])
	local last_refill = tonumber(state[2])

	if tokens == nil or last_refill == nil or now_ms - last_refill >= interval_ms then
		tokens = capacity
		last_refill = now_ms
	end

	local allowed = 0
	if tokens > 0 then
		allowed = 1
		tokens = tokens - 1
	end

	redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
	redis.call('EXPIRE', key, ttl_seconds)

	return { allowed, tokens }
`)

// RedisLimiter shares login attempt buckets between server replicas. When
// Redis cannot be reached it defers to the in-process fallback.
type RedisLimiter struct {
	rdb      redis.Scripter
	prefix   string
	rate     int
	window   time.Duration
	fallback Limiter
}

// NewRedisLimiter creates a Redis-backed limiter with the same rate/window
// semantics as RateLimiter.
func NewRedisLimiter(rdb redis.Scripter, prefix string, rate int, window time.Duration, fallback Limiter) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, prefix: prefix, rate: rate, window: window, fallback: fallback}
}

// Allow runs the token bucket script for key.
func (l *RedisLimiter) Allow(ctx context.Context, key string) bool {
	ttl := int64((2 * l.window) / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	args := []any{time.Now().UnixMilli(), l.rate, l.window.Milliseconds(), ttl}

	vals, err := tokenBucketScript.Run(ctx, l.rdb, []string{l.prefix + ":" + key}, args...).Int64Slice()
	if err != nil || len(vals) == 0 {
		log.Warn().Err(err).Str("key", key).Msg("rate limit store unavailable, using local limiter")
		return l.fallback.Allow(ctx, key)
	}
	return vals[0] == 1
}

// GetClientIP returns the host part of the connection's remote address.
// Forwarding headers are ignored; use a ClientIPResolver behind a proxy.
func GetClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ClientIPResolver reads X-Forwarded-For and X-Real-IP only when the request
// arrives from a configured proxy. A nil resolver trusts no one.
type ClientIPResolver struct {
	trusted []*net.IPNet
}

// NewClientIPResolver parses proxies given as CIDR ranges or bare addresses.
func NewClientIPResolver(proxies []string) (*ClientIPResolver, error) {
	res := &ClientIPResolver{}
	for _, p := range proxies {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.Contains(p, "/") {
			ip := net.ParseIP(p)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy %q", p)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			res.trusted = append(res.trusted, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipNet, err := net.ParseCIDR(p)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", p, err)
		}
		res.trusted = append(res.trusted, ipNet)
	}
	return res, nil
}

func (c *ClientIPResolver) isTrusted(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range c.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP walks X-Forwarded-For from the right and returns the first hop
// that is not a trusted proxy.
func (c *ClientIPResolver) ClientIP(r *http.Request) string {
	remote := GetClientIP(r)
	if c == nil || !c.isTrusted(remote) {
		return remote
	}

	if forwarded := r.Header.Values("X-Forwarded-For"); len(forwarded) > 0 {
		hops := strings.Split(strings.Join(forwarded, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if net.ParseIP(hop) == nil {
				return remote
			}
			if !c.isTrusted(hop) {
				return hop
			}
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(realIP) != nil {
		return realIP
	}
	return remote
}

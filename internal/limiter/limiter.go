package limiter

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/itstheanurag/verdict/internal/config"
	"github.com/itstheanurag/verdict/internal/metrics"
	"golang.org/x/time/rate"
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a global token bucket and one bucket per client IP.
type RateLimiter struct {
	globalLimiter *rate.Limiter
	ipRate        rate.Limit
	ipBurst       int
	idleEvict     time.Duration
	now           func() time.Time

	mu            sync.Mutex
	perIPLimiters map[string]*ipLimiter
}

func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	burst := int(cfg.GlobalRPS) * 2
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		globalLimiter: rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst),
		ipRate:        rate.Limit(cfg.PerIPRPS),
		ipBurst:       cfg.PerIPBurst,
		idleEvict:     cfg.IdleEvict,
		now:           time.Now,
		perIPLimiters: make(map[string]*ipLimiter),
	}
}

func (rl *RateLimiter) getIPLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.perIPLimiters[ip]
	if !ok {
		l = &ipLimiter{limiter: rate.NewLimiter(rl.ipRate, rl.ipBurst)}
		rl.perIPLimiters[ip] = l
	}
	l.lastSeen = rl.now()
	return l.limiter
}

func (rl *RateLimiter) Allow(ip string) bool {
	if !rl.getIPLimiter(ip).Allow() {
		metrics.RateLimitHits.Inc()
		return false
	}
	if !rl.globalLimiter.Allow() {
		metrics.RateLimitHits.Inc()
		return false
	}
	return true
}

// Middleware rejects requests over either limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(ClientIP(r)) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP is the first X-Forwarded-For hop, or the peer address.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// StartCleanup evicts IP limiters idle for longer than the configured
// eviction age, every interval, until ctx ends.
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.evict()
			}
		}
	}()
}

func (rl *RateLimiter) evict() int {
	cutoff := rl.now().Add(-rl.idleEvict)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for ip, l := range rl.perIPLimiters {
		if l.lastSeen.Before(cutoff) {
			delete(rl.perIPLimiters, ip)
			n++
		}
	}
	return n
}

func (rl *RateLimiter) tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.perIPLimiters)
}

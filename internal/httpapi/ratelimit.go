package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// JoinLimiter throttles join-queue requests to one per client identity
// per window. State is process-local and lost on restart; it is an abuse
// guard only, the clinic row lock is what defends ticket uniqueness.
type JoinLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewJoinLimiter(window time.Duration) *JoinLimiter {
	if window <= 0 {
		window = 60 * time.Second
	}
	return &JoinLimiter{
		window:   window,
		visitors: make(map[string]*visitor),
	}
}

func (l *JoinLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip != "" && !l.allow(ip) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "please wait before requesting another ticket")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *JoinLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	v, ok := l.visitors[key]
	if !ok {
		if len(l.visitors) >= 1024 {
			l.prune(now)
		}
		v = &visitor{limiter: rate.NewLimiter(rate.Every(l.window), 1)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.Allow()
}

// prune drops idle entries; called with the lock held.
func (l *JoinLimiter) prune(now time.Time) {
	cutoff := now.Add(-3 * l.window)
	for key, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, key)
		}
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

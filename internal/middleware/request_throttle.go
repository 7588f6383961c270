package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/poofware/login-guard-service/internal/utils"
)

const DefaultThrottleIdleTTL = 30 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RequestThrottle is a coarse per-IP token bucket in front of the whole API.
// It is process-local and sits before the durable per-action counters.
type RequestThrottle struct {
	mu                sync.Mutex
	visitors          map[string]*visitor
	limit             rate.Limit
	burst             int
	idleTTL           time.Duration
	trustProxyHeaders bool
	now               func() time.Time
}

func NewRequestThrottle(perSecond float64, burst int, trustProxyHeaders bool) *RequestThrottle {
	return &RequestThrottle{
		visitors:          make(map[string]*visitor),
		limit:             rate.Limit(perSecond),
		burst:             burst,
		idleTTL:           DefaultThrottleIdleTTL,
		trustProxyHeaders: trustProxyHeaders,
		now:               time.Now,
	}
}

func (t *RequestThrottle) allow(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	v, ok := t.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// EvictIdle drops limiters not used within the idle TTL and returns how many were removed.
func (t *RequestThrottle) EvictIdle() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.idleTTL)
	removed := 0
	for ip, v := range t.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(t.visitors, ip)
			removed++
		}
	}
	return removed
}

func (t *RequestThrottle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := utils.ClientIP(r, t.trustProxyHeaders)
		if ip == "" {
			utils.RespondErrorWithCode(
				w, http.StatusBadRequest, utils.ErrCodeInvalidClientAddress,
				"Could not determine client address", nil,
			)
			return
		}
		if !t.allow(ip) {
			w.Header().Set("Retry-After", strconv.Itoa(1))
			utils.RespondErrorWithCode(
				w, http.StatusTooManyRequests, utils.ErrCodeRateLimitExceeded,
				"Too many requests", nil,
			)
			return
		}
		next.ServeHTTP(w, r)
	})
}

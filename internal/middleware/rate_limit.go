package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const defaultRateLimitMessage = "Too many requests from this IP, please try again later."

// AuthRateLimitMessage 是登录与注册接口被限流时的提示。
const AuthRateLimitMessage = "Too many authentication attempts, please try again later."

// maxTrackedClients 超过后在写入新窗口时清理过期条目。
const maxTrackedClients = 1024

// rateLimitedTotal 记录被拒绝的请求数
var rateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "decendata_http_rate_limited_total",
	Help: "Requests rejected by a rate limiter",
})

// RateLimit 按来源地址做固定窗口限流，message 为空时使用默认提示。
func RateLimit(maxRequests int, period time.Duration, message string) func(http.Handler) http.Handler {
	if maxRequests <= 0 || period <= 0 {
		return passthrough
	}
	if message == "" {
		message = defaultRateLimitMessage
	}
	body, _ := json.Marshal(map[string]string{"error": message})
	limiter := newIPRateLimiter(maxRequests, period)
	limit := strconv.Itoa(maxRequests)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := limiter.Take(clientKey(r))
			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.remaining))

			if !d.allowed {
				rateLimitedTotal.Inc()
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(d.resetIn.Seconds()))))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write(append(body, '\n'))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func passthrough(next http.Handler) http.Handler {
	return next
}

type window struct {
	used    int
	resetAt time.Time
}

// decision 是一次限流判断的结果。
type decision struct {
	allowed   bool
	remaining int
	resetIn   time.Duration
}

type ipRateLimiter struct {
	mu          sync.Mutex
	windows     map[string]*window
	maxRequests int
	period      time.Duration
	now         func() time.Time
}

func newIPRateLimiter(maxRequests int, period time.Duration) *ipRateLimiter {
	return &ipRateLimiter{
		windows:     make(map[string]*window),
		maxRequests: maxRequests,
		period:      period,
		now:         time.Now,
	}
}

// Allow 报告 key 是否还有余量并消耗一次。
func (l *ipRateLimiter) Allow(key string) bool {
	return l.Take(key).allowed
}

// Take 消耗 key 当前窗口中的一次额度。
func (l *ipRateLimiter) Take(key string) decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		if !ok && len(l.windows) >= maxTrackedClients {
			l.evictExpiredLocked(now)
		}
		w = &window{resetAt: now.Add(l.period)}
		l.windows[key] = w
	}

	if w.used >= l.maxRequests {
		return decision{resetIn: w.resetAt.Sub(now)}
	}
	w.used++
	return decision{allowed: true, remaining: l.maxRequests - w.used, resetIn: w.resetAt.Sub(now)}
}

func (l *ipRateLimiter) evictExpiredLocked(now time.Time) {
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
		}
	}
}

// clientKey 优先使用 RealIP 中间件改写后的 RemoteAddr，其次是 X-Forwarded-For 的首个地址。
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host != "" {
		return host
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return "unknown"
}

package middleware

import (
	"net/http"
	"strings"
)

const (
	corsAllowMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	corsAllowHeaders = "Content-Type, Authorization, X-Requested-With, X-Request-Id"
	// 前端需要读取下载文件名、内容哈希与限流信息
	corsExposeHeaders = "Content-Disposition, Content-Length, X-Content-Hash, X-Request-Id, Retry-After, X-RateLimit-Remaining"
	corsMaxAge        = "600"
)

// originMatcher 支持精确来源与 "https://*.example.com" 形式的子域通配。
type originMatcher struct {
	any      bool
	exact    map[string]struct{}
	suffixes []suffixRule
}

type suffixRule struct {
	scheme string
	suffix string
}

func newOriginMatcher(origins []string) originMatcher {
	m := originMatcher{exact: map[string]struct{}{}}
	for _, raw := range origins {
		o := strings.TrimRight(strings.TrimSpace(raw), "/")
		switch {
		case o == "":
		case o == "*":
			m.any = true
		case strings.Contains(o, "://*."):
			scheme, host, _ := strings.Cut(o, "://*")
			m.suffixes = append(m.suffixes, suffixRule{scheme: scheme + "://", suffix: host})
		default:
			m.exact[o] = struct{}{}
		}
	}
	return m
}

func (m originMatcher) match(origin string) bool {
	if _, ok := m.exact[origin]; ok {
		return true
	}
	for _, r := range m.suffixes {
		host, ok := strings.CutPrefix(origin, r.scheme)
		if ok && strings.HasSuffix(host, r.suffix) && len(host) > len(r.suffix) {
			return true
		}
	}
	return false
}

// CORS 生成允许指定来源访问的跨域中间件，"*" 表示允许任意来源（不携带凭据）。
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	m := newOriginMatcher(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Add("Vary", "Origin")
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

			switch {
			case m.match(origin):
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
			case m.any:
				h.Set("Access-Control-Allow-Origin", "*")
			default:
				// 未允许的来源不写 CORS 头，由浏览器拦截
				next.ServeHTTP(w, r)
				return
			}

			if !preflight {
				h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
				next.ServeHTTP(w, r)
				return
			}

			h.Add("Vary", "Access-Control-Request-Method")
			h.Add("Vary", "Access-Control-Request-Headers")
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAge)
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

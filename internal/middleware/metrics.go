package middleware

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// unmatchedRoute 用于没有匹配到路由的请求，避免把原始路径写入标签。
const unmatchedRoute = "unmatched"

var (
	// httpRequestsTotal 按路由模式与状态码计数
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decendata_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// httpRequestDuration 上传与下载可能持续较长时间，桶上限放宽到一分钟
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "decendata_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "route"},
	)

	// httpTransferBytes 记录实际读取的请求体与写出的响应体字节数
	httpTransferBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "decendata_http_transfer_bytes",
			Help:    "Bytes transferred per request, by direction",
			Buckets: prometheus.ExponentialBuckets(256, 8, 9),
		},
		[]string{"route", "direction"},
	)

	// httpInFlight 当前处理中的请求数
	httpInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "decendata_http_in_flight_requests",
		Help: "Number of HTTP requests currently being served",
	})
)

// countingBody 统计 multipart 等分块上传实际读取的字节数，ContentLength 可能为 -1。
type countingBody struct {
	io.ReadCloser
	n int64
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	return n, err
}

func routeOf(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}

// Metrics 按路由模式记录请求数、耗时与传输字节数。
func Metrics() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			httpInFlight.Inc()
			defer httpInFlight.Dec()

			var body *countingBody
			if r.Body != nil && r.Body != http.NoBody {
				body = &countingBody{ReadCloser: r.Body}
				r.Body = body
			}

			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			// 路由模式在处理完成后才确定
			route := routeOf(r)
			httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			httpTransferBytes.WithLabelValues(route, "out").Observe(float64(ww.BytesWritten()))
			if body != nil && body.n > 0 {
				httpTransferBytes.WithLabelValues(route, "in").Observe(float64(body.n))
			}
		})
	}
}

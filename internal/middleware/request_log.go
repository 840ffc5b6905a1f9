package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/metrics"
)

// RequestLog пишет method, path, код и длительность в debug-лог и считает запросы по шаблону маршрута.
// Шаблон (а не путь), чтобы id комнат не раздували число меток.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := wrap(w)
		next.ServeHTTP(rw, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		metrics.RelayHTTPRequests.WithLabelValues(route, strconv.Itoa(rw.Status()/100)+"xx").Inc()
		logger.Debugf("http %s %s %d %v", r.Method, r.URL.Path, rw.Status(), time.Since(start))
	})
}

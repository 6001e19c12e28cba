package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"waitline/queue-service/internal/metrics"

	"go.uber.org/zap"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func LoggingMiddleware(logger *zap.Logger, collector *metrics.Collector, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		writer := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, r)
		duration := time.Since(start)

		if collector != nil {
			labels := []string{r.Method, r.URL.Path, strconv.Itoa(writer.status)}
			collector.RequestsTotal.WithLabelValues(labels...).Inc()
			collector.RequestDuration.WithLabelValues(labels...).Observe(duration.Seconds())
		}

		logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("remote", clientIP(r)),
		)
	})
}

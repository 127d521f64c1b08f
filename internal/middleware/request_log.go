package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/supportchat/internal/logger"
)

// RequestLog логирует запросы асинхронно. Медленные (или все при LOG_LEVEL=debug)
// идут через LogDuration; ответы 5xx логируются всегда вместе с request id.
// Проверки /health не логируются.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.LogDuration("http "+r.Method+" "+r.URL.Path, start)
		if ww.Status() >= http.StatusInternalServerError {
			logger.Errorf("http %s %s status=%d req=%s", r.Method, r.URL.Path, ww.Status(), chimw.GetReqID(r.Context()))
		}
	})
}

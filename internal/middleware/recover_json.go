package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/supportchat/internal/logger"
)

// RecoverJSON при панике в handler логирует её со стеком и request id и отдаёт
// клиенту JSON 500 с кодом "internal", если заголовки ещё не отправлены.
// Обёртка chi сохраняет http.Hijacker, поэтому upgrade WebSocket проходит.
func RecoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger.Errorf("panic recovered req=%s %s %s: %v\n%s",
				chimw.GetReqID(r.Context()), r.Method, r.URL.Path, rec, debug.Stack())
			if ww.Status() != 0 {
				return
			}
			ww.Header().Set("Content-Type", "application/json; charset=utf-8")
			ww.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(ww).Encode(map[string]string{"error": "internal server error", "code": "internal"})
		}()
		next.ServeHTTP(ww, r)
	})
}

package middleware

import (
	"net/http"
	"sync"
	"time"
)

const (
	rateLimitWindow      = time.Minute
	rateLimitMaxIP       = 200
	rateLimitMaxOperator = 100
)

type rateLimiter struct {
	mu     sync.Mutex
	times  map[string][]time.Time
	max    int
	window time.Duration
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{times: make(map[string][]time.Time), max: max, window: window}
}

func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-r.window)
	slice := r.times[key]
	i := 0
	for _, t := range slice {
		if t.After(cutoff) {
			slice[i] = t
			i++
		}
	}
	slice = slice[:i]
	if len(slice) >= r.max {
		return false
	}
	r.times[key] = append(slice, now)
	return true
}

// RateLimit ограничивает запросы по IP и по оператору (если Identity уже в контексте). 429 при превышении.
// Для /ws считается только установка соединения, не кадры внутри него.
func RateLimit(maxPerIP, maxPerOperator int) func(http.Handler) http.Handler {
	if maxPerIP <= 0 {
		maxPerIP = rateLimitMaxIP
	}
	if maxPerOperator <= 0 {
		maxPerOperator = rateLimitMaxOperator
	}
	byIP := newRateLimiter(maxPerIP, rateLimitWindow)
	byOperator := newRateLimiter(maxPerOperator, rateLimitWindow)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !byIP.allow(clientIP(r)) {
				http.Error(w, `{"error":"too many requests"}`, http.StatusTooManyRequests)
				return
			}
			if id, ok := GetIdentity(r.Context()); ok && id.OperatorID != "" {
				if !byOperator.allow(id.OrganizationID + "/" + id.OperatorID) {
					http.Error(w, `{"error":"too many requests"}`, http.StatusTooManyRequests)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

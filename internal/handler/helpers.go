package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/supportchat/internal/logger"
	"github.com/supportchat/internal/router"
	"github.com/supportchat/internal/session"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError переводит ошибки store/router в HTTP-статус.
func writeDomainError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, router.ErrInvalidEvent):
		status = http.StatusBadRequest
	case errors.Is(err, router.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, session.ErrIO):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		logger.Errorf("%s: %v", op, err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: router.Code(err)})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

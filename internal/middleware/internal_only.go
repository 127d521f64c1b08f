package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/supportchat/internal/presence"
)

// Заголовки, которые проставляет шлюз после авторизации сотрудника.
const (
	HeaderRole           = "X-Auth-Role"
	HeaderOrganizationID = "X-Auth-Organization-Id"
	HeaderOperatorID     = "X-Auth-Operator-Id"
	HeaderInternalSecret = "X-Internal-Secret"
)

// TrustedIdentity кладёт Identity в контекст. Заголовки X-Auth-* принимаются только от
// доверенного источника: X-Internal-Secret или приватный адрес самого пира (RemoteAddr).
// X-Real-Ip/X-Forwarded-For задаёт клиент, поэтому для доверия они не учитываются.
// Всё остальное — анонимный посетитель.
func TrustedIdentity(secret string) func(http.Handler) http.Handler {
	secret = strings.TrimSpace(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := Identity{Role: presence.RoleVisitor}
			if role := presence.Role(strings.TrimSpace(r.Header.Get(HeaderRole))); role != "" && isTrusted(r, secret) {
				if !role.Valid() {
					http.Error(w, `{"error":"unknown role"}`, http.StatusForbidden)
					return
				}
				id = Identity{
					Role:           role,
					OrganizationID: strings.TrimSpace(r.Header.Get(HeaderOrganizationID)),
					OperatorID:     strings.TrimSpace(r.Header.Get(HeaderOperatorID)),
				}
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// StaffOnly пропускает только сотрудников и супервизоров (после TrustedIdentity).
func StaffOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := GetIdentity(r.Context())
		if !ok || !id.Role.IsStaff() {
			http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isTrusted(r *http.Request, secret string) bool {
	if secret != "" && r.Header.Get(HeaderInternalSecret) == secret {
		return true
	}
	return isPrivateIP(peerIP(r))
}

// peerIP — адрес TCP-пира без учёта прокси-заголовков.
func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientIP — адрес клиента за шлюзом; используется только для лимитов, не для доверия.
func clientIP(r *http.Request) string {
	ipStr := r.Header.Get("X-Real-Ip")
	if ipStr == "" {
		ipStr = r.Header.Get("X-Forwarded-For")
		if idx := strings.Index(ipStr, ","); idx > 0 {
			ipStr = strings.TrimSpace(ipStr[:idx])
		}
	}
	if ipStr == "" {
		ipStr = peerIP(r)
	}
	return ipStr
}

func isPrivateIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}

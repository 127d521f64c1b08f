package middleware

import "strings"

const maskKeep = 4

// MaskSessionID оставляет в логах только начало session_id: id посетителя
// выдаётся виджетом и фактически служит ключом доступа к переписке.
func MaskSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "-"
	}
	r := []rune(id)
	if len(r) <= maskKeep {
		return "****"
	}
	return string(r[:maskKeep]) + "***"
}

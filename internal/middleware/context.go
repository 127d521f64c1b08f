package middleware

import (
	"context"

	"github.com/supportchat/internal/presence"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity — кто стоит за запросом. Для посетителя OrganizationID/OperatorID пустые:
// организацию и сессию посетитель передаёт в query.
type Identity struct {
	Role           presence.Role
	OrganizationID string
	OperatorID     string
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity возвращает Identity из контекста (устанавливается TrustedIdentity).
func GetIdentity(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(identityKey).(Identity)
	return v, ok
}

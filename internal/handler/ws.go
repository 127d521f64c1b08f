package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/supportchat/internal/logger"
	"github.com/supportchat/internal/middleware"
	"github.com/supportchat/internal/presence"
	"github.com/supportchat/internal/ws"
)

const maxIDLen = 128

type WSHandler struct {
	hub            *ws.Hub
	allowedOrigins string
}

// NewWSHandler создаёт обработчик WebSocket. allowedOrigins — как в CORS (через запятую или "*").
func NewWSHandler(hub *ws.Hub, allowedOrigins string) *WSHandler {
	return &WSHandler{hub: hub, allowedOrigins: strings.TrimSpace(allowedOrigins)}
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// scopeFor строит presence.Scope: сотрудникам — из доверенных заголовков,
// посетителям — из query (organization_id, session_id).
func scopeFor(r *http.Request) (presence.Role, presence.Scope, string) {
	id, ok := middleware.GetIdentity(r.Context())
	if !ok {
		id = middleware.Identity{Role: presence.RoleVisitor}
	}
	if id.Role.IsStaff() {
		if id.Role == presence.RoleStaff && id.OrganizationID == "" {
			return "", presence.Scope{}, "organization required"
		}
		return id.Role, presence.Scope{OrganizationID: id.OrganizationID, OperatorID: id.OperatorID}, ""
	}

	q := r.URL.Query()
	orgID := strings.TrimSpace(q.Get("organization_id"))
	sessionID := strings.TrimSpace(q.Get("session_id"))
	if orgID == "" || sessionID == "" {
		return "", presence.Scope{}, "organization_id and session_id required"
	}
	if len(orgID) > maxIDLen || len(sessionID) > maxIDLen {
		return "", presence.Scope{}, "id too long"
	}
	return presence.RoleVisitor, presence.Scope{OrganizationID: orgID, SessionID: sessionID}, ""
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	role, scope, problem := scopeFor(r)
	if problem != "" {
		writeError(w, http.StatusBadRequest, problem)
		return
	}
	if !h.checkOrigin(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := ws.NewClient(h.hub, conn, role, scope)
	client.Start(ctx, cancel)
	h.hub.Register(client)
}

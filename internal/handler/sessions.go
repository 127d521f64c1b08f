package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/supportchat/internal/middleware"
	"github.com/supportchat/internal/model"
	"github.com/supportchat/internal/presence"
	"github.com/supportchat/internal/router"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// SessionHandler — административное чтение сессий для панели операторов.
type SessionHandler struct {
	router *router.Router
}

func NewSessionHandler(rt *router.Router) *SessionHandler {
	return &SessionHandler{router: rt}
}

type sessionSummary struct {
	SessionID        string         `json:"session_id"`
	DisplayName      string         `json:"display_name,omitempty"`
	Contact          string         `json:"contact,omitempty"`
	Mode             model.Mode     `json:"mode"`
	Status           model.Status   `json:"status"`
	AssignedOperator string         `json:"assigned_operator,omitempty"`
	LastActivity     time.Time      `json:"last_activity"`
	CreatedAt        time.Time      `json:"created_at"`
	UnreadCount      int            `json:"unread_count"`
	LastMessage      *model.Message `json:"last_message,omitempty"`
}

type listResponse struct {
	Sessions []sessionSummary `json:"sessions"`
	Total    int              `json:"total"`
}

type markReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

func summarize(s *model.Session) sessionSummary {
	return sessionSummary{
		SessionID:        s.ID,
		DisplayName:      s.DisplayName,
		Contact:          s.Contact,
		Mode:             s.Mode,
		Status:           s.Status,
		AssignedOperator: s.Operator(),
		LastActivity:     s.LastActivity,
		CreatedAt:        s.CreatedAt,
		UnreadCount:      s.UnreadByOperator(),
		LastMessage:      s.LastMessage(),
	}
}

// orgFromPath возвращает orgId из пути, если вызывающий имеет к нему доступ.
// Супервизор без своей организации видит все.
func orgFromPath(r *http.Request) (string, bool) {
	orgID := chi.URLParam(r, "orgId")
	id, ok := middleware.GetIdentity(r.Context())
	if !ok || orgID == "" {
		return "", false
	}
	if id.Role == presence.RoleSupervisor && id.OrganizationID == "" {
		return orgID, true
	}
	return orgID, id.OrganizationID == orgID
}

func parseStatuses(raw string) ([]model.Status, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []model.Status
	for _, part := range strings.Split(raw, ",") {
		st := model.Status(strings.TrimSpace(part))
		switch st {
		case model.StatusActive, model.StatusWaiting, model.StatusClosed:
			out = append(out, st)
		default:
			return nil, errors.New("unknown status " + string(st))
		}
	}
	return out, nil
}

// List — GET /api/orgs/{orgId}/sessions?status=waiting,active&limit=&offset=
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromPath(r)
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	statuses, err := parseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sessions, err := h.router.Sessions(r.Context(), orgID, statuses...)
	if err != nil {
		writeDomainError(w, "sessions.List", err)
		return
	}

	limit := queryInt(r, "limit", defaultListLimit)
	if limit == 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	offset := queryInt(r, "offset", 0)
	resp := listResponse{Sessions: make([]sessionSummary, 0, limit), Total: len(sessions)}
	for i := offset; i < len(sessions) && len(resp.Sessions) < limit; i++ {
		resp.Sessions = append(resp.Sessions, summarize(sessions[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get — GET /api/orgs/{orgId}/sessions/{sessionId}: полная история.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromPath(r)
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	s, err := h.router.Session(r.Context(), orgID, chi.URLParam(r, "sessionId"))
	if err != nil {
		writeDomainError(w, "sessions.Get", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// MarkRead — POST /api/orgs/{orgId}/sessions/{sessionId}/read, тело {"message_ids": [...]} необязательно.
func (h *SessionHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromPath(r)
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	var req markReadRequest
	if r.Body != nil {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
	}
	res, err := h.router.Handle(r.Context(), nil, router.MarkRead{
		SessionID:      chi.URLParam(r, "sessionId"),
		OrganizationID: orgID,
		Reader:         model.RoleOperator,
		MessageIDs:     req.MessageIDs,
	})
	if err != nil {
		writeDomainError(w, "sessions.MarkRead", err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(res.Session))
}

// Waiting — GET /api/orgs/{orgId}/waiting
func (h *SessionHandler) Waiting(w http.ResponseWriter, r *http.Request) {
	orgID, ok := orgFromPath(r)
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	wl, err := h.router.WaitingList(r.Context(), orgID)
	if err != nil {
		writeDomainError(w, "sessions.Waiting", err)
		return
	}
	writeJSON(w, http.StatusOK, wl)
}

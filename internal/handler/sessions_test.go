package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportchat/internal/config"
	"github.com/supportchat/internal/middleware"
	"github.com/supportchat/internal/model"
	"github.com/supportchat/internal/presence"
	"github.com/supportchat/internal/protocol"
	"github.com/supportchat/internal/router"
	"github.com/supportchat/internal/session"
	"github.com/supportchat/internal/storage/memory"
)

func newTestRouter(t *testing.T) (*router.Router, http.Handler) {
	t.Helper()
	st := session.NewStore(memory.New(), session.WithRetryBackoff(time.Millisecond))
	rt := router.New(st, presence.NewRegistry(0))
	h := NewSessionHandler(rt)

	r := chi.NewRouter()
	r.Use(middleware.TrustedIdentity(""))
	r.Route("/api/orgs/{orgId}", func(r chi.Router) {
		r.Use(middleware.StaffOnly)
		r.Get("/sessions", h.List)
		r.Get("/sessions/{sessionId}", h.Get)
		r.Post("/sessions/{sessionId}/read", h.MarkRead)
		r.Get("/waiting", h.Waiting)
	})
	return rt, r
}

func seed(t *testing.T, rt *router.Router, orgID, sessionID, name string, human bool) {
	t.Helper()
	ctx := context.Background()
	_, err := rt.Handle(ctx, nil, router.VisitorMessage{SessionID: sessionID, OrganizationID: orgID, Text: "hello from " + sessionID})
	require.NoError(t, err)
	if human {
		_, err = rt.Handle(ctx, nil, router.RequestHuman{SessionID: sessionID, OrganizationID: orgID, DisplayName: name})
		require.NoError(t, err)
	}
}

// do sends req from loopback with staff headers; role "" sends no identity.
func do(h http.Handler, method, target, role, orgID, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.RemoteAddr = "127.0.0.1:5000"
	if role != "" {
		req.Header.Set(middleware.HeaderRole, role)
		req.Header.Set(middleware.HeaderOrganizationID, orgID)
		req.Header.Set(middleware.HeaderOperatorID, "O1")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestListSessions(t *testing.T) {
	rt, h := newTestRouter(t)
	seed(t, rt, "org1", "S1", "", false)
	seed(t, rt, "org1", "S2", "Bob", true)
	seed(t, rt, "org2", "S3", "", false)

	rec := do(h, http.MethodGet, "/api/orgs/org1/sessions", "staff", "org1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	ids := []string{resp.Sessions[0].SessionID, resp.Sessions[1].SessionID}
	assert.ElementsMatch(t, []string{"S1", "S2"}, ids)

	rec = do(h, http.MethodGet, "/api/orgs/org1/sessions?status=waiting", "staff", "org1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, "S2", resp.Sessions[0].SessionID)
	assert.Equal(t, model.StatusWaiting, resp.Sessions[0].Status)
	assert.Equal(t, "Bob", resp.Sessions[0].DisplayName)

	rec = do(h, http.MethodGet, "/api/orgs/org1/sessions?limit=1&offset=1", "staff", "org1", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	assert.Len(t, resp.Sessions, 1)
}

func TestListRejectsUnknownStatus(t *testing.T) {
	_, h := newTestRouter(t)
	rec := do(h, http.MethodGet, "/api/orgs/org1/sessions?status=archived", "staff", "org1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionAccessControl(t *testing.T) {
	rt, h := newTestRouter(t)
	seed(t, rt, "org1", "S1", "", false)

	tests := []struct {
		name   string
		role   string
		org    string
		target string
		want   int
	}{
		{"visitor", "", "", "/api/orgs/org1/sessions", http.StatusForbidden},
		{"other org staff", "staff", "org2", "/api/orgs/org1/sessions", http.StatusForbidden},
		{"own org staff", "staff", "org1", "/api/orgs/org1/sessions/S1", http.StatusOK},
		{"global supervisor", "supervisor", "", "/api/orgs/org1/sessions/S1", http.StatusOK},
		{"scoped supervisor elsewhere", "supervisor", "org2", "/api/orgs/org1/waiting", http.StatusForbidden},
		{"missing session", "staff", "org1", "/api/orgs/org1/sessions/nope", http.StatusNotFound},
		{"foreign session id", "staff", "org2", "/api/orgs/org2/sessions/S1", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, http.MethodGet, tt.target, tt.role, tt.org, "")
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestGetReturnsHistory(t *testing.T) {
	rt, h := newTestRouter(t)
	seed(t, rt, "org1", "S1", "Ann", true)

	rec := do(h, http.MethodGet, "/api/orgs/org1/sessions/S1", "staff", "org1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var s model.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, "S1", s.ID)
	assert.Equal(t, model.ModeHuman, s.Mode)
	require.NotEmpty(t, s.Messages)
	assert.Equal(t, "hello from S1", s.Messages[0].Text)
}

func TestMarkReadAndWaiting(t *testing.T) {
	rt, h := newTestRouter(t)
	seed(t, rt, "org1", "S1", "Ann", true)
	_, err := rt.Handle(context.Background(), nil, router.VisitorMessage{SessionID: "S1", OrganizationID: "org1", Text: "anyone?"})
	require.NoError(t, err)

	rec := do(h, http.MethodGet, "/api/orgs/org1/waiting", "staff", "org1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var wl protocol.WaitingListPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wl))
	require.Len(t, wl.Sessions, 1)
	assert.Equal(t, "S1", wl.Sessions[0].SessionID)
	assert.Positive(t, wl.Sessions[0].UnreadCount)

	rec = do(h, http.MethodPost, "/api/orgs/org1/sessions/S1/read", "staff", "org1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sum sessionSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Zero(t, sum.UnreadCount)

	rec = do(h, http.MethodPost, "/api/orgs/org1/sessions/S1/read", "staff", "org1", "{broken")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodPost, "/api/orgs/org1/sessions/missing/read", "staff", "org1", `{"message_ids":["x"]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWidgetConfig(t *testing.T) {
	h := NewConfigHandler(&config.Config{PushServiceURL: "http://push:8080"})
	rec := httptest.NewRecorder()
	h.GetWidgetConfig(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got widgetConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, widgetConfig{WSPath: "/ws", MaxMessageLength: router.MaxTextLen, PushEnabled: true}, got)
}

package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tsdocs/cmd/internal/authapi"
	"tsdocs/cmd/internal/metrics"
	"tsdocs/cmd/internal/presence"
	"tsdocs/cmd/internal/session"
	"tsdocs/cmd/internal/visibility"
)

// docsServer is a fake of the docs server auth endpoints.
type docsServer struct {
	refreshes atomic.Int32
	logouts   atomic.Int32
	deleted   atomic.Int64
}

func (d *docsServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login/", func(w http.ResponseWriter, r *http.Request) {
		var creds authapi.Credentials
		_ = json.NewDecoder(r.Body).Decode(&creds)
		role := ""
		switch {
		case creds.Username == "ana" && creds.Password == "pw":
			role = "admin"
		case creds.Username == "bob" && creds.Password == "pw":
			role = "user"
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"detail":"Invalid credentials"}`)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "access_token", Value: "a", Path: "/"})
		http.SetCookie(w, &http.Cookie{Name: "refresh_token", Value: "r", Path: "/"})
		_, _ = io.WriteString(w, `{"detail":"Login successful","user":{"id":7,"username":"`+creds.Username+
			`","email":"x@example.com","role":"`+role+`","date_joined":"2026-01-02T03:04:05Z","last_login":null},"access_token_expires_in":900}`)
	})
	mux.HandleFunc("/api/auth/user/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"detail":"Authentication credentials were not provided."}`)
	})
	mux.HandleFunc("/api/auth/refresh/", func(w http.ResponseWriter, _ *http.Request) {
		d.refreshes.Add(1)
		_, _ = io.WriteString(w, `{"detail":"Token refreshed successfully","access_token_expires_in":600}`)
	})
	mux.HandleFunc("/api/auth/logout/", func(w http.ResponseWriter, _ *http.Request) {
		d.logouts.Add(1)
		_, _ = io.WriteString(w, `{"detail":"Logout successful"}`)
	})
	mux.HandleFunc("/api/auth/users/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			d.deleted.Store(3)
			_, _ = io.WriteString(w, `{"detail":"User deleted"}`)
			return
		}
		_, _ = io.WriteString(w, `[{"id":3,"username":"cy","email":"cy@example.com","role":"user","date_joined":"2026-01-02T03:04:05Z","last_login":null,"is_active":true}]`)
	})
	return mux
}

// idleDialer never connects; it waits for the dial context to end.
type idleDialer struct{}

func (idleDialer) Dial(ctx context.Context) (presence.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type statusHarness struct {
	docs *docsServer
	sess *session.Manager
	h    http.Handler
}

func newStatusHarness(t *testing.T, cfg Config) *statusHarness {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	docs := &docsServer{}
	ts := httptest.NewServer(docs.handler())
	t.Cleanup(ts.Close)

	api, err := authapi.New(log, authapi.Config{BaseURL: ts.URL + "/api", Timeout: 2 * time.Second})
	require.NoError(t, err)

	m := metrics.New()
	sess := session.NewManager(log, session.DefaultConfig(), api, session.WithObserver(m))
	pc := presence.New(log, presence.DefaultConfig(), idleDialer{}, sess.Active, presence.WithObserver(m))
	sess.SetPresence(pc)
	vis := visibility.New(log, sess, visibility.WithObserver(m))

	t.Cleanup(func() {
		sess.Close()
		pc.Close()
	})

	rt := &routes{log: log, cfg: cfg, sess: sess, presence: pc, vis: vis, metrics: m}
	return &statusHarness{docs: docs, sess: sess, h: rt.handler()}
}

func (h *statusHarness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rr := httptest.NewRecorder()
	h.h.ServeHTTP(rr, req)
	return rr
}

func (h *statusHarness) login(t *testing.T, user string) {
	t.Helper()
	rr := h.do(t, http.MethodPost, "/v1/session/login", `{"username":"`+user+`","password":"pw"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestStatus_Healthz(t *testing.T) {
	h := newStatusHarness(t, Config{})

	rr := h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
}

func TestStatus_ReadyzWaitsForBootstrap(t *testing.T) {
	h := newStatusHarness(t, Config{})

	rr := h.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	require.NoError(t, h.sess.Start(context.Background()))

	rr = h.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestStatus_ReadyzRequiresSession(t *testing.T) {
	h := newStatusHarness(t, Config{ReadinessRequireSession: true})
	require.NoError(t, h.sess.Start(context.Background()))

	rr := h.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	h.login(t, "bob")
	rr = h.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestStatus_LoginAndSession(t *testing.T) {
	h := newStatusHarness(t, Config{})

	snap := decodeBody[session.Snapshot](t, h.do(t, http.MethodGet, "/v1/session", ""))
	assert.Equal(t, session.StateLoading, snap.State)

	h.login(t, "ana")

	snap = decodeBody[session.Snapshot](t, h.do(t, http.MethodGet, "/v1/session", ""))
	assert.Equal(t, session.StateAuthenticated, snap.State)
	require.NotNil(t, snap.Session)
	assert.Equal(t, "ana", snap.Session.User.Username)
	assert.WithinDuration(t, time.Now().Add(900*time.Second), snap.ExpiresAt, 5*time.Second)
}

func TestStatus_LoginRejected(t *testing.T) {
	h := newStatusHarness(t, Config{})

	rr := h.do(t, http.MethodPost, "/v1/session/login", `{"username":"ana","password":"nope"}`)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	body := decodeBody[errorResponse](t, rr)
	assert.Equal(t, "upstream_rejected", body.Error.Code)
	assert.Equal(t, "Invalid credentials", body.Error.Message)
	assert.False(t, h.sess.Active())
}

func TestStatus_LoginBadBody(t *testing.T) {
	h := newStatusHarness(t, Config{})

	rr := h.do(t, http.MethodPost, "/v1/session/login", `{"username":"ana","password":"pw","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.do(t, http.MethodPost, "/v1/session/login", `{"username":"ana"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStatus_RefreshReturnsNewExpiry(t *testing.T) {
	h := newStatusHarness(t, Config{})
	h.login(t, "bob")

	rr := h.do(t, http.MethodPost, "/v1/session/refresh", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	body := decodeBody[refreshResponse](t, rr)
	assert.Equal(t, session.RefreshSucceeded, body.Outcome)
	require.NotNil(t, body.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(600*time.Second), *body.ExpiresAt, 5*time.Second)
	assert.Equal(t, int32(1), h.docs.refreshes.Load())
}

func TestStatus_Logout(t *testing.T) {
	h := newStatusHarness(t, Config{})
	h.login(t, "bob")

	rr := h.do(t, http.MethodPost, "/v1/session/logout", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, int32(1), h.docs.logouts.Load())

	snap := decodeBody[session.Snapshot](t, h.do(t, http.MethodGet, "/v1/session", ""))
	assert.Equal(t, session.StateAnonymous, snap.State)
	assert.Nil(t, snap.Session)
}

func TestStatus_UsersRequireAdmin(t *testing.T) {
	h := newStatusHarness(t, Config{})

	rr := h.do(t, http.MethodGet, "/v1/users", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	h.login(t, "bob")
	rr = h.do(t, http.MethodGet, "/v1/users", "")
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = h.do(t, http.MethodDelete, "/v1/users/3", "")
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Zero(t, h.docs.deleted.Load())
}

func TestStatus_AdminUsers(t *testing.T) {
	h := newStatusHarness(t, Config{})
	h.login(t, "ana")

	rr := h.do(t, http.MethodGet, "/v1/users", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	list := decodeBody[struct {
		Users []authapi.UserSummary `json:"users"`
	}](t, rr)
	require.Len(t, list.Users, 1)
	assert.Equal(t, "cy", list.Users[0].Username)
	assert.True(t, list.Users[0].IsActive)

	rr = h.do(t, http.MethodDelete, "/v1/users/3", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, int64(3), h.docs.deleted.Load())

	rr = h.do(t, http.MethodDelete, "/v1/users/abc", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStatus_Visibility(t *testing.T) {
	h := newStatusHarness(t, Config{})
	h.login(t, "bob")

	rr := h.do(t, http.MethodPost, "/v1/visibility", `{"state":"sideways"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.do(t, http.MethodPost, "/v1/visibility", `{"state":"visible"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody[visibilityResponse](t, rr)
	assert.Equal(t, visibility.StateVisible, body.State)
	assert.False(t, body.Refreshed, "15 minutes left is fresh")
	assert.Zero(t, h.docs.refreshes.Load())
}

func TestStatus_Presence(t *testing.T) {
	h := newStatusHarness(t, Config{})

	rr := h.do(t, http.MethodGet, "/v1/presence", "")
	require.Equal(t, http.StatusOK, rr.Code)
	snap := decodeBody[presence.Snapshot](t, rr)
	assert.Equal(t, presence.StateDisconnected, snap.State)
	assert.NotNil(t, snap.Users)
}

func TestStatus_Metrics(t *testing.T) {
	h := newStatusHarness(t, Config{})
	h.login(t, "bob")

	rr := h.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "tsdocs_session_active 1")
}

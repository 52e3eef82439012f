package app

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"tsdocs/cmd/internal/authapi"
	"tsdocs/cmd/internal/metrics"
	"tsdocs/cmd/internal/presence"
	"tsdocs/cmd/internal/session"
	"tsdocs/cmd/internal/visibility"
)

// routes holds what the status server reads from and acts on.
type routes struct {
	log      Logger
	cfg      Config
	sess     *session.Manager
	presence *presence.Channel
	vis      *visibility.Monitor
	metrics  *metrics.Metrics

	dbPool *pgxpool.Pool
	redis  redis.UniversalClient
}

func (rt *routes) handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/readyz", rt.readyz)
	if rt.metrics != nil {
		r.Method(http.MethodGet, "/metrics", rt.metrics.Handler())
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/session", rt.getSession)
		v1.Post("/session/login", rt.login)
		v1.Post("/session/logout", rt.logout)
		v1.Post("/session/refresh", rt.refresh)
		v1.Get("/presence", rt.getPresence)
		v1.Post("/visibility", rt.visibility)
		v1.Get("/users", rt.listUsers)
		v1.Delete("/users/{id}", rt.deleteUser)
	})

	return WithSecurityHeaders(WithCORS(r, rt.cfg, rt.log))
}

func (rt *routes) readyz(w http.ResponseWriter, r *http.Request) {
	select {
	case <-rt.sess.Ready():
	default:
		http.Error(w, "session bootstrap pending", http.StatusServiceUnavailable)
		return
	}

	if rt.cfg.ReadinessRequireSession && !rt.sess.Active() {
		http.Error(w, "no session", http.StatusServiceUnavailable)
		return
	}

	if rt.dbPool != nil {
		if err := PingDB(r.Context(), rt.dbPool, 2*time.Second); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			rt.log.Info("readyz.db.not_ready", "err", err)
			return
		}
	}
	if rt.redis != nil {
		if err := PingRedis(r.Context(), rt.redis, 2*time.Second); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			rt.log.Info("readyz.redis.not_ready", "err", err)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

func (rt *routes) getSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rt.sess.Snapshot())
}

func (rt *routes) login(w http.ResponseWriter, r *http.Request) {
	var creds authapi.Credentials
	if !readCommand(w, r, &creds) {
		return
	}
	if creds.Username == "" || creds.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}

	sess, err := rt.sess.Login(r.Context(), creds)
	if err != nil {
		rt.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (rt *routes) logout(w http.ResponseWriter, r *http.Request) {
	if err := rt.sess.Logout(r.Context()); err != nil {
		// Local state is already cleared; only the server call failed.
		rt.log.Warn("http.logout.upstream_fail", "err", err)
		writeError(w, http.StatusBadGateway, "upstream_logout_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type refreshResponse struct {
	Outcome   session.RefreshOutcome `json:"outcome"`
	ExpiresAt *time.Time             `json:"expires_at,omitempty"`
}

func (rt *routes) refresh(w http.ResponseWriter, r *http.Request) {
	outcome, err := rt.sess.AwaitRefresh(r.Context())
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusServiceUnavailable, "refresh_pending", err.Error())
			return
		}
		rt.writeSessionError(w, err)
		return
	}

	resp := refreshResponse{Outcome: outcome}
	if exp, ok := rt.sess.Expiry(); ok {
		resp.ExpiresAt = &exp
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *routes) getPresence(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rt.presence.Snapshot())
}

type visibilityRequest struct {
	State string `json:"state"`
}

type visibilityResponse struct {
	State     visibility.State `json:"state"`
	Refreshed bool             `json:"refreshed"`
}

func (rt *routes) visibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if !readCommand(w, r, &req) {
		return
	}
	st, err := visibility.ParseState(req.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	refreshed := rt.vis.Handle(r.Context(), st)
	writeJSON(w, http.StatusOK, visibilityResponse{State: st, Refreshed: refreshed})
}

func (rt *routes) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := rt.sess.ListUsers(r.Context())
	if err != nil {
		rt.writeSessionError(w, err)
		return
	}
	if users == nil {
		users = []authapi.UserSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (rt *routes) deleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "user id must be a positive integer")
		return
	}

	detail, err := rt.sess.DeleteUser(r.Context(), id)
	if err != nil {
		rt.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": detail})
}

// writeSessionError maps manager and Auth API errors onto status codes.
func (rt *routes) writeSessionError(w http.ResponseWriter, err error) {
	var apiErr *authapi.APIError

	switch {
	case errors.Is(err, session.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, "not_authenticated", "no active session")
	case errors.Is(err, session.ErrNotAdmin):
		writeError(w, http.StatusForbidden, "forbidden", "admin role required")
	case errors.Is(err, session.ErrRefreshFailed):
		writeError(w, http.StatusUnauthorized, "session_terminated", err.Error())
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "session manager closed")
	case errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500:
		msg := apiErr.Detail
		if msg == "" {
			msg = http.StatusText(apiErr.Status)
		}
		writeJSON(w, apiErr.Status, errorResponse{Error: apiError{
			Code:    "upstream_rejected",
			Message: msg,
			Fields:  apiErr.Fields,
		}})
	default:
		rt.log.Warn("http.upstream.fail", "err", err)
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
	}
}

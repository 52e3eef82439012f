package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxBodyBytes = 1 << 20 // 1 MiB

	requestIDHeader = "X-Request-ID"
)

// Config controls the Auth API client.
type Config struct {
	// BaseURL is the API root, e.g. http://127.0.0.1:8000/api.
	BaseURL string

	// Timeout bounds every call. The underlying http.Client has no timeout of
	// its own so it can be shared with the WebSocket dialer.
	Timeout time.Duration

	UserAgent    string
	MaxBodyBytes int64

	// Cookies persists the session cookies so a restarted agent resumes the
	// same session. Nil keeps them in memory only.
	Cookies CookieStore
}

// Client talks to the docs server auth endpoints with a shared cookie jar.
type Client struct {
	log     *slog.Logger
	base    string
	baseURL *url.URL
	hc      *http.Client
	cfg     Config
}

// New constructs a Client with its own cookie jar, seeded from cfg.Cookies
// when set.
func New(log *slog.Logger, cfg Config) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}

	u, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("%w: base url: %v", ErrConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: base url scheme must be http or https, got %q", ErrConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: base url missing host", ErrConfig)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	var jar http.CookieJar
	if cfg.Cookies != nil {
		pj, err := newPersistentJar(context.Background(), log, cfg.Cookies)
		if err != nil {
			return nil, fmt.Errorf("load cookies: %w", err)
		}
		jar = pj
	} else {
		mem, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		jar = mem
	}

	return &Client{
		log:     log,
		base:    strings.TrimRight(u.String(), "/"),
		baseURL: u,
		hc:      &http.Client{Jar: jar},
		cfg:     cfg,
	}, nil
}

// HTTPClient exposes the cookie-carrying client so other transports (the
// presence WebSocket) authenticate with the same session cookies.
func (c *Client) HTTPClient() *http.Client { return c.hc }

// BaseURL returns a copy of the configured API root.
func (c *Client) BaseURL() *url.URL {
	cp := *c.baseURL
	return &cp
}

// Login authenticates and stores the session cookies.
func (c *Client) Login(ctx context.Context, creds Credentials) (LoginResult, error) {
	var resp loginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login/", creds, &resp); err != nil {
		return LoginResult{}, err
	}
	return LoginResult{
		Detail:    resp.Detail,
		User:      resp.User,
		AccessTTL: lifetime(resp.AccessTokenExpiresIn),
	}, nil
}

// Register creates an account. It does not log the user in.
func (c *Client) Register(ctx context.Context, reg Registration) (User, error) {
	var resp registerResponse
	if err := c.do(ctx, http.MethodPost, "/auth/register/", reg, &resp); err != nil {
		return User{}, err
	}
	return resp.User, nil
}

// Logout asks the server to blacklist the refresh token and clear the cookies.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/auth/logout/", nil, nil)
}

// CurrentUser returns the identity bound to the current cookies.
func (c *Client) CurrentUser(ctx context.Context) (User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/auth/user/", nil, &u); err != nil {
		return User{}, err
	}
	return u, nil
}

// Refresh exchanges the refresh cookie for a new access cookie.
func (c *Client) Refresh(ctx context.Context) (RefreshResult, error) {
	var resp refreshResponse
	if err := c.do(ctx, http.MethodPost, "/auth/refresh/", nil, &resp); err != nil {
		return RefreshResult{}, err
	}
	return RefreshResult{
		Detail:    resp.Detail,
		AccessTTL: lifetime(resp.AccessTokenExpiresIn),
	}, nil
}

// ListUsers returns every account (admin only on the server).
func (c *Client) ListUsers(ctx context.Context) ([]UserSummary, error) {
	var out []UserSummary
	if err := c.do(ctx, http.MethodGet, "/auth/users/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteUser removes an account (admin only on the server) and returns the server detail.
func (c *Client) DeleteUser(ctx context.Context, id int64) (string, error) {
	var resp detailResponse
	path := "/auth/users/" + strconv.FormatInt(id, 10) + "/"
	if err := c.do(ctx, http.MethodDelete, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.Detail, nil
}

func (c *Client) do(parent context.Context, method, path string, body any, out any) error {
	ctx, cancel := context.WithTimeout(parent, c.cfg.Timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	reqID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestIDHeader, reqID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		c.log.Debug("authapi.request.fail", "method", method, "path", path, "request_id", reqID, "err", err)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	c.log.Debug("authapi.request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
		"request_id", reqID,
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseAPIError(resp.StatusCode, data)
	}
	if resp.StatusCode == http.StatusNoContent || out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

// parseAPIError maps a non-2xx body onto APIError. Bodies are either
// {"detail": "..."} or field errors like {"username": ["..."]}.
func parseAPIError(status int, data []byte) error {
	apiErr := &APIError{Status: status}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return apiErr
	}

	for k, v := range raw {
		if k == "detail" {
			var s string
			if json.Unmarshal(v, &s) == nil {
				apiErr.Detail = s
			}
			continue
		}

		var list []string
		if json.Unmarshal(v, &list) != nil {
			var s string
			if json.Unmarshal(v, &s) != nil {
				continue
			}
			list = []string{s}
		}
		if apiErr.Fields == nil {
			apiErr.Fields = make(map[string][]string)
		}
		apiErr.Fields[k] = list
	}

	return apiErr
}

// IsAuthFailure reports whether err means the server rejected the credentials.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden)
}

package authapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultCookieKey = "tsdocs:cookies"

	cookieIOTimeout = 5 * time.Second
)

// StoredCookie is the persisted form of one cookie. URL is the request URL
// the cookie arrived on, so host-only cookies restore to the same host.
type StoredCookie struct {
	URL      string        `json:"url"`
	Name     string        `json:"name"`
	Value    string        `json:"value"`
	Domain   string        `json:"domain,omitempty"`
	Path     string        `json:"path,omitempty"`
	Expires  time.Time     `json:"expires,omitzero"`
	Secure   bool          `json:"secure,omitempty"`
	HttpOnly bool          `json:"http_only,omitempty"`
	SameSite http.SameSite `json:"same_site,omitempty"`
}

func (s StoredCookie) key() string {
	u, _ := url.Parse(s.URL)
	host := ""
	if u != nil {
		host = u.Hostname()
	}
	return host + "|" + s.Domain + "|" + s.Path + "|" + s.Name
}

func (s StoredCookie) expired(now time.Time) bool {
	return !s.Expires.IsZero() && !s.Expires.After(now)
}

func (s StoredCookie) cookie() *http.Cookie {
	return &http.Cookie{
		Name:     s.Name,
		Value:    s.Value,
		Domain:   s.Domain,
		Path:     s.Path,
		Expires:  s.Expires,
		Secure:   s.Secure,
		HttpOnly: s.HttpOnly,
		SameSite: s.SameSite,
	}
}

// CookieStore keeps the session cookies across process restarts.
type CookieStore interface {
	Load(ctx context.Context) ([]StoredCookie, error)
	Save(ctx context.Context, cookies []StoredCookie) error
}

// FileCookieStore writes cookies as JSON to a single file readable only by
// the owner.
type FileCookieStore struct {
	Path string
}

func (s FileCookieStore) Load(_ context.Context) ([]StoredCookie, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cookie file: %w", err)
	}
	var out []StoredCookie
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode cookie file: %w", err)
	}
	return out, nil
}

func (s FileCookieStore) Save(_ context.Context, cookies []StoredCookie) error {
	data, err := json.Marshal(cookies)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create cookie dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".cookies-*")
	if err != nil {
		return fmt.Errorf("create cookie file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write cookie file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod cookie file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close cookie file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("replace cookie file: %w", err)
	}
	return nil
}

// RedisCookieStore keeps cookies as one JSON value under Key.
type RedisCookieStore struct {
	Client redis.Cmdable
	Key    string
}

func (s RedisCookieStore) key() string {
	if s.Key == "" {
		return DefaultCookieKey
	}
	return s.Key
}

func (s RedisCookieStore) Load(ctx context.Context) ([]StoredCookie, error) {
	data, err := s.Client.Get(ctx, s.key()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get cookies: %w", err)
	}
	var out []StoredCookie
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode redis cookies: %w", err)
	}
	return out, nil
}

func (s RedisCookieStore) Save(ctx context.Context, cookies []StoredCookie) error {
	if len(cookies) == 0 {
		if err := s.Client.Del(ctx, s.key()).Err(); err != nil {
			return fmt.Errorf("redis del cookies: %w", err)
		}
		return nil
	}
	data, err := json.Marshal(cookies)
	if err != nil {
		return err
	}
	if err := s.Client.Set(ctx, s.key(), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set cookies: %w", err)
	}
	return nil
}

// persistentJar mirrors every Set-Cookie into a CookieStore. Lookups go to the
// in-memory jar, which owns the domain and path matching rules.
type persistentJar struct {
	inner *cookiejar.Jar
	store CookieStore
	log   *slog.Logger
	now   func() time.Time

	mu      sync.Mutex
	records map[string]StoredCookie
}

func newPersistentJar(ctx context.Context, log *slog.Logger, store CookieStore) (*persistentJar, error) {
	inner, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	j := &persistentJar{
		inner:   inner,
		store:   store,
		log:     log,
		now:     time.Now,
		records: make(map[string]StoredCookie),
	}

	ctx, cancel := context.WithTimeout(ctx, cookieIOTimeout)
	defer cancel()
	saved, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}

	now := j.now()
	restored := 0
	for _, s := range saved {
		if s.expired(now) {
			continue
		}
		u, err := url.Parse(s.URL)
		if err != nil || u.Host == "" {
			continue
		}
		j.inner.SetCookies(u, []*http.Cookie{s.cookie()})
		j.records[s.key()] = s
		restored++
	}
	log.Info("authapi.cookies.loaded", "restored", restored, "dropped", len(saved)-restored)
	return j, nil
}

func (j *persistentJar) Cookies(u *url.URL) []*http.Cookie {
	return j.inner.Cookies(u)
}

func (j *persistentJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.inner.SetCookies(u, cookies)
	if len(cookies) == 0 {
		return
	}

	origin := url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path}
	now := j.now()

	j.mu.Lock()
	defer j.mu.Unlock()

	for _, c := range cookies {
		s := StoredCookie{
			URL:      origin.String(),
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
			SameSite: c.SameSite,
		}
		switch {
		case c.MaxAge < 0:
			s.Expires = now
		case c.MaxAge > 0:
			s.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		}
		if s.expired(now) {
			delete(j.records, s.key())
			continue
		}
		j.records[s.key()] = s
	}

	snapshot := make([]StoredCookie, 0, len(j.records))
	for k, s := range j.records {
		if s.expired(now) {
			delete(j.records, k)
			continue
		}
		snapshot = append(snapshot, s)
	}
	sort.Slice(snapshot, func(a, b int) bool { return snapshot[a].key() < snapshot[b].key() })

	ctx, cancel := context.WithTimeout(context.Background(), cookieIOTimeout)
	defer cancel()
	if err := j.store.Save(ctx, snapshot); err != nil {
		j.log.Error("authapi.cookies.save.fail", "err", err)
	}
}

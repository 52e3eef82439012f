// Package main provides a CI-friendly smoke test for the docs server presence
// endpoint.
//
// It validates:
//   - login through the auth API stores the session cookies
//   - the presence handshake succeeds with those cookies and a browser-like Origin
//   - the first pushed frame is a well-formed online_users list
//   - the logged-in user appears in that list
//   - a handshake without cookies is rejected
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "tsdocs/shared/contracts/presence/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 64 << 10

func main() {
	var (
		apiBase  = flag.String("api", "http://127.0.0.1:8000/api", "Auth API base URL")
		wsURL    = flag.String("url", "", "Presence WebSocket URL (default: derived from -api)")
		origin   = flag.String("origin", "", "Origin header to send (default: API origin)")
		username = flag.String("user", os.Getenv("TSDOCS_USERNAME"), "Username to log in with")
		password = flag.String("password", os.Getenv("TSDOCS_PASSWORD"), "Password to log in with")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	base, err := url.Parse(*apiBase)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		fatalf("invalid -api: %q", *apiBase)
	}
	if *wsURL == "" {
		*wsURL = deriveWSURL(base)
	}
	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if *origin == "" {
		*origin = base.Scheme + "://" + base.Host
	}
	if *username == "" || *password == "" {
		fatalf("-user and -password are required")
	}

	root := context.Background()

	mustRejectAnonymous(root, *wsURL, *origin, *timeout)

	jar, err := cookiejar.New(nil)
	if err != nil {
		fatalf("cookie jar: %v", err)
	}
	hc := &http.Client{Jar: jar}

	mustLogin(root, hc, *apiBase, *username, *password, *timeout)
	if *verbose {
		fmt.Printf("logged in as %s\n", *username)
	}

	conn := mustConnect(root, hc, *wsURL, *origin, *timeout)
	defer closeWS(conn)

	msg := mustReadUsers(root, conn, *timeout)
	if *verbose {
		fmt.Printf("online_users: %d\n", len(msg.Users))
	}

	found := false
	for _, u := range msg.Users {
		if u.Username == *username {
			found = true
			break
		}
	}
	if !found {
		fatalf("online_users: %s missing from %d users", *username, len(msg.Users))
	}

	fmt.Printf("OK: user=%s online=%d url=%s\n", *username, len(msg.Users), *wsURL)
}

func deriveWSURL(base *url.URL) string {
	scheme := "ws"
	if base.Scheme == "https" {
		scheme = "wss"
	}
	return (&url.URL{Scheme: scheme, Host: base.Host, Path: v1.Path}).String()
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func mustLogin(parent context.Context, hc *http.Client, apiBase, username, password string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(apiBase, "/")+"/auth/login/", bytes.NewReader(body))
	if err != nil {
		fatalf("login: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		fatalf("login: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var detail struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&detail)
		fatalf("login: status %d: %s", resp.StatusCode, detail.Detail)
	}
}

func mustConnect(parent context.Context, hc *http.Client, wsURL, origin string, stepTimeout time.Duration) *websocket.Conn {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	conn, resp, err := dial(ctx, hc, wsURL, origin)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			fatalf("connect: status %d: %v", resp.StatusCode, err)
		}
		fatalf("connect: %v", err)
	}
	conn.SetReadLimit(maxReadBytes)
	return conn
}

func mustRejectAnonymous(parent context.Context, wsURL, origin string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	conn, resp, err := dial(ctx, nil, wsURL, origin)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		closeWS(conn)
		fatalf("anonymous handshake: expected rejection")
	}
}

func dial(ctx context.Context, hc *http.Client, wsURL, origin string) (*websocket.Conn, *http.Response, error) {
	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	return websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: hc,
		HTTPHeader: h,
	})
}

func mustReadUsers(parent context.Context, conn *websocket.Conn, stepTimeout time.Duration) v1.Message {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			fatalf("read: %v", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		msg, err := v1.Decode(data)
		if err != nil {
			fatalf("read: %v", err)
		}
		if msg.Type == v1.TypeOnlineUsers {
			return msg
		}
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}

package presence

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	v1 "tsdocs/shared/contracts/presence/v1"
)

const maxFrameBytes = 64 << 10 // 64 KiB

// Conn is one open presence connection. Read blocks for the next frame;
// Close must be safe to call concurrently with Read.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens presence connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WSDialer dials the presence endpoint over WebSocket. HTTPClient should carry
// the session cookie jar; its Timeout must be zero (the handshake is bounded
// by the dial context instead).
type WSDialer struct {
	URL           string
	Origin        string
	HTTPClient    *http.Client
	MaxFrameBytes int64
}

// Dial performs the handshake and returns a receive-only connection.
func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	h := http.Header{}
	if d.Origin != "" {
		h.Set("Origin", d.Origin)
	}

	c, resp, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: h,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial presence: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial presence: %w", err)
	}

	limit := d.MaxFrameBytes
	if limit <= 0 {
		limit = maxFrameBytes
	}
	c.SetReadLimit(limit)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	mt, data, err := w.c.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "bye")
}

// URLFromBase derives the presence URL from the API base URL: same host,
// ws(s) scheme, presence path.
func URLFromBase(base *url.URL) (string, error) {
	if base == nil || base.Host == "" {
		return "", errors.New("presence: base url has no host")
	}
	u := url.URL{Host: base.Host, Path: v1.Path}
	switch strings.ToLower(base.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("presence: unsupported scheme %q", base.Scheme)
	}
	return u.String(), nil
}

// closeReason renders a read error for logs: the close status when the peer
// sent one, the error text otherwise.
func closeReason(err error) string {
	if err == nil {
		return ""
	}
	if code := websocket.CloseStatus(err); code != -1 {
		return "close_status=" + code.String()
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return err.Error()
}

package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const maxFrameBytes = 1 << 20

// WebSocketTransport dials the push channel over a WebSocket. The dialer shares the cookie jar of
// the REST client so the session cookie authenticates the upgrade.
type WebSocketTransport struct {
	url          string
	dialer       *websocket.Dialer
	writeTimeout time.Duration
}

var _ Transport = &WebSocketTransport{}

func NewWebSocketTransport(rawURL string, jar http.CookieJar) (*WebSocketTransport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse channel url %q", rawURL)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.Errorf("channel url %q: scheme must be ws or wss", rawURL)
	}
	return &WebSocketTransport{
		url: u.String(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			Jar:              jar,
		},
		writeTimeout: 10 * time.Second,
	}, nil
}

func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	if t == nil || t.dialer == nil {
		return nil, errors.New("websocket transport: not initialized")
	}
	ws, resp, err := t.dialer.DialContext(ctx, t.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s: status %d", t.url, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s", t.url)
	}
	ws.SetReadLimit(maxFrameBytes)
	return &wsConn{ws: ws, writeTimeout: t.writeTimeout}, nil
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func (c *wsConn) ReadFrame() (Frame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, errors.Wrap(ErrMalformedFrame, err.Error())
	}
	return f, nil
}

func (c *wsConn) WriteFrame(f Frame) error {
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteJSON(f)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.ws.Close()
	})
	return err
}

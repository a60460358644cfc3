package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrWong99/mathvox/internal/auth"
)

// MessageType distinguishes binary audio from text control messages.
type MessageType int

const (
	Binary MessageType = iota
	Text
)

// Conn is one established connection.
type Conn interface {
	// Read blocks until the next inbound message arrives.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, typ MessageType, data []byte) error
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials with coder/websocket. When Authorization is set its
// result is sent as the Authorization header of the handshake; a 401
// handshake response yields [auth.ErrUnauthorized].
type WebSocketDialer struct {
	Authorization func(ctx context.Context) (string, error)
	HTTPClient    *http.Client
	ReadLimit     int64
}

// Compile-time interface assertion.
var _ Dialer = (*WebSocketDialer)(nil)

// BearerAuthorization builds an Authorization callback from a token source.
func BearerAuthorization(ts auth.TokenSource) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		tok, err := ts.Token(ctx)
		if err != nil {
			return "", err
		}
		return auth.Bearer(tok), nil
	}
}

// Dial implements [Dialer].
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	headers := http.Header{}
	if d.Authorization != nil {
		v, err := d.Authorization(ctx)
		if err != nil {
			return nil, fmt.Errorf("transport: authorization: %w", err)
		}
		if v != "" {
			headers.Set("Authorization", v)
		}
	}

	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: headers,
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("transport: dial %s: %w", url, auth.ErrUnauthorized)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, typ MessageType, data []byte) error {
	mt := websocket.MessageBinary
	if typ == Text {
		mt = websocket.MessageText
	}
	return c.conn.Write(ctx, mt, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "client closing")
}

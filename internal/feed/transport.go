package feed

import (
	"context"

	"github.com/gorilla/websocket"
)

// Conn is the narrow transport surface Session needs — small enough that
// tests provide a fake without standing up a real socket.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteText(data []byte) error
	Close() error
}

// Dialer opens a Conn to a URL. The production Dialer wraps
// gorilla/websocket's client dialer.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer is the production Dialer.
type WSDialer struct{}

func (WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteText(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

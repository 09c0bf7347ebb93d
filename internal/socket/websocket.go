package socket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/duplexrpc/internal/protocol/codec"
	"github.com/gorilla/websocket"
)

const closeGrace = time.Second

// WebSocketDialer opens websocket channels to URL.
type WebSocketDialer struct {
	URL    string
	Header http.Header
	// Dialer defaults to websocket.DefaultDialer.
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
	ReadLimit    int64
}

func (d WebSocketDialer) Dial(ctx context.Context) (Channel, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("socket: dial %s: status %d: %w", d.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("socket: dial %s: %w", d.URL, err)
	}
	return NewWebSocketChannel(conn, d.WriteTimeout, d.ReadLimit), nil
}

type wsChannel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketChannel adapts an established websocket connection. Zero
// writeTimeout disables write deadlines; zero readLimit keeps gorilla's
// default.
func NewWebSocketChannel(conn *websocket.Conn, writeTimeout time.Duration, readLimit int64) Channel {
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	return &wsChannel{conn: conn, writeTimeout: writeTimeout}
}

func (c *wsChannel) ReadMessage() (codec.FrameKind, []byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, nil, fmt.Errorf("%w: %v", codec.ErrTransportClosed, err)
			}
			return 0, nil, err
		}
		switch mt {
		case websocket.TextMessage:
			return codec.FrameText, data, nil
		case websocket.BinaryMessage:
			return codec.FrameBinary, data, nil
		}
	}
}

func (c *wsChannel) WriteMessage(kind codec.FrameKind, data []byte) error {
	mt := websocket.TextMessage
	if kind == codec.FrameBinary {
		mt = websocket.BinaryMessage
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(mt, data)
}

// Close sends a close frame and closes the connection. Repeated calls
// return the first result.
func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		// Best effort; the peer may already be gone.
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		c.wmu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

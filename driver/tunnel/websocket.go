package tunnel

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a gorilla websocket connection; one binary message per envelope.
type wsConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func newWSConn(c *websocket.Conn) *wsConn { return &wsConn{conn: c} }

func (c *wsConn) ReadEnvelope() (Envelope, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Envelope{}, ErrClosed
			}
			return Envelope{}, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		return Decode(data)
	}
}

func (c *wsConn) WriteEnvelope(e Envelope) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) Close() error {
	c.wmu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// DialWebSocket connects to a tunnel server, e.g. ws://host:8080/can.
func DialWebSocket(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
		Subprotocols:     []string{Protocol},
	}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("tunnel: websocket dial %s: %w", url, err)
	}
	return newWSConn(conn), nil
}

var upgrader = websocket.Upgrader{
	Subprotocols: []string{Protocol},
	CheckOrigin:  func(r *http.Request) bool { return true },
}

// UpgradeWebSocket upgrades an HTTP request into a tunnel connection.
func UpgradeWebSocket(w http.ResponseWriter, r *http.Request) (Conn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("tunnel: websocket upgrade: %w", err)
	}
	return newWSConn(conn), nil
}

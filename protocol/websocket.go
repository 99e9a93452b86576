package protocol

import (
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn carries one frame body per WebSocket message. Text and binary
// messages are both accepted; replies go out as text.
type WebSocketConn struct {
	ws       *websocket.Conn
	maxFrame int
}

func NewWebSocketConn(ws *websocket.Conn, maxFrame int) *WebSocketConn {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	ws.SetReadLimit(int64(maxFrame))
	return &WebSocketConn{ws: ws, maxFrame: maxFrame}
}

func (c *WebSocketConn) ReadFrame() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if err == websocket.ErrReadLimit {
			return nil, fmt.Errorf("%w: %v", ErrFrameTooLarge, err)
		}
		return nil, err
	}
	return data, nil
}

func (c *WebSocketConn) WriteFrame(data []byte) error {
	if len(data) > c.maxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *WebSocketConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *WebSocketConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
func (c *WebSocketConn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }

func (c *WebSocketConn) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}

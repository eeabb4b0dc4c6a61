package client

import (
	"context"

	"github.com/gorilla/websocket"
)

// Transport is one established bidirectional message connection. The
// concrete transport stays behind this interface so tests can drive the
// supervisor without a network.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Transport to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WebSocketDialer dials gorilla WebSocket transports.
type WebSocketDialer struct {
	dialer *websocket.Dialer
}

// NewWebSocketDialer returns a dialer using the default WebSocket options.
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{dialer: websocket.DefaultDialer}
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	conn, _, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

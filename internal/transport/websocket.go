package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// WSDialer dials the agent's websocket endpoint. TLS, proxies and handshake
// headers are gorilla's problem; everything above this type only sees
// messages.
type WSDialer struct {
	// Header is sent with the handshake request, typically an
	// authorization token.
	Header http.Header
}

func (d WSDialer) Dial(ctx context.Context, endpoint string) (Transport, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, d.Header)
	if err != nil {
		return nil, fmt.Errorf("websocket handshake with %v failed: %w", endpoint, err)
	}
	return &WSConn{c: c}, nil
}

// WSConn adapts a websocket.Conn. gorilla allows only one concurrent writer,
// hence the mutex.
type WSConn struct {
	c      *websocket.Conn
	writeM sync.Mutex
}

func (ws *WSConn) ReadMessage() ([]byte, bool, error) {
	t, data, err := ws.c.ReadMessage()
	if err != nil {
		return nil, false, err
	}
	return data, t == websocket.BinaryMessage, nil
}

func (ws *WSConn) WriteMessage(data []byte, isBinary bool) error {
	messageType := websocket.TextMessage
	if isBinary {
		messageType = websocket.BinaryMessage
	}
	ws.writeM.Lock()
	defer ws.writeM.Unlock()
	return ws.c.WriteMessage(messageType, data)
}

func (ws *WSConn) Close() error {
	ws.writeM.Lock()
	defer ws.writeM.Unlock()
	return ws.c.Close()
}

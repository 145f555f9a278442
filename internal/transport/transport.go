package transport

import "context"

// Transport is one live socket to the agent. Messages are either text
// (structured control traffic) or binary (file transfer chunks); the
// distinction must survive the wire because the two sides of it are decoded
// differently.
//
// ReadMessage may be called by one goroutine at a time. WriteMessage is safe
// for concurrent use.
type Transport interface {
	ReadMessage() (data []byte, isBinary bool, err error)
	WriteMessage(data []byte, isBinary bool) error
	Close() error
}

// A Dialer produces one Transport per call. Each call is one handshake
// attempt; a returned error means the handshake failed and no resources are
// retained.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Transport, error)
}

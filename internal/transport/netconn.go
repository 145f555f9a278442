package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// Plain stream sockets carry no message boundaries, so each message is
// prefixed with a 5-byte header: 1 byte kind (0 text, 1 binary) and the
// payload length as a little-endian uint32.
const msgHeaderLength = 5

// maxMsgLength caps a single message so a corrupt header cannot make us
// allocate gigabytes.
const maxMsgLength = 1 << 24

var errOversizedMsg = errors.New("message length exceeds limit")

// StreamConn runs the message protocol over any net.Conn. It exists for
// agents reached through a local socket or an already-established tunnel,
// and lets tests drive the whole stack over an in-memory pipe.
type StreamConn struct {
	conn   net.Conn
	readM  sync.Mutex
	writeM sync.Mutex
}

func WrapConn(conn net.Conn) *StreamConn {
	return &StreamConn{conn: conn}
}

func (s *StreamConn) ReadMessage() ([]byte, bool, error) {
	s.readM.Lock()
	defer s.readM.Unlock()

	header := make([]byte, msgHeaderLength)
	if _, err := io.ReadFull(s.conn, header); err != nil {
		return nil, false, err
	}
	length := binary.LittleEndian.Uint32(header[1:])
	if length > maxMsgLength {
		return nil, false, fmt.Errorf("%w: %v bytes", errOversizedMsg, length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(s.conn, data); err != nil {
		return nil, false, err
	}
	return data, header[0] == 1, nil
}

func (s *StreamConn) WriteMessage(data []byte, isBinary bool) error {
	if len(data) > maxMsgLength {
		return fmt.Errorf("%w: %v bytes", errOversizedMsg, len(data))
	}
	msg := make([]byte, msgHeaderLength+len(data))
	if isBinary {
		msg[0] = 1
	}
	binary.LittleEndian.PutUint32(msg[1:msgHeaderLength], uint32(len(data)))
	copy(msg[msgHeaderLength:], data)

	s.writeM.Lock()
	defer s.writeM.Unlock()
	_, err := s.conn.Write(msg)
	return err
}

func (s *StreamConn) Close() error {
	return s.conn.Close()
}

// StreamDialer dials a raw stream socket, e.g. a unix socket exposed by a
// local agent.
type StreamDialer struct {
	Network string // defaults to tcp
}

func (d StreamDialer) Dial(ctx context.Context, endpoint string) (Transport, error) {
	network := d.Network
	if network == "" {
		network = "tcp"
	}
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, network, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to reach %v: %w", endpoint, err)
	}
	return WrapConn(conn), nil
}

package mux

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/neilhwatson/corellium-api/internal/conn"
	"github.com/neilhwatson/corellium-api/internal/frame"
	"github.com/neilhwatson/corellium-api/internal/transport"
)

// Decision tells the Mux what to do with a pending entry after its handler
// ran.
type Decision uint8

const (
	// KeepWaiting leaves the handler registered for more frames under the
	// same request id.
	KeepWaiting Decision = iota
	// Complete removes the entry from the pending table.
	Complete
)

// A Handler receives every frame routed to its request id, or a disconnect
// error when the connection fails with the request still pending. After an
// error the handler is never invoked again.
type Handler func(f frame.Frame, err error) Decision

// RemoteError is a structured response whose success indicator was false. It
// is the specific caller's failure, not a connection-level event.
type RemoteError struct {
	Text string
}

func (e *RemoteError) Error() string { return e.Text }

type Config struct {
	Endpoint   string
	Dialer     transport.Dialer
	RetryDelay time.Duration
	Valve      *conn.Valve
}

// Mux is the single source of request ids and the routing table from id to
// pending handler. Structured and binary traffic share one id namespace: a
// download request receives a structured acknowledgement and then binary
// chunks under the same id, an upload sends binary chunks tied to its
// structured request.
type Mux struct {
	link *conn.Manager

	pendingM sync.Mutex
	pending  map[uint32]Handler
	nextID   uint32
}

func New(cfg Config) *Mux {
	m := &Mux{
		pending: make(map[uint32]Handler),
		nextID:  1,
	}
	m.link = conn.NewManager(conn.Config{
		Endpoint:   cfg.Endpoint,
		Dialer:     cfg.Dialer,
		RetryDelay: cfg.RetryDelay,
		Valve:      cfg.Valve,
	}, m)
	return m
}

// Deliver implements conn.Sink. Malformed frames are logged and dropped,
// they do not affect other pending requests.
func (m *Mux) Deliver(data []byte, isBinary bool) {
	f, err := frame.Decode(data, isBinary)
	if err != nil {
		log.Debugf("dropping malformed frame: %v", err)
		return
	}
	m.dispatch(f)
}

func (m *Mux) dispatch(f frame.Frame) {
	m.pendingM.Lock()
	handler, ok := m.pending[f.ID]
	m.pendingM.Unlock()
	if !ok {
		// expected for stray binary frames after a stream logically ended
		log.Tracef("no handler pending for request %v, frame dropped", f.ID)
		return
	}
	if handler(f, nil) == Complete {
		m.pendingM.Lock()
		delete(m.pending, f.ID)
		m.pendingM.Unlock()
	}
}

// Disconnected implements conn.Sink: the all-at-once failure sweep. Every
// pending handler is invoked exactly once with the disconnect error and the
// table is cleared.
func (m *Mux) Disconnected(err error) {
	m.pendingM.Lock()
	swept := m.pending
	m.pending = make(map[uint32]Handler)
	m.pendingM.Unlock()

	if len(swept) > 0 {
		log.Debugf("failing %v pending requests: %v", len(swept), err)
	}
	for id, handler := range swept {
		handler(frame.Frame{ID: id}, err)
	}
}

// Send transmits a structured request and registers handler for everything
// that later arrives under the allocated id. It blocks until the connection
// is ready. Id allocation and registration happen under one lock so two
// concurrent sends can never race onto the same id.
func (m *Mux) Send(ctx context.Context, fields map[string]interface{}, handler Handler) (uint32, error) {
	if err := m.link.AwaitReady(ctx); err != nil {
		return 0, err
	}

	m.pendingM.Lock()
	id := m.nextID
	m.nextID++
	m.pending[id] = handler
	m.pendingM.Unlock()

	data, err := frame.EncodeStructured(id, fields)
	if err != nil {
		m.unregister(id)
		return 0, err
	}
	if err := m.link.Send(data, false); err != nil {
		m.unregister(id)
		return 0, err
	}
	return id, nil
}

type result struct {
	fields map[string]interface{}
	err    error
}

// Command is the one-shot helper built on Send: one request, one structured
// response. A response with success set to false is surfaced as a
// RemoteError carrying the reported error text.
//
// There is no cancellation on the wire: when ctx expires the entry stays
// registered and a late response completes it silently.
func (m *Mux) Command(ctx context.Context, fields map[string]interface{}) (map[string]interface{}, error) {
	ch := make(chan result, 1)
	_, err := m.Send(ctx, fields, func(f frame.Frame, err error) Decision {
		switch {
		case err != nil:
			ch <- result{err: err}
		case f.Binary:
			// stray chunk, the structured reply is still owed
			return KeepWaiting
		case !f.Success():
			ch <- result{err: &RemoteError{Text: f.ErrorText()}}
		default:
			ch <- result{fields: f.Fields}
		}
		return Complete
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.fields, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Mux) unregister(id uint32) {
	m.pendingM.Lock()
	delete(m.pending, id)
	m.pendingM.Unlock()
}

func (m *Mux) pendingCount() int {
	m.pendingM.Lock()
	defer m.pendingM.Unlock()
	return len(m.pending)
}

// AwaitReady blocks until the underlying connection is open.
func (m *Mux) AwaitReady(ctx context.Context) error { return m.link.AwaitReady(ctx) }

// Shutdown closes the connection for good. Pending requests are failed with
// a disconnect error.
func (m *Mux) Shutdown() error { return m.link.Shutdown() }

// Stats reports total bytes sent and received over the life of the
// connection.
func (m *Mux) Stats() (tx, rx int64) {
	return m.link.Valve().GetTx(), m.link.Valve().GetRx()
}

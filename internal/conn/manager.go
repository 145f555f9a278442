package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/neilhwatson/corellium-api/internal/transport"
)

const DefaultRetryDelay = 1 * time.Second

var ErrClosedConn = errors.New("connection permanently closed")

// State of the Manager's current generation.
type State uint32

const (
	Connecting State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	default:
		return "closed"
	}
}

// Sink receives everything read off the live transport. Deliver is called
// from a single goroutine in arrival order; Disconnected is called exactly
// once, after which Deliver is never called again.
type Sink interface {
	Deliver(data []byte, isBinary bool)
	Disconnected(err error)
}

type Config struct {
	Endpoint string
	Dialer   transport.Dialer

	// RetryDelay is the pause between handshake attempts.
	// Defaults to DefaultRetryDelay.
	RetryDelay time.Duration

	// Valve throttles and counts traffic. Defaults to an unlimited one.
	Valve *Valve
}

// Manager owns one transport handle per connection generation. A generation
// that fails its handshake is superseded wholesale by the next attempt after
// RetryDelay, and waiters that arrived before the failure are released when
// any later generation opens. A generation that drops after reaching Open is
// terminal: pending work is failed and the Manager never redials. Callers
// that want a fresh link make a fresh Manager.
type Manager struct {
	cfg  Config
	sink Sink

	mu    sync.Mutex
	t     transport.Transport
	state State
	gen   uint32

	// closed when a generation reaches Open
	ready chan struct{}
	// closed when the manager stops for good
	dead chan struct{}

	// cancelled by Shutdown to abort an in-flight handshake or retry wait
	dialCtx    context.Context
	dialCancel context.CancelFunc

	shutdown uint32
}

func NewManager(cfg Config, sink Sink) *Manager {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Valve == nil {
		cfg.Valve = UnlimitedValve()
	}
	m := &Manager{
		cfg:   cfg,
		sink:  sink,
		state: Connecting,
		ready: make(chan struct{}),
		dead:  make(chan struct{}),
	}
	m.dialCtx, m.dialCancel = context.WithCancel(context.Background())
	go m.run()
	return m
}

// run dials generation after generation until one opens, then pumps it until
// it dies. A handshake failure is worth retrying, a mid-session drop is not.
// Everything the sink hears, finish included, is said from this goroutine, so
// a delivery in progress always completes before the failure sweep starts.
func (m *Manager) run() {
	for {
		if atomic.LoadUint32(&m.shutdown) == 1 {
			m.finish(ErrClosedConn)
			return
		}
		m.mu.Lock()
		m.gen++
		gen := m.gen
		m.mu.Unlock()

		t, err := m.cfg.Dialer.Dial(m.dialCtx, m.cfg.Endpoint)
		if err != nil {
			if atomic.LoadUint32(&m.shutdown) == 1 {
				m.finish(ErrClosedConn)
				return
			}
			log.Errorf("handshake attempt %v with %v failed: %v", gen, m.cfg.Endpoint, err)
			select {
			case <-time.After(m.cfg.RetryDelay):
			case <-m.dialCtx.Done():
			}
			continue
		}

		m.mu.Lock()
		if atomic.LoadUint32(&m.shutdown) == 1 {
			m.mu.Unlock()
			t.Close()
			m.finish(ErrClosedConn)
			return
		}
		m.t = t
		m.state = Open
		m.mu.Unlock()
		close(m.ready)
		log.Debugf("generation %v of connection to %v open", gen, m.cfg.Endpoint)

		m.pump(t)
		return
	}
}

// pump constantly reads from the open transport and hands messages to the
// sink. It returns when the transport errors or is closed.
func (m *Manager) pump(t transport.Transport) {
	for {
		data, isBinary, err := t.ReadMessage()
		if err != nil {
			if atomic.LoadUint32(&m.shutdown) == 1 {
				m.finish(ErrClosedConn)
			} else {
				log.Debugf("connection to %v dropped: %v", m.cfg.Endpoint, err)
				m.finish(fmt.Errorf("connection dropped: %w", err))
			}
			return
		}
		m.cfg.Valve.rxWait(len(data))
		m.cfg.Valve.AddRx(int64(len(data)))
		m.sink.Deliver(data, isBinary)
	}
}

// finish moves the Manager to its final state and runs the failure sweep.
// Called exactly once, from the run goroutine only: that serialises
// Disconnected after any Deliver still in flight.
func (m *Manager) finish(err error) {
	m.mu.Lock()
	m.state = Closed
	t := m.t
	m.t = nil
	m.mu.Unlock()

	if t != nil {
		t.Close()
	}
	close(m.dead)
	m.sink.Disconnected(err)
}

// AwaitReady blocks until the connection is open, the Manager has stopped for
// good, or ctx is done. It returns immediately when already open.
func (m *Manager) AwaitReady(ctx context.Context) error {
	select {
	case <-m.dead:
		return ErrClosedConn
	default:
	}
	select {
	case <-m.ready:
		return nil
	case <-m.dead:
		return ErrClosedConn
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready is closed once a generation reaches Open.
func (m *Manager) Ready() <-chan struct{} { return m.ready }

// Dead is closed once the Manager has stopped for good.
func (m *Manager) Dead() <-chan struct{} { return m.dead }

// Send forwards one message verbatim to the live transport. The caller must
// have awaited readiness first.
func (m *Manager) Send(data []byte, isBinary bool) error {
	m.mu.Lock()
	t := m.t
	state := m.state
	m.mu.Unlock()
	if state != Open || t == nil {
		return ErrClosedConn
	}
	m.cfg.Valve.txWait(len(data))
	if err := t.WriteMessage(data, isBinary); err != nil {
		return fmt.Errorf("failed to send to %v: %w", m.cfg.Endpoint, err)
	}
	m.cfg.Valve.AddTx(int64(len(data)))
	return nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Shutdown marks the Manager permanently inactive, closes the transport and
// suppresses any further handshake attempt. The failure sweep itself runs on
// the manager's own goroutine; wait on Dead to observe its completion.
func (m *Manager) Shutdown() error {
	if !atomic.CompareAndSwapUint32(&m.shutdown, 0, 1) {
		return ErrClosedConn
	}
	m.dialCancel()
	m.mu.Lock()
	t := m.t
	m.mu.Unlock()
	if t != nil {
		// unblocks the pump's pending read
		t.Close()
	}
	return nil
}

// Valve exposes the traffic counters, mainly for stats reporting.
func (m *Manager) Valve() *Valve { return m.cfg.Valve }

package mux

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cbeuw/connutil"
	"github.com/stretchr/testify/assert"

	"github.com/neilhwatson/corellium-api/internal/frame"
	"github.com/neilhwatson/corellium-api/internal/transport"
)

// pipeDialer hands out in-memory pipes after a configurable number of failed
// handshake attempts.
type pipeDialer struct {
	failures   int32
	attempts   int32
	opened     int32
	serverSide chan net.Conn
}

func (d *pipeDialer) Dial(_ context.Context, _ string) (transport.Transport, error) {
	if atomic.AddInt32(&d.attempts, 1) <= d.failures {
		return nil, errors.New("handshake refused")
	}
	c, s := connutil.AsyncPipe()
	d.serverSide <- s
	atomic.StoreInt32(&d.opened, 1)
	return transport.WrapConn(c), nil
}

// startMux starts a Mux over an in-memory pipe and runs script against the
// agent side of it once the handshake goes through.
func startMux(t *testing.T, failures int32, script func(agent *transport.StreamConn)) (*Mux, *pipeDialer) {
	t.Helper()
	dialer := &pipeDialer{
		failures:   failures,
		serverSide: make(chan net.Conn, 1),
	}
	m := New(Config{
		Endpoint:   "pipe",
		Dialer:     dialer,
		RetryDelay: 5 * time.Millisecond,
	})
	t.Cleanup(func() { m.Shutdown() })
	if script != nil {
		go func() {
			script(transport.WrapConn(<-dialer.serverSide))
		}()
	}
	return m, dialer
}

// readRequest pulls the next structured request off the agent side.
func readRequest(t *testing.T, agent *transport.StreamConn) frame.Frame {
	t.Helper()
	data, isBinary, err := agent.ReadMessage()
	if err != nil {
		t.Errorf("agent read: %v", err)
		return frame.Frame{}
	}
	f, err := frame.Decode(data, isBinary)
	if err != nil {
		t.Errorf("agent decode: %v", err)
	}
	return f
}

func reply(t *testing.T, agent *transport.StreamConn, id uint32, fields map[string]interface{}) {
	t.Helper()
	data, err := frame.EncodeStructured(id, fields)
	if err != nil {
		t.Errorf("agent encode: %v", err)
		return
	}
	if err := agent.WriteMessage(data, false); err != nil {
		t.Errorf("agent write: %v", err)
	}
}

func TestCommandResolves(t *testing.T) {
	m, _ := startMux(t, 0, func(agent *transport.StreamConn) {
		req := readRequest(t, agent)
		assert.Equal(t, "list", req.Fields["op"])
		reply(t, agent, req.ID, map[string]interface{}{
			"success": true,
			"apps":    []string{"a", "b"},
		})
	})

	res, err := m.Command(context.Background(), map[string]interface{}{"op": "list"})
	assert.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b"}, res["apps"])
	assert.Equal(t, 0, m.pendingCount())
}

func TestCommandRejectsOnRemoteFailure(t *testing.T) {
	m, _ := startMux(t, 0, func(agent *transport.StreamConn) {
		req := readRequest(t, agent)
		reply(t, agent, req.ID, map[string]interface{}{
			"success": false,
			"error":   "busy",
		})
	})

	_, err := m.Command(context.Background(), map[string]interface{}{"op": "list"})
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("err %v, want a RemoteError", err)
	}
	assert.Equal(t, "busy", remoteErr.Text)
	assert.Equal(t, 0, m.pendingCount())
}

func TestIdentityAllocation(t *testing.T) {
	m, _ := startMux(t, 0, nil)
	ctx := context.Background()
	keep := func(frame.Frame, error) Decision { return KeepWaiting }

	// sequential sends: strictly increasing from 1
	var previous uint32
	for i := 0; i < 5; i++ {
		id, err := m.Send(ctx, map[string]interface{}{"op": "sub"}, keep)
		assert.NoError(t, err)
		assert.Equal(t, previous+1, id)
		previous = id
	}

	// concurrent mixed sends: no id handed out twice
	const n = 50
	ids := make(chan uint32, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := m.Send(ctx, map[string]interface{}{"op": "sub"}, keep)
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)
	seen := make(map[uint32]bool)
	for id := range ids {
		if seen[id] {
			t.Errorf("id %v allocated twice", id)
		}
		seen[id] = true
	}
	assert.Equal(t, n, len(seen))
	assert.Equal(t, n+5, m.pendingCount())
}

func TestStreamingHandlerRetention(t *testing.T) {
	events := make(chan frame.Frame, 8)
	m, dialer := startMux(t, 0, nil)
	agent := transport.WrapConn(<-dialer.serverSide)

	id, err := m.Send(context.Background(), map[string]interface{}{"op": "sub"},
		func(f frame.Frame, err error) Decision {
			if err != nil {
				return Complete
			}
			events <- f
			if done, _ := f.Fields["done"].(bool); done {
				return Complete
			}
			return KeepWaiting
		})
	assert.NoError(t, err)
	readRequest(t, agent)

	for i := 0; i < 3; i++ {
		reply(t, agent, id, map[string]interface{}{"seq": i})
		<-events
		assert.Equal(t, 1, m.pendingCount())
	}

	reply(t, agent, id, map[string]interface{}{"done": true})
	<-events
	assert.Eventually(t, func() bool { return m.pendingCount() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestUnroutedFrameDiscarded(t *testing.T) {
	m, _ := startMux(t, 0, func(agent *transport.StreamConn) {
		// straggler for an identity nobody registered
		stray, _ := frame.EncodeStructured(999, map[string]interface{}{"op": "noise"})
		agent.WriteMessage(stray, false)
		// undersized binary frame, logged and dropped
		agent.WriteMessage([]byte{0x01, 0x02}, true)

		req := readRequest(t, agent)
		reply(t, agent, req.ID, map[string]interface{}{"success": true})
	})

	// the connection must still be usable afterwards
	_, err := m.Command(context.Background(), map[string]interface{}{"op": "ping"})
	assert.NoError(t, err)
}

func TestSendsBeforeOpenResolveAfterOpen(t *testing.T) {
	m, dialer := startMux(t, 2, func(agent *transport.StreamConn) {
		// respond in identity order regardless of arrival order
		pending := make(map[uint32]bool)
		for i := 0; i < 3; i++ {
			pending[readRequest(t, agent).ID] = true
		}
		for id := uint32(1); id <= 3; id++ {
			if pending[id] {
				reply(t, agent, id, map[string]interface{}{"success": true, "seq": id})
			}
		}
	})

	type outcome struct {
		openedAtCompletion bool
		err                error
	}
	outcomes := make(chan outcome, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := m.Command(context.Background(), map[string]interface{}{"op": "list"})
			outcomes <- outcome{
				openedAtCompletion: atomic.LoadInt32(&dialer.opened) == 1,
				err:                err,
			}
		}()
	}
	for i := 0; i < 3; i++ {
		o := <-outcomes
		assert.NoError(t, o.err)
		assert.True(t, o.openedAtCompletion, "a command completed before the connection opened")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&dialer.attempts), int32(3))
}

func TestFailureSweep(t *testing.T) {
	m, dialer := startMux(t, 0, nil)
	agent := <-dialer.serverSide

	assert.NoError(t, m.AwaitReady(context.Background()))

	const n = 5
	var swept int32
	for i := 0; i < n; i++ {
		_, err := m.Send(context.Background(), map[string]interface{}{"op": "sub"},
			func(f frame.Frame, err error) Decision {
				if err != nil {
					atomic.AddInt32(&swept, 1)
					return Complete
				}
				return KeepWaiting
			})
		assert.NoError(t, err)
	}
	assert.Equal(t, n, m.pendingCount())

	agent.Close()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&swept) == n && m.pendingCount() == 0
	}, time.Second, 5*time.Millisecond)

	// the sweep ran exactly once per handler
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, n, atomic.LoadInt32(&swept))

	// and new sends fail immediately, the manager never redials
	_, err := m.Send(context.Background(), map[string]interface{}{"op": "late"},
		func(frame.Frame, error) Decision { return Complete })
	assert.Error(t, err)
}

func TestCommandFailsOnDisconnect(t *testing.T) {
	m, _ := startMux(t, 0, func(agent *transport.StreamConn) {
		readRequest(t, agent)
		agent.Close()
	})

	_, err := m.Command(context.Background(), map[string]interface{}{"op": "list"})
	assert.Error(t, err)
	var remoteErr *RemoteError
	assert.False(t, errors.As(err, &remoteErr), "disconnect must not look like an application failure")
}

func TestDownloadEndToEnd(t *testing.T) {
	chunk1 := []byte("the first half ")
	chunk2 := []byte("and the second")
	m, _ := startMux(t, 0, func(agent *transport.StreamConn) {
		req := readRequest(t, agent)
		assert.Equal(t, "download", req.Fields["op"])
		// structured acknowledgement first, then the chunk stream
		reply(t, agent, req.ID, map[string]interface{}{"status": "opened"})
		agent.WriteMessage(frame.EncodeBinary(req.ID, chunk1), true)
		agent.WriteMessage(frame.EncodeBinary(req.ID, chunk2), true)
		agent.WriteMessage(frame.EncodeBinary(req.ID, nil), true)
	})

	r, err := m.OpenDownload(context.Background(), map[string]interface{}{
		"type": "file",
		"op":   "download",
		"path": "/tmp/f",
	})
	assert.NoError(t, err)
	got, err := io.ReadAll(r)
	assert.NoError(t, err)
	assert.Equal(t, "the first half and the second", string(got))
	assert.Eventually(t, func() bool { return m.pendingCount() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestDownloadRemoteFailure(t *testing.T) {
	m, _ := startMux(t, 0, func(agent *transport.StreamConn) {
		req := readRequest(t, agent)
		reply(t, agent, req.ID, map[string]interface{}{
			"success": false,
			"error":   "no such file",
		})
	})

	r, err := m.OpenDownload(context.Background(), map[string]interface{}{
		"type": "file",
		"op":   "download",
		"path": "/missing",
	})
	assert.NoError(t, err)
	_, err = io.ReadAll(r)
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("err %v, want a RemoteError", err)
	}
	assert.Equal(t, "no such file", remoteErr.Text)
}

// The 8-byte frame 01 00 00 00 00 00 00 00 is the end marker for identity 1:
// a download handler registered under the first request id must see a clean
// empty stream.
func TestEndOfStreamMarkerScenario(t *testing.T) {
	m, _ := startMux(t, 0, func(agent *transport.StreamConn) {
		readRequest(t, agent)
		agent.WriteMessage([]byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, true)
	})

	r, handler := NewDownload()
	id, err := m.Send(context.Background(), map[string]interface{}{"op": "download"}, handler)
	assert.NoError(t, err)
	assert.Equal(t, uint32(1), id)

	got, err := io.ReadAll(r)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(got))
}

func TestUploadEndToEnd(t *testing.T) {
	received := make(chan []byte, 8)
	m, _ := startMux(t, 0, func(agent *transport.StreamConn) {
		req := readRequest(t, agent)
		for {
			data, isBinary, err := agent.ReadMessage()
			if err != nil {
				return
			}
			if !isBinary {
				continue
			}
			f, err := frame.DecodeBinary(data)
			assert.NoError(t, err)
			assert.Equal(t, req.ID, f.ID)
			received <- f.Payload
			if f.EndOfStream() {
				reply(t, agent, req.ID, map[string]interface{}{"success": true})
				return
			}
		}
	})

	done := make(chan error, 1)
	id, err := m.Send(context.Background(), map[string]interface{}{
		"type": "file",
		"op":   "upload",
		"path": "/tmp/up",
	}, func(f frame.Frame, err error) Decision {
		switch {
		case err != nil:
			done <- err
		case f.Binary:
			return KeepWaiting
		case !f.Success():
			done <- &RemoteError{Text: f.ErrorText()}
		default:
			done <- nil
		}
		return Complete
	})
	assert.NoError(t, err)

	sink := m.OpenUpload(id)
	for _, chunk := range []string{"alpha", "beta"} {
		n, err := sink.Write([]byte(chunk))
		assert.NoError(t, err)
		assert.Equal(t, len(chunk), n)
	}
	assert.NoError(t, sink.Close())

	assert.Equal(t, "alpha", string(<-received))
	assert.Equal(t, "beta", string(<-received))
	assert.Equal(t, 0, len(<-received))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("upload never completed")
	}
}

func TestShutdownFailsPending(t *testing.T) {
	m, _ := startMux(t, 0, nil)
	assert.NoError(t, m.AwaitReady(context.Background()))

	errCh := make(chan error, 1)
	_, err := m.Send(context.Background(), map[string]interface{}{"op": "sub"},
		func(f frame.Frame, err error) Decision {
			if err != nil {
				errCh <- err
			}
			return Complete
		})
	assert.NoError(t, err)

	assert.NoError(t, m.Shutdown())
	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("pending request survived shutdown")
	}
	assert.Equal(t, 0, m.pendingCount())
}

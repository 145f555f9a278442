package mux

import (
	"io"
	"sync"
)

// chunkNumberLimit bounds how many undelivered chunks a download may hold
// before its producer blocks. With the agent's usual 64 KiB chunks this caps
// a stalled download at 16 MiB of memory.
const chunkNumberLimit = 256

// downloadBuffer is a bounded FIFO of payload chunks with one producer (the
// streaming handler of a download request) and one consumer (the caller
// reading the file). Read blocks while the queue is empty and the stream has
// not ended; push blocks while the queue is full. Chunk integrity is
// irrelevant to the consumer so Read is free to return partial chunks.
type downloadBuffer struct {
	chunks [][]byte
	// read offset into chunks[0], for callers whose buffer is smaller
	// than a chunk
	off    int
	ended  bool
	err    error
	rwCond *sync.Cond
}

func newDownloadBuffer() *downloadBuffer {
	return &downloadBuffer{
		rwCond: sync.NewCond(&sync.Mutex{}),
	}
}

// push appends one chunk, blocking while the consumer is saturated. It
// reports io.ErrClosedPipe once the stream has ended or failed, telling the
// producer to stop.
func (b *downloadBuffer) push(chunk []byte) error {
	b.rwCond.L.Lock()
	defer b.rwCond.L.Unlock()
	for {
		if b.ended || b.err != nil {
			return io.ErrClosedPipe
		}
		if len(b.chunks) <= chunkNumberLimit {
			break
		}
		b.rwCond.Wait()
	}
	// the frame's payload slice is owned by the transport read loop
	data := make([]byte, len(chunk))
	copy(data, chunk)
	b.chunks = append(b.chunks, data)
	b.rwCond.Broadcast()
	return nil
}

// end flags that no more data will arrive. Buffered chunks remain readable;
// Read reports io.EOF only once they drain.
func (b *downloadBuffer) end() {
	b.rwCond.L.Lock()
	defer b.rwCond.L.Unlock()
	b.ended = true
	b.rwCond.Broadcast()
}

// fail poisons the buffer. Buffered chunks are still delivered, then Read
// reports err instead of io.EOF.
func (b *downloadBuffer) fail(err error) {
	b.rwCond.L.Lock()
	defer b.rwCond.L.Unlock()
	if b.err == nil {
		b.err = err
	}
	b.rwCond.Broadcast()
}

func (b *downloadBuffer) Read(target []byte) (int, error) {
	if len(target) == 0 {
		return 0, nil
	}
	b.rwCond.L.Lock()
	defer b.rwCond.L.Unlock()
	for {
		if len(b.chunks) > 0 {
			break
		}
		if b.err != nil {
			return 0, b.err
		}
		if b.ended {
			return 0, io.EOF
		}
		b.rwCond.Wait()
	}
	head := b.chunks[0][b.off:]
	n := copy(target, head)
	if n == len(head) {
		b.chunks = b.chunks[1:]
		b.off = 0
	} else {
		b.off += n
	}
	b.rwCond.Broadcast()
	return n, nil
}

// Close abandons the download from the consumer side. The producer is
// unblocked and told to stop on its next push.
func (b *downloadBuffer) Close() error {
	b.rwCond.L.Lock()
	defer b.rwCond.L.Unlock()
	if b.err == nil {
		b.err = io.ErrClosedPipe
	}
	b.chunks = nil
	b.off = 0
	b.rwCond.Broadcast()
	return nil
}

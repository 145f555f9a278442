package mux

import (
	"context"
	"io"

	"github.com/neilhwatson/corellium-api/internal/frame"
)

// OpenUpload returns the chunk sink for a request already registered via
// Send. Every Write becomes one binary frame under id; Close sends the
// zero-length end marker. Closing terminates only the data channel: the
// request itself completes when its structured handler reports success.
func (m *Mux) OpenUpload(id uint32) io.WriteCloser {
	return &uploader{mux: m, id: id}
}

type uploader struct {
	mux *Mux
	id  uint32
}

func (u *uploader) Write(p []byte) (int, error) {
	if len(p) == 0 {
		// a zero-length frame would end the stream
		return 0, nil
	}
	if err := u.mux.link.Send(frame.EncodeBinary(u.id, p), true); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (u *uploader) Close() error {
	return u.mux.link.Send(frame.EncodeBinary(u.id, nil), true)
}

// NewDownload returns the pull side of a chunk stream and the streaming
// handler feeding it. Binary payloads are queued in arrival order, the
// zero-length marker ends the stream, and a structured failure poisons it.
// Structured messages before the chunks (acknowledgements, progress) are
// ignored. The handler blocks the delivery loop while the consumer is
// saturated, pushing backpressure down to the socket.
func NewDownload() (io.ReadCloser, Handler) {
	buf := newDownloadBuffer()
	handler := func(f frame.Frame, err error) Decision {
		switch {
		case err != nil:
			buf.fail(err)
			return Complete
		case !f.Binary:
			// acknowledgements and progress notices carry no success
			// field, only a verdict ends the request
			if verdict, ok := f.Fields["success"].(bool); ok && !verdict {
				buf.fail(&RemoteError{Text: f.ErrorText()})
				return Complete
			}
			return KeepWaiting
		case f.EndOfStream():
			buf.end()
			return Complete
		default:
			if buf.push(f.Payload) != nil {
				// consumer abandoned the download
				return Complete
			}
			return KeepWaiting
		}
	}
	return buf, handler
}

// OpenDownload sends a structured request whose response is a chunk stream
// and returns the reader over it.
func (m *Mux) OpenDownload(ctx context.Context, fields map[string]interface{}) (io.ReadCloser, error) {
	r, handler := NewDownload()
	if _, err := m.Send(ctx, fields, handler); err != nil {
		return nil, err
	}
	return r, nil
}

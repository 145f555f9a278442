package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/neilhwatson/corellium-api/internal/frame"
	"github.com/neilhwatson/corellium-api/internal/mux"
)

// uploadChunkSize is the unit file contents are cut into on the wire.
const uploadChunkSize = 128 * 1024

// App is one installed application as the agent reports it.
type App struct {
	BundleID string `json:"bundleID"`
	Name     string `json:"name"`
	Running  bool   `json:"running"`
}

// Ping checks that the agent is up and responding.
func (a *Agent) Ping(ctx context.Context) error {
	_, err := a.mux.Command(ctx, map[string]interface{}{"type": "app", "op": "ping"})
	return err
}

// AppList returns the applications installed on the device.
func (a *Agent) AppList(ctx context.Context) ([]App, error) {
	res, err := a.mux.Command(ctx, map[string]interface{}{"type": "app", "op": "list"})
	if err != nil {
		return nil, err
	}
	var apps []App
	if err := reparse(res["apps"], &apps); err != nil {
		return nil, fmt.Errorf("unexpected app list shape: %w", err)
	}
	return apps, nil
}

// RunApp launches an installed application.
func (a *Agent) RunApp(ctx context.Context, bundleID string) error {
	_, err := a.mux.Command(ctx, map[string]interface{}{
		"type": "app", "op": "run", "bundleID": bundleID,
	})
	return err
}

// KillApp terminates a running application.
func (a *Agent) KillApp(ctx context.Context, bundleID string) error {
	_, err := a.mux.Command(ctx, map[string]interface{}{
		"type": "app", "op": "kill", "bundleID": bundleID,
	})
	return err
}

// DeleteFile removes a file on the device.
func (a *Agent) DeleteFile(ctx context.Context, path string) error {
	_, err := a.mux.Command(ctx, map[string]interface{}{
		"type": "file", "op": "delete", "path": path,
	})
	return err
}

// DownloadFile streams a file off the device. The returned reader must be
// closed; closing early abandons the transfer.
func (a *Agent) DownloadFile(ctx context.Context, path string) (io.ReadCloser, error) {
	return a.mux.OpenDownload(ctx, map[string]interface{}{
		"type": "file", "op": "download", "path": path,
	})
}

// UploadFile writes contents to path on the device. It returns once the
// agent confirms the whole file landed.
func (a *Agent) UploadFile(ctx context.Context, path string, contents io.Reader) error {
	done := make(chan error, 1)
	id, err := a.mux.Send(ctx, map[string]interface{}{
		"type": "file", "op": "upload", "path": path,
	}, oneShot(done))
	if err != nil {
		return err
	}

	sink := a.mux.OpenUpload(id)
	buf := make([]byte, uploadChunkSize)
	if _, err := io.CopyBuffer(sink, contents, buf); err != nil {
		return err
	}
	if err := sink.Close(); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InstallProgress reports how much of an installation has happened so far.
type InstallProgress struct {
	Progress float64
	Status   string
}

// InstallApp streams an application package to the device and installs it.
// progress may be nil.
func (a *Agent) InstallApp(ctx context.Context, pkg io.Reader, progress func(InstallProgress)) error {
	done := make(chan error, 1)
	id, err := a.mux.Send(ctx, map[string]interface{}{
		"type": "app", "op": "install",
	}, func(f frame.Frame, err error) mux.Decision {
		switch {
		case err != nil:
			done <- err
		case f.Binary:
			return mux.KeepWaiting
		case f.Fields["success"] == nil:
			// progress notice, the verdict is still owed
			if progress != nil {
				p, _ := f.Fields["progress"].(float64)
				status, _ := f.Fields["status"].(string)
				progress(InstallProgress{Progress: p, Status: status})
			}
			return mux.KeepWaiting
		case !f.Success():
			done <- &mux.RemoteError{Text: f.ErrorText()}
		default:
			done <- nil
		}
		return mux.Complete
	})
	if err != nil {
		return err
	}

	sink := a.mux.OpenUpload(id)
	buf := make([]byte, uploadChunkSize)
	if _, err := io.CopyBuffer(sink, pkg, buf); err != nil {
		return err
	}
	if err := sink.Close(); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CrashReport is one crash the agent observed.
type CrashReport struct {
	Fields map[string]interface{}
	Err    error
}

// SubscribeCrashes watches dir for crash reports. Each report invokes fn
// until the connection drops, at which point fn receives the disconnect
// error and the subscription ends.
func (a *Agent) SubscribeCrashes(ctx context.Context, dir string, fn func(CrashReport)) error {
	_, err := a.mux.Send(ctx, map[string]interface{}{
		"type": "crash", "op": "subscribe", "path": dir,
	}, func(f frame.Frame, err error) mux.Decision {
		if err != nil {
			fn(CrashReport{Err: err})
			return mux.Complete
		}
		if f.Binary {
			return mux.KeepWaiting
		}
		fn(CrashReport{Fields: f.Fields})
		return mux.KeepWaiting
	})
	return err
}

// oneShot adapts the single-response convention: the first structured frame
// settles the request, binary stragglers are ignored.
func oneShot(done chan<- error) mux.Handler {
	return func(f frame.Frame, err error) mux.Decision {
		switch {
		case err != nil:
			done <- err
		case f.Binary:
			return mux.KeepWaiting
		case !f.Success():
			done <- &mux.RemoteError{Text: f.ErrorText()}
		default:
			done <- nil
		}
		return mux.Complete
	}
}

// reparse round-trips a decoded JSON value into a typed shape.
func reparse(v interface{}, out interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

package client

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/neilhwatson/corellium-api/internal/conn"
	"github.com/neilhwatson/corellium-api/internal/mux"
	"github.com/neilhwatson/corellium-api/internal/transport"
)

// Config contains the configuration parameter fields for an agent connection
type Config struct {
	// Required fields
	// Endpoint is the agent's websocket URL, e.g.
	// wss://host/api/v1/instances/<id>/agent
	Endpoint string

	// Optional fields
	// Token is the API token sent with the websocket handshake.
	Token string
	// RetryDelay is the pause between handshake attempts while the agent
	// is still booting.
	// Defaults to 1 second
	RetryDelay *int
	// UploadRate and DownloadRate cap transfer bandwidth in bytes per
	// second. 0 means unlimited
	UploadRate   int64
	DownloadRate int64
}

func (raw *Config) Process() (resolved mux.Config, err error) {
	if raw.Endpoint == "" {
		err = fmt.Errorf("Endpoint cannot be empty")
		return
	}
	var u *url.URL
	u, err = url.Parse(raw.Endpoint)
	if err != nil {
		err = fmt.Errorf("failed to parse Endpoint: %w", err)
		return
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		err = fmt.Errorf("unknown endpoint scheme %v", u.Scheme)
		return
	}
	resolved.Endpoint = raw.Endpoint

	header := http.Header{}
	if raw.Token != "" {
		header.Set("Authorization", "Bearer "+raw.Token)
	}
	resolved.Dialer = transport.WSDialer{Header: header}

	if raw.RetryDelay == nil {
		resolved.RetryDelay = conn.DefaultRetryDelay
	} else if *raw.RetryDelay <= 0 {
		err = fmt.Errorf("RetryDelay must be positive")
		return
	} else {
		resolved.RetryDelay = time.Duration(*raw.RetryDelay) * time.Second
	}

	resolved.Valve = conn.MakeValve(raw.DownloadRate, raw.UploadRate)
	return
}

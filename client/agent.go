package client

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/neilhwatson/corellium-api/internal/mux"
)

// Agent is a client of the in-VM agent: one persistent websocket carrying
// multiplexed control messages and file transfer chunks. The connection is
// established in the background; operations block until it is ready.
type Agent struct {
	mux *mux.Mux
}

func NewAgent(config Config) (*Agent, error) {
	resolved, err := config.Process()
	if err != nil {
		return nil, err
	}
	log.Debugf("connecting to agent at %v", resolved.Endpoint)
	return &Agent{mux: mux.New(resolved)}, nil
}

// WaitReady blocks until the agent connection is open. Operations do this
// implicitly; it exists for callers that want to fail fast on a bounded ctx.
func (a *Agent) WaitReady(ctx context.Context) error {
	return a.mux.AwaitReady(ctx)
}

// Disconnect tears the connection down for good. Outstanding operations fail
// with a disconnect error. A disconnected Agent cannot be reused; make a new
// one to reconnect.
func (a *Agent) Disconnect() error {
	return a.mux.Shutdown()
}

// Stats reports total bytes sent to and received from the agent.
func (a *Agent) Stats() (tx, rx int64) {
	return a.mux.Stats()
}

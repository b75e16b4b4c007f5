package service

import "github.com/wildfoundry/dataplicity-agent/internal/m2m/channel"

// Echo writes back whatever it receives on its channel. Used as a
// heartbeat/diagnostic service. Grounded in the original agent's
// EchoService.
type Echo struct {
	ch *channel.Channel
}

// NewEcho binds an Echo service to ch.
func NewEcho(ch *channel.Channel) *Echo {
	e := &Echo{ch: ch}
	ch.SetCallbacks(e.onData, nil, nil)
	return e
}

func (e *Echo) onData(data []byte) {
	_ = e.ch.Write(data)
}

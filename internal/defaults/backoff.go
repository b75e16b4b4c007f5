package defaults

import "time"

const (
	// ReconnectMinInterval is the backoff floor between M2M reconnect attempts.
	ReconnectMinInterval = 500 * time.Millisecond
	// ReconnectMaxInterval is the backoff ceiling between M2M reconnect attempts.
	ReconnectMaxInterval = 30 * time.Second
)

package defaults

import "time"

const (
	// ConnectTimeout is the default timeout for establishing the M2M websocket connection.
	ConnectTimeout = 10 * time.Second
	// LivenessTimeout is the default "no frame received" threshold before the client
	// considers the peer unresponsive and forces a reconnect. Zero/negative disables it.
	LivenessTimeout = 100 * time.Second
	// TCPConnectTimeout bounds a port-forward's local TCP dial.
	TCPConnectTimeout = 5 * time.Second
	// IOTimeout bounds a single websocket write once connected. Reads are not
	// bounded by it; the liveness watcher covers a silent peer.
	IOTimeout = 10 * time.Second
	// ProcessKillGrace is how long a remote process gets between SIGHUP and SIGKILL.
	ProcessKillGrace = 15 * time.Second
	// PollInterval is the cadence at which the M2M client's liveness watcher checks
	// the time since the last received frame.
	PollInterval = 500 * time.Millisecond
)

// ProcessKillWarnSchedule are the elapsed durations (since SIGHUP) at which a remote
// process that has still not exited gets another warning log line.
var ProcessKillWarnSchedule = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
	600 * time.Second,
	3600 * time.Second,
	86400 * time.Second,
}

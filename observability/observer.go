// Package observability defines the agent's metrics observer interfaces.
//
// Mirrors the teacher's swappable no-op/atomic observer pattern: callers that
// don't care about metrics get AgentObserver's zero-cost no-op, callers that
// do (the CLI's --metrics-listen wiring) swap in a real implementation (see
// observability/prom) at runtime without touching the hot path's call sites.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// ConnState is the M2M client's connection lifecycle state (see spec §4.4).
type ConnState string

const (
	ConnStateDisconnected ConnState = "disconnected"
	ConnStateConnecting   ConnState = "connecting"
	ConnStateOpen         ConnState = "open"
	ConnStateIdentified   ConnState = "identified"
)

// ServiceKind names a C6 service variant for per-kind counters.
type ServiceKind string

const (
	ServiceRemoteProcess ServiceKind = "remote_process"
	ServicePortForward   ServiceKind = "port_forward"
	ServiceFileStream    ServiceKind = "file_stream"
	ServiceCommandStream ServiceKind = "command_stream"
	ServiceEcho          ServiceKind = "echo"
)

// LimiterName names one of the two limiters instantiated by the agent.
type LimiterName string

const (
	LimiterServices  LimiterName = "services"
	LimiterTerminals LimiterName = "terminals"
)

// CloseReason classifies why a channel or connection went away.
type CloseReason string

const (
	CloseReasonPeerClosed      CloseReason = "peer_closed"
	CloseReasonTransportError  CloseReason = "transport_error"
	CloseReasonLivenessTimeout CloseReason = "liveness_timeout"
	CloseReasonLocal           CloseReason = "local"
	CloseReasonServiceError    CloseReason = "service_error"
	CloseReasonLimitReached    CloseReason = "limit_reached"
)

// AgentObserver receives agent-level metric events. Implementations must be
// safe for concurrent use; every method is called from whichever goroutine
// observed the event (reader loop, a service's own thread, ...).
type AgentObserver interface {
	ConnState(s ConnState)
	ChannelCount(n int)
	ServiceStarted(kind ServiceKind)
	ServiceStopped(kind ServiceKind)
	LimiterRejected(name LimiterName)
	ChannelClosed(reason CloseReason)
	FrameDecodeError()
	ReconnectAttempt()
	BytesTransferred(kind ServiceKind, n int64)
	RPCLatency(d time.Duration)
}

type noopAgentObserver struct{}

func (noopAgentObserver) ConnState(ConnState)                 {}
func (noopAgentObserver) ChannelCount(int)                    {}
func (noopAgentObserver) ServiceStarted(ServiceKind)          {}
func (noopAgentObserver) ServiceStopped(ServiceKind)          {}
func (noopAgentObserver) LimiterRejected(LimiterName)         {}
func (noopAgentObserver) ChannelClosed(CloseReason)           {}
func (noopAgentObserver) FrameDecodeError()                   {}
func (noopAgentObserver) ReconnectAttempt()                   {}
func (noopAgentObserver) BytesTransferred(ServiceKind, int64) {}
func (noopAgentObserver) RPCLatency(time.Duration)            {}

// NoopAgentObserver is a zero-cost observer used when metrics are disabled.
var NoopAgentObserver AgentObserver = noopAgentObserver{}

// AtomicAgentObserver forwards every event to a delegate that Set can replace
// at runtime. The CLI does not use it; it picks its observer once at startup.
type AtomicAgentObserver struct {
	once sync.Once
	v    atomic.Value
}

type agentObserverHolder struct {
	obs AgentObserver
}

// NewAtomicAgentObserver returns an initialized atomic observer defaulting to no-op.
func NewAtomicAgentObserver() *AtomicAgentObserver {
	a := &AtomicAgentObserver{}
	a.once.Do(func() { a.v.Store(&agentObserverHolder{obs: NoopAgentObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicAgentObserver) Set(obs AgentObserver) {
	if obs == nil {
		obs = NoopAgentObserver
	}
	a.once.Do(func() { a.v.Store(&agentObserverHolder{obs: NoopAgentObserver}) })
	a.v.Store(&agentObserverHolder{obs: obs})
}

func (a *AtomicAgentObserver) load() AgentObserver {
	a.once.Do(func() { a.v.Store(&agentObserverHolder{obs: NoopAgentObserver}) })
	return a.v.Load().(*agentObserverHolder).obs
}

func (a *AtomicAgentObserver) ConnState(s ConnState)        { a.load().ConnState(s) }
func (a *AtomicAgentObserver) ChannelCount(n int)           { a.load().ChannelCount(n) }
func (a *AtomicAgentObserver) ServiceStarted(k ServiceKind) { a.load().ServiceStarted(k) }
func (a *AtomicAgentObserver) ServiceStopped(k ServiceKind) { a.load().ServiceStopped(k) }
func (a *AtomicAgentObserver) LimiterRejected(n LimiterName) {
	a.load().LimiterRejected(n)
}
func (a *AtomicAgentObserver) ChannelClosed(r CloseReason) { a.load().ChannelClosed(r) }
func (a *AtomicAgentObserver) FrameDecodeError()           { a.load().FrameDecodeError() }
func (a *AtomicAgentObserver) ReconnectAttempt()           { a.load().ReconnectAttempt() }
func (a *AtomicAgentObserver) BytesTransferred(k ServiceKind, n int64) {
	a.load().BytesTransferred(k, n)
}
func (a *AtomicAgentObserver) RPCLatency(d time.Duration) { a.load().RPCLatency(d) }

package service

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/wildfoundry/dataplicity-agent/internal/defaults"
	"github.com/wildfoundry/dataplicity-agent/internal/limiter"
	"github.com/wildfoundry/dataplicity-agent/internal/m2m/channel"
)

// portForwardBufferSize bounds a single read from the local socket before
// it is forwarded over the channel.
const portForwardBufferSize = 1 << 20

// PortForwardConnection pumps bytes between a local TCP connection and an
// M2M channel. Grounded in the original agent's portforward.Connection:
// channel data is buffered until the local dial completes, then flushed;
// socket reads are written straight to the channel; either side closing
// tears down the other.
type PortForwardConnection struct {
	host  string
	port  int
	ch    *channel.Channel
	grant *limiter.Grant

	mu      sync.Mutex
	conn    net.Conn
	pending [][]byte
	closed  atomic.Bool

	onComplete func()
}

// NewPortForwardConnection wires ch to a connection that will be dialed
// against host:port once Run is called. grant, if non-nil, is released
// exactly once when the connection finishes.
func NewPortForwardConnection(host string, port int, ch *channel.Channel, grant *limiter.Grant, onComplete func()) *PortForwardConnection {
	pc := &PortForwardConnection{host: host, port: port, ch: ch, grant: grant, onComplete: onComplete}
	ch.SetCallbacks(pc.onChannelData, pc.onChannelClose, pc.onChannelControl)
	return pc
}

// Run dials the local host:port and pumps data until either side closes.
// Intended to be called in its own goroutine, mirroring the original's
// per-connection thread.
func (pc *PortForwardConnection) Run() {
	defer pc.finish()

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", pc.host, pc.port), defaults.TCPConnectTimeout)
	if err != nil {
		return
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	pc.mu.Lock()
	pc.conn = conn
	buffered := pc.pending
	pc.pending = nil
	pc.mu.Unlock()
	for _, chunk := range buffered {
		if _, err := conn.Write(chunk); err != nil {
			return
		}
	}

	buf := make([]byte, portForwardBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if writeErr := pc.ch.Write(append([]byte(nil), buf[:n]...)); writeErr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (pc *PortForwardConnection) onChannelData(data []byte) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.conn == nil {
		pc.pending = append(pc.pending, append([]byte(nil), data...))
		return
	}
	_, _ = pc.conn.Write(data)
}

func (pc *PortForwardConnection) onChannelClose() {
	pc.mu.Lock()
	conn := pc.conn
	pc.mu.Unlock()
	if conn != nil {
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		} else {
			_ = conn.Close()
		}
	}
}

func (pc *PortForwardConnection) onChannelControl([]byte) {
	// No control semantics for a port-forward channel; accepted and ignored.
}

func (pc *PortForwardConnection) finish() {
	if !pc.closed.CompareAndSwap(false, true) {
		return
	}
	pc.mu.Lock()
	conn := pc.conn
	pc.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	_ = pc.ch.Close()
	pc.grant.Release()
	if pc.onComplete != nil {
		pc.onComplete()
	}
}

var _ io.Closer = (*PortForwardConnection)(nil)

// Close tears down the connection from outside the pump loop.
func (pc *PortForwardConnection) Close() error {
	pc.finish()
	return nil
}

// PortForwardService describes a single named host:port target and tracks
// its live connections, grounded in the original's Service class.
type PortForwardService struct {
	Name string
	Host string
	Port int

	mu          sync.Mutex
	nextID      int
	connections map[int]*PortForwardConnection
}

func newPortForwardService(name, host string, port int) *PortForwardService {
	return &PortForwardService{Name: name, Host: host, Port: port, connections: make(map[int]*PortForwardConnection)}
}

// ChannelOpener is the subset of internal/m2m/client needed to open a
// channel by number for a new port-forward connection.
type ChannelOpener interface {
	GetChannel(number int64) *channel.Channel
}

// Connect opens a new connection on the given M2M channel number and starts
// pumping it in a new goroutine. If services is at its limit, a canned 503
// response is written to the channel and it is closed instead.
func (s *PortForwardService) Connect(opener ChannelOpener, services *limiter.Limiter, m2mPort int64) int {
	ch := opener.GetChannel(m2mPort)

	grant, err := services.TryAcquire()
	if err != nil {
		_ = ch.Write(canned503)
		_ = ch.Close()
		return 0
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	pc := NewPortForwardConnection(s.Host, s.Port, ch, grant, func() { s.removeConnection(id) })
	s.connections[id] = pc
	s.mu.Unlock()

	go pc.Run()
	return id
}

func (s *PortForwardService) removeConnection(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, id)
}

// PortForwardManager holds the set of port-forward services the agent
// exposes, keyed by name and by local port, grounded in the original's
// PortForwardManager.
type PortForwardManager struct {
	mu       sync.Mutex
	services map[string]*PortForwardService
	ports    map[int]string
}

// NewPortForwardManager returns a manager pre-populated with the agent's
// default exposed services.
func NewPortForwardManager() *PortForwardManager {
	m := &PortForwardManager{
		services: make(map[string]*PortForwardService),
		ports:    make(map[int]string),
	}
	m.AddService("web", 80, "127.0.0.1")
	m.AddService("ext", 81, "127.0.0.1")
	m.AddService("extalt", 8000, "127.0.0.1")
	m.AddService("alt", 8080, "127.0.0.1")
	return m
}

// AddService registers a named forwarding target.
func (m *PortForwardManager) AddService(name string, port int, host string) {
	if host == "" {
		host = "127.0.0.1"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	svc := newPortForwardService(name, host, port)
	m.services[name] = svc
	m.ports[port] = name
}

// ServiceByPort looks up a service by its local port.
func (m *PortForwardManager) ServiceByPort(port int) *PortForwardService {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.ports[port]
	if !ok {
		return nil
	}
	return m.services[name]
}

// ServiceByName looks up a service by its configured name.
func (m *PortForwardManager) ServiceByName(name string) *PortForwardService {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.services[name]
}

// Open starts a new forwarded connection on m2mPort for the named service,
// or the service bound to localPort if name is empty. It is a no-op if
// neither resolves to a known service, mirroring the original's silent
// "return" when no service is found.
func (m *PortForwardManager) Open(opener ChannelOpener, services *limiter.Limiter, m2mPort int64, name string, localPort int) int {
	var svc *PortForwardService
	if name != "" {
		svc = m.ServiceByName(name)
	} else {
		svc = m.ServiceByPort(localPort)
	}
	if svc == nil {
		return 0
	}
	return svc.Connect(opener, services, m2mPort)
}

// Redirect opens an ad-hoc, unnamed forward to a device-local port not
// registered as a named service, grounded in the original's
// redirect_service.
func (m *PortForwardManager) Redirect(opener ChannelOpener, services *limiter.Limiter, m2mPort int64, devicePort int) int {
	svc := newPortForwardService(fmt.Sprintf("port-%d", devicePort), "127.0.0.1", devicePort)
	return svc.Connect(opener, services, m2mPort)
}

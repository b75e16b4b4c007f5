// Package agent implements the supervisor that ties the M2M client, service
// layer, terminal registry, and port-forward manager together (spec §C9).
// Grounded in the original agent's m2mmanager.M2MManager: it owns the
// instruction dispatch table and the identity-change notification to the
// control-plane collaborator.
package agent

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wildfoundry/dataplicity-agent/internal/bencode"
	"github.com/wildfoundry/dataplicity-agent/internal/defaults"
	"github.com/wildfoundry/dataplicity-agent/internal/limiter"
	"github.com/wildfoundry/dataplicity-agent/internal/m2m/client"
	"github.com/wildfoundry/dataplicity-agent/internal/service"
	"github.com/wildfoundry/dataplicity-agent/internal/terminal"
	"github.com/wildfoundry/dataplicity-agent/observability"
)

// ControlPlane is the out-of-core collaborator an agent notifies of
// identity changes and asks to push telemetry or scan the filesystem. Spec
// §6 describes it as an interface only; this package supplies the seam a
// concrete implementation plugs into.
type ControlPlane interface {
	Associate(identity []byte) error
	Sync() error
	TriggerDirectoryScan() error
}

// Config configures an Agent.
type Config struct {
	M2MURL string
	Header map[string][]string

	ServicesLimit  int // default 500
	TerminalsLimit int // default 100

	ControlPlane ControlPlane
	Logger       *zerolog.Logger
	Observer     observability.AgentObserver
}

func (c *Config) setDefaults() {
	if c.ServicesLimit <= 0 {
		c.ServicesLimit = 500
	}
	if c.TerminalsLimit <= 0 {
		c.TerminalsLimit = 100
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// Agent composes the M2M client (C4), the service layer (C6), the
// port-forward manager (C7), and the terminal registry (C8) into the
// instruction-driven supervisor described by spec §4.9.
type Agent struct {
	cfg Config

	client      *client.Client
	terminals   *terminal.Registry
	portForward *service.PortForwardManager
	services    *limiter.Limiter
	termLimiter *limiter.Limiter

	mu               sync.Mutex
	identity         []byte
	notifiedIdentity []byte
}

// New constructs an Agent and its underlying M2M client, wiring the
// client's instruction/identity/disconnect callbacks back into the
// supervisor.
func New(cfg Config, identity []byte) *Agent {
	cfg.setDefaults()

	a := &Agent{
		cfg:         cfg,
		terminals:   terminal.NewRegistry(),
		portForward: service.NewPortForwardManager(),
		services:    limiter.New("services", cfg.ServicesLimit),
		termLimiter: limiter.New("terminals", cfg.TerminalsLimit),
		identity:    identity,
	}

	clientCfg := client.Config{
		URL:              cfg.M2MURL,
		Header:           http.Header(cfg.Header),
		LivenessTimeout:  defaults.LivenessTimeout,
		Logger:           cfg.Logger,
		Observer:         cfg.Observer,
		OnInstruction:    a.onInstruction,
		OnIdentityChange: a.setIdentity,
		OnDisconnect:     a.onClientClose,
	}
	a.client = client.New(clientCfg, identity)
	return a
}

// Run drives the underlying M2M client until ctx is canceled.
func (a *Agent) Run(ctx context.Context) error {
	return a.client.Run(ctx)
}

// Shutdown politely tells the peer we're leaving.
func (a *Agent) Shutdown() {
	a.client.Shutdown()
}

// Identity returns the agent's current M2M identity, or nil if unassigned.
func (a *Agent) Identity() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identity
}

// ParsedIdentity returns the current identity parsed as a uuid.UUID, the
// node identity type used by the original protocol's set-identity/
// request-identify payload, and whether parsing succeeded — server-assigned
// identities are expected to be the node's 16-byte UUID, but callers that
// only need the raw bytes (e.g. to echo back over the wire) should use
// Identity instead.
func (a *Agent) ParsedIdentity() (uuid.UUID, bool) {
	a.mu.Lock()
	raw := a.identity
	a.mu.Unlock()
	return parseIdentity(raw)
}

func parseIdentity(raw []byte) (uuid.UUID, bool) {
	if len(raw) == 16 {
		if id, err := uuid.FromBytes(raw); err == nil {
			return id, true
		}
	}
	if id, err := uuid.ParseBytes(raw); err == nil {
		return id, true
	}
	return uuid.UUID{}, false
}

// AddTerminal registers a named terminal definition, e.g. the default
// {name: "shell", command: "bash -i"}.
func (a *Agent) AddTerminal(def terminal.Definition) {
	a.terminals.Add(def)
}

// AddPortForwardService registers a named local forwarding target.
func (a *Agent) AddPortForwardService(name string, port int, host string) {
	a.portForward.AddService(name, port, host)
}

// setIdentity updates the locally stored identity and notifies the
// control-plane collaborator exactly once per distinct value, mirroring
// the original's M2MManager.set_identity.
func (a *Agent) setIdentity(identity []byte) {
	a.mu.Lock()
	a.identity = identity
	alreadyNotified := string(a.notifiedIdentity) == string(identity)
	if !alreadyNotified && len(identity) > 0 {
		a.notifiedIdentity = identity
	}
	a.mu.Unlock()

	if len(identity) > 0 {
		if id, ok := parseIdentity(identity); ok {
			a.cfg.Logger.Info().Str("identity", id.String()).Msg("m2m identity assigned")
		} else {
			a.cfg.Logger.Info().Bytes("identity", identity).Msg("m2m identity assigned")
		}
	}

	if alreadyNotified || len(identity) == 0 || a.cfg.ControlPlane == nil {
		return
	}
	if err := a.cfg.ControlPlane.Associate(identity); err != nil {
		a.cfg.Logger.Warn().Err(err).Msg("failed to associate m2m identity with control plane")
	}
}

// onClientClose shuts down every terminal's live processes. Called when
// the M2M connection drops, since every channel bound to it is now dead.
func (a *Agent) onClientClose() {
	a.terminals.CloseAll()
}

// onInstruction is the C4→C9 dispatch entry point: decode the action and
// route to the matching handler. Unrecognized actions are silently
// ignored, matching spec §4.6.
func (a *Agent) onInstruction(sender []byte, data bencode.Map) {
	action, ok := mapString(data, "action")
	if !ok {
		return
	}
	log := a.cfg.Logger.Debug().Str("action", action).Bytes("sender", sender)
	log.Msg("instruction received")

	switch action {
	case "sync":
		a.doSync()
	case "open-terminal":
		a.openTerminal(data)
	case "open-echo":
		a.openEcho(data)
	case "open-portforward":
		a.openPortForward(data)
	case "open-portredirect":
		a.openPortRedirect(data)
	case "reboot-device":
		a.reboot()
	case "read-file":
		a.readFile(data)
	case "run-command":
		a.runCommand(data)
	case "scan-directory":
		a.scanDirectory()
	default:
		a.cfg.Logger.Debug().Str("action", action).Msg("unrecognized instruction ignored")
	}
}

func (a *Agent) doSync() {
	if a.cfg.ControlPlane == nil {
		return
	}
	if err := a.cfg.ControlPlane.Sync(); err != nil {
		a.cfg.Logger.Warn().Err(err).Msg("sync failed")
	}
}

func (a *Agent) scanDirectory() {
	if a.cfg.ControlPlane == nil {
		return
	}
	if err := a.cfg.ControlPlane.TriggerDirectoryScan(); err != nil {
		a.cfg.Logger.Warn().Err(err).Msg("directory scan trigger failed")
	}
}

func (a *Agent) openTerminal(data bencode.Map) {
	name, ok := mapString(data, "name")
	if !ok {
		return
	}
	port, ok := mapInt(data, "port")
	if !ok {
		return
	}
	term := a.terminals.Get(name)
	if term == nil {
		a.cfg.Logger.Warn().Str("name", name).Msg("no terminal with that name")
		return
	}
	size := decodeWindowSize(data)
	ch := a.client.GetChannel(port)
	if _, err := term.Launch(ch, size, a.termLimiter, a.cfg.Logger); err != nil {
		a.cfg.Logger.Warn().Err(err).Str("name", name).Msg("failed to launch terminal")
	}
}

func (a *Agent) openEcho(data bencode.Map) {
	port, ok := mapInt(data, "port")
	if !ok {
		return
	}
	service.NewEcho(a.client.GetChannel(port))
}

func (a *Agent) openPortForward(data bencode.Map) {
	name, ok := mapString(data, "service")
	if !ok {
		return
	}
	route, ok := data["route"]
	if !ok {
		return
	}
	decoded, err := bencode.Decode(route)
	if err != nil {
		return
	}
	list, ok := decoded.(bencode.List)
	if !ok || len(list) != 4 {
		return
	}
	port2, ok := toInt64(list[3])
	if !ok {
		return
	}
	a.portForward.Open(a.client, a.services, port2, name, 0)
}

func (a *Agent) openPortRedirect(data bencode.Map) {
	devicePort, ok := mapInt(data, "device_port")
	if !ok {
		return
	}
	m2mPort, ok := mapInt(data, "m2m_port")
	if !ok {
		return
	}
	a.portForward.Redirect(a.client, a.services, m2mPort, int(devicePort))
}

func (a *Agent) reboot() {
	a.cfg.Logger.Info().Msg("reboot requested (out of core scope)")
}

func (a *Agent) readFile(data bencode.Map) {
	port, ok := mapInt(data, "port")
	if !ok {
		return
	}
	path, ok := mapString(data, "path")
	if !ok {
		return
	}
	service.NewFileStream(path, a.client.GetChannel(port), a.services, a.cfg.Logger)
}

func (a *Agent) runCommand(data bencode.Map) {
	port, ok := mapInt(data, "port")
	if !ok {
		return
	}
	command, ok := mapString(data, "command")
	if !ok {
		return
	}
	service.NewCommandStream(command, a.client.GetChannel(port), a.services, a.cfg.Logger)
}

func decodeWindowSize(data bencode.Map) service.WindowSize {
	raw, ok := data["size"]
	if !ok {
		return service.WindowSize{}
	}
	decoded, err := bencode.Decode(raw)
	if err != nil {
		return service.WindowSize{}
	}
	list, ok := decoded.(bencode.List)
	if !ok || len(list) != 2 {
		return service.WindowSize{}
	}
	cols, ok1 := toInt64(list[0])
	rows, ok2 := toInt64(list[1])
	if !ok1 || !ok2 {
		return service.WindowSize{}
	}
	return service.WindowSize{Columns: int(cols), Rows: int(rows)}
}

func mapString(m bencode.Map, key string) (string, bool) {
	raw, ok := m[key]
	if !ok {
		return "", false
	}
	decoded, err := bencode.Decode(raw)
	if err != nil {
		return "", false
	}
	b, ok := decoded.([]byte)
	if !ok {
		return "", false
	}
	return string(b), true
}

func mapInt(m bencode.Map, key string) (int64, bool) {
	raw, ok := m[key]
	if !ok {
		return 0, false
	}
	decoded, err := bencode.Decode(raw)
	if err != nil {
		return 0, false
	}
	return toInt64(decoded)
}

func toInt64(v any) (int64, bool) {
	n, ok := v.(int64)
	return n, ok
}

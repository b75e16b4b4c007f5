// Package terminal implements the named PTY-shell registry (spec §C8):
// a map from configured terminal name to its command definition and the
// remote processes currently running under it. Grounded in the original
// agent's m2mmanager.Terminal and M2MManager terminal table.
package terminal

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/wildfoundry/dataplicity-agent/internal/limiter"
	"github.com/wildfoundry/dataplicity-agent/internal/m2m/channel"
	"github.com/wildfoundry/dataplicity-agent/internal/service"
)

// process is the subset of *service.RemoteProcess a Terminal tracks.
type process interface {
	IsClosed() bool
	Close()
}

// Definition describes a configured terminal: the command it launches and
// the user/group it should run as.
type Definition struct {
	Name    string
	Command string
	User    string
	Group   string
}

// Terminal is one named, launchable terminal definition plus its currently
// live processes.
type Terminal struct {
	def Definition

	mu        sync.Mutex
	processes []process
}

func newTerminal(def Definition) *Terminal {
	return &Terminal{def: def}
}

// Name returns the terminal's configured name.
func (t *Terminal) Name() string { return t.def.Name }

func (t *Terminal) pruneClosed() {
	live := t.processes[:0]
	for _, p := range t.processes {
		if !p.IsClosed() {
			live = append(live, p)
		}
	}
	t.processes = live
}

// Launch prunes dead processes, then spawns a new remote process on ch and
// records it. A spawn failure is returned to the caller; nothing is
// recorded in that case.
func (t *Terminal) Launch(ch *channel.Channel, size service.WindowSize, terminals *limiter.Limiter, logger *zerolog.Logger) (*service.RemoteProcess, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneClosed()
	rp, err := service.NewRemoteProcess(t.def.Command, t.def.User, t.def.Group, size, ch, terminals, logger)
	if err != nil {
		return nil, err
	}
	t.processes = append(t.processes, rp)
	go rp.Run()
	return rp, nil
}

// Close prunes dead processes and closes every remaining live one,
// clearing the list. Called when the owning M2M connection drops.
func (t *Terminal) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneClosed()
	for _, p := range t.processes {
		p.Close()
	}
	t.processes = nil
}

// Registry is the name-keyed set of configured terminals.
type Registry struct {
	mu     sync.Mutex
	byName map[string]*Terminal
}

// NewRegistry returns a registry pre-populated with the default terminal:
// {name: "shell", command: "bash -i"}.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]*Terminal)}
	r.Add(Definition{Name: "shell", Command: "bash -i"})
	return r
}

// Add registers a terminal definition, replacing any existing one of the
// same name.
func (r *Registry) Add(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[def.Name] = newTerminal(def)
}

// Get looks up a terminal by name, returning nil if none is configured.
func (r *Registry) Get(name string) *Terminal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byName[name]
}

// CloseAll closes every registered terminal's live processes, used when the
// M2M connection to the peer drops.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	terminals := make([]*Terminal, 0, len(r.byName))
	for _, t := range r.byName {
		terminals = append(terminals, t)
	}
	r.mu.Unlock()
	for _, t := range terminals {
		t.Close()
	}
}

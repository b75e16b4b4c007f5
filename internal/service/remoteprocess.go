package service

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/wildfoundry/dataplicity-agent/internal/defaults"
	"github.com/wildfoundry/dataplicity-agent/internal/limiter"
	"github.com/wildfoundry/dataplicity-agent/internal/m2m/channel"
)

// WindowSize is a terminal size in columns and rows.
type WindowSize struct {
	Columns int
	Rows    int
}

// RemoteProcess runs a PTY-backed command and streams it over a channel.
// Grounded in the original agent's RemoteProcess/Interceptor pair: a PTY is
// spawned, its master side is pumped to the channel, channel data is pumped
// to the PTY, and a control packet can resize it.
type RemoteProcess struct {
	command string
	user    string
	group   string
	ch      *channel.Channel
	grant   *limiter.Grant
	logger  *zerolog.Logger

	mu     sync.Mutex
	ptmx   *os.File
	cmd    *exec.Cmd
	closed atomic.Bool
}

// NewRemoteProcess acquires a slot from terminals and, on success, spawns
// command in a PTY of the given size and wires it to ch. user/group, if
// non-empty, request a privilege switch before exec; a lookup failure is
// logged and the switch is skipped, matching the original's behavior.
func NewRemoteProcess(command, user, group string, size WindowSize, ch *channel.Channel, terminals *limiter.Limiter, logger *zerolog.Logger) (*RemoteProcess, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if size.Columns == 0 && size.Rows == 0 {
		size = WindowSize{Columns: 80, Rows: 24}
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("remoteprocess: empty command")
	}

	grant, err := terminals.TryAcquire()
	if err != nil {
		writeErrorControl(ch, "remote-process", 503, err.Error())
		_ = ch.Close()
		return nil, err
	}

	cmd := exec.Command(fields[0], fields[1:]...)
	if credErr := applyCredentials(cmd, user, group); credErr != nil {
		logger.Warn().Err(credErr).Str("user", user).Str("group", group).Msg("privilege switch skipped")
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(size.Columns), Rows: uint16(size.Rows)})
	if err != nil {
		grant.Release()
		writeErrorControl(ch, "remote-process", 500, err.Error())
		_ = ch.Close()
		return nil, fmt.Errorf("remoteprocess: spawning %q: %w", command, err)
	}

	rp := &RemoteProcess{command: command, user: user, group: group, ch: ch, grant: grant, logger: logger, ptmx: ptmx, cmd: cmd}
	ch.SetCallbacks(rp.onData, rp.onClose, rp.onControl)
	return rp, nil
}

// Run pumps PTY output to the channel until the process exits or the PTY
// closes. Call in its own goroutine.
func (rp *RemoteProcess) Run() {
	defer rp.Close()
	buf := make([]byte, 32*1024)
	for {
		n, err := rp.ptmx.Read(buf)
		if n > 0 {
			if writeErr := rp.ch.Write(append([]byte(nil), buf[:n]...)); writeErr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// IsClosed reports whether the process has been asked to close.
func (rp *RemoteProcess) IsClosed() bool { return rp.closed.Load() }

func (rp *RemoteProcess) onData(data []byte) {
	rp.mu.Lock()
	ptmx := rp.ptmx
	rp.mu.Unlock()
	if ptmx == nil {
		return
	}
	if _, err := ptmx.Write(data); err != nil {
		rp.Close()
	}
}

type windowResizeControl struct {
	Type string `json:"type"`
	Size []int  `json:"size"`
}

func (rp *RemoteProcess) onControl(data []byte) {
	var ctrl windowResizeControl
	if err := json.Unmarshal(data, &ctrl); err != nil {
		return
	}
	if ctrl.Type != "window_resize" || len(ctrl.Size) != 2 {
		rp.logger.Debug().Str("type", ctrl.Type).Msg("unrecognized remote process control type")
		return
	}
	rp.Resize(WindowSize{Columns: ctrl.Size[0], Rows: ctrl.Size[1]})
}

// Resize applies a new PTY window size.
func (rp *RemoteProcess) Resize(size WindowSize) {
	rp.mu.Lock()
	ptmx := rp.ptmx
	rp.mu.Unlock()
	if ptmx == nil {
		return
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(size.Columns), Rows: uint16(size.Rows)})
}

func (rp *RemoteProcess) onClose() {
	rp.Close()
}

// Close sends SIGHUP to the process and starts an escalation watcher that
// follows up with SIGKILL if it hasn't exited after the grace period. The
// terminals slot is released once the process has actually exited.
func (rp *RemoteProcess) Close() {
	if !rp.closed.CompareAndSwap(false, true) {
		return
	}
	rp.mu.Lock()
	cmd := rp.cmd
	rp.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		rp.grant.Release()
		return
	}
	_ = unix.Kill(cmd.Process.Pid, unix.SIGHUP)
	go rp.waitForExit(cmd)
}

func (rp *RemoteProcess) waitForExit(cmd *exec.Cmd) {
	defer rp.grant.Release()

	start := time.Now()
	warnings := append([]time.Duration(nil), defaults.ProcessKillWarnSchedule...)
	killSent := false
	done := make(chan struct{})
	go func() {
		waitErr := cmd.Wait()
		if waitErr != nil {
			writeErrorControl(rp.ch, "remote-process", 500, waitErr.Error())
		}
		close(done)
	}()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			elapsed := time.Since(start)
			if len(warnings) > 0 && elapsed >= warnings[0] {
				warnings = warnings[1:]
				rp.logger.Warn().Str("command", rp.command).Int("pid", cmd.Process.Pid).Dur("elapsed", elapsed).
					Msg("remote process still running after SIGHUP")
			}
			if !killSent && elapsed >= defaults.ProcessKillGrace {
				killSent = true
				_ = unix.Kill(cmd.Process.Pid, unix.SIGKILL)
			}
		}
	}
}

func applyCredentials(cmd *exec.Cmd, userName, groupName string) error {
	if userName == "" && groupName == "" {
		return nil
	}
	if unix.Geteuid() != 0 {
		return fmt.Errorf("dropping privileges to user=%q group=%q requires running as root", userName, groupName)
	}
	var uid, gid uint32
	if userName != "" {
		u, err := user.Lookup(userName)
		if err != nil {
			return fmt.Errorf("no such user %q: %w", userName, err)
		}
		n, err := strconv.Atoi(u.Uid)
		if err != nil {
			return err
		}
		uid = uint32(n)
	}
	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return fmt.Errorf("no such group %q: %w", groupName, err)
		}
		n, err := strconv.Atoi(g.Gid)
		if err != nil {
			return err
		}
		gid = uint32(n)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Credential: &syscall.Credential{Uid: uid, Gid: gid}}
	return nil
}

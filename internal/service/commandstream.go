package service

import (
	"bufio"
	"encoding/json"
	"os/exec"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/wildfoundry/dataplicity-agent/internal/limiter"
	"github.com/wildfoundry/dataplicity-agent/internal/m2m/channel"
)

// CommandStream runs a command and streams its stdout over a channel a
// line at a time, closing the channel when the command finishes. stderr is
// logged rather than forwarded. Grounded in the original agent's
// CommandService.
type CommandStream struct {
	command string
	ch      *channel.Channel
	grant   *limiter.Grant
	logger  *zerolog.Logger

	closed atomic.Bool
	cmd    *exec.Cmd
}

// NewCommandStream acquires a slot from services and, on success, starts
// command in a new goroutine and streams its stdout over ch. On limiter
// failure it emits an error control packet and closes the channel instead.
func NewCommandStream(command string, ch *channel.Channel, services *limiter.Limiter, logger *zerolog.Logger) *CommandStream {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	grant, err := services.TryAcquire()
	if err != nil {
		writeErrorControl(ch, "command", 503, err.Error())
		_ = ch.Close()
		return nil
	}
	cs := &CommandStream{command: command, ch: ch, grant: grant, logger: logger}
	ch.SetCallbacks(nil, cs.onChannelClose, nil)
	go cs.run()
	return cs
}

func (cs *CommandStream) onChannelClose() {
	if cs.closed.CompareAndSwap(false, true) {
		if cs.cmd != nil && cs.cmd.Process != nil {
			_ = cs.cmd.Process.Kill()
		}
	}
}

func (cs *CommandStream) run() {
	defer cs.grant.Release()
	defer cs.ch.Close()

	fields := strings.Fields(cs.command)
	if len(fields) == 0 {
		return
	}
	cmd := exec.Command(fields[0], fields[1:]...)
	cs.cmd = cmd

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cs.logger.Debug().Err(err).Str("command", cs.command).Msg("unable to attach command stdout")
		writeErrorControl(cs.ch, "command", 500, err.Error())
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cs.logger.Debug().Err(err).Str("command", cs.command).Msg("unable to attach command stderr")
		writeErrorControl(cs.ch, "command", 500, err.Error())
		return
	}
	if err := cmd.Start(); err != nil {
		cs.logger.Debug().Err(err).Str("command", cs.command).Msg("command failed to start")
		writeErrorControl(cs.ch, "command", 500, err.Error())
		return
	}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			cs.logger.Debug().Str("command", cs.command).Str("stderr", scanner.Text()).Msg("command stderr")
		}
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var sent uint64
	for scanner.Scan() {
		line := append(scanner.Bytes(), '\n')
		if writeErr := cs.ch.Write(line); writeErr != nil {
			cs.logger.Warn().Err(writeErr).Str("command", cs.command).Msg("channel write failed during command stream")
			if cs.closed.CompareAndSwap(false, true) {
				_ = cmd.Process.Kill()
			}
			break
		}
		sent += uint64(len(line))
	}
	<-stderrDone
	err = cmd.Wait()
	returncode := exitCode(cmd, err)

	payload, marshalErr := json.Marshal(map[string]any{
		"service":    "command",
		"type":       "complete",
		"returncode": returncode,
	})
	if marshalErr == nil {
		_ = cs.ch.WriteControl(payload)
	}
	cs.logger.Debug().Str("command", cs.command).Str("sent", humanize.Bytes(sent)).Int("returncode", returncode).Msg("command stream complete")
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}

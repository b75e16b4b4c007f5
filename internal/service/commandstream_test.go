package service

import (
	"strings"
	"testing"

	"github.com/wildfoundry/dataplicity-agent/internal/limiter"
	"github.com/wildfoundry/dataplicity-agent/internal/m2m/channel"
)

func TestCommandStreamSendsStdoutLinesAndCloses(t *testing.T) {
	sender := &recordingSender{}
	ch := channel.New(1, sender)
	services := limiter.New("services", 10)
	NewCommandStream("/bin/echo command-stream-line", ch, services, nil)

	waitForClose(t, sender)
	if got := sender.String(); !strings.Contains(got, "command-stream-line") {
		t.Fatalf("sent = %q, want it to contain the echoed line", got)
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.control) == 0 {
		t.Fatal("expected a completion control packet")
	}
	if services.Value() != 0 {
		t.Fatalf("expected the limiter grant to be released, value = %d", services.Value())
	}
}

func TestCommandStreamBadCommandClosesChannel(t *testing.T) {
	sender := &recordingSender{}
	ch := channel.New(2, sender)
	services := limiter.New("services", 10)
	NewCommandStream("/no/such/binary-at-all", ch, services, nil)

	waitForClose(t, sender)
}

func TestCommandStreamLimitReachedWritesErrorControl(t *testing.T) {
	sender := &recordingSender{}
	ch := channel.New(3, sender)
	services := limiter.New("services", 1)
	grant, err := services.TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	defer grant.Release()

	if cs := NewCommandStream("/bin/echo hi", ch, services, nil); cs != nil {
		t.Fatal("expected nil CommandStream when the limiter is exhausted")
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.control) == 0 {
		t.Fatal("expected an error control packet")
	}
}

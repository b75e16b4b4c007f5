package service

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wildfoundry/dataplicity-agent/internal/limiter"
	"github.com/wildfoundry/dataplicity-agent/internal/m2m/channel"
)

type recordingSender struct {
	mu        sync.Mutex
	sent      [][]byte
	control   [][]byte
	closeReqs []int64
}

func (r *recordingSender) SendChannelData(number int64, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, append([]byte(nil), data...))
	return nil
}

func (r *recordingSender) SendChannelControl(number int64, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.control = append(r.control, append([]byte(nil), data...))
	return nil
}

func (r *recordingSender) RequestChannelClose(number int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeReqs = append(r.closeReqs, number)
	return nil
}

func (r *recordingSender) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sb strings.Builder
	for _, chunk := range r.sent {
		sb.Write(chunk)
	}
	return sb.String()
}

func TestRemoteProcessEchoesOutput(t *testing.T) {
	sender := &recordingSender{}
	ch := channel.New(7, sender)
	terminals := limiter.New("terminals", 10)

	rp, err := NewRemoteProcess("/bin/echo hello-remote", "", "", WindowSize{}, ch, terminals, nil)
	if err != nil {
		t.Fatalf("NewRemoteProcess: %v", err)
	}
	go rp.Run()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(sender.String(), "hello-remote") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("did not observe echoed output, got %q", sender.String())
}

func TestRemoteProcessCloseIsIdempotent(t *testing.T) {
	sender := &recordingSender{}
	ch := channel.New(8, sender)
	terminals := limiter.New("terminals", 10)

	rp, err := NewRemoteProcess("/bin/sleep 5", "", "", WindowSize{}, ch, terminals, nil)
	if err != nil {
		t.Fatalf("NewRemoteProcess: %v", err)
	}
	go rp.Run()

	rp.Close()
	rp.Close() // must not panic or double-signal
	if !rp.IsClosed() {
		t.Fatal("expected process to be marked closed")
	}
}

func TestRemoteProcessRejectsEmptyCommand(t *testing.T) {
	sender := &recordingSender{}
	ch := channel.New(9, sender)
	terminals := limiter.New("terminals", 10)
	if _, err := NewRemoteProcess("   ", "", "", WindowSize{}, ch, terminals, nil); err == nil {
		t.Fatal("expected an error for an empty command")
	}
	if terminals.Value() != 0 {
		t.Fatalf("expected no limiter slot consumed for a rejected command, value = %d", terminals.Value())
	}
}

func TestRemoteProcessLimitReachedWritesErrorControl(t *testing.T) {
	sender := &recordingSender{}
	ch := channel.New(10, sender)
	terminals := limiter.New("terminals", 1)
	grant, err := terminals.TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	defer grant.Release()

	if _, err := NewRemoteProcess("/bin/echo hi", "", "", WindowSize{}, ch, terminals, nil); err == nil {
		t.Fatal("expected an error when the terminals limiter is exhausted")
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.control) == 0 {
		t.Fatal("expected an error control packet")
	}
}

package channel

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeSender struct {
	mu        sync.Mutex
	sent      [][]byte
	control   [][]byte
	closeReqs []int64
}

func (f *fakeSender) SendChannelData(number int64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeSender) SendChannelControl(number int64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.control = append(f.control, data)
	return nil
}

func (f *fakeSender) RequestChannelClose(number int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeReqs = append(f.closeReqs, number)
	return nil
}

func TestReadAvailableBuffersAcrossWrites(t *testing.T) {
	s := &fakeSender{}
	c := New(1, s)
	c.HandleData([]byte("hello "))
	c.HandleData([]byte("world"))
	got := c.ReadAvailable(100)
	if string(got) != "hello world" {
		t.Fatalf("got %q", got)
	}
	if c.Size() != 0 {
		t.Fatalf("expected buffer drained, size=%d", c.Size())
	}
}

func TestReadAvailablePartial(t *testing.T) {
	s := &fakeSender{}
	c := New(1, s)
	c.HandleData([]byte("hello world"))
	first := c.ReadAvailable(5)
	if string(first) != "hello" {
		t.Fatalf("got %q", first)
	}
	rest := c.ReadAvailable(100)
	if string(rest) != " world" {
		t.Fatalf("got %q", rest)
	}
}

func TestReadBlocksUntilData(t *testing.T) {
	s := &fakeSender{}
	c := New(1, s)
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := c.Read(context.Background(), 10)
		done <- result{data, err}
	}()

	select {
	case <-done:
		t.Fatal("Read returned before data arrived")
	case <-time.After(20 * time.Millisecond):
	}

	c.HandleData([]byte("hi"))
	select {
	case r := <-done:
		if r.err != nil || string(r.data) != "hi" {
			t.Fatalf("got %q, %v", r.data, r.err)
		}
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock after data arrived")
	}
}

func TestReadRespectsContextCancellation(t *testing.T) {
	s := &fakeSender{}
	c := New(1, s)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Read(ctx, 10)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestMarkClosedIsIdempotentAndUnblocksRead(t *testing.T) {
	s := &fakeSender{}
	c := New(1, s)
	var calls int
	c.SetCallbacks(nil, func() { calls++ }, nil)

	done := make(chan struct{})
	go func() {
		c.Read(context.Background(), 10)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)

	c.MarkClosed()
	c.MarkClosed()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock on close")
	}
	if calls != 1 {
		t.Fatalf("close callback called %d times, want 1", calls)
	}
	if !c.IsClosed() {
		t.Fatal("expected channel to report closed")
	}
}

func TestHandleDataIgnoredAfterClose(t *testing.T) {
	s := &fakeSender{}
	c := New(1, s)
	c.MarkClosed()
	c.HandleData([]byte("late"))
	if c.Size() != 0 {
		t.Fatalf("expected data dropped after close, size=%d", c.Size())
	}
}

func TestOnDataCallbackBypassesBuffer(t *testing.T) {
	s := &fakeSender{}
	c := New(1, s)
	var got []byte
	c.SetCallbacks(func(d []byte) { got = d }, nil, nil)
	c.HandleData([]byte("direct"))
	if string(got) != "direct" {
		t.Fatalf("got %q", got)
	}
	if c.Size() != 0 {
		t.Fatalf("expected no buffering when onData set, size=%d", c.Size())
	}
}

func TestCloseSendsRequest(t *testing.T) {
	s := &fakeSender{}
	c := New(5, s)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(s.closeReqs) != 1 || s.closeReqs[0] != 5 {
		t.Fatalf("closeReqs = %v", s.closeReqs)
	}
}

func TestWriteAndWriteControl(t *testing.T) {
	s := &fakeSender{}
	c := New(2, s)
	if err := c.Write([]byte("payload")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := c.WriteControl([]byte("ctrl")); err != nil {
		t.Fatalf("WriteControl: %v", err)
	}
	if len(s.sent) != 1 || string(s.sent[0]) != "payload" {
		t.Fatalf("sent = %v", s.sent)
	}
	if len(s.control) != 1 || string(s.control[0]) != "ctrl" {
		t.Fatalf("control = %v", s.control)
	}
}

func TestWriteAndWriteControlNoOpAfterClose(t *testing.T) {
	s := &fakeSender{}
	c := New(2, s)
	c.MarkClosed()

	if err := c.Write([]byte("payload")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := c.WriteControl([]byte("ctrl")); err != nil {
		t.Fatalf("WriteControl: %v", err)
	}
	if len(s.sent) != 0 {
		t.Fatalf("expected no data sent after close, got %v", s.sent)
	}
	if len(s.control) != 0 {
		t.Fatalf("expected no control sent after close, got %v", s.control)
	}
}

// Package channel implements the numbered, bidirectional byte-stream
// abstraction multiplexed over a single M2M connection (spec §3.3/C3).
// Grounded in the original agent's wsclient.Channel: a lazily created
// object identified by number, backed by a FIFO byte buffer for inbound
// data, with callbacks an owning service can install instead of polling.
package channel

import (
	"context"
	"sync"
)

// Sender is the subset of the M2M client a Channel calls back into to push
// bytes or control data outbound, and to ask the server to close it. It is
// the seam between this package and internal/m2m/client, kept narrow so
// channel can be tested without a real connection.
type Sender interface {
	SendChannelData(number int64, data []byte) error
	SendChannelControl(number int64, data []byte) error
	RequestChannelClose(number int64) error
}

// Channel is one multiplexed stream. The zero value is not usable; construct
// with New.
type Channel struct {
	number int64
	sender Sender

	mu        sync.Mutex
	buf       [][]byte
	bufLen    int
	closed    bool
	closeOnce sync.Once

	signal chan struct{} // replaced each time data arrives or the channel closes

	onData    func([]byte)
	onClose   func()
	onControl func([]byte)
}

// New creates a channel bound to number, using sender to push data/control
// bytes and close requests out to the peer.
func New(number int64, sender Sender) *Channel {
	return &Channel{
		number: number,
		sender: sender,
		signal: make(chan struct{}),
	}
}

// Number returns the channel's wire number.
func (c *Channel) Number() int64 { return c.number }

// SetCallbacks installs the service-layer callbacks invoked as data, control
// bytes, and the close event arrive. A nil callback behaves as "none", and
// installing onData switches the channel from buffering mode to
// push-delivery mode: callers that set it stop seeing bytes through Read.
func (c *Channel) SetCallbacks(onData func([]byte), onClose func(), onControl func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onData = onData
	c.onClose = onClose
	c.onControl = onControl
}

// IsClosed reports whether the channel has been torn down.
func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close asks the peer to close this channel. It does not itself mark the
// channel closed — that happens when the resulting notify_close arrives and
// MarkClosed is called, same as the original client's fire-and-forget close
// request.
func (c *Channel) Close() error {
	if c.IsClosed() {
		return nil
	}
	return c.sender.RequestChannelClose(c.number)
}

// MarkClosed transitions the channel to closed and invokes the close
// callback exactly once. Called by the client dispatch loop on receiving
// notify_close, or when the connection itself drops.
func (c *Channel) MarkClosed() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		cb := c.onClose
		close(c.signal)
		c.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
}

// HandleData delivers inbound channel data, routing it to the onData
// callback if one is installed, or appending it to the read buffer.
func (c *Channel) HandleData(data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	cb := c.onData
	if cb == nil {
		c.buf = append(c.buf, data)
		c.bufLen += len(data)
		c.wake()
	}
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// HandleControl delivers inbound out-of-band control data to the onControl
// callback, if one is installed. Control data has no buffering fallback:
// a service that cares about control bytes must register a callback.
func (c *Channel) HandleControl(data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	cb := c.onControl
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// wake replaces the signal channel, releasing any goroutine blocked in Read.
// Must be called with c.mu held.
func (c *Channel) wake() {
	close(c.signal)
	c.signal = make(chan struct{})
}

// Size returns the number of buffered, unread bytes.
func (c *Channel) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bufLen
}

// ReadAvailable returns up to max buffered bytes without blocking. It
// returns an empty, non-nil slice if nothing is buffered.
func (c *Channel) ReadAvailable(max int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readLocked(max)
}

// Read blocks until at least one byte is available, the channel closes, or
// ctx is done, then returns up to max bytes.
func (c *Channel) Read(ctx context.Context, max int) ([]byte, error) {
	for {
		c.mu.Lock()
		if c.bufLen > 0 || c.closed {
			out := c.readLocked(max)
			c.mu.Unlock()
			return out, nil
		}
		wait := c.signal
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Channel) readLocked(max int) []byte {
	var out []byte
	remaining := max
	for len(c.buf) > 0 && remaining > 0 {
		head := c.buf[0]
		n := remaining
		if n > len(head) {
			n = len(head)
		}
		out = append(out, head[:n]...)
		remaining -= n
		c.bufLen -= n
		if n == len(head) {
			c.buf = c.buf[1:]
		} else {
			c.buf[0] = head[n:]
		}
	}
	if out == nil {
		out = []byte{}
	}
	return out
}

// Write sends data out over this channel. It is a no-op once the channel has
// closed.
func (c *Channel) Write(data []byte) error {
	if c.IsClosed() {
		return nil
	}
	return c.sender.SendChannelData(c.number, data)
}

// WriteControl sends out-of-band control bytes over this channel. It is a
// no-op once the channel has closed.
func (c *Channel) WriteControl(data []byte) error {
	if c.IsClosed() {
		return nil
	}
	return c.sender.SendChannelControl(c.number, data)
}

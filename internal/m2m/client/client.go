// Package client implements the persistent M2M connection (spec §3.4/C4): a
// single outbound websocket, the channel table it multiplexes, and the
// reconnect-with-backoff loop that keeps it alive. Grounded in the original
// agent's wsclient.WSClient and m2mmanager.AutoConnectThread, generalized
// from ws4py callbacks into a context-driven read/write loop over
// realtime/ws.
package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/wildfoundry/dataplicity-agent/internal/agenterr"
	"github.com/wildfoundry/dataplicity-agent/internal/bencode"
	"github.com/wildfoundry/dataplicity-agent/internal/defaults"
	"github.com/wildfoundry/dataplicity-agent/internal/m2m/channel"
	"github.com/wildfoundry/dataplicity-agent/internal/m2m/packet"
	"github.com/wildfoundry/dataplicity-agent/observability"
	"github.com/wildfoundry/dataplicity-agent/realtime/ws"
)

// Config configures a Client.
type Config struct {
	URL    string
	Header http.Header

	ConnectTimeout  time.Duration
	LivenessTimeout time.Duration // 0 disables the liveness watcher
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration

	Logger   *zerolog.Logger
	Observer observability.AgentObserver

	// OnInstruction is called with every instruction packet received. It must
	// not block for long — the read loop waits for it to return.
	OnInstruction func(sender []byte, data bencode.Map)
	// OnIdentityChange is called whenever the server assigns or changes this
	// client's identity, so a collaborator (e.g. the control-plane client)
	// can re-associate.
	OnIdentityChange func(identity []byte)
	// OnDisconnect is called every time the connection ends, after channels
	// and pending callbacks have been torn down, so a supervisor can shut
	// down anything bound to the now-dead channel table.
	OnDisconnect func()
}

func (c *Config) setDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaults.ConnectTimeout
	}
	if c.ReconnectMin == 0 {
		c.ReconnectMin = defaults.ReconnectMinInterval
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = defaults.ReconnectMaxInterval
	}
	if c.Observer == nil {
		c.Observer = observability.NoopAgentObserver
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// Client owns the single M2M websocket connection and the channel table
// multiplexed over it.
type Client struct {
	cfg Config

	mu       sync.Mutex
	conn     *ws.Conn
	identity []byte

	channelsMu sync.Mutex
	channels   map[int64]*channel.Channel

	writeMu sync.Mutex

	callbacksMu sync.Mutex
	callbacks   map[int64][]func(bencode.Map)

	lastFrameAt atomic.Int64 // UnixNano
}

// New constructs a Client. identity may be nil to request a brand new one.
func New(cfg Config, identity []byte) *Client {
	cfg.setDefaults()
	return &Client{
		cfg:       cfg,
		identity:  identity,
		channels:  make(map[int64]*channel.Channel),
		callbacks: make(map[int64][]func(bencode.Map)),
	}
}

// Identity returns the client's current node identity, or nil if unassigned.
func (c *Client) Identity() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Client) setIdentity(id []byte) (changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if string(c.identity) == string(id) {
		return false
	}
	c.identity = id
	return true
}

func (c *Client) setConn(conn *ws.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) touchFrame() {
	c.lastFrameAt.Store(time.Now().UnixNano())
}

// TimeSinceLastFrame reports how long it has been since any frame (including
// pings) was received on the current connection.
func (c *Client) TimeSinceLastFrame() time.Duration {
	last := c.lastFrameAt.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

// GetChannel returns the channel for number, creating it on first use —
// channels are lazily materialized exactly like the original client's
// get_channel.
func (c *Client) GetChannel(number int64) *channel.Channel {
	c.channelsMu.Lock()
	defer c.channelsMu.Unlock()
	ch, ok := c.channels[number]
	if !ok {
		ch = channel.New(number, c)
		c.channels[number] = ch
	}
	return ch
}

func (c *Client) takeChannel(number int64) (*channel.Channel, bool) {
	c.channelsMu.Lock()
	defer c.channelsMu.Unlock()
	ch, ok := c.channels[number]
	if ok {
		delete(c.channels, number)
	}
	return ch, ok
}

func (c *Client) channelCount() int {
	c.channelsMu.Lock()
	defer c.channelsMu.Unlock()
	return len(c.channels)
}

func (c *Client) teardownChannels() {
	c.channelsMu.Lock()
	channels := c.channels
	c.channels = make(map[int64]*channel.Channel)
	c.channelsMu.Unlock()
	for _, ch := range channels {
		ch.MarkClosed()
	}
}

// AddCallback registers a one-shot callback for a future Response packet
// carrying this command ID.
func (c *Client) AddCallback(commandID int64, cb func(bencode.Map)) {
	c.callbacksMu.Lock()
	defer c.callbacksMu.Unlock()
	c.callbacks[commandID] = append(c.callbacks[commandID], cb)
}

func (c *Client) invokeCallback(commandID int64, result bencode.Map) {
	c.callbacksMu.Lock()
	cbs := c.callbacks[commandID]
	delete(c.callbacks, commandID)
	c.callbacksMu.Unlock()
	for _, cb := range cbs {
		cb(result)
	}
}

// clearCallbacks fires every pending callback with a nil result, same as the
// original's clear_callbacks: callers blocked on a response must not hang
// forever across a reconnect.
func (c *Client) clearCallbacks() {
	c.callbacksMu.Lock()
	all := c.callbacks
	c.callbacks = make(map[int64][]func(bencode.Map))
	c.callbacksMu.Unlock()
	for _, cbs := range all {
		for _, cb := range cbs {
			cb(nil)
		}
	}
}

// --- channel.Sender ---

func (c *Client) SendChannelData(number int64, data []byte) error {
	return c.sendPacket(packet.RequestSend{Channel: number, Data: data})
}

func (c *Client) SendChannelControl(number int64, data []byte) error {
	return c.sendPacket(packet.RequestSendControl{Channel: number, Data: data})
}

func (c *Client) RequestChannelClose(number int64) error {
	return c.sendPacket(packet.RequestClose{Channel: number})
}

func (c *Client) sendPacket(p packet.Packet) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return agenterr.Wrap(agenterr.ComponentM2M, agenterr.StageSend, agenterr.CodeNotResponding, fmt.Errorf("not connected"))
	}
	return c.sendPacketOnConn(conn, p)
}

func (c *Client) sendPacketOnConn(conn *ws.Conn, p packet.Packet) error {
	encoded, err := packet.Encode(p)
	if err != nil {
		return agenterr.Wrap(agenterr.ComponentM2M, agenterr.StageEncode, agenterr.CodeProtocolError, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaults.IOTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(ctx, websocket.BinaryMessage, encoded); err != nil {
		return agenterr.Wrap(agenterr.ComponentM2M, agenterr.StageWrite, agenterr.CodeProtocolError, err)
	}
	return nil
}

// Run dials, maintains, and reconnects the M2M connection until ctx is
// canceled. It never returns nil — callers stop it by canceling ctx.
//
// Reconnect pacing is a golang.org/x/time/rate.Limiter whose rate is
// widened on every failed attempt (bounded exponential backoff) and reset
// to ReconnectMin once a connection is actually identified, rather than a
// hand-rolled sleep-and-double loop.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectMin
	limiter := rate.NewLimiter(rate.Every(backoff), 1)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		wasReady, err := c.runOnce(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			c.cfg.Logger.Warn().Err(err).Msg("m2m connection ended")
		}
		if wasReady {
			backoff = c.cfg.ReconnectMin
		} else {
			backoff *= 2
			if backoff > c.cfg.ReconnectMax {
				backoff = c.cfg.ReconnectMax
			}
		}
		limiter.SetLimit(rate.Every(backoff))
		c.cfg.Observer.ReconnectAttempt()
	}
}

func (c *Client) runOnce(ctx context.Context) (wasReady bool, err error) {
	c.cfg.Observer.ConnState(observability.ConnStateConnecting)

	dialCtx, cancelDial := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, _, err := ws.Dial(dialCtx, c.cfg.URL, ws.DialOptions{Header: c.cfg.Header})
	cancelDial()
	if err != nil {
		c.cfg.Observer.ConnState(observability.ConnStateDisconnected)
		return false, agenterr.Wrap(agenterr.ComponentM2M, agenterr.StageDial, agenterr.CodeProtocolError, err)
	}

	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()

	c.setConn(conn)
	defer func() {
		c.setConn(nil)
		_ = conn.Close()
		c.teardownChannels()
		c.clearCallbacks()
		c.cfg.Observer.ConnState(observability.ConnStateDisconnected)
		if c.cfg.OnDisconnect != nil {
			c.cfg.OnDisconnect()
		}
	}()

	var joinPacket packet.Packet
	if identity := c.Identity(); identity != nil {
		joinPacket = packet.RequestIdentify{UUID: identity}
	} else {
		joinPacket = packet.RequestJoin{}
	}
	if err := c.sendPacketOnConn(conn, joinPacket); err != nil {
		return false, err
	}
	c.cfg.Observer.ConnState(observability.ConnStateOpen)
	c.touchFrame()

	livenessDone := make(chan struct{})
	go c.watchLiveness(connCtx, cancelConn, livenessDone)
	defer func() {
		cancelConn()
		<-livenessDone
	}()

	for {
		_, data, err := conn.ReadMessage(connCtx)
		if err != nil {
			return wasReady, agenterr.Wrap(agenterr.ComponentM2M, agenterr.StageRead, agenterr.CodeProtocolError, err)
		}
		c.touchFrame()

		p, decodeErr := packet.Decode(data)
		if decodeErr != nil {
			c.cfg.Observer.FrameDecodeError()
			c.cfg.Logger.Debug().Err(decodeErr).Msg("dropping undecodable frame")
			continue
		}

		becameReady, handleErr := c.handlePacket(conn, p)
		if handleErr != nil {
			c.cfg.Logger.Warn().Err(handleErr).Msg("error handling packet")
		}
		if becameReady {
			wasReady = true
			c.cfg.Observer.ConnState(observability.ConnStateIdentified)
		}
	}
}

func (c *Client) watchLiveness(ctx context.Context, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	if c.cfg.LivenessTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(defaults.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.TimeSinceLastFrame() > c.cfg.LivenessTimeout {
				c.cfg.Logger.Warn().Msg("m2m connection unresponsive, forcing reconnect")
				cancel()
				return
			}
		}
	}
}

func (c *Client) handlePacket(conn *ws.Conn, p packet.Packet) (becameReady bool, err error) {
	switch v := p.(type) {
	case packet.Null:
		return false, nil
	case packet.Welcome:
		return true, nil
	case packet.SetIdentity:
		if c.setIdentity(v.UUID) && c.cfg.OnIdentityChange != nil {
			c.cfg.OnIdentityChange(v.UUID)
		}
		return false, nil
	case packet.Ping:
		data := v.Data
		if len(data) > 1024 {
			data = data[:1024]
		}
		return false, c.sendPacketOnConn(conn, packet.Pong{Data: data})
	case packet.Log:
		c.cfg.Logger.Debug().Bytes("text", v.Text).Msg("server log")
		return false, nil
	case packet.Route:
		c.GetChannel(v.Channel).HandleData(v.Data)
		return false, nil
	case packet.RouteControl:
		c.GetChannel(v.Channel).HandleControl(v.Data)
		return false, nil
	case packet.NotifyOpen:
		c.GetChannel(v.Channel)
		c.cfg.Observer.ChannelCount(c.channelCount())
		return false, nil
	case packet.NotifyClose:
		if ch, ok := c.takeChannel(v.Channel); ok {
			ch.MarkClosed()
		}
		c.cfg.Observer.ChannelCount(c.channelCount())
		return false, nil
	case packet.Response:
		c.invokeCallback(v.CommandID, v.Result)
		return false, nil
	case packet.Instruction:
		if c.cfg.OnInstruction != nil {
			c.cfg.OnInstruction(v.Sender, v.Data)
		}
		return false, nil
	default:
		return false, nil
	}
}

// Shutdown politely tells the server we're leaving. It is best-effort and
// does not itself stop Run — cancel the context passed to Run for that.
func (c *Client) Shutdown() {
	_ = c.sendPacket(packet.RequestLeave{})
}

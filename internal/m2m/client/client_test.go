package client

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wildfoundry/dataplicity-agent/internal/bencode"
	"github.com/wildfoundry/dataplicity-agent/internal/m2m/packet"
)

func newFakeServer(t *testing.T, handle func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
}

func readPacket(t *testing.T, conn *websocket.Conn) packet.Packet {
	t.Helper()
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("server ReadMessage: %v", err)
	}
	p, err := packet.Decode(data)
	if err != nil {
		t.Fatalf("server decode: %v", err)
	}
	return p
}

func sendPacket(t *testing.T, conn *websocket.Conn, p packet.Packet) {
	t.Helper()
	encoded, err := packet.Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, encoded); err != nil {
		t.Fatalf("server WriteMessage: %v", err)
	}
}

func TestClientJoinWelcomeAndRoute(t *testing.T) {
	identityReceived := make(chan []byte, 1)
	routeSent := make(chan struct{})

	srv := newFakeServer(t, func(conn *websocket.Conn) {
		p := readPacket(t, conn)
		if _, ok := p.(packet.RequestJoin); !ok {
			t.Errorf("got %T, want RequestJoin", p)
		}
		sendPacket(t, conn, packet.SetIdentity{UUID: []byte("node-123")})
		sendPacket(t, conn, packet.Welcome{})
		sendPacket(t, conn, packet.Route{Channel: 7, Data: []byte("payload")})
		close(routeSent)
		// Keep the connection open until the client disconnects.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	c := New(Config{
		URL: "ws" + srv.URL[4:],
		OnIdentityChange: func(identity []byte) {
			identityReceived <- identity
		},
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case id := <-identityReceived:
		if string(id) != "node-123" {
			t.Fatalf("identity = %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("identity change not observed")
	}

	<-routeSent
	deadline := time.Now().Add(2 * time.Second)
	var got []byte
	for time.Now().Before(deadline) {
		got = c.GetChannel(7).ReadAvailable(100)
		if len(got) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if string(got) != "payload" {
		t.Fatalf("channel data = %q", got)
	}

	cancel()
	<-done
}

func TestClientInstructionDispatch(t *testing.T) {
	instructions := make(chan bencode.Map, 1)

	srv := newFakeServer(t, func(conn *websocket.Conn) {
		readPacket(t, conn) // join
		sendPacket(t, conn, packet.Welcome{})
		data, err := bencode.EncodeMapValues(map[string]any{"action": "sync"})
		if err != nil {
			t.Fatalf("EncodeMapValues: %v", err)
		}
		sendPacket(t, conn, packet.Instruction{Sender: []byte("server"), Data: data})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	c := New(Config{
		URL: "ws" + srv.URL[4:],
		OnInstruction: func(sender []byte, data bencode.Map) {
			instructions <- data
		},
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case data := <-instructions:
		action, err := bencode.Decode(data["action"])
		if err != nil {
			t.Fatalf("decode action: %v", err)
		}
		if string(action.([]byte)) != "sync" {
			t.Fatalf("action = %q", action)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("instruction not dispatched")
	}

	cancel()
	<-done
}

func TestSendChannelDataWithoutConnectionFails(t *testing.T) {
	c := New(Config{URL: "ws://example.invalid"}, nil)
	if err := c.SendChannelData(1, []byte("x")); err == nil {
		t.Fatal("expected error sending without a connection")
	}
}

func TestGetChannelIsIdempotent(t *testing.T) {
	c := New(Config{URL: "ws://example.invalid"}, nil)
	a := c.GetChannel(3)
	b := c.GetChannel(3)
	if a != b {
		t.Fatal("expected same channel instance for the same number")
	}
}

func TestClientRepliesToPingWithTruncatedPong(t *testing.T) {
	longData := bytes.Repeat([]byte("x"), 2000)
	pongReceived := make(chan []byte, 1)

	srv := newFakeServer(t, func(conn *websocket.Conn) {
		readPacket(t, conn) // join
		sendPacket(t, conn, packet.Welcome{})
		sendPacket(t, conn, packet.Ping{Data: longData})
		p := readPacket(t, conn)
		pong, ok := p.(packet.Pong)
		if !ok {
			t.Errorf("got %T, want Pong", p)
			return
		}
		pongReceived <- pong.Data
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	c := New(Config{URL: "ws" + srv.URL[4:]}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case data := <-pongReceived:
		if len(data) != 1024 {
			t.Fatalf("pong data length = %d, want 1024", len(data))
		}
		if !bytes.Equal(data, longData[:1024]) {
			t.Fatal("pong data does not match the truncated ping payload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pong not received")
	}

	cancel()
	<-done
}

func TestNotifyCloseThenRouteRecreatesChannel(t *testing.T) {
	ready := make(chan struct{})

	srv := newFakeServer(t, func(conn *websocket.Conn) {
		readPacket(t, conn) // join
		sendPacket(t, conn, packet.Welcome{})
		sendPacket(t, conn, packet.Route{Channel: 4, Data: []byte("first")})
		sendPacket(t, conn, packet.NotifyClose{Channel: 4})
		sendPacket(t, conn, packet.Route{Channel: 4, Data: []byte("second")})
		close(ready)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	c := New(Config{URL: "ws" + srv.URL[4:]}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	<-ready

	deadline := time.Now().Add(2 * time.Second)
	var got []byte
	for time.Now().Before(deadline) {
		ch := c.GetChannel(4)
		if !ch.IsClosed() {
			if b := ch.ReadAvailable(100); string(b) == "second" {
				got = b
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if string(got) != "second" {
		t.Fatalf("channel data after recreate = %q, want %q", got, "second")
	}

	cancel()
	<-done
}

func TestReconnectReidentifiesWithPriorIdentity(t *testing.T) {
	var connCount int32
	identitySeen := make(chan []byte, 1)

	srv := newFakeServer(t, func(conn *websocket.Conn) {
		n := atomic.AddInt32(&connCount, 1)
		p := readPacket(t, conn)
		if n == 1 {
			if _, ok := p.(packet.RequestJoin); !ok {
				t.Errorf("conn 1: got %T, want RequestJoin", p)
			}
			sendPacket(t, conn, packet.SetIdentity{UUID: []byte("node-777")})
			sendPacket(t, conn, packet.Welcome{})
			conn.Close() // force a disconnect so the client has to reconnect
			return
		}
		identify, ok := p.(packet.RequestIdentify)
		if !ok {
			t.Errorf("conn 2: got %T, want RequestIdentify", p)
			return
		}
		identitySeen <- identify.UUID
		sendPacket(t, conn, packet.Welcome{})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	c := New(Config{
		URL:          "ws" + srv.URL[4:],
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 20 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case id := <-identitySeen:
		if string(id) != "node-777" {
			t.Fatalf("re-identify uuid = %q, want %q", id, "node-777")
		}
	case <-time.After(4 * time.Second):
		t.Fatal("client did not reconnect and re-identify with its prior identity")
	}

	cancel()
	<-done
}

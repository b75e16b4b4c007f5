package agent

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wildfoundry/dataplicity-agent/internal/bencode"
	"github.com/wildfoundry/dataplicity-agent/internal/m2m/packet"
	"github.com/wildfoundry/dataplicity-agent/internal/terminal"
)

type fakeControlPlane struct {
	associated    chan []byte
	syncCount     int
	scanCount     int
}

func (f *fakeControlPlane) Associate(identity []byte) error {
	f.associated <- identity
	return nil
}

func (f *fakeControlPlane) Sync() error { f.syncCount++; return nil }

func (f *fakeControlPlane) TriggerDirectoryScan() error { f.scanCount++; return nil }

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

func TestAgentNotifiesControlPlaneOnceOnIdentity(t *testing.T) {
	cp := &fakeControlPlane{associated: make(chan []byte, 4)}

	srv := newFakeServer(t, func(conn *websocket.Conn) {
		readPacket(t, conn) // join
		sendPacket(t, conn, packet.SetIdentity{UUID: []byte("node-xyz")})
		sendPacket(t, conn, packet.Welcome{})
		// Redundant identity assignment must not notify twice.
		sendPacket(t, conn, packet.SetIdentity{UUID: []byte("node-xyz")})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	a := New(Config{M2MURL: "ws" + srv.URL[4:], ControlPlane: cp}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case id := <-cp.associated:
		if string(id) != "node-xyz" {
			t.Fatalf("identity = %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected an Associate call")
	}

	select {
	case <-cp.associated:
		t.Fatal("expected exactly one Associate call for an unchanged identity")
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	<-done
}

func TestAgentOpenEchoInstructionEchoesData(t *testing.T) {
	routeBack := make(chan struct{})

	srv := newFakeServer(t, func(conn *websocket.Conn) {
		readPacket(t, conn) // join
		sendPacket(t, conn, packet.Welcome{})

		instructionData, err := bencode.EncodeMapValues(map[string]any{
			"action": "open-echo",
			"port":   int64(4),
		})
		if err != nil {
			t.Fatalf("EncodeMapValues: %v", err)
		}
		sendPacket(t, conn, packet.Instruction{Sender: []byte("server"), Data: instructionData})
		sendPacket(t, conn, packet.Route{Channel: 4, Data: []byte("ping")})

		p := readPacket(t, conn)
		send, ok := p.(packet.RequestSend)
		if !ok {
			t.Errorf("got %T, want RequestSend (echoed data)", p)
		} else if send.Channel != 4 || string(send.Data) != "ping" {
			t.Errorf("echoed channel/data = %d/%q", send.Channel, send.Data)
		}
		close(routeBack)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	a := New(Config{M2MURL: "ws" + srv.URL[4:]}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-routeBack:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the echo service to write data back")
	}

	cancel()
	<-done
}

func TestParsedIdentityFromSixteenByteUUID(t *testing.T) {
	raw := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	a := New(Config{M2MURL: "ws://example.invalid"}, raw)
	id, ok := a.ParsedIdentity()
	if !ok {
		t.Fatal("expected 16-byte identity to parse as a uuid.UUID")
	}
	if !bytes.Equal(id[:], raw) {
		t.Fatalf("parsed uuid = %x, want %x", id[:], raw)
	}
}

func TestParsedIdentityFailsForNonUUIDBytes(t *testing.T) {
	a := New(Config{M2MURL: "ws://example.invalid"}, []byte("node-xyz"))
	if _, ok := a.ParsedIdentity(); ok {
		t.Fatal("expected ParsedIdentity to fail for non-uuid-shaped bytes")
	}
}

func TestRunReturnsOnContextDoneAfterServerDisconnect(t *testing.T) {
	srv := newFakeServer(t, func(conn *websocket.Conn) {
		readPacket(t, conn)
		sendPacket(t, conn, packet.Welcome{})
		// Disconnect immediately after welcome by closing the connection.
	})
	defer srv.Close()

	a := New(Config{M2MURL: "ws" + srv.URL[4:]}, nil)
	a.AddTerminal(terminal.Definition{Name: "sleeper", Command: "/bin/sleep 5"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	<-done
}

package packet

import (
	"bytes"
	"errors"
	"testing"

	"github.com/wildfoundry/dataplicity-agent/internal/bencode"
)

func roundTrip(t *testing.T, p Packet) Packet {
	t.Helper()
	encoded, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode(%#v): %v", p, err)
	}
	got, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode(%x): %v", encoded, err)
	}
	return got
}

func TestRoundTripNoFieldPackets(t *testing.T) {
	for _, p := range []Packet{
		Null{}, RequestJoin{}, Welcome{}, KeepAlive{}, RequestLeave{},
	} {
		got := roundTrip(t, p)
		if got.Tag() != p.Tag() {
			t.Fatalf("got tag %v, want %v", got.Tag(), p.Tag())
		}
	}
}

func TestRoundTripRoute(t *testing.T) {
	p := Route{Channel: 7, Data: []byte("hello")}
	got := roundTrip(t, p).(Route)
	if got.Channel != 7 || !bytes.Equal(got.Data, []byte("hello")) {
		t.Fatalf("got %#v", got)
	}
}

func TestRoundTripInstruction(t *testing.T) {
	data, err := bencode.EncodeMapValues(map[string]any{
		"name": "open-terminal",
	})
	if err != nil {
		t.Fatalf("EncodeMapValues: %v", err)
	}
	p := Instruction{Sender: []byte("node-1"), Data: data}
	got := roundTrip(t, p).(Instruction)
	if !bytes.Equal(got.Sender, []byte("node-1")) {
		t.Fatalf("sender = %q", got.Sender)
	}
	name, err := bencode.Decode(got.Data["name"])
	if err != nil {
		t.Fatalf("decoding nested name: %v", err)
	}
	if !bytes.Equal(name.([]byte), []byte("open-terminal")) {
		t.Fatalf("name = %q", name)
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	encoded, err := bencode.Encode(bencode.List{int64(9999)})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, err = Decode(encoded)
	if !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("got %v, want ErrUnknownTag", err)
	}
}

func TestDecodeNotAList(t *testing.T) {
	encoded, err := bencode.Encode(int64(1))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, err = Decode(encoded)
	if !errors.Is(err, ErrNotAList) {
		t.Fatalf("got %v, want ErrNotAList", err)
	}
}

func TestDecodeMissingField(t *testing.T) {
	encoded, err := bencode.Encode(bencode.List{int64(TagRoute)})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, err = Decode(encoded)
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("got %v, want ErrMissingField", err)
	}
}

func TestDecodeWrongFieldType(t *testing.T) {
	encoded, err := bencode.Encode(bencode.List{int64(TagRoute), "not-an-int", []byte("x")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, err = Decode(encoded)
	if !errors.Is(err, ErrWrongFieldType) {
		t.Fatalf("got %v, want ErrWrongFieldType", err)
	}
}

// Package packet implements the M2M wire packets (spec §3): a bencode list
// whose first element is an integer tag and whose remaining elements are the
// packet's fields in a fixed, type-specific order. Grounded in the original
// agent's packets.py/packetbase.py, generalized from Python's runtime
// attribute registry into a Go sum type with an explicit decode dispatch
// table.
package packet

import (
	"fmt"

	"github.com/wildfoundry/dataplicity-agent/internal/bencode"
)

// Tag identifies a packet kind. Values match the original protocol's wire
// tags so an unmodified peer can still parse frames this agent emits.
type Tag int64

const (
	TagNull               Tag = 0
	TagRequestJoin        Tag = 1
	TagRequestIdentify    Tag = 2
	TagWelcome            Tag = 3
	TagLog                Tag = 4
	TagRequestSend        Tag = 5
	TagRoute              Tag = 6
	TagPing               Tag = 7
	TagPong               Tag = 8
	TagSetIdentity        Tag = 9
	TagRequestClose       Tag = 11
	TagKeepAlive          Tag = 13
	TagNotifyOpen         Tag = 14
	TagInstruction        Tag = 16
	TagNotifyClose        Tag = 19
	TagRequestLeave       Tag = 20
	TagRouteControl       Tag = 21
	TagRequestSendControl Tag = 22
	TagResponse           Tag = 100
)

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tag(%d)", int64(t))
}

var tagNames = map[Tag]string{
	TagNull:               "null",
	TagRequestJoin:        "request_join",
	TagRequestIdentify:    "request_identify",
	TagWelcome:            "welcome",
	TagLog:                "log",
	TagRequestSend:        "request_send",
	TagRoute:              "route",
	TagPing:               "ping",
	TagPong:               "pong",
	TagSetIdentity:        "set_identity",
	TagRequestClose:       "request_close",
	TagKeepAlive:          "keep_alive",
	TagNotifyOpen:         "notify_open",
	TagInstruction:        "instruction",
	TagNotifyClose:        "notify_close",
	TagRequestLeave:       "request_leave",
	TagRouteControl:       "route_control",
	TagRequestSendControl: "request_send_control",
	TagResponse:           "response",
}

// Packet is any decodable/encodable M2M packet.
type Packet interface {
	Tag() Tag
	fields() bencode.List
}

// Encode serializes p as a bencode list: [tag, field...].
func Encode(p Packet) ([]byte, error) {
	body := append(bencode.List{int64(p.Tag())}, p.fields()...)
	return bencode.Encode(body)
}

type decodeFunc func(fields []any) (Packet, error)

var registry = map[Tag]decodeFunc{
	TagNull:               decodeNull,
	TagRequestJoin:        decodeRequestJoin,
	TagRequestIdentify:    decodeRequestIdentify,
	TagWelcome:            decodeWelcome,
	TagLog:                decodeLog,
	TagRequestSend:        decodeRequestSend,
	TagRoute:              decodeRoute,
	TagPing:               decodePing,
	TagPong:               decodePong,
	TagSetIdentity:        decodeSetIdentity,
	TagRequestClose:       decodeRequestClose,
	TagKeepAlive:          decodeKeepAlive,
	TagNotifyOpen:         decodeNotifyOpen,
	TagInstruction:        decodeInstruction,
	TagNotifyClose:        decodeNotifyClose,
	TagRequestLeave:       decodeRequestLeave,
	TagRouteControl:       decodeRouteControl,
	TagRequestSendControl: decodeRequestSendControl,
	TagResponse:           decodeResponse,
}

// Decode parses a complete M2M frame (the raw bytes of one websocket
// message) into a typed Packet.
func Decode(data []byte) (Packet, error) {
	v, err := bencode.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("packet: %w", err)
	}
	list, ok := v.(bencode.List)
	if !ok {
		return nil, fmt.Errorf("packet: %w", ErrNotAList)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("packet: %w: empty packet", ErrNotAList)
	}
	tagVal, ok := list[0].(int64)
	if !ok {
		return nil, fmt.Errorf("packet: %w: tag must be an integer", ErrWrongFieldType)
	}
	tag := Tag(tagVal)
	decode, ok := registry[tag]
	if !ok {
		return nil, fmt.Errorf("packet: %w: %s", ErrUnknownTag, tag)
	}
	return decode(list[1:])
}

func field(fields []any, i int, name string) (any, error) {
	if i >= len(fields) {
		return nil, fmt.Errorf("%w: %q", ErrMissingField, name)
	}
	return fields[i], nil
}

func fieldInt(fields []any, i int, name string) (int64, error) {
	v, err := field(fields, i, name)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("%w: %q must be an integer, got %T", ErrWrongFieldType, name, v)
	}
	return n, nil
}

func fieldBytes(fields []any, i int, name string) ([]byte, error) {
	v, err := field(fields, i, name)
	if err != nil {
		return nil, err
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: %q must be a byte-string, got %T", ErrWrongFieldType, name, v)
	}
	return b, nil
}

func fieldMap(fields []any, i int, name string) (bencode.Map, error) {
	v, err := field(fields, i, name)
	if err != nil {
		return nil, err
	}
	m, ok := v.(bencode.Map)
	if !ok {
		return nil, fmt.Errorf("%w: %q must be a mapping, got %T", ErrWrongFieldType, name, v)
	}
	return m, nil
}

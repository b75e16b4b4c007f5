package packet

import "github.com/wildfoundry/dataplicity-agent/internal/bencode"

// Null does nothing; a sentinel, probably never sent over the wire.
type Null struct{}

func (Null) Tag() Tag             { return TagNull }
func (Null) fields() bencode.List { return bencode.List{} }
func decodeNull([]any) (Packet, error) { return Null{}, nil }

// RequestJoin asks the server to admit this client as a brand new node.
type RequestJoin struct{}

func (RequestJoin) Tag() Tag             { return TagRequestJoin }
func (RequestJoin) fields() bencode.List { return bencode.List{} }
func decodeRequestJoin([]any) (Packet, error) { return RequestJoin{}, nil }

// RequestIdentify asks the server to re-admit this client under a
// previously issued identity.
type RequestIdentify struct {
	UUID []byte
}

func (p RequestIdentify) Tag() Tag { return TagRequestIdentify }
func (p RequestIdentify) fields() bencode.List {
	return bencode.List{p.UUID}
}
func decodeRequestIdentify(f []any) (Packet, error) {
	uuid, err := fieldBytes(f, 0, "uuid")
	if err != nil {
		return nil, err
	}
	return RequestIdentify{UUID: uuid}, nil
}

// Welcome confirms a request_join/request_identify succeeded.
type Welcome struct{}

func (Welcome) Tag() Tag             { return TagWelcome }
func (Welcome) fields() bencode.List { return bencode.List{} }
func decodeWelcome([]any) (Packet, error) { return Welcome{}, nil }

// Log carries a human-readable diagnostic string the peer may ignore.
type Log struct {
	Text []byte
}

func (p Log) Tag() Tag             { return TagLog }
func (p Log) fields() bencode.List { return bencode.List{p.Text} }
func decodeLog(f []any) (Packet, error) {
	text, err := fieldBytes(f, 0, "text")
	if err != nil {
		return nil, err
	}
	return Log{Text: text}, nil
}

// RequestSend asks the server to route data to a channel on behalf of this
// client (the client-side counterpart of Route).
type RequestSend struct {
	Channel int64
	Data    []byte
}

func (p RequestSend) Tag() Tag { return TagRequestSend }
func (p RequestSend) fields() bencode.List {
	return bencode.List{p.Channel, p.Data}
}
func decodeRequestSend(f []any) (Packet, error) {
	ch, err := fieldInt(f, 0, "channel")
	if err != nil {
		return nil, err
	}
	data, err := fieldBytes(f, 1, "data")
	if err != nil {
		return nil, err
	}
	return RequestSend{Channel: ch, Data: data}, nil
}

// Route delivers inbound channel data from the server.
type Route struct {
	Channel int64
	Data    []byte
}

func (p Route) Tag() Tag { return TagRoute }
func (p Route) fields() bencode.List {
	return bencode.List{p.Channel, p.Data}
}
func decodeRoute(f []any) (Packet, error) {
	ch, err := fieldInt(f, 0, "channel")
	if err != nil {
		return nil, err
	}
	data, err := fieldBytes(f, 1, "data")
	if err != nil {
		return nil, err
	}
	return Route{Channel: ch, Data: data}, nil
}

// RequestSendControl is the out-of-band counterpart of RequestSend: control
// bytes for a channel (e.g. a PTY resize) rather than payload bytes.
type RequestSendControl struct {
	Channel int64
	Data    []byte
}

func (p RequestSendControl) Tag() Tag { return TagRequestSendControl }
func (p RequestSendControl) fields() bencode.List {
	return bencode.List{p.Channel, p.Data}
}
func decodeRequestSendControl(f []any) (Packet, error) {
	ch, err := fieldInt(f, 0, "channel")
	if err != nil {
		return nil, err
	}
	data, err := fieldBytes(f, 1, "data")
	if err != nil {
		return nil, err
	}
	return RequestSendControl{Channel: ch, Data: data}, nil
}

// RouteControl delivers inbound out-of-band control data for a channel.
type RouteControl struct {
	Channel int64
	Data    []byte
}

func (p RouteControl) Tag() Tag { return TagRouteControl }
func (p RouteControl) fields() bencode.List {
	return bencode.List{p.Channel, p.Data}
}
func decodeRouteControl(f []any) (Packet, error) {
	ch, err := fieldInt(f, 0, "channel")
	if err != nil {
		return nil, err
	}
	data, err := fieldBytes(f, 1, "data")
	if err != nil {
		return nil, err
	}
	return RouteControl{Channel: ch, Data: data}, nil
}

// Ping asks the peer to echo Data back in a Pong; used for the liveness
// watcher (spec §4.4).
type Ping struct {
	Data []byte
}

func (p Ping) Tag() Tag             { return TagPing }
func (p Ping) fields() bencode.List { return bencode.List{p.Data} }
func decodePing(f []any) (Packet, error) {
	data, err := fieldBytes(f, 0, "data")
	if err != nil {
		return nil, err
	}
	return Ping{Data: data}, nil
}

// Pong answers a Ping.
type Pong struct {
	Data []byte
}

func (p Pong) Tag() Tag             { return TagPong }
func (p Pong) fields() bencode.List { return bencode.List{p.Data} }
func decodePong(f []any) (Packet, error) {
	data, err := fieldBytes(f, 0, "data")
	if err != nil {
		return nil, err
	}
	return Pong{Data: data}, nil
}

// SetIdentity tells the client its assigned node UUID.
type SetIdentity struct {
	UUID []byte
}

func (p SetIdentity) Tag() Tag             { return TagSetIdentity }
func (p SetIdentity) fields() bencode.List { return bencode.List{p.UUID} }
func decodeSetIdentity(f []any) (Packet, error) {
	uuid, err := fieldBytes(f, 0, "uuid")
	if err != nil {
		return nil, err
	}
	return SetIdentity{UUID: uuid}, nil
}

// NotifyOpen tells the client a channel has been opened on its behalf.
type NotifyOpen struct {
	Channel int64
}

func (p NotifyOpen) Tag() Tag             { return TagNotifyOpen }
func (p NotifyOpen) fields() bencode.List { return bencode.List{p.Channel} }
func decodeNotifyOpen(f []any) (Packet, error) {
	ch, err := fieldInt(f, 0, "channel")
	if err != nil {
		return nil, err
	}
	return NotifyOpen{Channel: ch}, nil
}

// NotifyClose tells the client a channel has been closed, by either side.
type NotifyClose struct {
	Channel int64
}

func (p NotifyClose) Tag() Tag             { return TagNotifyClose }
func (p NotifyClose) fields() bencode.List { return bencode.List{p.Channel} }
func decodeNotifyClose(f []any) (Packet, error) {
	ch, err := fieldInt(f, 0, "channel")
	if err != nil {
		return nil, err
	}
	return NotifyClose{Channel: ch}, nil
}

// RequestClose asks the server to close a channel.
type RequestClose struct {
	Channel int64
}

func (p RequestClose) Tag() Tag             { return TagRequestClose }
func (p RequestClose) fields() bencode.List { return bencode.List{p.Channel} }
func decodeRequestClose(f []any) (Packet, error) {
	ch, err := fieldInt(f, 0, "channel")
	if err != nil {
		return nil, err
	}
	return RequestClose{Channel: ch}, nil
}

// KeepAlive is exchanged to hold the connection open through idle periods.
type KeepAlive struct{}

func (KeepAlive) Tag() Tag             { return TagKeepAlive }
func (KeepAlive) fields() bencode.List { return bencode.List{} }
func decodeKeepAlive([]any) (Packet, error) { return KeepAlive{}, nil }

// RequestLeave politely announces this client is disconnecting.
type RequestLeave struct{}

func (RequestLeave) Tag() Tag             { return TagRequestLeave }
func (RequestLeave) fields() bencode.List { return bencode.List{} }
func decodeRequestLeave([]any) (Packet, error) { return RequestLeave{}, nil }

// Instruction carries an application-defined command outside of any
// channel, dispatched to the service layer (spec §5).
type Instruction struct {
	Sender []byte
	Data   bencode.Map
}

func (p Instruction) Tag() Tag { return TagInstruction }
func (p Instruction) fields() bencode.List {
	return bencode.List{p.Sender, p.Data}
}
func decodeInstruction(f []any) (Packet, error) {
	sender, err := fieldBytes(f, 0, "sender")
	if err != nil {
		return nil, err
	}
	data, err := fieldMap(f, 1, "data")
	if err != nil {
		return nil, err
	}
	return Instruction{Sender: sender, Data: data}, nil
}

// Response answers a prior command (keyed by CommandID) with a result map.
type Response struct {
	CommandID int64
	Result    bencode.Map
}

func (p Response) Tag() Tag { return TagResponse }
func (p Response) fields() bencode.List {
	return bencode.List{p.CommandID, p.Result}
}
func decodeResponse(f []any) (Packet, error) {
	id, err := fieldInt(f, 0, "command_id")
	if err != nil {
		return nil, err
	}
	result, err := fieldMap(f, 1, "result")
	if err != nil {
		return nil, err
	}
	return Response{CommandID: id, Result: result}, nil
}

package ws

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type packetKind int

const (
	packetUnknown packetKind = iota
	packetOpen
	packetClose
	packetPing
	packetPong
	packetConnect
	packetDisconnect
	packetEvent
	packetConnectError
)

func (k packetKind) String() string {
	switch k {
	case packetOpen:
		return "open"
	case packetClose:
		return "close"
	case packetPing:
		return "ping"
	case packetPong:
		return "pong"
	case packetConnect:
		return "connect"
	case packetDisconnect:
		return "disconnect"
	case packetEvent:
		return "event"
	case packetConnectError:
		return "connect_error"
	default:
		return "unknown"
	}
}

// Framed-mode packets on the wire.
var (
	pingFrame    = []byte("2")
	pongFrame    = []byte("3")
	connectFrame = []byte("40")
)

type packet struct {
	kind packetKind
	data []byte
}

// decodePacket splits one framed-mode text frame into its kind and JSON body.
// The engine-level type is the first byte; message packets ('4') carry a second
// type byte and an optional "/namespace," prefix before the body.
func decodePacket(frame []byte) (packet, error) {
	if len(frame) == 0 {
		return packet{}, fmt.Errorf("empty frame")
	}

	switch frame[0] {
	case '0':
		return packet{kind: packetOpen, data: frame[1:]}, nil
	case '1':
		return packet{kind: packetClose}, nil
	case '2':
		return packet{kind: packetPing, data: frame[1:]}, nil
	case '3':
		return packet{kind: packetPong, data: frame[1:]}, nil
	case '4':
	default:
		return packet{kind: packetUnknown, data: frame}, nil
	}

	if len(frame) < 2 {
		return packet{}, fmt.Errorf("truncated message packet %q", frame)
	}
	body := frame[2:]
	if len(body) > 0 && body[0] == '/' {
		if i := bytes.IndexByte(body, ','); i >= 0 {
			body = body[i+1:]
		} else {
			body = nil
		}
	}

	switch frame[1] {
	case '0':
		return packet{kind: packetConnect, data: body}, nil
	case '1':
		return packet{kind: packetDisconnect, data: body}, nil
	case '2':
		return packet{kind: packetEvent, data: body}, nil
	case '4':
		return packet{kind: packetConnectError, data: body}, nil
	default:
		return packet{kind: packetUnknown, data: frame}, nil
	}
}

// decodeEvent splits an event body `["name", payload]` into its parts. A missing
// payload decodes as JSON null.
func decodeEvent(body []byte) (string, json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(body, &parts); err != nil {
		return "", nil, fmt.Errorf("decode event body: %w", err)
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("event body has no name")
	}

	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("decode event name: %w", err)
	}
	if len(parts) == 1 {
		return name, json.RawMessage("null"), nil
	}
	return name, parts[1], nil
}

// encodeEvent builds the framed-mode frame `42["name",payload]`.
func encodeEvent(name string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal([]interface{}{name, payload})
	if err != nil {
		return nil, fmt.Errorf("encode event %q: %w", name, err)
	}
	return append([]byte("42"), body...), nil
}

type rawFrame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// encodeRaw builds the raw-mode frame `{"event":name,"data":payload}`.
func encodeRaw(name string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(rawFrame{Event: name, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("encode event %q: %w", name, err)
	}
	return body, nil
}

package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

type helloWire struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	Agent   string `json:"agent"`
}

type typeOnlyWire struct {
	Type string `json:"type"`
}

type peersWire struct {
	Type  string   `json:"type"`
	Peers []string `json:"peers"`
}

type objectIDWire struct {
	Type     string `json:"type"`
	ObjectID string `json:"objectid"`
}

type objectWire struct {
	Type   string `json:"type"`
	Object string `json:"object"`
}

// Encode renders m as a single-line JSON object carrying exactly the keys of
// its variant. The returned line has no trailing newline.
func Encode(m Message) (string, error) {
	var v any
	switch msg := m.(type) {
	case Hello:
		v = helloWire{Type: MsgTypeHello, Version: msg.Version, Agent: msg.Agent}
	case GetPeers:
		v = typeOnlyWire{Type: MsgTypeGetPeers}
	case Peers:
		peers := msg.Peers
		if peers == nil {
			peers = []string{}
		}
		v = peersWire{Type: MsgTypePeers, Peers: peers}
	case GetObject:
		v = objectIDWire{Type: MsgTypeGetObject, ObjectID: msg.ObjectID}
	case IHaveObject:
		v = objectIDWire{Type: MsgTypeIHaveObject, ObjectID: msg.ObjectID}
	case Object:
		v = objectWire{Type: MsgTypeObject, Object: msg.Payload}
	default:
		return "", fmt.Errorf("encode: unsupported message %T", m)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode parses one wire line. Every failure wraps ErrMalformed; unknown or
// missing types additionally wrap ErrUnknownType. A failed decode never
// returns a partial message.
func Decode(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	var msgType string
	if err := field(raw, keyType, &msgType); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, errors.Join(ErrUnknownType, err))
	}
	switch msgType {
	case MsgTypeHello:
		var m Hello
		if err := field(raw, keyVersion, &m.Version); err != nil {
			return nil, malformed(msgType, err)
		}
		if err := field(raw, keyAgent, &m.Agent); err != nil {
			return nil, malformed(msgType, err)
		}
		return m, nil
	case MsgTypeGetPeers:
		return GetPeers{}, nil
	case MsgTypePeers:
		var m Peers
		if err := field(raw, keyPeers, &m.Peers); err != nil {
			return nil, malformed(msgType, err)
		}
		if m.Peers == nil {
			m.Peers = []string{}
		}
		return m, nil
	case MsgTypeGetObject:
		var m GetObject
		if err := field(raw, keyObjectID, &m.ObjectID); err != nil {
			return nil, malformed(msgType, err)
		}
		return m, nil
	case MsgTypeIHaveObject:
		var m IHaveObject
		if err := field(raw, keyObjectID, &m.ObjectID); err != nil {
			return nil, malformed(msgType, err)
		}
		return m, nil
	case MsgTypeObject:
		var m Object
		if err := field(raw, keyObject, &m.Payload); err != nil {
			return nil, malformed(msgType, err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %w: %q", ErrMalformed, ErrUnknownType, msgType)
	}
}

// EncodeLine is Encode with the trailing newline the wire expects.
func EncodeLine(m Message) (string, error) {
	s, err := Encode(m)
	if err != nil {
		return "", err
	}
	return s + "\n", nil
}

func field(raw map[string]json.RawMessage, key string, dst any) error {
	v, ok := raw[key]
	if !ok || string(v) == "null" {
		return fmt.Errorf("missing %q", key)
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("bad %q: %v", key, err)
	}
	return nil
}

func malformed(msgType string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformed, msgType, err)
}

package proto

const (
	ProtoVersion = "0.1.0"
	Agent        = "objgossip/0.1.0"
)

const (
	MsgTypeHello       = "hello"
	MsgTypeGetPeers    = "getpeers"
	MsgTypePeers       = "peers"
	MsgTypeGetObject   = "getobject"
	MsgTypeIHaveObject = "ihaveobject"
	MsgTypeObject      = "object"
)

// Wire keys. They are case-sensitive and fixed by the protocol.
const (
	keyType     = "type"
	keyVersion  = "version"
	keyAgent    = "agent"
	keyPeers    = "peers"
	keyObjectID = "objectid"
	keyObject   = "object"
)

// Message is one of the six protocol messages. The set is closed: only the
// types in this package implement it.
type Message interface {
	Type() string
	isMessage()
}

type Hello struct {
	Version string
	Agent   string
}

type GetPeers struct{}

// Peers carries a peer address list. A nil list is sent as [] and decodes
// as an empty, non-nil slice.
type Peers struct {
	Peers []string
}

type GetObject struct {
	ObjectID string
}

type IHaveObject struct {
	ObjectID string
}

type Object struct {
	Payload string
}

func (Hello) Type() string       { return MsgTypeHello }
func (GetPeers) Type() string    { return MsgTypeGetPeers }
func (Peers) Type() string       { return MsgTypePeers }
func (GetObject) Type() string   { return MsgTypeGetObject }
func (IHaveObject) Type() string { return MsgTypeIHaveObject }
func (Object) Type() string      { return MsgTypeObject }

func (Hello) isMessage()       {}
func (GetPeers) isMessage()    {}
func (Peers) isMessage()       {}
func (GetObject) isMessage()   {}
func (IHaveObject) isMessage() {}
func (Object) isMessage()      {}

// NewHello builds the local handshake message.
func NewHello() Hello {
	return Hello{Version: ProtoVersion, Agent: Agent}
}

// KnownType reports whether t is one of the protocol message types.
func KnownType(t string) bool {
	switch t {
	case MsgTypeHello, MsgTypeGetPeers, MsgTypePeers, MsgTypeGetObject, MsgTypeIHaveObject, MsgTypeObject:
		return true
	default:
		return false
	}
}

package session

import (
	"errors"
	"fmt"
	"time"

	"objgossip/internal/metrics"
	"objgossip/internal/proto"
)

const (
	ReasonClosed         = "closed"
	ReasonMalformed      = "malformed"
	ReasonNoHandshake    = "no_handshake"
	ReasonDoubleHello    = "double_handshake"
	ReasonBadVersion     = "version_mismatch"
	ReasonSendFailed     = "send_failed"
	ReasonUnknownMessage = "unknown_message"
)

var (
	ErrTerminated       = errors.New("session terminated")
	ErrConnInactive     = errors.New("connection inactive")
	ErrNoHandshake      = errors.New("message before handshake")
	ErrDoubleHandshake  = errors.New("double handshake")
	ErrVersionMismatch  = errors.New("unsupported protocol version")
	ErrUnhandledMessage = errors.New("unhandled message")
)

// Violation is a fatal session error. Reason is a short stable label used in
// metrics and logs.
type Violation struct {
	Reason string
	Err    error
}

func (v *Violation) Error() string {
	if v.Err == nil {
		return v.Reason
	}
	return fmt.Sprintf("%s: %v", v.Reason, v.Err)
}

func (v *Violation) Unwrap() error { return v.Err }

func violation(reason string, err error) error {
	return &Violation{Reason: reason, Err: err}
}

func (s *Session) handleLine(line string) error {
	if err := proto.CheckLineSize(line, s.opts.MaxLineSize); err != nil {
		s.log.Logf("sent oversized message (%d bytes), closing connection", len(line))
		return violation(ReasonMalformed, err)
	}
	msg, err := proto.Decode(line)
	if err != nil {
		s.log.Logf("sent bad message: %s, closing connection", preview(line, 120))
		return violation(ReasonMalformed, err)
	}
	s.opts.Metrics.IncRecvByType(msg.Type())
	if _, isHello := msg.(proto.Hello); !isHello && s.State() != Established {
		s.log.Logf("%s before handshake", msg.Type())
		return violation(ReasonNoHandshake, fmt.Errorf("%w: %s", ErrNoHandshake, msg.Type()))
	}
	switch m := msg.(type) {
	case proto.Hello:
		return s.onHello(m)
	case proto.GetPeers:
		return s.onGetPeers()
	case proto.Peers:
		return s.onPeers(m)
	case proto.IHaveObject:
		return s.onIHaveObject(m)
	case proto.GetObject:
		return s.onGetObject(m)
	case proto.Object:
		return s.onObject(m)
	default:
		return violation(ReasonUnknownMessage, fmt.Errorf("%w: %T", ErrUnhandledMessage, msg))
	}
}

func (s *Session) onHello(m proto.Hello) error {
	if s.State() == Established {
		s.log.Logf("double handshake")
		return violation(ReasonDoubleHello, ErrDoubleHandshake)
	}
	if m.Version != s.opts.Version {
		s.log.Logf("bad version %q (agent %q)", m.Version, m.Agent)
		return violation(ReasonBadVersion, fmt.Errorf("%w: %q", ErrVersionMismatch, m.Version))
	}
	if s.opts.Initiator {
		s.state.CompareAndSwap(int32(AwaitingHandshake), int32(Established))
		s.opts.Metrics.IncHandshake()
		s.log.Logf("handshake done with agent %q", m.Agent)
		return nil
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.state.CompareAndSwap(int32(AwaitingHandshake), int32(Established))
	s.opts.Metrics.IncHandshake()
	s.log.Logf("handshake done with agent %q", m.Agent)
	if err := s.reply(proto.Hello{Version: s.opts.Version, Agent: s.opts.Agent}); err != nil {
		return err
	}
	s.log.Debugf("sent hello")
	return nil
}

func (s *Session) onGetPeers() error {
	addrs := s.node.ListPeerAddresses()
	fit := proto.FitPeers(addrs, s.opts.MaxLineSize)
	if len(fit) < len(addrs) {
		s.log.Debugf("peers reply truncated to %d of %d addresses", len(fit), len(addrs))
	}
	out := make([]string, len(fit))
	copy(out, fit)
	return s.reply(proto.Peers{Peers: out})
}

func (s *Session) onPeers(m proto.Peers) error {
	s.log.Debugf("adding %d peers", len(m.Peers))
	s.node.MergePeerAddresses(m.Peers)
	return nil
}

func (s *Session) onIHaveObject(m proto.IHaveObject) error {
	if s.node.ObjectExists(m.ObjectID) {
		s.opts.Metrics.IncKnown()
		return nil
	}
	s.log.Debugf("asking for object %s", m.ObjectID)
	s.opts.Metrics.IncFetched()
	return s.reply(proto.GetObject{ObjectID: m.ObjectID})
}

func (s *Session) onGetObject(m proto.GetObject) error {
	payload, ok := s.node.GetObject(m.ObjectID)
	if !ok {
		s.opts.Metrics.IncObjectMissing()
		return nil
	}
	s.log.Debugf("sending object %s", m.ObjectID)
	s.opts.Metrics.IncObjectServed()
	return s.reply(proto.Object{Payload: payload})
}

func (s *Session) onObject(m proto.Object) error {
	id := s.opts.Hash(m.Payload)
	if !s.node.InsertObjectIfAbsent(id, m.Payload) {
		s.opts.Metrics.IncObjectDuplicate()
		return nil
	}
	s.log.Debugf("stored object %s (%d bytes)", id, len(m.Payload))
	s.opts.Metrics.ObjectStored(metrics.ObjectHeader{
		ObjectID: id,
		Size:     len(m.Payload),
		From:     s.Name(),
		StoredAt: time.Now().UTC(),
	})
	line, err := proto.Encode(proto.IHaveObject{ObjectID: id})
	if err != nil {
		return err
	}
	s.opts.Metrics.IncAnnounced()
	s.node.Broadcast(line, s.Name())
	return nil
}

func (s *Session) reply(m proto.Message) error {
	if err := s.sendMessage(m); err != nil {
		return violation(ReasonSendFailed, err)
	}
	return nil
}

func preview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

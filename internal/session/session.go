// Package session runs the protocol for one peer connection: the hello
// handshake, peer discovery, and announce/fetch object gossip.
//
// A Session owns two goroutines. The reader blocks on Conn.Read and feeds
// lines into a channel; the processing loop, which runs in the goroutine that
// called Run, handles those lines one at a time in arrival order. Run does not
// return until the reader has exited, and only then reports the session as
// finished to the Node.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"objgossip/internal/crypto"
	"objgossip/internal/debuglog"
	"objgossip/internal/metrics"
	"objgossip/internal/proto"
)

// Node is the shared state every session works against. Implementations must
// make each call atomic with respect to concurrent sessions.
type Node interface {
	ListPeerAddresses() []string
	MergePeerAddresses(addrs []string)
	ObjectExists(id string) bool
	GetObject(id string) (string, bool)
	InsertObjectIfAbsent(id, payload string) bool
	// Broadcast delivers line to connected sessions. origin names the session
	// the announcement was triggered by.
	Broadcast(line string, origin string)
	SessionFinished(name string)
}

// Conn is a line-oriented transport owned by exactly one session.
type Conn interface {
	Name() string
	Active() bool
	// Read blocks for the next chunk of data. An empty chunk is ignored; an
	// error means the transport is gone.
	Read() (string, error)
	Send(line string) error
	// Terminate closes the transport. It must be idempotent.
	Terminate()
}

type State int32

const (
	AwaitingHandshake State = iota
	Established
	Terminated
)

func (s State) String() string {
	switch s {
	case AwaitingHandshake:
		return "awaiting_handshake"
	case Established:
		return "established"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type Options struct {
	// Initiator is true when the local node dialed the connection.
	Initiator bool
	Version   string
	Agent     string
	Hash      crypto.Hasher
	// MaxLineSize caps a single inbound line; longer lines are malformed.
	MaxLineSize int
	QueueDepth  int
	// InboundRate limits lines per second taken from the connection. Zero
	// or less disables the limit.
	InboundRate  float64
	InboundBurst int
	Metrics      *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Version == "" {
		o.Version = proto.ProtoVersion
	}
	if o.Agent == "" {
		o.Agent = proto.Agent
	}
	if o.Hash == nil {
		o.Hash = crypto.SHA256Hex
	}
	if o.MaxLineSize <= 0 {
		o.MaxLineSize = proto.MaxLineSize
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = proto.DefaultQueueDepth
	}
	if o.InboundBurst <= 0 {
		o.InboundBurst = 1
	}
	return o
}

type Session struct {
	conn    Conn
	node    Node
	opts    Options
	log     debuglog.Scoped
	limiter *rate.Limiter

	state atomic.Int32
	lines chan string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	// sendMu orders Send against the responder's Hello reply, so nothing
	// reaches the wire ahead of it once State reports Established.
	sendMu    sync.Mutex
	mu        sync.Mutex
	cause     error
	finished  chan struct{}
}

// New binds a session to conn. The session does nothing until Run is called.
func New(conn Conn, node Node, opts Options) *Session {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:     conn,
		node:     node,
		opts:     opts,
		log:      debuglog.With("session " + conn.Name()),
		lines:    make(chan string, opts.QueueDepth),
		ctx:      ctx,
		cancel:   cancel,
		finished: make(chan struct{}),
	}
	if opts.InboundRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.InboundRate), opts.InboundBurst)
	}
	return s
}

func (s *Session) Name() string { return s.conn.Name() }

func (s *Session) Initiator() bool { return s.opts.Initiator }

func (s *Session) State() State { return State(s.state.Load()) }

// Err returns why the session terminated: nil while it is live or when the
// connection simply closed, otherwise the violation or transport failure.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.finished }

// Send writes a pre-encoded line to the peer. A failed write terminates the
// session.
func (s *Session) Send(line string) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.State() == Terminated {
		return ErrTerminated
	}
	if err := s.conn.Send(line); err != nil {
		s.Terminate(&Violation{Reason: ReasonSendFailed, Err: err})
		return err
	}
	return nil
}

// Terminate moves the session to Terminated and closes the connection. Only
// the first call has any effect.
func (s *Session) Terminate(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.cause = cause
		s.mu.Unlock()
		s.state.Store(int32(Terminated))
		s.cancel()
		s.conn.Terminate()
		reason := ReasonClosed
		var v *Violation
		if errors.As(cause, &v) {
			reason = v.Reason
		}
		s.opts.Metrics.IncTerminateByReason(reason)
		if cause != nil {
			s.log.Logf("terminated: %v", cause)
		} else {
			s.log.Debugf("connection closed")
		}
	})
}

// Run drives the session until the connection ends. It blocks, and returns
// only after both control paths have stopped and Node.SessionFinished has
// been called.
func (s *Session) Run() {
	defer close(s.finished)
	name := s.conn.Name()
	s.opts.Metrics.SessionOpened()
	defer s.opts.Metrics.SessionFinished()
	s.log.Logf("starting initiator=%v", s.opts.Initiator)

	if !s.conn.Active() {
		s.log.Logf("connection is dead")
		s.Terminate(&Violation{Reason: ReasonClosed, Err: ErrConnInactive})
		s.node.SessionFinished(name)
		return
	}
	if s.opts.Initiator {
		if err := s.start(); err != nil {
			s.Terminate(&Violation{Reason: ReasonSendFailed, Err: err})
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.readLoop()
	}()
	s.processLoop()
	s.Terminate(nil)
	wg.Wait()

	s.log.Logf("finished")
	s.node.SessionFinished(name)
}

func (s *Session) start() error {
	s.log.Debugf("starting communications")
	if err := s.sendMessage(proto.Hello{Version: s.opts.Version, Agent: s.opts.Agent}); err != nil {
		return err
	}
	return s.sendMessage(proto.GetPeers{})
}

func (s *Session) readLoop() {
	defer close(s.lines)
	for s.conn.Active() && s.State() != Terminated {
		data, err := s.conn.Read()
		if err != nil {
			if s.State() == Terminated {
				return
			}
			if errors.Is(err, proto.ErrLineTooLong) {
				s.log.Logf("sent oversized message, closing connection")
				s.Terminate(violation(ReasonMalformed, err))
				return
			}
			s.log.Debugf("read ended: %v", err)
			s.Terminate(nil)
			return
		}
		if data == "" {
			continue
		}
		for _, line := range proto.SplitLines(data) {
			if s.limiter != nil {
				if err := s.limiter.Wait(s.ctx); err != nil {
					return
				}
			}
			select {
			case s.lines <- line:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *Session) processLoop() {
	for line := range s.lines {
		if !s.conn.Active() || s.State() == Terminated {
			return
		}
		s.log.Debugf("processing: %s", line)
		if err := s.handleLine(line); err != nil {
			s.Terminate(err)
			return
		}
	}
}

func (s *Session) sendMessage(m proto.Message) error {
	line, err := proto.Encode(m)
	if err != nil {
		return err
	}
	s.log.Debugf("sending %s", line)
	return s.conn.Send(line)
}

// Package node holds the state shared by all peer sessions of one process:
// the peer address book, the object store and the registry of live sessions.
package node

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"objgossip/internal/crypto"
	"objgossip/internal/debuglog"
	"objgossip/internal/metrics"
	"objgossip/internal/peer"
	"objgossip/internal/proto"
	"objgossip/internal/session"
	"objgossip/internal/store"
)

// Policy selects which sessions receive an IHaveObject announcement.
type Policy int

const (
	// BroadcastAll announces to every established session, including the
	// one the object arrived on.
	BroadcastAll Policy = iota
	BroadcastExcludeOrigin
)

func (p Policy) String() string {
	if p == BroadcastExcludeOrigin {
		return "exclude-origin"
	}
	return "all"
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return BroadcastAll, nil
	case "exclude-origin":
		return BroadcastExcludeOrigin, nil
	default:
		return BroadcastAll, fmt.Errorf("unknown broadcast policy %q", s)
	}
}

var (
	ErrDuplicateSession = errors.New("session name already live")
	ErrClosed           = errors.New("node closed")
)

type Options struct {
	Peers   *peer.Book
	Objects store.Objects
	Hash    crypto.Hasher
	Policy  Policy
	Metrics *metrics.Metrics
	// Session is the template for every attached session; Initiator and
	// Metrics are filled in per attach.
	Session session.Options
	// OnFinished, when set, runs after a session has been unregistered.
	OnFinished func(name string, initiator bool)
}

type Node struct {
	peers      *peer.Book
	objects    store.Objects
	hash       crypto.Hasher
	policy     Policy
	metrics    *metrics.Metrics
	sessOpts   session.Options
	onFinished func(name string, initiator bool)

	mu       sync.Mutex
	sessions map[string]*session.Session
	closed   bool
	wg       sync.WaitGroup
}

func New(opts Options) (*Node, error) {
	if opts.Peers == nil {
		b, err := peer.NewBook(peer.Options{})
		if err != nil {
			return nil, err
		}
		opts.Peers = b
	}
	if opts.Objects == nil {
		opts.Objects = store.NewMemory()
	}
	if opts.Hash == nil {
		opts.Hash = crypto.SHA256Hex
	}
	so := opts.Session
	so.Hash = opts.Hash
	so.Metrics = opts.Metrics
	return &Node{
		peers:      opts.Peers,
		objects:    opts.Objects,
		hash:       opts.Hash,
		policy:     opts.Policy,
		metrics:    opts.Metrics,
		sessOpts:   so,
		onFinished: opts.OnFinished,
		sessions:   make(map[string]*session.Session),
	}, nil
}

func (n *Node) Peers() *peer.Book { return n.peers }

func (n *Node) Objects() store.Objects { return n.objects }

func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

// Attach starts a session on conn. A name that already has a live session is
// rejected and conn is terminated.
func (n *Node) Attach(conn session.Conn, initiator bool) (*session.Session, error) {
	name := conn.Name()
	opts := n.sessOpts
	opts.Initiator = initiator

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		conn.Terminate()
		return nil, ErrClosed
	}
	if _, ok := n.sessions[name]; ok {
		n.mu.Unlock()
		conn.Terminate()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, name)
	}
	s := session.New(conn, n, opts)
	n.sessions[name] = s
	n.wg.Add(1)
	n.mu.Unlock()

	debuglog.Debugf("node: attached %s initiator=%v", name, initiator)
	go func() {
		defer n.wg.Done()
		s.Run()
	}()
	return s, nil
}

func (n *Node) ListPeerAddresses() []string {
	return n.peers.List()
}

func (n *Node) MergePeerAddresses(addrs []string) {
	added := n.peers.Merge(addrs)
	n.metrics.AddPeersMerged(added)
}

func (n *Node) ObjectExists(id string) bool {
	return n.objects.Has(id)
}

func (n *Node) GetObject(id string) (string, bool) {
	return n.objects.Get(id)
}

func (n *Node) InsertObjectIfAbsent(id, payload string) bool {
	return n.objects.InsertIfAbsent(id, payload)
}

// Broadcast sends line to every established session allowed by the policy.
// A failed send terminates only the session it was addressed to.
func (n *Node) Broadcast(line string, origin string) {
	for _, s := range n.snapshot() {
		if n.policy == BroadcastExcludeOrigin && s.Name() == origin {
			continue
		}
		if s.State() != session.Established {
			continue
		}
		if err := s.Send(line); err != nil {
			debuglog.Debugf("node: broadcast to %s failed: %v", s.Name(), err)
		}
	}
}

func (n *Node) SessionFinished(name string) {
	n.mu.Lock()
	s, ok := n.sessions[name]
	if ok {
		delete(n.sessions, name)
	}
	n.mu.Unlock()
	if ok && n.onFinished != nil {
		n.onFinished(name, s.Initiator())
	}
}

// Publish stores a locally created object and announces it. It returns the
// object id and whether the object was new.
func (n *Node) Publish(payload string) (string, bool) {
	id := n.hash(payload)
	if !n.objects.InsertIfAbsent(id, payload) {
		return id, false
	}
	n.metrics.ObjectStored(metrics.ObjectHeader{
		ObjectID: id,
		Size:     len(payload),
		From:     "local",
		StoredAt: time.Now().UTC(),
	})
	line, err := proto.Encode(proto.IHaveObject{ObjectID: id})
	if err == nil {
		n.metrics.IncAnnounced()
		n.Broadcast(line, "")
	}
	return id, true
}

func (n *Node) Hash(payload string) string { return n.hash(payload) }

// Sessions returns the names of live sessions, sorted.
func (n *Node) Sessions() []string {
	n.mu.Lock()
	names := make([]string, 0, len(n.sessions))
	for name := range n.sessions {
		names = append(names, name)
	}
	n.mu.Unlock()
	sort.Strings(names)
	return names
}

func (n *Node) Connected(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.sessions[name]
	return ok
}

// Counts returns the number of live inbound and outbound sessions.
func (n *Node) Counts() (inbound, outbound int) {
	for _, s := range n.snapshot() {
		if s.Initiator() {
			outbound++
		} else {
			inbound++
		}
	}
	return inbound, outbound
}

func (n *Node) snapshot() []*session.Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*session.Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		out = append(out, s)
	}
	return out
}

// Close terminates every session, waits for them to finish and closes the
// object store.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()
	for _, s := range n.snapshot() {
		s.Terminate(nil)
	}
	n.wg.Wait()
	var errs []error
	if err := n.objects.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close objects: %w", err))
	}
	return errors.Join(errs...)
}

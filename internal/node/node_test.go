package node

import (
	"bufio"
	"errors"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"objgossip/internal/crypto"
	"objgossip/internal/metrics"
	"objgossip/internal/network"
	"objgossip/internal/peer"
	"objgossip/internal/proto"
	"objgossip/internal/session"
	"objgossip/internal/testutil"
)

const waitFor = 3 * time.Second

func newTestNode(t *testing.T, opts Options) *Node {
	t.Helper()
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	n, err := New(opts)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

// link connects a (dialer) to b over an in-memory pipe.
func link(t *testing.T, a, b *Node, nameA, nameB string) (*session.Session, *session.Session) {
	t.Helper()
	ca, cb := net.Pipe()
	sb, err := b.Attach(network.NewLineConn(nameA, cb, 0), false)
	if err != nil {
		t.Fatalf("attach responder: %v", err)
	}
	sa, err := a.Attach(network.NewLineConn(nameB, ca, 0), true)
	if err != nil {
		t.Fatalf("attach initiator: %v", err)
	}
	waitEstablished(t, sa, sb)
	return sa, sb
}

func waitEstablished(t *testing.T, ss ...*session.Session) {
	t.Helper()
	testutil.Eventually(t, waitFor, func() bool {
		for _, s := range ss {
			if s.State() != session.Established {
				return false
			}
		}
		return true
	}, "sessions not established")
}

func TestPeerExchange(t *testing.T) {
	bookB, err := peer.NewBook(peer.Options{})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	bookB.Merge([]string{"10.0.0.9:18018"})
	a := newTestNode(t, Options{})
	b := newTestNode(t, Options{Peers: bookB})
	link(t, a, b, "node-a", "node-b")
	testutil.Eventually(t, waitFor, func() bool {
		return a.Peers().Contains("10.0.0.9:18018")
	}, "initiator did not learn peers: %v", a.Peers().List())
	if got := a.Metrics().Snapshot().Sessions.PeersMerged; got != 1 {
		t.Fatalf("peers merged=%d", got)
	}
}

func TestGossipPropagatesAlongChain(t *testing.T) {
	a := newTestNode(t, Options{})
	b := newTestNode(t, Options{})
	c := newTestNode(t, Options{})
	link(t, a, b, "a", "b")
	link(t, b, c, "b", "c")

	id, added := a.Publish("hello objects")
	if !added || id != crypto.SHA256Hex("hello objects") {
		t.Fatalf("publish id=%s added=%v", id, added)
	}
	testutil.Eventually(t, waitFor, func() bool {
		got, ok := c.GetObject(id)
		return ok && got == "hello objects"
	}, "object did not reach the end of the chain")
	if !b.ObjectExists(id) {
		t.Fatalf("middle node missing object")
	}
	snap := b.Metrics().Snapshot()
	if snap.Objects.Stored != 1 || snap.Gossip.Fetched != 1 {
		t.Fatalf("middle node metrics=%+v %+v", snap.Objects, snap.Gossip)
	}
	if _, added := a.Publish("hello objects"); added {
		t.Fatalf("republish reported new object")
	}
}

func TestAlternateHasher(t *testing.T) {
	a := newTestNode(t, Options{Hash: crypto.BLAKE2b256Hex})
	b := newTestNode(t, Options{Hash: crypto.BLAKE2b256Hex})
	link(t, a, b, "a", "b")
	id, _ := a.Publish("P")
	if id != crypto.BLAKE2b256Hex("P") {
		t.Fatalf("id=%s", id)
	}
	testutil.Eventually(t, waitFor, func() bool { return b.ObjectExists(id) }, "object not fetched")
}

// attachResponder attaches a MemConn and completes the handshake from the
// remote side.
func attachResponder(t *testing.T, n *Node, name string) (*session.Session, *testutil.MemConn) {
	t.Helper()
	conn := testutil.NewMemConn(name)
	s, err := n.Attach(conn, false)
	if err != nil {
		t.Fatalf("attach %s: %v", name, err)
	}
	hello, _ := proto.Encode(proto.NewHello())
	conn.Deliver(hello)
	conn.WaitSent(t, 1, waitFor)
	waitEstablished(t, s)
	return s, conn
}

func TestBroadcastPolicy(t *testing.T) {
	cases := []struct {
		policy  Policy
		wantA   int
		wantB   int
		name    string
		wantStr string
	}{
		{BroadcastAll, 2, 2, "all", "all"},
		{BroadcastExcludeOrigin, 1, 2, "exclude", "exclude-origin"},
	}
	for _, tc := range cases {
		n := newTestNode(t, Options{Policy: tc.policy})
		if tc.policy.String() != tc.wantStr {
			t.Fatalf("%s: String=%s", tc.name, tc.policy.String())
		}
		_, ca := attachResponder(t, n, "a")
		_, cb := attachResponder(t, n, "b")
		n.Broadcast(`{"objectid":"x","type":"ihaveobject"}`, "a")
		cb.WaitSent(t, tc.wantB, waitFor)
		time.Sleep(20 * time.Millisecond)
		if got := len(ca.Sent()); got != tc.wantA {
			t.Fatalf("%s: origin got %d lines want %d", tc.name, got, tc.wantA)
		}
	}
}

func TestBroadcastSkipsUnestablished(t *testing.T) {
	n := newTestNode(t, Options{})
	pending := testutil.NewMemConn("pending")
	if _, err := n.Attach(pending, false); err != nil {
		t.Fatalf("attach: %v", err)
	}
	n.Broadcast(`{"objectid":"x","type":"ihaveobject"}`, "")
	time.Sleep(20 * time.Millisecond)
	if len(pending.Sent()) != 0 {
		t.Fatalf("announcement sent before handshake: %q", pending.Sent())
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy("exclude-origin"); err != nil || p != BroadcastExcludeOrigin {
		t.Fatalf("parse exclude-origin=%v,%v", p, err)
	}
	if p, err := ParsePolicy(""); err != nil || p != BroadcastAll {
		t.Fatalf("parse empty=%v,%v", p, err)
	}
	if _, err := ParsePolicy("some"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestAttachRejectsDuplicateName(t *testing.T) {
	n := newTestNode(t, Options{})
	attachResponder(t, n, "dup")
	second := testutil.NewMemConn("dup")
	if _, err := n.Attach(second, false); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("err=%v want ErrDuplicateSession", err)
	}
	if second.Active() {
		t.Fatalf("rejected connection left open")
	}
	if got := n.Sessions(); !reflect.DeepEqual(got, []string{"dup"}) {
		t.Fatalf("sessions=%v", got)
	}
}

func TestSessionFinishedUnregisters(t *testing.T) {
	var mu sync.Mutex
	var finished []string
	n := newTestNode(t, Options{OnFinished: func(name string, initiator bool) {
		mu.Lock()
		finished = append(finished, name)
		mu.Unlock()
	}})
	_, conn := attachResponder(t, n, "gone")
	if in, out := n.Counts(); in != 1 || out != 0 {
		t.Fatalf("counts=%d,%d", in, out)
	}
	conn.Terminate()
	testutil.Eventually(t, waitFor, func() bool { return !n.Connected("gone") }, "session still registered")
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(finished, []string{"gone"}) {
		t.Fatalf("finished=%v", finished)
	}
	if _, err := n.Attach(testutil.NewMemConn("gone"), false); err != nil {
		t.Fatalf("name not reusable after finish: %v", err)
	}
}

func TestCloseTerminatesSessions(t *testing.T) {
	n, err := New(Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s1, c1 := attachResponder(t, n, "one")
	s2, c2 := attachResponder(t, n, "two")
	if err := n.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for _, s := range []*session.Session{s1, s2} {
		select {
		case <-s.Done():
		default:
			t.Fatalf("session %s still running after Close", s.Name())
		}
	}
	if c1.Active() || c2.Active() {
		t.Fatalf("connections left open")
	}
	if len(n.Sessions()) != 0 {
		t.Fatalf("sessions left: %v", n.Sessions())
	}
	if _, err := n.Attach(testutil.NewMemConn("late"), false); !errors.Is(err, ErrClosed) {
		t.Fatalf("attach after close err=%v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestBroadcastNotBlockedByStalledSession(t *testing.T) {
	n := newTestNode(t, Options{})
	_, healthy := attachResponder(t, n, "healthy")

	far, near := net.Pipe()
	defer far.Close()
	lc := network.NewLineConn("stalled", near, 0)
	lc.SetWriteTimeout(50 * time.Millisecond)
	stalled, err := n.Attach(lc, false)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	hello, _ := proto.Encode(proto.NewHello())
	go func() { _, _ = far.Write([]byte(hello + "\n")) }()
	// Read the Hello reply, then stop reading for good.
	if _, err := bufio.NewReader(far).ReadString('\n'); err != nil {
		t.Fatalf("read hello reply: %v", err)
	}
	waitEstablished(t, stalled)

	done := make(chan struct{})
	go func() {
		n.Broadcast(`{"objectid":"x","type":"ihaveobject"}`, "")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatalf("broadcast blocked by a peer that stopped reading")
	}
	healthy.WaitSent(t, 2, waitFor)
	testutil.Eventually(t, waitFor, func() bool { return stalled.State() == session.Terminated }, "stalled session still live")
	var v *session.Violation
	if !errors.As(stalled.Err(), &v) || v.Reason != session.ReasonSendFailed {
		t.Fatalf("stalled session err=%v", stalled.Err())
	}
}

package testutil

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var ErrMemConnClosed = errors.New("memconn closed")

// MemConn is an in-memory connection for session tests. Tests push inbound
// chunks with Deliver and inspect what the session sent with Sent.
type MemConn struct {
	name   string
	in     chan string
	done   chan struct{}
	once   sync.Once
	active atomic.Bool

	mu      sync.Mutex
	sent    []string
	sentSig chan struct{}
}

func NewMemConn(name string) *MemConn {
	c := &MemConn{
		name:    name,
		in:      make(chan string, 64),
		done:    make(chan struct{}),
		sentSig: make(chan struct{}, 1),
	}
	c.active.Store(true)
	return c
}

func (c *MemConn) Name() string { return c.name }

func (c *MemConn) Active() bool { return c.active.Load() }

func (c *MemConn) Read() (string, error) {
	select {
	case s := <-c.in:
		return s, nil
	case <-c.done:
		return "", io.EOF
	}
}

func (c *MemConn) Send(line string) error {
	if !c.Active() {
		return ErrMemConnClosed
	}
	c.mu.Lock()
	c.sent = append(c.sent, line)
	c.mu.Unlock()
	select {
	case c.sentSig <- struct{}{}:
	default:
	}
	return nil
}

func (c *MemConn) Terminate() {
	c.once.Do(func() {
		c.active.Store(false)
		close(c.done)
	})
}

// Deliver queues an inbound chunk as if it arrived from the remote side.
func (c *MemConn) Deliver(chunk string) {
	select {
	case c.in <- chunk:
	case <-c.done:
	}
}

func (c *MemConn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	copy(out, c.sent)
	return out
}

// WaitSent blocks until at least n lines were sent or d elapses.
func (c *MemConn) WaitSent(t testing.TB, n int, d time.Duration) []string {
	t.Helper()
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		if sent := c.Sent(); len(sent) >= n {
			return sent
		}
		select {
		case <-c.sentSig:
		case <-timer.C:
			t.Fatalf("%s: waited %s for %d sent lines, have %q", c.name, d, n, c.Sent())
			return nil
		}
	}
}

// Package network carries the newline-delimited protocol over TCP or QUIC.
// Every transport is exposed as a LineConn, which satisfies session.Conn.
package network

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"objgossip/internal/proto"
)

var ErrConnClosed = errors.New("connection closed")

// DefaultWriteTimeout bounds a single Send when no timeout is configured.
const DefaultWriteTimeout = 10 * time.Second

type writeDeadliner interface {
	SetWriteDeadline(time.Time) error
}

// LineConn frames an io.ReadWriteCloser as one protocol line per Read.
type LineConn struct {
	name string
	rwc  io.ReadWriteCloser
	sc   *bufio.Scanner

	wmu          sync.Mutex
	writeTimeout time.Duration
	active       atomic.Bool
	once         sync.Once
	// onClose runs once after rwc is closed.
	onClose func()
}

// NewLineConn wraps rwc. name identifies the remote side and must be unique
// among a node's live connections; maxLine caps an inbound line in bytes.
func NewLineConn(name string, rwc io.ReadWriteCloser, maxLine int) *LineConn {
	if maxLine <= 0 {
		maxLine = proto.MaxLineSize
	}
	sc := bufio.NewScanner(rwc)
	initial := 64 * 1024
	if initial > maxLine+1 {
		initial = maxLine + 1
	}
	// +1 leaves room for the newline bufio needs to see before the cap.
	sc.Buffer(make([]byte, 0, initial), maxLine+1)
	c := &LineConn{name: name, rwc: rwc, sc: sc, writeTimeout: DefaultWriteTimeout}
	c.active.Store(true)
	return c
}

// SetWriteTimeout bounds each Send when rwc supports write deadlines. A
// non-positive d disables the bound. Call it before the conn is shared.
func (c *LineConn) SetWriteTimeout(d time.Duration) {
	c.writeTimeout = d
}

func (c *LineConn) Name() string { return c.name }

func (c *LineConn) Active() bool { return c.active.Load() }

// Read returns the next line without its terminator. Only the session's
// reader goroutine may call it.
func (c *LineConn) Read() (string, error) {
	if c.sc.Scan() {
		return c.sc.Text(), nil
	}
	err := c.sc.Err()
	switch {
	case err == nil:
		err = io.EOF
	case errors.Is(err, bufio.ErrTooLong):
		err = fmt.Errorf("%s: %w", c.name, proto.ErrLineTooLong)
	}
	c.active.Store(false)
	return "", err
}

// Send writes line followed by '\n'. Concurrent callers are serialised so
// lines never interleave. A write that outlives the write timeout fails and
// terminates the conn.
func (c *LineConn) Send(line string) error {
	if !c.Active() {
		return ErrConnClosed
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	c.wmu.Lock()
	if wd, ok := c.rwc.(writeDeadliner); ok && c.writeTimeout > 0 {
		_ = wd.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := c.rwc.Write(buf)
	c.wmu.Unlock()
	if err != nil {
		c.Terminate()
		return fmt.Errorf("send to %s: %w", c.name, err)
	}
	return nil
}

func (c *LineConn) Terminate() {
	c.once.Do(func() {
		c.active.Store(false)
		_ = c.rwc.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

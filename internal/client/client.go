// Package client is a short-lived protocol peer used by the command line
// tools: it dials a node, completes the handshake and issues single
// requests.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"objgossip/internal/crypto"
	"objgossip/internal/debuglog"
	"objgossip/internal/network"
	"objgossip/internal/proto"
)

const (
	DefaultTimeout = 10 * time.Second
	backoffBase    = 100 * time.Millisecond
	backoffMax     = 1 * time.Second
	lineQueue      = 64
)

var (
	ErrNotFound        = errors.New("object not found")
	ErrClosed          = errors.New("client closed")
	ErrVersionMismatch = errors.New("remote protocol version mismatch")
)

type Options struct {
	Transport   string
	MaxLineSize int
	DialTimeout time.Duration
	Retries     int
	Hash        crypto.Hasher
	Version     string
	Agent       string
}

func (o Options) withDefaults() Options {
	if o.Transport == "" {
		o.Transport = network.TransportTCP
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Hash == nil {
		o.Hash = crypto.SHA256Hex
	}
	if o.Version == "" {
		o.Version = proto.ProtoVersion
	}
	if o.Agent == "" {
		o.Agent = proto.Agent
	}
	return o
}

type Client struct {
	conn  *network.LineConn
	opts  Options
	lines chan string
	done  chan struct{}
	once  sync.Once
	// readErr is set before lines is closed.
	readErr     error
	RemoteAgent string
}

// Dial connects to addr and performs the handshake, retrying failed dials
// with exponential backoff.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	dialOpts := network.DialOptions{MaxLineSize: opts.MaxLineSize, Timeout: opts.DialTimeout}
	var lastErr error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		lc, err := network.Dial(ctx, opts.Transport, addr, dialOpts)
		if err == nil {
			return New(ctx, lc, opts)
		}
		lastErr = err
		debuglog.Debugf("client: dial %s attempt %d: %v", addr, attempt+1, err)
		if attempt == opts.Retries || !backoffRetry(ctx, attempt+1) {
			break
		}
	}
	return nil, fmt.Errorf("dial %s: %w", addr, lastErr)
}

// New takes ownership of conn, sends our Hello and waits for the remote's.
func New(ctx context.Context, conn *network.LineConn, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	c := &Client{conn: conn, opts: opts, lines: make(chan string, lineQueue), done: make(chan struct{})}
	go c.readLoop()
	if err := c.send(proto.Hello{Version: opts.Version, Agent: opts.Agent}); err != nil {
		c.Close()
		return nil, err
	}
	for {
		msg, err := c.next(ctx)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("handshake: %w", err)
		}
		if h, ok := msg.(proto.Hello); ok {
			if h.Version != opts.Version {
				c.Close()
				return nil, fmt.Errorf("%w: %q", ErrVersionMismatch, h.Version)
			}
			c.RemoteAgent = h.Agent
			return c, nil
		}
	}
}

func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Terminate()
	})
}

// Peers asks the remote for its peer list.
func (c *Client) Peers(ctx context.Context) ([]string, error) {
	if err := c.send(proto.GetPeers{}); err != nil {
		return nil, err
	}
	for {
		msg, err := c.next(ctx)
		if err != nil {
			return nil, err
		}
		if p, ok := msg.(proto.Peers); ok {
			return p.Peers, nil
		}
	}
}

// Get fetches the object with the given id. A node that lacks the object
// never answers, so Get reports ErrNotFound once ctx expires.
func (c *Client) Get(ctx context.Context, id string) (string, error) {
	if err := c.send(proto.GetObject{ObjectID: id}); err != nil {
		return "", err
	}
	payload, err := c.awaitObject(ctx, id)
	if errors.Is(err, context.DeadlineExceeded) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return payload, err
}

// Put stores payload on the remote node and returns its object id. The
// follow-up GetObject is answered only after the remote has processed the
// Object, so a matching reply confirms the store.
func (c *Client) Put(ctx context.Context, payload string) (string, error) {
	id := c.opts.Hash(payload)
	if err := c.send(proto.Object{Payload: payload}); err != nil {
		return "", err
	}
	if err := c.send(proto.GetObject{ObjectID: id}); err != nil {
		return "", err
	}
	if _, err := c.awaitObject(ctx, id); err != nil {
		return "", fmt.Errorf("confirm %s: %w", id, err)
	}
	return id, nil
}

func (c *Client) awaitObject(ctx context.Context, id string) (string, error) {
	for {
		msg, err := c.next(ctx)
		if err != nil {
			return "", err
		}
		if o, ok := msg.(proto.Object); ok && c.opts.Hash(o.Payload) == id {
			return o.Payload, nil
		}
	}
}

func (c *Client) send(m proto.Message) error {
	line, err := proto.Encode(m)
	if err != nil {
		return err
	}
	return c.conn.Send(line)
}

// next returns the next message the caller may care about. Requests the
// remote makes of us are answered inline.
func (c *Client) next(ctx context.Context) (proto.Message, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case line, ok := <-c.lines:
			if !ok {
				if c.readErr == nil || errors.Is(c.readErr, io.EOF) {
					return nil, ErrClosed
				}
				return nil, c.readErr
			}
			msg, err := proto.Decode(line)
			if err != nil {
				return nil, err
			}
			if _, ok := msg.(proto.GetPeers); ok {
				if err := c.send(proto.Peers{Peers: []string{}}); err != nil {
					return nil, err
				}
				continue
			}
			return msg, nil
		}
	}
}

func (c *Client) readLoop() {
	defer close(c.lines)
	for {
		line, err := c.conn.Read()
		if err != nil {
			c.readErr = err
			return
		}
		select {
		case c.lines <- line:
		case <-c.done:
			return
		}
	}
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), DefaultTimeout)
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultTimeout)
}

func backoffRetry(ctx context.Context, failures int) bool {
	if failures <= 0 {
		return false
	}
	d := backoffBase
	if failures > 1 {
		d = d * time.Duration(1<<uint(failures-1))
	}
	if d > backoffMax {
		d = backoffMax
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

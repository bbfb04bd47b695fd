package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"objgossip/internal/debuglog"
)

const (
	TransportTCP  = "tcp"
	TransportQUIC = "quic"
)

// Listener yields inbound connections ready to be handed to a session.
type Listener interface {
	Accept(ctx context.Context) (*LineConn, error)
	Addr() string
	Close() error
}

type ListenOptions struct {
	MaxLineSize int
	// MaxConnsPerIP caps live inbound connections per remote host; zero
	// disables the cap.
	MaxConnsPerIP int
	WriteTimeout  time.Duration
}

type DialOptions struct {
	MaxLineSize  int
	Timeout      time.Duration
	WriteTimeout time.Duration
}

// applyWriteTimeout keeps DefaultWriteTimeout when d is zero.
func applyWriteTimeout(lc *LineConn, d time.Duration) *LineConn {
	if d != 0 {
		lc.SetWriteTimeout(d)
	}
	return lc
}

// Listen opens a listener for the named transport.
func Listen(transport, addr string, opts ListenOptions) (Listener, error) {
	switch transport {
	case "", TransportTCP:
		return ListenTCP(addr, opts)
	case TransportQUIC:
		return ListenQUIC(addr, opts)
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}

// Dial connects to addr over the named transport. The returned connection is
// named after addr.
func Dial(ctx context.Context, transport, addr string, opts DialOptions) (*LineConn, error) {
	switch transport {
	case "", TransportTCP:
		return DialTCP(ctx, addr, opts)
	case TransportQUIC:
		return DialQUIC(ctx, addr, opts)
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}

type tcpListener struct {
	ln      *net.TCPListener
	opts    ListenOptions
	limiter *ipLimiter
}

func ListenTCP(addr string, opts ListenOptions) (Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen %s: %w", addr, err)
	}
	debuglog.Logf("tcp listen ready: %s", ln.Addr())
	return &tcpListener{ln: ln, opts: opts, limiter: newIPLimiter(opts.MaxConnsPerIP)}, nil
}

func (l *tcpListener) Addr() string { return l.ln.Addr().String() }

func (l *tcpListener) Close() error { return l.ln.Close() }

func (l *tcpListener) Accept(ctx context.Context) (*LineConn, error) {
	_ = l.ln.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = l.ln.SetDeadline(time.Now())
	})
	defer stop()
	for {
		conn, err := l.ln.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return nil, err
		}
		host := hostForAddr(conn.RemoteAddr())
		if !l.limiter.acquire(host) {
			debuglog.RateLimitedf("tcp.limit."+host, 10*time.Second, "tcp: too many connections from %s", host)
			_ = conn.Close()
			continue
		}
		_ = conn.SetKeepAlive(true)
		lc := applyWriteTimeout(NewLineConn(conn.RemoteAddr().String(), conn, l.opts.MaxLineSize), l.opts.WriteTimeout)
		lc.onClose = func() { l.limiter.release(host) }
		return lc, nil
	}
}

func DialTCP(ctx context.Context, addr string, opts DialOptions) (*LineConn, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	debuglog.Debugf("tcp connected to %s", addr)
	return applyWriteTimeout(NewLineConn(addr, conn, opts.MaxLineSize), opts.WriteTimeout), nil
}

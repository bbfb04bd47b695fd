package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"objgossip/internal/debuglog"
)

const (
	quicALPN             = "objgossip"
	maxIdleTimeout       = 60 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 10 * time.Second
	streamAcceptTimeout  = 30 * time.Second
	acceptQueue          = 32
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

var (
	devCertOnce sync.Once
	devCert     tls.Certificate
	devCertDER  []byte
	devCertErr  error
)

// devTLSCert returns the deterministic self-signed certificate every node
// presents. Dialers pin its DER bytes instead of using a CA.
func devTLSCert() (tls.Certificate, []byte, error) {
	devCertOnce.Do(func() {
		seed := sha256.Sum256([]byte("objgossip-quic-dev-key"))
		priv := ed25519.NewKeyFromSeed(seed[:])
		template := x509.Certificate{
			SerialNumber: big.NewInt(1),
			NotBefore:    time.Unix(0, 0),
			NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature,
			ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
			DNSNames:     []string{"localhost"},
			IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		}
		der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
		if err != nil {
			devCertErr = err
			return
		}
		devCert = tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
		devCertDER = der
	})
	return devCert, devCertDER, devCertErr
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func clientTLSConfig() (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		// Peers are addressed by ip:port, so hostname verification cannot
		// apply; the pinned certificate is checked below instead.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 || !bytes.Equal(rawCerts[0], der) {
				return errors.New("quic: unexpected peer certificate")
			}
			return nil
		},
		NextProtos: []string{quicALPN},
		MinVersion: tls.VersionTLS13,
	}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

// quicStream adapts one bidirectional stream, plus the connection that owns
// it, to io.ReadWriteCloser.
type quicStream struct {
	conn   *quic.Conn
	stream *quic.Stream
}

func (s *quicStream) Read(p []byte) (int, error) { return s.stream.Read(p) }

func (s *quicStream) Write(p []byte) (int, error) { return s.stream.Write(p) }

func (s *quicStream) SetWriteDeadline(t time.Time) error { return s.stream.SetWriteDeadline(t) }

func (s *quicStream) Close() error {
	s.stream.CancelRead(0)
	err := s.stream.Close()
	_ = s.conn.CloseWithError(0, "closed")
	return err
}

type quicListener struct {
	ln      *quic.Listener
	opts    ListenOptions
	limiter *ipLimiter

	conns     chan *LineConn
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// ListenQUIC accepts QUIC connections on addr. Each connection carries
// exactly one bidirectional stream, opened by the dialer.
func ListenQUIC(addr string, opts ListenOptions) (Listener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	debuglog.Logf("quic listen ready: %s", ln.Addr())
	l := &quicListener{
		ln:      ln,
		opts:    opts,
		limiter: newIPLimiter(opts.MaxConnsPerIP),
		conns:   make(chan *LineConn, acceptQueue),
		done:    make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *quicListener) Addr() string { return l.ln.Addr().String() }

func (l *quicListener) acceptLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-l.done
		cancel()
	}()
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			l.errMu.Lock()
			l.err = err
			l.errMu.Unlock()
			l.Close()
			return
		}
		host := hostForAddr(conn.RemoteAddr())
		if !l.limiter.acquire(host) {
			debuglog.RateLimitedf("quic.limit."+host, 10*time.Second, "quic: too many connections from %s", host)
			_ = conn.CloseWithError(0, "too many connections")
			continue
		}
		go l.acceptStream(ctx, conn, host)
	}
}

// acceptStream waits for the dialer's stream; it only becomes visible once
// the dialer has written its first line.
func (l *quicListener) acceptStream(ctx context.Context, conn *quic.Conn, host string) {
	sctx, cancel := context.WithTimeout(ctx, streamAcceptTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(sctx)
	if err != nil {
		debuglog.Debugf("quic: no stream from %s: %v", conn.RemoteAddr(), err)
		_ = conn.CloseWithError(0, "no stream")
		l.limiter.release(host)
		return
	}
	lc := applyWriteTimeout(NewLineConn(conn.RemoteAddr().String(), &quicStream{conn: conn, stream: stream}, l.opts.MaxLineSize), l.opts.WriteTimeout)
	lc.onClose = func() { l.limiter.release(host) }
	select {
	case l.conns <- lc:
	case <-l.done:
		lc.Terminate()
	}
}

func (l *quicListener) Accept(ctx context.Context) (*LineConn, error) {
	select {
	case lc := <-l.conns:
		return lc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		l.errMu.Lock()
		err := l.err
		l.errMu.Unlock()
		if err == nil {
			err = net.ErrClosed
		}
		return nil, err
	}
}

func (l *quicListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.ln.Close()
	})
	return err
}

// DialQUIC connects to addr and opens the connection's single stream.
func DialQUIC(ctx context.Context, addr string, opts DialOptions) (*LineConn, error) {
	tlsConf, err := clientTLSConfig()
	if err != nil {
		return nil, err
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("quic open stream %s: %w", addr, err)
	}
	debuglog.Debugf("quic connected to %s", addr)
	return applyWriteTimeout(NewLineConn(addr, &quicStream{conn: conn, stream: stream}, opts.MaxLineSize), opts.WriteTimeout), nil
}

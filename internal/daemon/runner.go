// Package daemon runs a full node: the listener, the outbound connection
// manager and the periodic metrics snapshot.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"objgossip/internal/config"
	"objgossip/internal/crypto"
	"objgossip/internal/debuglog"
	"objgossip/internal/metrics"
	"objgossip/internal/network"
	"objgossip/internal/node"
	"objgossip/internal/peer"
	"objgossip/internal/session"
	"objgossip/internal/store"
)

type Runner struct {
	Self    *node.Node
	Metrics *metrics.Metrics

	cfg      config.Config
	cm       *connMan
	listenMu sync.RWMutex
	listen   string
}

func NewRunner(cfg config.Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	alg, err := crypto.ParseAlgorithm(cfg.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	hasher, err := crypto.NewHasher(alg)
	if err != nil {
		return nil, err
	}
	policy, err := node.ParsePolicy(cfg.BroadcastPolicy)
	if err != nil {
		return nil, err
	}
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("data dir: %w", err)
		}
	}
	book, err := peer.NewBook(peer.Options{
		Cap:  cfg.MaxPeers,
		Path: cfg.PeersPath(),
		Self: []string{cfg.ListenAddr},
	})
	if err != nil {
		return nil, err
	}
	objects, err := store.Open(cfg.Backend, cfg.ObjectsDir())
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	r := &Runner{Metrics: m, cfg: cfg}
	r.cm = newConnMan(r, cfg)
	self, err := node.New(node.Options{
		Peers:   book,
		Objects: objects,
		Hash:    hasher,
		Policy:  policy,
		Metrics: m,
		Session: session.Options{
			Version:      cfg.Version,
			Agent:        cfg.Agent,
			MaxLineSize:  cfg.MaxLineSize,
			QueueDepth:   cfg.QueueDepth,
			InboundRate:  cfg.InboundRate,
			InboundBurst: cfg.InboundBurst,
		},
		OnFinished: r.cm.sessionFinished,
	})
	if err != nil {
		_ = objects.Close()
		return nil, err
	}
	r.Self = self
	return r, nil
}

// ListenAddr is the bound listener address once Run has started listening.
func (r *Runner) ListenAddr() string {
	r.listenMu.RLock()
	defer r.listenMu.RUnlock()
	return r.listen
}

func (r *Runner) setListenAddr(addr string) {
	r.listenMu.Lock()
	r.listen = addr
	r.listenMu.Unlock()
}

func (r *Runner) Run(ctx context.Context) error {
	return r.RunWithContext(ctx, nil)
}

// RunWithContext serves until ctx is cancelled. ready, when non-nil, receives
// the bound listen address. The node is closed before returning.
func (r *Runner) RunWithContext(ctx context.Context, ready chan<- string) error {
	ln, err := network.Listen(r.cfg.Transport, r.cfg.ListenAddr, network.ListenOptions{
		MaxLineSize:   r.cfg.MaxLineSize,
		MaxConnsPerIP: r.cfg.MaxConnsPerIP,
		WriteTimeout:  r.cfg.WriteTimeout,
	})
	if err != nil {
		_ = r.Self.Close()
		return err
	}
	actual := ln.Addr()
	r.setListenAddr(actual)
	r.excludeSelf(actual)
	debuglog.Logf("node listening on %s (%s)", actual, r.cfg.Transport)
	if ready != nil {
		select {
		case ready <- actual:
		default:
		}
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		r.acceptLoop(ctx, ln)
	}()
	go func() {
		defer wg.Done()
		r.cm.run(ctx)
	}()
	go func() {
		defer wg.Done()
		r.snapshotLoop(ctx)
	}()

	<-ctx.Done()
	var errs []error
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("close listener: %w", err))
	}
	wg.Wait()
	if err := r.Self.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := r.Metrics.WriteSnapshot(r.cfg.MetricsFile()); err != nil {
		errs = append(errs, fmt.Errorf("write metrics: %w", err))
	}
	debuglog.Logf("node stopped")
	return errors.Join(errs...)
}

func (r *Runner) excludeSelf(addr string) {
	book := r.Self.Peers()
	book.AddSelf(addr)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		book.AddSelf(net.JoinHostPort("127.0.0.1", port))
		book.AddSelf(net.JoinHostPort("::1", port))
	}
}

func (r *Runner) acceptLoop(ctx context.Context, ln network.Listener) {
	for {
		lc, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			debuglog.RateLimitedf("accept", 10*time.Second, "accept error: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		debuglog.Debugf("accepted connection from %s", lc.Name())
		if _, err := r.Self.Attach(lc, false); err != nil {
			debuglog.Logf("attach %s: %v", lc.Name(), err)
		}
	}
}

func (r *Runner) snapshotLoop(ctx context.Context) {
	path := r.cfg.MetricsFile()
	if path == "" {
		return
	}
	interval := r.cfg.MetricsInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Metrics.WriteSnapshot(path); err != nil {
				debuglog.RateLimitedf("metrics.write", time.Minute, "write metrics snapshot: %v", err)
			}
		}
	}
}

package daemon

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"objgossip/internal/config"
	"objgossip/internal/metrics"
	"objgossip/internal/testutil"
)

const waitFor = 10 * time.Second

type runningNode struct {
	r      *Runner
	addr   string
	cancel context.CancelFunc
	done   chan error
}

func testConfig(t *testing.T, transport string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Transport = transport
	cfg.DataDir = t.TempDir()
	cfg.DialInterval = 50 * time.Millisecond
	cfg.DialTimeout = 2 * time.Second
	cfg.MetricsInterval = 50 * time.Millisecond
	cfg.OutboundTarget = 1
	return cfg
}

func startNode(t *testing.T, cfg config.Config) *runningNode {
	t.Helper()
	r, err := NewRunner(cfg)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	n := &runningNode{r: r, cancel: cancel, done: make(chan error, 1)}
	go func() { n.done <- r.RunWithContext(ctx, ready) }()
	select {
	case n.addr = <-ready:
	case err := <-n.done:
		t.Fatalf("runner exited early: %v", err)
	case <-time.After(waitFor):
		t.Fatalf("runner not ready")
	}
	t.Cleanup(func() { n.stop(t) })
	return n
}

func (n *runningNode) stop(t *testing.T) {
	t.Helper()
	n.cancel()
	select {
	case err := <-n.done:
		if err != nil {
			t.Errorf("runner stop: %v", err)
		}
		n.done <- nil
	case <-time.After(waitFor):
		t.Errorf("runner did not stop")
	}
}

func runPair(t *testing.T, transport string) {
	a := startNode(t, testConfig(t, transport))
	cfgB := testConfig(t, transport)
	cfgB.Bootstrap = []string{a.addr}
	b := startNode(t, cfgB)

	testutil.Eventually(t, waitFor, func() bool {
		_, out := b.r.Self.Counts()
		in, _ := a.r.Self.Counts()
		return out == 1 && in == 1
	}, "nodes did not connect: a=%v b=%v", a.r.Self.Sessions(), b.r.Self.Sessions())
	if b.r.ListenAddr() != b.addr {
		t.Fatalf("listen addr=%s want %s", b.r.ListenAddr(), b.addr)
	}

	// Give the initiator's handshake time to complete before announcing.
	testutil.Eventually(t, waitFor, func() bool {
		return a.r.Metrics.Snapshot().Sessions.Handshakes >= 1 && b.r.Metrics.Snapshot().Sessions.Handshakes >= 1
	}, "handshake not completed")

	id, added := a.r.Self.Publish("object over " + transport)
	if !added {
		t.Fatalf("publish not added")
	}
	testutil.Eventually(t, waitFor, func() bool {
		got, ok := b.r.Self.GetObject(id)
		return ok && got == "object over "+transport
	}, "object not gossiped to b")

	id2, _ := b.r.Self.Publish("reverse")
	testutil.Eventually(t, waitFor, func() bool { return a.r.Self.ObjectExists(id2) }, "object not gossiped to a")
}

func TestRunnerTCPGossip(t *testing.T) {
	runPair(t, config.TransportTCP)
}

func TestRunnerQUICGossip(t *testing.T) {
	runPair(t, config.TransportQUIC)
}

func TestRunnerBadgerBackendPersists(t *testing.T) {
	cfg := testConfig(t, config.TransportTCP)
	cfg.Backend = config.BackendBadger
	n := startNode(t, cfg)
	id, _ := n.r.Self.Publish("durable")
	n.stop(t)

	r, err := NewRunner(cfg)
	if err != nil {
		t.Fatalf("reopen runner: %v", err)
	}
	defer r.Self.Close()
	if got, ok := r.Self.GetObject(id); !ok || got != "durable" {
		t.Fatalf("object lost across restart: %q,%v", got, ok)
	}
}

func TestRunnerWritesMetricsSnapshot(t *testing.T) {
	cfg := testConfig(t, config.TransportTCP)
	n := startNode(t, cfg)
	n.r.Self.Publish("counted")
	path := filepath.Join(cfg.DataDir, "metrics.json")
	testutil.Eventually(t, waitFor, func() bool {
		data, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		var snap metrics.Snapshot
		return json.Unmarshal(data, &snap) == nil && snap.Objects.Stored == 1
	}, "metrics snapshot not written to %s", path)
}

func TestRunnerExcludesOwnAddress(t *testing.T) {
	cfg := testConfig(t, config.TransportTCP)
	n := startNode(t, cfg)
	n.r.Self.MergePeerAddresses([]string{n.addr, "10.9.9.9:18018"})
	if n.r.Self.Peers().Contains(n.addr) {
		t.Fatalf("own address stored in peer book")
	}
	if !n.r.Self.Peers().Contains("10.9.9.9:18018") {
		t.Fatalf("foreign address not stored")
	}
}

func TestNewRunnerRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Transport = "carrier-pigeon"
	if _, err := NewRunner(cfg); err == nil {
		t.Fatalf("expected config error")
	}
}

package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"objgossip/internal/config"
	"objgossip/internal/crypto"
	"objgossip/internal/daemon"
	"objgossip/internal/metrics"
)

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--help"}, strings.NewReader(""), &out, &out)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "objgossip-node") {
		t.Fatalf("expected help output to mention objgossip-node")
	}
}

func TestUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"frobnicate"}, strings.NewReader(""), &out, &errOut); code != 1 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command") {
		t.Fatalf("stderr=%q", errOut.String())
	}
}

func TestHash(t *testing.T) {
	cases := []struct {
		args []string
		want string
	}{
		{nil, crypto.SHA256Hex("payload")},
		{[]string{"--hash", "sha3-256"}, crypto.SHA3_256Hex("payload")},
		{[]string{"--hash", "blake2b-256"}, crypto.BLAKE2b256Hex("payload")},
	}
	for _, tc := range cases {
		var out, errOut bytes.Buffer
		code := run(append([]string{"hash"}, tc.args...), strings.NewReader("payload"), &out, &errOut)
		if code != 0 {
			t.Fatalf("%v: exit %d stderr=%s", tc.args, code, errOut.String())
		}
		if got := strings.TrimSpace(out.String()); got != tc.want {
			t.Fatalf("%v: got %s want %s", tc.args, got, tc.want)
		}
	}
	var out, errOut bytes.Buffer
	if code := run([]string{"hash", "--hash", "md5"}, strings.NewReader("x"), &out, &errOut); code != 1 {
		t.Fatalf("unknown hash exit %d", code)
	}
}

func TestRunRejectsBadTransport(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run([]string{"run", "--addr", "127.0.0.1:0", "--transport", "udp"}, strings.NewReader(""), &out, &errOut)
	if code != 1 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(errOut.String(), "load node failed") {
		t.Fatalf("stderr=%q", errOut.String())
	}
}

func startDaemon(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.OutboundTarget = 0
	r, err := daemon.NewRunner(cfg)
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- r.RunWithContext(ctx, ready) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case addr := <-ready:
		r.Self.MergePeerAddresses([]string{"10.2.2.2:18018"})
		return addr
	case err := <-done:
		t.Fatalf("runner exited: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("runner not ready")
	}
	return ""
}

func TestPutGetPeersAgainstNode(t *testing.T) {
	addr := startDaemon(t)
	var out, errOut bytes.Buffer
	if code := run([]string{"put", "--node", addr, "cli object"}, strings.NewReader(""), &out, &errOut); code != 0 {
		t.Fatalf("put exit %d: %s", code, errOut.String())
	}
	id := strings.TrimSpace(out.String())
	if id != crypto.SHA256Hex("cli object") {
		t.Fatalf("put id=%s", id)
	}

	out.Reset()
	if code := run([]string{"put", "--node", addr}, strings.NewReader("from stdin"), &out, &errOut); code != 0 {
		t.Fatalf("put stdin exit %d: %s", code, errOut.String())
	}
	if got := strings.TrimSpace(out.String()); got != crypto.SHA256Hex("from stdin") {
		t.Fatalf("put stdin id=%s", got)
	}

	out.Reset()
	if code := run([]string{"get", "--node", addr, id}, strings.NewReader(""), &out, &errOut); code != 0 {
		t.Fatalf("get exit %d: %s", code, errOut.String())
	}
	if out.String() != "cli object\n" {
		t.Fatalf("get=%q", out.String())
	}

	out.Reset()
	errOut.Reset()
	if code := run([]string{"get", "--node", addr, "--timeout", "200ms", "missing"}, strings.NewReader(""), &out, &errOut); code != 2 {
		t.Fatalf("missing get exit %d: %s", code, errOut.String())
	}

	out.Reset()
	if code := run([]string{"peers", "--node", addr}, strings.NewReader(""), &out, &errOut); code != 0 {
		t.Fatalf("peers exit %d: %s", code, errOut.String())
	}
	if strings.TrimSpace(out.String()) != "10.2.2.2:18018" {
		t.Fatalf("peers=%q", out.String())
	}
}

func TestGetUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"get"}, strings.NewReader(""), &out, &errOut); code != 1 {
		t.Fatalf("exit %d", code)
	}
}

func TestStatusReadsSnapshot(t *testing.T) {
	dir := t.TempDir()
	m := metrics.New()
	m.IncHandshake()
	m.ObjectStored(metrics.ObjectHeader{ObjectID: "aa"})
	m.IncTerminateByReason("malformed")
	if err := m.WriteSnapshot(filepath.Join(dir, "metrics.json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out, errOut bytes.Buffer
	if code := run([]string{"status", "--data", dir}, strings.NewReader(""), &out, &errOut); code != 0 {
		t.Fatalf("status exit %d: %s", code, errOut.String())
	}
	for _, want := range []string{"handshakes=1", "stored=1", "terminated malformed: 1"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("status output missing %q:\n%s", want, out.String())
		}
	}
	if code := run([]string{"status", "--data", filepath.Join(dir, "nope")}, strings.NewReader(""), &out, &errOut); code != 1 {
		t.Fatalf("missing snapshot exit %d", code)
	}
}

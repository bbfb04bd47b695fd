package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"objgossip/internal/client"
	"objgossip/internal/config"
	"objgossip/internal/crypto"
	"objgossip/internal/daemon"
	"objgossip/internal/debuglog"
	"objgossip/internal/metrics"
	"objgossip/internal/pprofutil"
)

const defaultNodeAddr = "127.0.0.1:18018"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "put":
		return runPut(args[1:], stdin, stdout, stderr)
	case "get":
		return runGet(args[1:], stdout, stderr)
	case "peers":
		return runPeers(args[1:], stdout, stderr)
	case "hash":
		return runHash(args[1:], stdin, stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: objgossip-node <run|put|get|peers|hash|status> [args]")
	fmt.Fprintln(w, "  run    [--addr ip:port] [--transport tcp|quic] [--data dir] [--bootstrap a,b] [--backend memory|badger] [--debug]")
	fmt.Fprintln(w, "  put    [--node ip:port] [payload]   (payload read from stdin when omitted)")
	fmt.Fprintln(w, "  get    [--node ip:port] <objectid>")
	fmt.Fprintln(w, "  peers  [--node ip:port]")
	fmt.Fprintln(w, "  hash   [--hash sha256|sha3-256|blake2b-256] < payload")
	fmt.Fprintln(w, "  status [--data dir]")
}

func runNode(args []string, stdout, stderr io.Writer) int {
	cfg := config.FromEnv()
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", cfg.ListenAddr, "listen addr (host:port)")
	transport := fs.String("transport", cfg.Transport, "transport: tcp or quic")
	data := fs.String("data", cfg.DataDir, "data directory (empty keeps everything in memory)")
	bootstrap := fs.String("bootstrap", strings.Join(cfg.Bootstrap, ","), "comma separated bootstrap peers")
	backend := fs.String("backend", cfg.Backend, "object store: memory or badger")
	hash := fs.String("hash", cfg.HashAlgorithm, "object id hash")
	broadcast := fs.String("broadcast", cfg.BroadcastPolicy, "announcement policy: all or exclude-origin")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv(debuglog.EnvDebug, "1")
	}
	cfg.ListenAddr = *addr
	cfg.Transport = strings.ToLower(*transport)
	cfg.DataDir = *data
	cfg.Bootstrap = config.SplitList(*bootstrap)
	cfg.Backend = strings.ToLower(*backend)
	cfg.HashAlgorithm = *hash
	cfg.BroadcastPolicy = strings.ToLower(*broadcast)

	runner, err := daemon.NewRunner(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	if opts, ok := pprofutil.OptionsFromEnv(); ok {
		opts.Metrics = runner.Metrics
		srv, err := pprofutil.Start(opts, stderr)
		if err != nil {
			fmt.Fprintf(stderr, "pprof: %v\n", err)
		} else {
			defer srv.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- runner.RunWithContext(ctx, ready) }()
	select {
	case actual := <-ready:
		fmt.Fprintf(stdout, "READY addr=%s transport=%s\n", actual, cfg.Transport)
	case err := <-done:
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	if err := <-done; err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

type clientFlags struct {
	node      *string
	transport *string
	hash      *string
	timeout   *time.Duration
}

func addClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		node:      fs.String("node", defaultNodeAddr, "node addr (host:port)"),
		transport: fs.String("transport", config.TransportTCP, "transport: tcp or quic"),
		hash:      fs.String("hash", string(crypto.DefaultAlgorithm), "object id hash"),
		timeout:   fs.Duration("timeout", client.DefaultTimeout, "request timeout"),
	}
}

func (f clientFlags) dial(stderr io.Writer) (*client.Client, context.Context, context.CancelFunc, bool) {
	hasher, err := hasherFor(*f.hash)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return nil, nil, nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), *f.timeout)
	c, err := client.Dial(ctx, *f.node, client.Options{
		Transport: strings.ToLower(*f.transport),
		Retries:   2,
		Hash:      hasher,
	})
	if err != nil {
		cancel()
		fmt.Fprintf(stderr, "connect failed: %v\n", err)
		return nil, nil, nil, false
	}
	return c, ctx, cancel, true
}

func runPut(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	var payload string
	switch {
	case fs.NArg() > 1:
		fmt.Fprintln(stderr, "put takes at most one payload argument")
		return 1
	case fs.NArg() == 1 && fs.Arg(0) != "-":
		payload = fs.Arg(0)
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			fmt.Fprintf(stderr, "read payload: %v\n", err)
			return 1
		}
		payload = string(data)
	}
	c, ctx, cancel, ok := cf.dial(stderr)
	if !ok {
		return 1
	}
	defer cancel()
	defer c.Close()
	id, err := c.Put(ctx, payload)
	if err != nil {
		fmt.Fprintf(stderr, "put failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, id)
	return 0
}

func runGet(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "get needs exactly one object id")
		return 1
	}
	c, ctx, cancel, ok := cf.dial(stderr)
	if !ok {
		return 1
	}
	defer cancel()
	defer c.Close()
	payload, err := c.Get(ctx, fs.Arg(0))
	if err != nil {
		if errors.Is(err, client.ErrNotFound) {
			fmt.Fprintf(stderr, "not found: %s\n", fs.Arg(0))
			return 2
		}
		fmt.Fprintf(stderr, "get failed: %v\n", err)
		return 1
	}
	fmt.Fprint(stdout, payload)
	if !strings.HasSuffix(payload, "\n") {
		fmt.Fprintln(stdout)
	}
	return 0
}

func runPeers(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	c, ctx, cancel, ok := cf.dial(stderr)
	if !ok {
		return 1
	}
	defer cancel()
	defer c.Close()
	peers, err := c.Peers(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "peers failed: %v\n", err)
		return 1
	}
	for _, p := range peers {
		fmt.Fprintln(stdout, p)
	}
	return 0
}

func runHash(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("hash", flag.ContinueOnError)
	fs.SetOutput(stderr)
	name := fs.String("hash", string(crypto.DefaultAlgorithm), "object id hash")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	hasher, err := hasherFor(*name)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		fmt.Fprintf(stderr, "read payload: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, hasher(string(data)))
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	cfg := config.FromEnv()
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	data := fs.String("data", cfg.DataDir, "data directory of the node")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg.DataDir = *data
	path := cfg.MetricsFile()
	if path == "" {
		fmt.Fprintln(stderr, "status: no data directory or metrics path configured")
		return 1
	}
	snap, err := readMetricsSnapshot(path)
	if err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "snapshot: %s (%s)\n", snap.GeneratedAt.Format(time.RFC3339), filepath.Base(path))
	fmt.Fprintf(stdout, "  sessions: opened=%d finished=%d handshakes=%d\n",
		snap.Sessions.Opened, snap.Sessions.Finished, snap.Sessions.Handshakes)
	fmt.Fprintf(stdout, "  objects: stored=%d duplicate=%d served=%d missing=%d\n",
		snap.Objects.Stored, snap.Objects.Duplicate, snap.Objects.Served, snap.Objects.Missing)
	fmt.Fprintf(stdout, "  gossip: announced=%d fetched=%d known=%d\n",
		snap.Gossip.Announced, snap.Gossip.Fetched, snap.Gossip.Known)
	for _, reason := range sortedKeys(snap.TerminateByReason) {
		fmt.Fprintf(stdout, "  terminated %s: %d\n", reason, snap.TerminateByReason[reason])
	}
	return 0
}

func hasherFor(name string) (crypto.Hasher, error) {
	alg, err := crypto.ParseAlgorithm(name)
	if err != nil {
		return nil, err
	}
	return crypto.NewHasher(alg)
}

func readMetricsSnapshot(path string) (metrics.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return metrics.Snapshot{}, err
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return metrics.Snapshot{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return snap, nil
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

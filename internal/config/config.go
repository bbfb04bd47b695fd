// Package config holds the node settings shared by the daemon and the CLI.
// Values start from Default and may be overridden by OBJGOSSIP_* environment
// variables and then by command-line flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"objgossip/internal/crypto"
	"objgossip/internal/proto"
)

const (
	TransportTCP  = "tcp"
	TransportQUIC = "quic"

	BackendMemory = "memory"
	BackendBadger = "badger"

	PolicyAll           = "all"
	PolicyExcludeOrigin = "exclude-origin"

	DefaultListenAddr = "0.0.0.0:18018"
)

type Config struct {
	ListenAddr      string
	Transport       string
	DataDir         string
	Bootstrap       []string
	Version         string
	Agent           string
	HashAlgorithm   string
	BroadcastPolicy string
	Backend         string

	MaxPeers       int
	MaxLineSize    int
	QueueDepth     int
	MaxConnsPerIP  int
	OutboundTarget int
	DialInterval   time.Duration
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	InboundRate    float64
	InboundBurst   int

	MetricsPath     string
	MetricsInterval time.Duration
}

func Default() Config {
	return Config{
		ListenAddr:      DefaultListenAddr,
		Transport:       TransportTCP,
		DataDir:         "",
		Version:         proto.ProtoVersion,
		Agent:           proto.Agent,
		HashAlgorithm:   string(crypto.DefaultAlgorithm),
		BroadcastPolicy: PolicyAll,
		Backend:         BackendMemory,
		MaxPeers:        1024,
		MaxLineSize:     proto.MaxLineSize,
		QueueDepth:      proto.DefaultQueueDepth,
		MaxConnsPerIP:   8,
		OutboundTarget:  4,
		DialInterval:    2 * time.Second,
		DialTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		InboundBurst:    64,
		MetricsInterval: 10 * time.Second,
	}
}

// FromEnv returns Default with any OBJGOSSIP_* overrides applied. Unparseable
// values are ignored.
func FromEnv() Config {
	c := Default()
	c.ApplyEnv()
	return c
}

func (c *Config) ApplyEnv() {
	if v, ok := envString("OBJGOSSIP_ADDR"); ok {
		c.ListenAddr = v
	}
	if v, ok := envString("OBJGOSSIP_TRANSPORT"); ok {
		c.Transport = strings.ToLower(v)
	}
	if v, ok := envString("OBJGOSSIP_DATA"); ok {
		c.DataDir = v
	}
	if v, ok := envString("OBJGOSSIP_BOOTSTRAP"); ok {
		c.Bootstrap = SplitList(v)
	}
	if v, ok := envString("OBJGOSSIP_HASH"); ok {
		c.HashAlgorithm = v
	}
	if v, ok := envString("OBJGOSSIP_BROADCAST"); ok {
		c.BroadcastPolicy = strings.ToLower(v)
	}
	if v, ok := envString("OBJGOSSIP_BACKEND"); ok {
		c.Backend = strings.ToLower(v)
	}
	if v, ok := envInt("OBJGOSSIP_MAX_PEERS"); ok && v > 0 {
		c.MaxPeers = v
	}
	if v, ok := envInt("OBJGOSSIP_MAX_LINE"); ok && v > 0 {
		c.MaxLineSize = v
	}
	if v, ok := envInt("OBJGOSSIP_QUEUE_DEPTH"); ok && v > 0 {
		c.QueueDepth = v
	}
	if v, ok := envInt("OBJGOSSIP_MAX_CONNS_PER_IP"); ok && v >= 0 {
		c.MaxConnsPerIP = v
	}
	if v, ok := envInt("OBJGOSSIP_OUTBOUND_TARGET"); ok && v >= 0 {
		c.OutboundTarget = v
	}
	if v, ok := envDuration("OBJGOSSIP_DIAL_INTERVAL"); ok && v > 0 {
		c.DialInterval = v
	}
	if v, ok := envDuration("OBJGOSSIP_DIAL_TIMEOUT"); ok && v > 0 {
		c.DialTimeout = v
	}
	if v, ok := envDuration("OBJGOSSIP_WRITE_TIMEOUT"); ok && v > 0 {
		c.WriteTimeout = v
	}
	if v, ok := envFloat("OBJGOSSIP_INBOUND_RATE"); ok {
		c.InboundRate = v
	}
	if v, ok := envInt("OBJGOSSIP_INBOUND_BURST"); ok && v > 0 {
		c.InboundBurst = v
	}
	if v, ok := envString("OBJGOSSIP_METRICS_PATH"); ok {
		c.MetricsPath = v
	}
	if v, ok := envDuration("OBJGOSSIP_METRICS_INTERVAL"); ok && v > 0 {
		c.MetricsInterval = v
	}
}

func (c Config) Validate() error {
	var errs []error
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("listen addr %q: %w", c.ListenAddr, err))
	}
	switch c.Transport {
	case TransportTCP, TransportQUIC:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	switch c.Backend {
	case BackendMemory:
	case BackendBadger:
		if c.DataDir == "" {
			errs = append(errs, errors.New("badger backend needs a data dir"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	switch c.BroadcastPolicy {
	case PolicyAll, PolicyExcludeOrigin:
	default:
		errs = append(errs, fmt.Errorf("unknown broadcast policy %q", c.BroadcastPolicy))
	}
	if _, err := crypto.ParseAlgorithm(c.HashAlgorithm); err != nil {
		errs = append(errs, err)
	}
	if c.Version == "" {
		errs = append(errs, errors.New("empty protocol version"))
	}
	if c.MaxPeers <= 0 {
		errs = append(errs, errors.New("max peers must be positive"))
	}
	if c.MaxLineSize < proto.MinLineSize {
		errs = append(errs, fmt.Errorf("max line size %d below minimum %d", c.MaxLineSize, proto.MinLineSize))
	}
	if c.WriteTimeout < 0 {
		errs = append(errs, errors.New("write timeout must not be negative"))
	}
	if c.OutboundTarget < 0 {
		errs = append(errs, errors.New("outbound target must not be negative"))
	}
	for _, b := range c.Bootstrap {
		if _, _, err := net.SplitHostPort(b); err != nil {
			errs = append(errs, fmt.Errorf("bootstrap %q: %w", b, err))
		}
	}
	return errors.Join(errs...)
}

// PeersPath is where the peer book is persisted, or "" for in-memory only.
func (c Config) PeersPath() string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, "peers.jsonl")
}

func (c Config) ObjectsDir() string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, "objects")
}

// MetricsFile resolves the snapshot path, defaulting to <data>/metrics.json.
func (c Config) MetricsFile() string {
	if c.MetricsPath != "" {
		return c.MetricsPath
	}
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, "metrics.json")
}

// SplitList splits a comma or whitespace separated list, dropping blanks.
func SplitList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func envString(key string) (string, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return "", false
	}
	return raw, true
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// envDuration accepts Go durations ("750ms") or a bare number of seconds.
func envDuration(key string) (time.Duration, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

func EnvBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

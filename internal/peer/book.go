// Package peer keeps the node's address book: the host:port strings learned
// from peers messages and bootstrap configuration.
package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"objgossip/internal/debuglog"
	"objgossip/internal/store"
)

const (
	DefaultCap       = 1024
	DefaultLoadLimit = 1024
	maxAddrLen       = 255 + 1 + 5
)

var (
	ErrInvalidAddr = errors.New("invalid peer address")
	ErrSelfAddr    = errors.New("own address")
)

type Options struct {
	Cap int
	// Path enables JSONL persistence of newly learned addresses.
	Path      string
	LoadLimit int
	// Self lists addresses that refer to this node and are never stored.
	Self []string
}

// Book is safe for concurrent use. Addresses keep insertion order; when the
// book is full the oldest entry is evicted.
type Book struct {
	mu        sync.Mutex
	cap       int
	path      string
	self      map[string]struct{}
	order     []string
	index     map[string]struct{}
	persistOK bool
}

type diskAddr struct {
	Addr  string `json:"addr"`
	Added int64  `json:"added"`
}

func NewBook(opts Options) (*Book, error) {
	capacity := opts.Cap
	if capacity <= 0 {
		capacity = DefaultCap
	}
	loadLimit := opts.LoadLimit
	if loadLimit <= 0 {
		loadLimit = DefaultLoadLimit
	}
	b := &Book{
		cap:   capacity,
		path:  opts.Path,
		self:  make(map[string]struct{}),
		index: make(map[string]struct{}),
	}
	for _, s := range opts.Self {
		if norm, err := Normalize(s); err == nil {
			b.self[norm] = struct{}{}
		}
	}
	if b.path != "" {
		if err := b.load(loadLimit); err != nil {
			return nil, fmt.Errorf("load peers %s: %w", b.path, err)
		}
		b.persistOK = true
	}
	return b, nil
}

// Normalize validates addr as host:port with a non-zero port and returns its
// canonical form.
func Normalize(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" || len(addr) > maxAddrLen {
		return "", ErrInvalidAddr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddr, err)
	}
	if host == "" || strings.ContainsAny(host, " \t/") {
		return "", fmt.Errorf("%w: bad host %q", ErrInvalidAddr, host)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return "", fmt.Errorf("%w: bad port %q", ErrInvalidAddr, port)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsUnspecified() {
			return "", fmt.Errorf("%w: unspecified host", ErrInvalidAddr)
		}
		host = ip.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(p)), nil
}

// Add stores one address. It reports whether the address was new.
func (b *Book) Add(addr string) (bool, error) {
	norm, err := Normalize(addr)
	if err != nil {
		return false, err
	}
	b.mu.Lock()
	added, err := b.addLocked(norm)
	b.mu.Unlock()
	if added {
		b.persist(norm)
	}
	return added, err
}

// Merge adds every valid address in addrs and returns how many were new.
// Invalid entries are skipped.
func (b *Book) Merge(addrs []string) int {
	fresh := make([]string, 0, len(addrs))
	b.mu.Lock()
	for _, a := range addrs {
		norm, err := Normalize(a)
		if err != nil {
			debuglog.Debugf("peer book: skipping %q: %v", a, err)
			continue
		}
		if ok, _ := b.addLocked(norm); ok {
			fresh = append(fresh, norm)
		}
	}
	b.mu.Unlock()
	for _, a := range fresh {
		b.persist(a)
	}
	return len(fresh)
}

func (b *Book) addLocked(norm string) (bool, error) {
	if _, ok := b.self[norm]; ok {
		return false, ErrSelfAddr
	}
	if _, ok := b.index[norm]; ok {
		return false, nil
	}
	if len(b.order) >= b.cap {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.index, oldest)
	}
	b.order = append(b.order, norm)
	b.index[norm] = struct{}{}
	return true, nil
}

func (b *Book) Remove(addr string) bool {
	norm, err := Normalize(addr)
	if err != nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.index[norm]; !ok {
		return false
	}
	delete(b.index, norm)
	for i, a := range b.order {
		if a == norm {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

// AddSelf marks addr as this node's own address and drops it if present.
func (b *Book) AddSelf(addr string) {
	norm, err := Normalize(addr)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.self[norm] = struct{}{}
	b.mu.Unlock()
	b.Remove(norm)
}

func (b *Book) Contains(addr string) bool {
	norm, err := Normalize(addr)
	if err != nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.index[norm]
	return ok
}

// List returns a copy of the addresses in insertion order.
func (b *Book) List() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

func (b *Book) persist(addr string) {
	if !b.persistOK {
		return
	}
	if err := store.AppendJSONL(b.path, diskAddr{Addr: addr, Added: time.Now().Unix()}); err != nil {
		debuglog.RateLimitedf("peer.persist", 30*time.Second, "peer book: persist %s: %v", addr, err)
	}
}

func (b *Book) load(limit int) error {
	var recs []string
	err := store.ReadJSONL(b.path, func(line []byte) {
		var rec diskAddr
		if err := json.Unmarshal(line, &rec); err != nil {
			return
		}
		if len(recs) < limit {
			recs = append(recs, rec.Addr)
			return
		}
		copy(recs, recs[1:])
		recs[limit-1] = rec.Addr
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range recs {
		if norm, err := Normalize(a); err == nil {
			_, _ = b.addLocked(norm)
		}
	}
	return nil
}

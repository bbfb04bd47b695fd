package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type ObjectHeader struct {
	ObjectID string    `json:"objectid"`
	Size     int       `json:"size"`
	From     string    `json:"from"`
	StoredAt time.Time `json:"stored_at"`
}

type Snapshot struct {
	GeneratedAt       time.Time         `json:"generated_at"`
	Sessions          SessionMetrics    `json:"sessions"`
	Objects           ObjectMetrics     `json:"objects"`
	Gossip            GossipMetrics     `json:"gossip"`
	RecvByType        map[string]uint64 `json:"recv_by_type"`
	TerminateByReason map[string]uint64 `json:"terminate_by_reason"`
	CurrentSessions   int64             `json:"current_sessions"`
	Recent            []ObjectHeader    `json:"recent"`
}

type SessionMetrics struct {
	Opened      uint64 `json:"opened"`
	Finished    uint64 `json:"finished"`
	Handshakes  uint64 `json:"handshakes"`
	PeersMerged uint64 `json:"peers_merged"`
}

type ObjectMetrics struct {
	Stored    uint64 `json:"stored"`
	Duplicate uint64 `json:"duplicate"`
	Served    uint64 `json:"served"`
	Missing   uint64 `json:"missing"`
}

type GossipMetrics struct {
	Announced uint64 `json:"announced"`
	Fetched   uint64 `json:"fetched"`
	Known     uint64 `json:"known"`
}

// Metrics is safe for concurrent use. A nil *Metrics discards everything so
// components can be built without one.
type Metrics struct {
	sessionsOpened   atomic.Uint64
	sessionsFinished atomic.Uint64
	handshakes       atomic.Uint64
	peersMerged      atomic.Uint64
	objectsStored    atomic.Uint64
	objectsDuplicate atomic.Uint64
	objectsServed    atomic.Uint64
	objectsMissing   atomic.Uint64
	gossipAnnounced  atomic.Uint64
	gossipFetched    atomic.Uint64
	gossipKnown      atomic.Uint64
	currentSessions  atomic.Int64

	mu          sync.Mutex
	recvByType  map[string]uint64
	terminateBy map[string]uint64

	recent *ObjectRecent
}

func New() *Metrics {
	return &Metrics{
		recvByType:  make(map[string]uint64),
		terminateBy: make(map[string]uint64),
		recent:      NewObjectRecent(64),
	}
}

func (m *Metrics) Recent() *ObjectRecent {
	if m == nil {
		return nil
	}
	return m.recent
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Add(1)
	m.currentSessions.Add(1)
}

func (m *Metrics) SessionFinished() {
	if m == nil {
		return
	}
	m.sessionsFinished.Add(1)
	m.currentSessions.Add(-1)
}

func (m *Metrics) IncHandshake() {
	if m == nil {
		return
	}
	m.handshakes.Add(1)
}

func (m *Metrics) AddPeersMerged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.peersMerged.Add(uint64(n))
}

func (m *Metrics) ObjectStored(h ObjectHeader) {
	if m == nil {
		return
	}
	m.objectsStored.Add(1)
	m.recent.Add(h)
}

func (m *Metrics) IncObjectDuplicate() {
	if m == nil {
		return
	}
	m.objectsDuplicate.Add(1)
}

func (m *Metrics) IncObjectServed() {
	if m == nil {
		return
	}
	m.objectsServed.Add(1)
}

func (m *Metrics) IncObjectMissing() {
	if m == nil {
		return
	}
	m.objectsMissing.Add(1)
}

func (m *Metrics) IncAnnounced() {
	if m == nil {
		return
	}
	m.gossipAnnounced.Add(1)
}

func (m *Metrics) IncFetched() {
	if m == nil {
		return
	}
	m.gossipFetched.Add(1)
}

func (m *Metrics) IncKnown() {
	if m == nil {
		return
	}
	m.gossipKnown.Add(1)
}

func (m *Metrics) IncRecvByType(msgType string) {
	if m == nil {
		return
	}
	m.inc(m.recvByType, msgType)
}

func (m *Metrics) IncTerminateByReason(reason string) {
	if m == nil {
		return
	}
	m.inc(m.terminateBy, reason)
}

func (m *Metrics) inc(counts map[string]uint64, key string) {
	if key == "" {
		key = "unknown"
	}
	m.mu.Lock()
	counts[key]++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{GeneratedAt: time.Now().UTC()}
	}
	m.mu.Lock()
	recv := make(map[string]uint64, len(m.recvByType))
	for k, v := range m.recvByType {
		recv[k] = v
	}
	term := make(map[string]uint64, len(m.terminateBy))
	for k, v := range m.terminateBy {
		term[k] = v
	}
	m.mu.Unlock()
	recent := m.recent.List()
	if recent == nil {
		recent = []ObjectHeader{}
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Sessions: SessionMetrics{
			Opened:      m.sessionsOpened.Load(),
			Finished:    m.sessionsFinished.Load(),
			Handshakes:  m.handshakes.Load(),
			PeersMerged: m.peersMerged.Load(),
		},
		Objects: ObjectMetrics{
			Stored:    m.objectsStored.Load(),
			Duplicate: m.objectsDuplicate.Load(),
			Served:    m.objectsServed.Load(),
			Missing:   m.objectsMissing.Load(),
		},
		Gossip: GossipMetrics{
			Announced: m.gossipAnnounced.Load(),
			Fetched:   m.gossipFetched.Load(),
			Known:     m.gossipKnown.Load(),
		},
		RecvByType:        recv,
		TerminateByReason: term,
		CurrentSessions:   m.currentSessions.Load(),
		Recent:            recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

type ObjectRecent struct {
	mu   sync.Mutex
	cap  int
	list []ObjectHeader
}

func NewObjectRecent(capacity int) *ObjectRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &ObjectRecent{cap: capacity}
}

func (r *ObjectRecent) Add(h ObjectHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *ObjectRecent) List() []ObjectHeader {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ObjectHeader, len(r.list))
	copy(out, r.list)
	return out
}

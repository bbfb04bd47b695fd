package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.SessionOpened()
	m.SessionOpened()
	m.SessionFinished()
	m.IncHandshake()
	m.AddPeersMerged(3)
	m.AddPeersMerged(-1)
	m.ObjectStored(ObjectHeader{ObjectID: "aa", Size: 2, From: "p1"})
	m.IncObjectDuplicate()
	m.IncObjectServed()
	m.IncObjectMissing()
	m.IncAnnounced()
	m.IncFetched()
	m.IncKnown()
	m.IncRecvByType("hello")
	m.IncRecvByType("hello")
	m.IncTerminateByReason("malformed")
	m.IncTerminateByReason("")
	snap := m.Snapshot()
	if snap.Sessions.Opened != 2 || snap.Sessions.Finished != 1 || snap.CurrentSessions != 1 {
		t.Fatalf("unexpected session metrics: %+v current=%d", snap.Sessions, snap.CurrentSessions)
	}
	if snap.Sessions.Handshakes != 1 || snap.Sessions.PeersMerged != 3 {
		t.Fatalf("unexpected session metrics: %+v", snap.Sessions)
	}
	if snap.Objects != (ObjectMetrics{Stored: 1, Duplicate: 1, Served: 1, Missing: 1}) {
		t.Fatalf("unexpected object metrics: %+v", snap.Objects)
	}
	if snap.Gossip != (GossipMetrics{Announced: 1, Fetched: 1, Known: 1}) {
		t.Fatalf("unexpected gossip metrics: %+v", snap.Gossip)
	}
	if snap.RecvByType["hello"] != 2 {
		t.Fatalf("expected recv_by_type hello=2, got %d", snap.RecvByType["hello"])
	}
	if snap.TerminateByReason["malformed"] != 1 || snap.TerminateByReason["unknown"] != 1 {
		t.Fatalf("unexpected terminate_by_reason: %v", snap.TerminateByReason)
	}
	if len(snap.Recent) != 1 || snap.Recent[0].ObjectID != "aa" {
		t.Fatalf("unexpected recent: %+v", snap.Recent)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionOpened()
	m.IncRecvByType("hello")
	m.ObjectStored(ObjectHeader{ObjectID: "x"})
	if snap := m.Snapshot(); snap.Objects.Stored != 0 {
		t.Fatalf("nil metrics recorded data: %+v", snap)
	}
}

func TestObjectRecentBounded(t *testing.T) {
	r := NewObjectRecent(3)
	for i := 0; i < 5; i++ {
		r.Add(ObjectHeader{ObjectID: strconv.Itoa(i)})
	}
	list := r.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(list))
	}
	if list[0].ObjectID != "2" || list[2].ObjectID != "4" {
		t.Fatalf("unexpected order: %+v", list)
	}
}

func TestWriteSnapshot(t *testing.T) {
	m := New()
	m.IncAnnounced()
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Gossip.Announced != 1 {
		t.Fatalf("expected announced=1, got %d", snap.Gossip.Announced)
	}
	if err := m.WriteSnapshot(""); err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
}

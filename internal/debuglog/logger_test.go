package debuglog

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"objgossip/internal/testutil"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func capture(t *testing.T) *syncBuffer {
	t.Helper()
	buf := &syncBuffer{}
	prev := SetOutput(buf)
	t.Cleanup(func() { SetOutput(prev) })
	return buf
}

func TestScopedPrefixesLines(t *testing.T) {
	t.Setenv(EnvDebug, "0")
	buf := capture(t)
	With("session 1.2.3.4:5").Logf("hello %d", 7)
	if got := buf.String(); got != "session 1.2.3.4:5: hello 7\n" {
		t.Fatalf("line=%q", got)
	}
}

func TestDebugfSilentUnlessEnabled(t *testing.T) {
	t.Setenv(EnvDebug, "0")
	buf := capture(t)
	Debugf("hidden")
	if buf.String() != "" {
		t.Fatalf("debug line printed while disabled: %q", buf.String())
	}

	t.Setenv(EnvDebug, "1")
	Debugf("shown %s", "now")
	testutil.Eventually(t, 2*time.Second, func() bool {
		return strings.Contains(buf.String(), "shown now\n")
	}, "queued debug line never written: %q", buf.String())
}

func TestRateLimitedfSuppressesRepeats(t *testing.T) {
	t.Setenv(EnvDebug, "0")
	buf := capture(t)
	key := "test." + t.Name()
	RateLimitedf(key, time.Hour, "first")
	RateLimitedf(key, time.Hour, "second")
	RateLimitedf(key+".other", time.Hour, "third")
	if got := buf.String(); got != "first\nthird\n" {
		t.Fatalf("lines=%q", got)
	}
}

func TestLimiterAllowsAfterInterval(t *testing.T) {
	l := newLimiter()
	now := time.Now()
	if !l.allow("k", time.Second, now) {
		t.Fatalf("first call limited")
	}
	if l.allow("k", time.Second, now.Add(500*time.Millisecond)) {
		t.Fatalf("repeat inside interval allowed")
	}
	if !l.allow("k", time.Second, now.Add(time.Second)) {
		t.Fatalf("repeat after interval limited")
	}
	// A sweep drops keys idle for more than four intervals.
	l.allow("fresh", time.Second, now.Add(10*time.Second))
	l.mu.Lock()
	_, kept := l.last["k"]
	l.mu.Unlock()
	if kept {
		t.Fatalf("stale key survived sweep")
	}
}

func TestScopedRateLimitIsPerComponent(t *testing.T) {
	t.Setenv(EnvDebug, "0")
	buf := capture(t)
	key := "dial." + t.Name()
	With("a").RateLimitedf(key, time.Hour, "x")
	With("b").RateLimitedf(key, time.Hour, "x")
	With("a").RateLimitedf(key, time.Hour, "x")
	if got := buf.String(); got != "a: x\nb: x\n" {
		t.Fatalf("lines=%q", got)
	}
}

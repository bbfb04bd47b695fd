// Package debuglog is the node's line logger. Logf always prints; Debugf
// prints only when OBJGOSSIP_DEBUG=1. In debug mode lines go through a
// bounded queue so a slow terminal never stalls a session goroutine.
package debuglog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const queueSize = 2048

const EnvDebug = "OBJGOSSIP_DEBUG"

func Enabled() bool {
	return os.Getenv(EnvDebug) == "1"
}

type sink struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *sink) write(msg string) {
	s.mu.Lock()
	_, _ = io.WriteString(s.w, msg)
	s.mu.Unlock()
}

var (
	out = &sink{w: os.Stderr}

	queueOnce sync.Once
	queue     chan string
	// dropped counts debug lines lost to a full queue since the last report.
	dropped atomic.Uint64

	limits = newLimiter()
)

// SetOutput redirects all log lines to w and returns the previous writer.
func SetOutput(w io.Writer) io.Writer {
	out.mu.Lock()
	defer out.mu.Unlock()
	prev := out.w
	out.w = w
	return prev
}

func startQueue() {
	queueOnce.Do(func() {
		queue = make(chan string, queueSize)
		go func() {
			for msg := range queue {
				if n := dropped.Swap(0); n > 0 {
					out.write(fmt.Sprintf("debuglog: dropped %d lines\n", n))
				}
				out.write(msg)
			}
		}()
	})
}

func Logf(format string, args ...any) {
	msg := fmt.Sprintf(format+"\n", args...)
	if !Enabled() {
		out.write(msg)
		return
	}
	startQueue()
	select {
	case queue <- msg:
	default:
		dropped.Add(1)
	}
}

func Debugf(format string, args ...any) {
	if !Enabled() {
		return
	}
	Logf(format, args...)
}

// RateLimitedf logs at most once per interval for each key.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if key == "" || !limits.allow(key, interval, time.Now()) {
		return
	}
	Logf(format, args...)
}

type limiter struct {
	mu    sync.Mutex
	last  map[string]time.Time
	sweep time.Time
}

func newLimiter() *limiter {
	return &limiter{last: make(map[string]time.Time), sweep: time.Now()}
}

func (l *limiter) allow(key string, interval time.Duration, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.last[key]; ok && now.Sub(last) < interval {
		return false
	}
	l.last[key] = now
	if now.Sub(l.sweep) > 2*interval {
		for k, ts := range l.last {
			if now.Sub(ts) > 4*interval {
				delete(l.last, k)
			}
		}
		l.sweep = now
	}
	return true
}

// Scoped prefixes every line with a component name, e.g. "session 1.2.3.4:5".
type Scoped struct {
	prefix string
}

func With(component string) Scoped {
	return Scoped{prefix: component + ": "}
}

func (s Scoped) Logf(format string, args ...any) {
	Logf(s.prefix+format, args...)
}

func (s Scoped) Debugf(format string, args ...any) {
	Debugf(s.prefix+format, args...)
}

// RateLimitedf keys the limit by component, so equal keys in different
// scopes are limited independently.
func (s Scoped) RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	RateLimitedf(s.prefix+key, interval, s.prefix+format, args...)
}

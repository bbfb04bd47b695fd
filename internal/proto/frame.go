package proto

import (
	"encoding/json"
	"errors"
	"strings"
)

const (
	MaxLineSize = 1 << 20
	// MinLineSize is the smallest configurable line cap; it still fits a
	// Hello and any object reference.
	MinLineSize       = 1 << 10
	DefaultQueueDepth = 256
)

var ErrLineTooLong = errors.New("line too long")

// peersOverhead is len(`{"type":"peers","peers":[]}`).
const peersOverhead = 27

// FitPeers returns the longest prefix of addrs whose encoded Peers line is at
// most max bytes. A non-positive max means MaxLineSize.
func FitPeers(addrs []string, max int) []string {
	if max <= 0 {
		max = MaxLineSize
	}
	size := peersOverhead
	for i, a := range addrs {
		enc, err := json.Marshal(a)
		if err != nil {
			return addrs[:i]
		}
		n := len(enc)
		if i > 0 {
			n++
		}
		if size+n > max {
			return addrs[:i]
		}
		size += n
	}
	return addrs
}

// SplitLines breaks a chunk read from a connection into protocol lines.
// Empty tokens are dropped and a trailing '\r' is stripped from each token.
func SplitLines(data string) []string {
	if data == "" {
		return nil
	}
	parts := strings.Split(data, "\n")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSuffix(p, "\r")
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// CheckLineSize rejects lines longer than max. A non-positive max means
// MaxLineSize.
func CheckLineSize(line string, max int) error {
	if max <= 0 {
		max = MaxLineSize
	}
	if len(line) > max {
		return ErrLineTooLong
	}
	return nil
}

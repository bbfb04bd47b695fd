// Package store keeps gossiped objects keyed by their object id, and the
// append-only JSONL files used for small persistent state.
package store

import (
	"errors"
	"fmt"
	"sync"
)

const (
	KindMemory = "memory"
	KindBadger = "badger"
)

var ErrClosed = errors.New("store closed")

// Objects is a content-addressed object table. InsertIfAbsent must be atomic:
// of several concurrent inserts of one id exactly one reports true.
type Objects interface {
	Has(id string) bool
	Get(id string) (string, bool)
	InsertIfAbsent(id, payload string) bool
	Len() int
	Close() error
}

// Open returns the backend named by kind. dir is only used by badger.
func Open(kind, dir string) (Objects, error) {
	switch kind {
	case "", KindMemory:
		return NewMemory(), nil
	case KindBadger:
		return OpenBadger(dir)
	default:
		return nil, fmt.Errorf("unknown object backend %q", kind)
	}
}

type Memory struct {
	mu      sync.RWMutex
	objects map[string]string
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]string)}
}

func (m *Memory) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[id]
	return ok
}

func (m *Memory) Get(id string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.objects[id]
	return p, ok
}

func (m *Memory) InsertIfAbsent(id, payload string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[id]; ok {
		return false
	}
	m.objects[id] = payload
	return true
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func (m *Memory) Close() error { return nil }

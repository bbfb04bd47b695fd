package store

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"objgossip/internal/debuglog"
)

var objectPrefix = []byte("o:")

// Badger persists objects in a badger database under "o:<id>".
type Badger struct {
	db *badger.DB
	// mu serialises InsertIfAbsent so a losing writer never sees a txn
	// conflict; reads go straight to badger.
	mu     sync.Mutex
	closed bool
}

// OpenBadger opens (or creates) a database in dir. An empty dir opens an
// in-memory database.
func OpenBadger(dir string) (*Badger, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(nil).WithNumVersionsToKeep(1)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %s: %w", dir, err)
	}
	debuglog.Debugf("badger store opened dir=%q", dir)
	return &Badger{db: db}, nil
}

func objectKey(id string) []byte {
	key := make([]byte, 0, len(objectPrefix)+len(id))
	key = append(key, objectPrefix...)
	return append(key, id...)
}

func (b *Badger) Has(id string) bool {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(objectKey(id))
		return err
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		debuglog.RateLimitedf("badger.has", 10*time.Second, "badger has %s: %v", id, err)
	}
	return err == nil
}

func (b *Badger) Get(id string) (string, bool) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objectKey(id))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			debuglog.RateLimitedf("badger.get", 10*time.Second, "badger get %s: %v", id, err)
		}
		return "", false
	}
	return string(value), true
}

func (b *Badger) InsertIfAbsent(id, payload string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	inserted := false
	err := b.db.Update(func(txn *badger.Txn) error {
		key := objectKey(id)
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, []byte(payload)); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		debuglog.Logf("badger insert %s: %v", id, err)
		return false
	}
	return inserted
}

func (b *Badger) Len() int {
	n := 0
	_ = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = objectPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n
}

// IDs lists stored object ids in key order.
func (b *Badger) IDs() ([]string, error) {
	var ids []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = objectPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(objectPrefix):]))
		}
		return nil
	})
	return ids, err
}

func (b *Badger) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

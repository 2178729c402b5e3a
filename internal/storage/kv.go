// Package storage implements the Manager's three persistence tables
// (connections log, users, trusted hostnames) as key-space partitions of a
// single embedded ordered key-value store. The distilled specification
// describes "a single SQLite file"; no SQLite driver is available anywhere
// in this implementation's dependency corpus, so the KV layer below is
// adapted directly from the teacher's own omni/internal/storage BadgerStore
// wrapper, which gives the same open/close lifecycle and row-at-a-time,
// commit-per-call semantics a SQLite table would have provided.
package storage

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// ErrKeyNotFound is returned by Get/View lookups that miss.
var ErrKeyNotFound = errors.New("storage: key not found")

// Config tunes the embedded store. Defaults favor a small, single-process
// deployment over write throughput.
type Config struct {
	Dir         string
	SyncWrites  bool
	Compression options.CompressionType
}

// DefaultConfig returns sane defaults for dir, matching the teacher's own
// DefaultConfig shape (omni/internal/storage/badger.go).
func DefaultConfig(dir string) *Config {
	return &Config{
		Dir:         dir,
		SyncWrites:  false,
		Compression: options.ZSTD,
	}
}

// KV wraps a badger.DB with the small surface the three tables need:
// Get/Set/Delete/Exists/Scan plus a Close lifecycle.
type KV struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// Open creates the data directory if necessary and opens the store.
func Open(cfg *Config) (*KV, error) {
	if cfg == nil {
		return nil, fmt.Errorf("storage: config cannot be nil")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create directory: %w", err)
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.SyncWrites = cfg.SyncWrites
	opts.Compression = cfg.Compression
	opts.Logger = quietLogger{}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open badger database: %w", err)
	}
	return &KV{db: db}, nil
}

// Close releases the underlying database. Safe to call more than once.
func (kv *KV) Close() error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.closed {
		return nil
	}
	kv.closed = true
	return kv.db.Close()
}

func (kv *KV) isClosed() bool {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return kv.closed
}

// Get returns the value stored at key, or ErrKeyNotFound.
func (kv *KV) Get(key []byte) ([]byte, error) {
	if kv.isClosed() {
		return nil, fmt.Errorf("storage: store is closed")
	}
	var value []byte
	err := kv.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	return value, err
}

// Set writes key=value, committing immediately.
func (kv *KV) Set(key, value []byte) error {
	if kv.isClosed() {
		return fmt.Errorf("storage: store is closed")
	}
	return kv.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Delete removes key, committing immediately. Deleting a missing key is not
// an error (matches row-at-a-time DELETE semantics of a SQL table).
func (kv *KV) Delete(key []byte) error {
	if kv.isClosed() {
		return fmt.Errorf("storage: store is closed")
	}
	return kv.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// Exists reports whether key is present.
func (kv *KV) Exists(key []byte) (bool, error) {
	_, err := kv.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ScanFunc is invoked once per matching key during Scan, in key order. A
// non-nil return stops the scan early and is propagated to the caller.
type ScanFunc func(key, value []byte) error

// Scan walks every key with the given prefix in order, invoking fn for
// each. It implements the row-at-a-time iteration the three tables need for
// listing (e.g. "list trusted hostnames", "list connection-log rows").
func (kv *KV) Scan(prefix []byte, fn ScanFunc) error {
	if kv.isClosed() {
		return fmt.Errorf("storage: store is closed")
	}
	return kv.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), value); err != nil {
				return err
			}
		}
		return nil
	})
}

type quietLogger struct{}

func (quietLogger) Errorf(format string, args ...interface{})   { fmt.Printf("badger error: "+format+"\n", args...) }
func (quietLogger) Warningf(format string, args ...interface{}) {}
func (quietLogger) Infof(format string, args ...interface{})    {}
func (quietLogger) Debugf(format string, args ...interface{})   {}

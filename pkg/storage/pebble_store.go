package storage

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// PebbleStore provides Pebble-based persistence for every engine record
// Thread-safety comes from Pebble itself; batches are serialized by the engine
type PebbleStore struct {
	db *pebble.DB
}

// NewPebbleStore opens a Pebble database at the given path
func NewPebbleStore(dbPath string) (*PebbleStore, error) {
	return openPebble(dbPath, nil)
}

// NewMemPebbleStore opens a Pebble database on an in-memory filesystem
func NewMemPebbleStore() (*PebbleStore, error) {
	return openPebble("", vfs.NewMem())
}

func openPebble(dbPath string, fs vfs.FS) (*PebbleStore, error) {
	opts := &pebble.Options{
		// Performance tuning
		Cache:                       pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize:                32 << 20,                  // 32MB memtable
		MaxConcurrentCompactions:    func() int { return 2 },
		L0CompactionThreshold:       2,
		L0StopWritesThreshold:       12,
		LBaseMaxBytes:               64 << 20, // 64MB
		MaxOpenFiles:                1000,
		BytesPerSync:                512 << 10, // 512KB
		DisableAutomaticCompactions: false,
		FS:                          fs,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}

	return &PebbleStore{db: db}, nil
}

// Close closes the database
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func (s *PebbleStore) Get(key []byte) ([]byte, error) {
	return pebbleGet(s.db, key)
}

func (s *PebbleStore) Set(key, value []byte) error {
	if err := s.db.Set(key, value, pebble.Sync); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

func (s *PebbleStore) Delete(key []byte) error {
	if err := s.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

func (s *PebbleStore) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	return pebbleIterate(s.db, prefix, fn)
}

// Apply writes the batch to Pebble atomically
func (s *PebbleStore) Apply(writes []Write) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, w := range writes {
		var err error
		if w.Delete {
			err = batch.Delete(w.Key, nil)
		} else {
			err = batch.Set(w.Key, w.Value, nil)
		}
		if err != nil {
			return fmt.Errorf("failed to stage write: %w", err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// Snapshot pins the database at its current sequence number
func (s *PebbleStore) Snapshot() Snapshot {
	return &pebbleSnapshot{snap: s.db.NewSnapshot()}
}

type pebbleSnapshot struct {
	snap *pebble.Snapshot
}

func (p *pebbleSnapshot) Get(key []byte) ([]byte, error) { return pebbleGet(p.snap, key) }
func (p *pebbleSnapshot) Set(key, value []byte) error    { return ErrReadOnly }
func (p *pebbleSnapshot) Delete(key []byte) error        { return ErrReadOnly }
func (p *pebbleSnapshot) Close() error                   { return p.snap.Close() }

func (p *pebbleSnapshot) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	return pebbleIterate(p.snap, prefix, fn)
}

func pebbleGet(r pebble.Reader, key []byte) ([]byte, error) {
	data, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	defer closer.Close()

	// data is only valid until closer.Close()
	return bytes.Clone(data), nil
}

func pebbleIterate(r pebble.Reader, prefix []byte, fn func(key, value []byte) error) error {
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(bytes.Clone(iter.Key()), bytes.Clone(iter.Value())); err != nil {
			return err
		}
	}
	return iter.Error()
}

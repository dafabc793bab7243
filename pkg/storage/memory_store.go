package storage

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

type memItem struct {
	key   []byte
	value []byte
}

func memLess(a, b memItem) bool { return bytes.Compare(a.key, b.key) < 0 }

// MemStore is an ordered in-memory Backend used by tests and IN_MEMORY devnets
type MemStore struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[memItem]
}

// NewMemStore creates an empty in-memory store
func NewMemStore() *MemStore {
	return &MemStore{tree: btree.NewG(32, memLess)}
}

func (s *MemStore) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memGet(s.tree, key)
}

func (s *MemStore) Set(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.ReplaceOrInsert(memItem{key: bytes.Clone(key), value: bytes.Clone(value)})
	return nil
}

func (s *MemStore) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Delete(memItem{key: key})
	return nil
}

func (s *MemStore) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	// Copy under the read lock so fn may call back into the store
	s.mu.RLock()
	items := memScan(s.tree, prefix)
	s.mu.RUnlock()
	return memVisit(items, fn)
}

// Apply writes every mutation under one lock, so readers never see a partial batch
func (s *MemStore) Apply(writes []Write) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range writes {
		if w.Delete {
			s.tree.Delete(memItem{key: w.Key})
			continue
		}
		s.tree.ReplaceOrInsert(memItem{key: bytes.Clone(w.Key), value: bytes.Clone(w.Value)})
	}
	return nil
}

// Len returns the number of stored keys
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

func (s *MemStore) Close() error { return nil }

// Snapshot clones the tree copy-on-write, so it costs nothing until the store is written
func (s *MemStore) Snapshot() Snapshot {
	// Clone must not run concurrently with itself
	s.mu.Lock()
	defer s.mu.Unlock()
	return &memSnapshot{tree: s.tree.Clone()}
}

type memSnapshot struct {
	tree *btree.BTreeG[memItem]
}

func (m *memSnapshot) Get(key []byte) ([]byte, error) { return memGet(m.tree, key) }
func (m *memSnapshot) Set(key, value []byte) error    { return ErrReadOnly }
func (m *memSnapshot) Delete(key []byte) error        { return ErrReadOnly }
func (m *memSnapshot) Close() error                   { return nil }

func (m *memSnapshot) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	return memVisit(memScan(m.tree, prefix), fn)
}

func memGet(tree *btree.BTreeG[memItem], key []byte) ([]byte, error) {
	item, ok := tree.Get(memItem{key: key})
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(item.value), nil
}

// memScan copies every item with prefix in ascending key order
func memScan(tree *btree.BTreeG[memItem], prefix []byte) []memItem {
	var items []memItem
	tree.AscendGreaterOrEqual(memItem{key: prefix}, func(item memItem) bool {
		if !bytes.HasPrefix(item.key, prefix) {
			return false
		}
		items = append(items, memItem{key: bytes.Clone(item.key), value: bytes.Clone(item.value)})
		return true
	})
	return items
}

func memVisit(items []memItem, fn func(key, value []byte) error) error {
	for _, item := range items {
		if err := fn(item.key, item.value); err != nil {
			return err
		}
	}
	return nil
}

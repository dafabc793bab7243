package storage

import (
	"bytes"
	"fmt"
	"sort"
)

// Tx is a unit of work over a Backend.
// Writes are buffered; reads see the buffered writes first, then the backend.
// Commit applies every buffered write in one atomic Backend.Apply; Discard drops them.
type Tx struct {
	base    Backend
	pending map[string]Write
}

// NewTx starts an empty unit of work over base
func NewTx(base Backend) *Tx {
	return &Tx{
		base:    base,
		pending: make(map[string]Write),
	}
}

func (tx *Tx) Get(key []byte) ([]byte, error) {
	if w, ok := tx.pending[string(key)]; ok {
		if w.Delete {
			return nil, ErrNotFound
		}
		return bytes.Clone(w.Value), nil
	}
	return tx.base.Get(key)
}

func (tx *Tx) Set(key, value []byte) error {
	tx.pending[string(key)] = Write{Key: bytes.Clone(key), Value: bytes.Clone(value)}
	return nil
}

func (tx *Tx) Delete(key []byte) error {
	tx.pending[string(key)] = Write{Key: bytes.Clone(key), Delete: true}
	return nil
}

// Iterate merges backend records with buffered writes, in ascending key order
func (tx *Tx) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	merged := make(map[string][]byte)
	if err := tx.base.Iterate(prefix, func(key, value []byte) error {
		merged[string(key)] = value
		return nil
	}); err != nil {
		return err
	}

	for k, w := range tx.pending {
		if !bytes.HasPrefix(w.Key, prefix) {
			continue
		}
		if w.Delete {
			delete(merged, k)
		} else {
			merged[k] = w.Value
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := fn([]byte(k), bytes.Clone(merged[k])); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of buffered writes
func (tx *Tx) Len() int { return len(tx.pending) }

// Commit applies every buffered write atomically and resets the buffer
func (tx *Tx) Commit() error {
	if len(tx.pending) == 0 {
		return nil
	}

	writes := make([]Write, 0, len(tx.pending))
	for _, w := range tx.pending {
		writes = append(writes, w)
	}
	sort.Slice(writes, func(i, j int) bool {
		return bytes.Compare(writes[i].Key, writes[j].Key) < 0
	})

	if err := tx.base.Apply(writes); err != nil {
		return fmt.Errorf("failed to commit unit of work: %w", err)
	}
	tx.pending = make(map[string]Write)
	return nil
}

// Discard drops every buffered write
func (tx *Tx) Discard() {
	tx.pending = make(map[string]Write)
}

package storage

import "errors"

var (
	// ErrNotFound is returned by Get when a key has no value
	ErrNotFound = errors.New("storage: key not found")

	// ErrReadOnly is returned by writes against a Snapshot
	ErrReadOnly = errors.New("storage: snapshot is read-only")
)

// KeyedStore is the key/value surface every engine component reads and writes through.
// Keys are built by the typed constructors in keys.go.
type KeyedStore interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error

	// Iterate visits every key with the given prefix in ascending byte order.
	// A non-nil error from fn stops the scan and is returned.
	Iterate(prefix []byte, fn func(key, value []byte) error) error
}

// Write is one buffered mutation
type Write struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Backend is a durable KeyedStore that can apply a set of writes atomically
type Backend interface {
	KeyedStore
	Apply(writes []Write) error
	Close() error

	// Snapshot pins the current committed state. Later writes are not visible through it.
	Snapshot() Snapshot
}

// Snapshot is a read-only point-in-time view of a Backend. Set and Delete fail with
// ErrReadOnly. Close releases it.
type Snapshot interface {
	KeyedStore
	Close() error
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
// Example: prefix "pos:0x123:" -> upper bound "pos:0x123;" (next byte after ':')
func keyUpperBound(prefix []byte) []byte {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] < 0xff {
			bound := make([]byte, i+1)
			copy(bound, prefix)
			bound[i]++
			return bound
		}
	}
	return nil // no upper bound (empty or all 0xff)
}

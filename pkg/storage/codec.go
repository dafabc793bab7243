package storage

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Load decodes the JSON record stored at key into a new T.
// Returns nil if the key doesn't exist.
func Load[T any](kv KeyedStore, key []byte) (*T, error) {
	data, err := kv.Get(key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return &v, nil
}

// Save encodes v as JSON and stores it at key
func Save[T any](kv KeyedStore, key []byte, v *T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := kv.Set(key, data); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

// Scan decodes every record under prefix in key order
func Scan[T any](kv KeyedStore, prefix []byte, fn func(key []byte, v *T) error) error {
	return kv.Iterate(prefix, func(key, value []byte) error {
		var v T
		if err := json.Unmarshal(value, &v); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return fn(key, &v)
	})
}

package position

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperlend/pkg/storage"
)

// Store persists positions under "pos:{account}:{asset}"
type Store struct {
	kv storage.KeyedStore
}

// NewStore wraps kv
func NewStore(kv storage.KeyedStore) *Store {
	return &Store{kv: kv}
}

// Get loads a position
// Returns nil if the position doesn't exist
func (s *Store) Get(account, asset common.Address) (*Position, error) {
	return storage.Load[Position](s.kv, storage.PositionKey(account, asset))
}

// GetOrNew loads a position, creating an empty placeholder if it doesn't exist
func (s *Store) GetOrNew(account, asset common.Address) (*Position, error) {
	p, err := s.Get(account, asset)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = New(account, asset)
	}
	return p, nil
}

// Save persists a position
func (s *Store) Save(p *Position) error {
	return storage.Save(s.kv, storage.PositionKey(p.Account, p.UnderlyingAsset), p)
}

// List loads all positions ever touched by an account, placeholders included
func (s *Store) List(account common.Address) ([]*Position, error) {
	var positions []*Position
	err := storage.Scan(s.kv, storage.PositionPrefix(account), func(_ []byte, p *Position) error {
		positions = append(positions, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list positions for %s: %w", account.Hex(), err)
	}
	return positions, nil
}

// ListOpen loads the positions holding collateral or debt
func (s *Store) ListOpen(account common.Address) ([]*Position, error) {
	all, err := s.List(account)
	if err != nil {
		return nil, err
	}
	open := all[:0]
	for _, p := range all {
		if p.IsOpen() {
			open = append(open, p)
		}
	}
	return open, nil
}

package pool

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hyperlend/pkg/app/core/errs"
	"github.com/uhyunpark/hyperlend/pkg/storage"
)

// Store persists pools in a KeyedStore under "pool:{asset}"
type Store struct {
	kv storage.KeyedStore
}

// NewStore wraps kv
func NewStore(kv storage.KeyedStore) *Store {
	return &Store{kv: kv}
}

// Get loads a pool
// Returns nil if the pool doesn't exist
func (s *Store) Get(asset common.Address) (*Pool, error) {
	return storage.Load[Pool](s.kv, storage.PoolKey(asset))
}

// MustGet loads a pool, failing with EmptyPool when it doesn't exist
func (s *Store) MustGet(asset, account common.Address) (*Pool, error) {
	p, err := s.Get(asset)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errs.New(errs.EmptyPool, asset, account, "")
	}
	return p, nil
}

// Save persists a pool
func (s *Store) Save(p *Pool) error {
	return storage.Save(s.kv, storage.PoolKey(p.UnderlyingAsset), p)
}

// Create registers a new pool
// Returns PoolAlreadyExists for a duplicate asset and MultipleUsdPools for a second USD pool
func (s *Store) Create(p *Pool) error {
	if err := p.Validate(); err != nil {
		return errs.New(errs.InvalidConfig, p.UnderlyingAsset, common.Address{}, "%v", err)
	}

	existing, err := s.Get(p.UnderlyingAsset)
	if err != nil {
		return err
	}
	if existing != nil {
		return errs.New(errs.PoolAlreadyExists, p.UnderlyingAsset, common.Address{}, "pool %s already registered", existing.Symbol)
	}

	if p.IsUsd {
		usd, err := s.UsdPools()
		if err != nil {
			return err
		}
		if len(usd) > 0 {
			return errs.New(errs.MultipleUsdPools, p.UnderlyingAsset, common.Address{}, "USD pool already set to %s", usd[0].Symbol)
		}
	}

	return s.Save(p)
}

// List returns every pool in key order
func (s *Store) List() ([]*Pool, error) {
	var pools []*Pool
	err := storage.Scan(s.kv, storage.PoolPrefix(), func(_ []byte, p *Pool) error {
		pools = append(pools, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pools: %w", err)
	}
	return pools, nil
}

// UsdPools returns the pools flagged isUsd
func (s *Store) UsdPools() ([]*Pool, error) {
	pools, err := s.List()
	if err != nil {
		return nil, err
	}
	var usd []*Pool
	for _, p := range pools {
		if p.IsUsd {
			usd = append(usd, p)
		}
	}
	return usd, nil
}

// Package vault is the token transfer layer: wallet balances outside the pools and the
// tokens each pool holds in custody. It lives in the same KeyedStore as the pools, so
// transfers commit or roll back with the batch that made them.
package vault

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperlend/pkg/app/core/errs"
	"github.com/uhyunpark/hyperlend/pkg/fixed"
	"github.com/uhyunpark/hyperlend/pkg/storage"
)

type amountRecord struct {
	Amount *uint256.Int `json:"amount"`
}

// Vault moves tokens between wallets and pool custody
type Vault struct {
	kv storage.KeyedStore
}

// New wraps kv
func New(kv storage.KeyedStore) *Vault {
	return &Vault{kv: kv}
}

// WalletBalance returns the tokens an account holds outside the pools
func (v *Vault) WalletBalance(asset, account common.Address) (*uint256.Int, error) {
	return v.load(storage.WalletKey(asset, account))
}

// Custody returns the tokens held by the pool for asset
func (v *Vault) Custody(asset common.Address) (*uint256.Int, error) {
	return v.load(storage.CustodyKey(asset))
}

// Fund credits a wallet from outside the system (bridge deposit, devnet faucet)
func (v *Vault) Fund(asset, account common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() || fixed.IsMax(amount) {
		return errs.New(errs.InvalidAmount, asset, account, "fund amount must be positive")
	}
	return v.add(storage.WalletKey(asset, account), amount)
}

// TransferIn moves tokens from the account's wallet into pool custody
func (v *Vault) TransferIn(asset, account common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() || fixed.IsMax(amount) {
		return errs.New(errs.InvalidAmount, asset, account, "transfer amount must be positive")
	}
	key := storage.WalletKey(asset, account)
	have, err := v.load(key)
	if err != nil {
		return err
	}
	if have.Lt(amount) {
		return errs.New(errs.InsufficientBalance, asset, account, "wallet has %s, need %s", have.Dec(), amount.Dec())
	}
	if err := v.store(key, new(uint256.Int).Sub(have, amount)); err != nil {
		return err
	}
	return v.add(storage.CustodyKey(asset), amount)
}

// TransferOut pushes tokens from pool custody to a wallet
func (v *Vault) TransferOut(asset, to common.Address, amount *uint256.Int) error {
	if err := v.Release(asset, amount); err != nil {
		return err
	}
	return v.add(storage.WalletKey(asset, to), amount)
}

// Release removes tokens from custody (sent to a wallet or the DEX)
func (v *Vault) Release(asset common.Address, amount *uint256.Int) error {
	key := storage.CustodyKey(asset)
	have, err := v.load(key)
	if err != nil {
		return err
	}
	if have.Lt(amount) {
		return errs.New(errs.InsufficientLiquidity, asset, common.Address{}, "custody has %s, need %s", have.Dec(), amount.Dec())
	}
	return v.store(key, new(uint256.Int).Sub(have, amount))
}

// Receive adds tokens to custody (proceeds of a DEX swap)
func (v *Vault) Receive(asset common.Address, amount *uint256.Int) error {
	return v.add(storage.CustodyKey(asset), amount)
}

// Unrecorded returns custody above the pool's recorded balance: tokens transferred in
// during the current batch that no operation has accounted for yet
func (v *Vault) Unrecorded(asset common.Address, recorded *uint256.Int) (*uint256.Int, error) {
	custody, err := v.Custody(asset)
	if err != nil {
		return nil, err
	}
	return fixed.SubFloor(custody, recorded), nil
}

func (v *Vault) add(key []byte, amount *uint256.Int) error {
	have, err := v.load(key)
	if err != nil {
		return err
	}
	sum, err := fixed.Add(have, amount)
	if err != nil {
		return fmt.Errorf("failed to credit %s: %w", key, err)
	}
	return v.store(key, sum)
}

func (v *Vault) load(key []byte) (*uint256.Int, error) {
	rec, err := storage.Load[amountRecord](v.kv, key)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Amount == nil {
		return fixed.Zero(), nil
	}
	return rec.Amount, nil
}

func (v *Vault) store(key []byte, amount *uint256.Int) error {
	if amount.IsZero() {
		return v.kv.Delete(key)
	}
	return storage.Save(v.kv, key, &amountRecord{Amount: amount})
}

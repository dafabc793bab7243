package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema
// Design principles:
// 1. Prefix-based for range scans (all positions of an account, all pools)
// 2. Composite keys are typed (asset, account), never hashed
// 3. Addresses are rendered with Hex() so keys sort and read deterministically
//
//   pool:<asset>                     → Pool
//   pos:<account>:<asset>            → Position
//   bal:<side>:<asset>:<account>     → scaled balance (side = supply|debt|collateral)
//   cust:<asset>                     → tokens held by the pool
//   wal:<asset>:<account>            → wallet balance outside the pools
//   nonce:<account>                  → last consumed batch nonce
//   dexfee:<assetA>:<assetB>         → DEX pair fee (bps), assets sorted
//   cfg:<name>                       → engine configuration records

const (
	prefixPool     = "pool:"
	prefixPosition = "pos:"
	prefixBalance  = "bal:"
	prefixCustody  = "cust:"
	prefixWallet   = "wal:"
	prefixNonce    = "nonce:"
	prefixDexFee   = "dexfee:"
	prefixConfig   = "cfg:"
)

// PoolKey returns the key for a pool record
// Format: "pool:{asset}"
func PoolKey(asset common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixPool, asset.Hex()))
}

// PoolPrefix returns the prefix covering every pool
func PoolPrefix() []byte {
	return []byte(prefixPool)
}

// PositionKey returns the key for a position
// Format: "pos:{account}:{asset}"
// Example: "pos:0x742d35cc...:0x1f9840a8..."
func PositionKey(account, asset common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixPosition, account.Hex(), asset.Hex()))
}

// PositionPrefix returns the prefix for all positions of an account
// Format: "pos:{account}:"
func PositionPrefix(account common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixPosition, account.Hex()))
}

// BalanceKey returns the key for a scaled ledger balance
// Format: "bal:{side}:{asset}:{account}"
func BalanceKey(side string, asset, account common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%s", prefixBalance, side, asset.Hex(), account.Hex()))
}

// BalancePrefix returns the prefix for every holder of one side of a pool
// Format: "bal:{side}:{asset}:"
func BalancePrefix(side string, asset common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:", prefixBalance, side, asset.Hex()))
}

// CustodyKey returns the key for the tokens a pool holds
// Format: "cust:{asset}"
func CustodyKey(asset common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixCustody, asset.Hex()))
}

// WalletKey returns the key for an account's token balance outside the pools
// Format: "wal:{asset}:{account}"
func WalletKey(asset, account common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixWallet, asset.Hex(), account.Hex()))
}

// NonceKey returns the key for an account's batch nonce
// Format: "nonce:{account}"
func NonceKey(account common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixNonce, account.Hex()))
}

// DexFeeKey returns the key for a DEX pair fee. The pair is unordered.
// Format: "dexfee:{low}:{high}"
func DexFeeKey(a, b common.Address) []byte {
	if b.Cmp(a) < 0 {
		a, b = b, a
	}
	return []byte(fmt.Sprintf("%s%s:%s", prefixDexFee, a.Hex(), b.Hex()))
}

// DexFeePrefix returns the prefix for scanning all DEX pair fees
func DexFeePrefix() []byte {
	return []byte(prefixDexFee)
}

// ConfigKey returns the key for a named configuration record
// Format: "cfg:{name}"
func ConfigKey(name string) []byte {
	return []byte(prefixConfig + name)
}

// AccountFromBalanceKey extracts the account from a balance key
// Inverse of BalanceKey() - used for parsing iterator keys
func AccountFromBalanceKey(key []byte) (common.Address, error) {
	// 42 = "0x" + 40 hex chars
	if len(key) < len(prefixBalance)+42 {
		return common.Address{}, fmt.Errorf("invalid balance key length: %d", len(key))
	}
	addrHex := string(key[len(key)-42:])
	if !common.IsHexAddress(addrHex) {
		return common.Address{}, fmt.Errorf("invalid address in key: %s", addrHex)
	}
	return common.HexToAddress(addrHex), nil
}

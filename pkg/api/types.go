package api

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// API request and response types for REST endpoints and WebSocket messages.
// Pool, position and account views are served as the reader package renders them.

// ==============================
// REST Request Types
// ==============================

// NOTE: Batches are posted as margin.SignedBatch:
//
//	{"account": "0x..", "nonce": 1, "ops": [{"op": "supply", "params": {..}}], "signature": "0x.."}
//
// The signature may be omitted only when the node runs with REQUIRE_SIGNATURES=false.

// FaucetRequest is the payload for POST /api/v1/faucet
type FaucetRequest struct {
	Account common.Address `json:"account"`
	Asset   common.Address `json:"asset"`
	Amount  *uint256.Int   `json:"amount"` // token units
}

// ==============================
// REST Response Types
// ==============================

// NonceResponse carries the nonce the account's next signed batch must use
type NonceResponse struct {
	Account common.Address `json:"account"`
	Nonce   uint64         `json:"nonce"`
}

// WalletResponse is a token balance outside the pools
type WalletResponse struct {
	Account common.Address `json:"account"`
	Asset   common.Address `json:"asset"`
	Balance *uint256.Int   `json:"balance"`
}

// AmountResponse wraps a single token amount
type AmountResponse struct {
	Asset  common.Address `json:"asset"`
	Amount *uint256.Int   `json:"amount"`
}

// DexFeeResponse is the swap fee of a token pair
type DexFeeResponse struct {
	TokenA common.Address `json:"tokenA"`
	TokenB common.Address `json:"tokenB"`
	FeeBps uint64         `json:"feeBps"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"` // error kind, e.g. "PoolIsNotUsd"
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the base structure for all WebSocket messages
type WSMessage struct {
	Type string `json:"type"` // "receipt", "health", "pool"
	Data any    `json:"data"` // Type-specific payload
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["pools", "account:0x..."]
}

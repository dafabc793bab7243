package margin

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperlend/pkg/app/core/errs"
	"github.com/uhyunpark/hyperlend/pkg/app/core/pool"
	"github.com/uhyunpark/hyperlend/pkg/fixed"
)

// OpKind names an operation in a batch
type OpKind string

const (
	OpSendTokens OpKind = "sendTokens"
	OpSupply     OpKind = "supply"
	OpWithdraw   OpKind = "withdraw"
	OpDeposit    OpKind = "deposit"
	OpBorrow     OpKind = "borrow"
	OpRepay      OpKind = "repay"
	OpRedeem     OpKind = "redeem"
	OpSwap       OpKind = "swap"
	OpClose      OpKind = "close"
	OpLiquidate  OpKind = "liquidate"
)

// Op is one step of a batch
type Op interface {
	Kind() OpKind
}

// Amounts are token units. fixed.Max ("max" on the wire) means the entire balance
// where an operation allows it.

// SendTokens moves tokens from the caller's wallet into pool custody
type SendTokens struct {
	Asset  common.Address `json:"asset"`
	Amount *uint256.Int   `json:"amount"`
}

// Supply lends the tokens sent earlier in the batch, crediting To
type Supply struct {
	Asset common.Address `json:"asset"`
	To    common.Address `json:"to"`
}

// Withdraw burns supply and sends the tokens to To
type Withdraw struct {
	Asset  common.Address `json:"asset"`
	Amount *uint256.Int   `json:"amount"`
	To     common.Address `json:"to"`
}

// Deposit posts the tokens sent earlier in the batch as margin collateral
type Deposit struct {
	Asset common.Address `json:"asset"`
}

// Borrow opens debt; the borrowed tokens stay in the pool as collateral
type Borrow struct {
	Asset  common.Address `json:"asset"`
	Amount *uint256.Int   `json:"amount"`
}

// Repay pays debt from tokens sent earlier in the batch, then from collateral
type Repay struct {
	Asset  common.Address `json:"asset"`
	Amount *uint256.Int   `json:"amount"`
}

// Redeem burns collateral and sends the tokens to To
type Redeem struct {
	Asset  common.Address `json:"asset"`
	Amount *uint256.Int   `json:"amount"`
	To     common.Address `json:"to"`
}

// Swap trades collateral through the DEX
type Swap struct {
	AssetIn      common.Address `json:"assetIn"`
	AssetOut     common.Address `json:"assetOut"`
	AmountIn     *uint256.Int   `json:"amountIn"`
	MinAmountOut *uint256.Int   `json:"minAmountOut,omitempty"`
}

// Close unwinds every position of the caller into the USD pool
type Close struct {
	UsdAsset common.Address `json:"usdAsset"`
}

// Liquidate unwinds an unhealthy account; the caller earns the liquidation fee
type Liquidate struct {
	Account  common.Address `json:"account"`
	UsdAsset common.Address `json:"usdAsset"`
}

func (SendTokens) Kind() OpKind { return OpSendTokens }

func (Supply) Kind() OpKind { return OpSupply }

func (Withdraw) Kind() OpKind { return OpWithdraw }

func (Deposit) Kind() OpKind { return OpDeposit }

func (Borrow) Kind() OpKind { return OpBorrow }

func (Repay) Kind() OpKind { return OpRepay }

func (Redeem) Kind() OpKind { return OpRedeem }

func (Swap) Kind() OpKind { return OpSwap }

func (Close) Kind() OpKind { return OpClose }

func (Liquidate) Kind() OpKind { return OpLiquidate }

// action maps an operation to its pool status gate
func action(k OpKind) pool.Action {
	switch k {
	case OpSupply:
		return pool.ActionSupply
	case OpWithdraw:
		return pool.ActionWithdraw
	case OpDeposit:
		return pool.ActionDeposit
	case OpBorrow:
		return pool.ActionBorrow
	case OpRepay:
		return pool.ActionRepay
	case OpRedeem:
		return pool.ActionRedeem
	case OpSwap:
		return pool.ActionSwap
	default:
		return pool.ActionClose
	}
}

// ============================================================================
// Wire format
// ============================================================================

var maxLiteral = []byte(`"` + fixed.Max().Dec() + `"`)

// Envelope is the JSON form of an operation: {"op": "borrow", "params": {...}}
type Envelope struct {
	Op     OpKind          `json:"op"`
	Params json.RawMessage `json:"params"`
}

// Encode wraps an operation in its envelope
func Encode(op Op) (Envelope, error) {
	raw, err := json.Marshal(op)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s: %w", op.Kind(), err)
	}
	return Envelope{Op: op.Kind(), Params: raw}, nil
}

// EncodeAll wraps a batch of operations
func EncodeAll(ops []Op) ([]Envelope, error) {
	out := make([]Envelope, 0, len(ops))
	for _, op := range ops {
		env, err := Encode(op)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// Decode unwraps an envelope into its typed operation
func (e Envelope) Decode() (Op, error) {
	var op Op
	switch e.Op {
	case OpSendTokens:
		op = &SendTokens{}
	case OpSupply:
		op = &Supply{}
	case OpWithdraw:
		op = &Withdraw{}
	case OpDeposit:
		op = &Deposit{}
	case OpBorrow:
		op = &Borrow{}
	case OpRepay:
		op = &Repay{}
	case OpRedeem:
		op = &Redeem{}
	case OpSwap:
		op = &Swap{}
	case OpClose:
		op = &Close{}
	case OpLiquidate:
		op = &Liquidate{}
	default:
		return nil, errs.New(errs.UnknownOperation, common.Address{}, common.Address{}, "unknown op %q", e.Op)
	}

	if len(e.Params) > 0 {
		params := bytes.ReplaceAll(e.Params, []byte(`"max"`), maxLiteral)
		if err := json.Unmarshal(params, op); err != nil {
			return nil, errs.New(errs.InvalidAmount, common.Address{}, common.Address{}, "bad %s params: %v", e.Op, err)
		}
	}
	op, _ = deref(op)
	return op, nil
}

// DecodeAll unwraps a batch
func DecodeAll(envs []Envelope) ([]Op, error) {
	ops := make([]Op, 0, len(envs))
	for i, env := range envs {
		op, err := env.Decode()
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// deref returns the value form of a pointer op so both dispatch the same way
func deref(op Op) (Op, bool) {
	switch o := op.(type) {
	case *SendTokens:
		return *o, true
	case *Supply:
		return *o, true
	case *Withdraw:
		return *o, true
	case *Deposit:
		return *o, true
	case *Borrow:
		return *o, true
	case *Repay:
		return *o, true
	case *Redeem:
		return *o, true
	case *Swap:
		return *o, true
	case *Close:
		return *o, true
	case *Liquidate:
		return *o, true
	default:
		return op, false
	}
}

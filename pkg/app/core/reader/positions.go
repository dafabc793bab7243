package reader

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperlend/pkg/app/core/position"
)

// PositionView is a position record with its derived kind
type PositionView struct {
	*position.Position
	PositionType string `json:"positionType"`
}

// PositionInfo values one open position at the current index price
type PositionInfo struct {
	Account         common.Address `json:"account"`
	UnderlyingAsset common.Address `json:"underlyingAsset"`
	Symbol          string         `json:"symbol"`
	PositionType    string         `json:"positionType"`

	Equity     decimal.Decimal `json:"equity"` // collateral - debt, whole tokens
	EquityUsd  decimal.Decimal `json:"equityUsd"`
	IndexPrice decimal.Decimal `json:"indexPrice"`
	EntryPrice decimal.Decimal `json:"entryPrice"` // entry of the active leg, 0 when flat
	PnlUsd     decimal.Decimal `json:"pnlUsd"`

	// Price of this asset at which the account reaches the liquidation
	// threshold with every other price unchanged; 0 when none exists
	LiquidationPrice decimal.Decimal `json:"liquidationPrice"`
	// (liquidationPrice - indexPrice) / indexPrice
	DistanceToLiquidation decimal.Decimal `json:"distanceToLiquidation"`
}

func view(p *position.Position) *PositionView {
	return &PositionView{Position: p, PositionType: p.Kind().String()}
}

// Position returns the account's record for asset, an empty placeholder when untouched
func (r *Reader) Position(account, asset common.Address) (*PositionView, error) {
	p, err := position.NewStore(r.kv).GetOrNew(account, asset)
	if err != nil {
		return nil, err
	}
	return view(p), nil
}

// Positions returns the account's positions holding collateral or debt
func (r *Reader) Positions(account common.Address) ([]*PositionView, error) {
	v, release := r.at()
	defer release()

	open, err := v.openPositions(account)
	if err != nil {
		return nil, err
	}
	out := make([]*PositionView, len(open))
	for i, p := range open {
		out[i] = view(p)
	}
	return out, nil
}

// PositionsInfo values every open position of the account
func (r *Reader) PositionsInfo(ctx context.Context, account common.Address) ([]PositionInfo, error) {
	v, release := r.at()
	defer release()

	risk, err := v.risk()
	if err != nil {
		return nil, err
	}
	exps, err := v.exposures(account)
	if err != nil {
		return nil, err
	}

	// USD legs in dollars: c and d per position, then account totals
	type leg struct {
		raw               *uint256.Int
		price, coll, debt decimal.Decimal
	}
	legs := make([]leg, len(exps))
	totalColl, totalDebt := decimal.Zero, decimal.Zero
	for i, x := range exps {
		price, err := v.price(ctx, x.pool.UnderlyingAsset)
		if err != nil {
			return nil, err
		}
		p := usd(price)
		legs[i] = leg{
			raw:   price,
			price: p,
			coll:  units(x.collateral, x.pool.Decimals).Mul(p),
			debt:  units(x.debt, x.pool.Decimals).Mul(p),
		}
		totalColl = totalColl.Add(legs[i].coll)
		totalDebt = totalDebt.Add(legs[i].debt)
	}
	factor := ray(risk.LiquidationThresholdFactor)
	threshold := ray(risk.HealthFactorLiquidationThreshold)

	out := make([]PositionInfo, len(exps))
	for i, x := range exps {
		pos := x.pos
		equity := units(x.collateral, x.pool.Decimals).Sub(units(x.debt, x.pool.Decimals))

		var entry decimal.Decimal
		switch pos.Kind() {
		case position.Long:
			entry = usd(pos.EntryLongPrice)
		case position.Short:
			entry = usd(pos.EntryShortPrice)
		}
		pnl := decimal.NewFromBigInt(pos.UnrealizedPnL(legs[i].raw, x.pool.Unit()), -8)

		info := PositionInfo{
			Account:         account,
			UnderlyingAsset: x.pool.UnderlyingAsset,
			Symbol:          x.pool.Symbol,
			PositionType:    pos.Kind().String(),
			Equity:          equity,
			EquityUsd:       equity.Mul(legs[i].price),
			IndexPrice:      legs[i].price,
			EntryPrice:      entry,
			PnlUsd:          pnl,
		}
		if !x.pool.IsUsd {
			otherColl := totalColl.Sub(legs[i].coll)
			otherDebt := totalDebt.Sub(legs[i].debt)
			liq := liquidationPrice(
				units(x.collateral, x.pool.Decimals),
				units(x.debt, x.pool.Decimals),
				otherColl, otherDebt, factor, threshold,
			)
			info.LiquidationPrice = liq
			if liq.IsPositive() && legs[i].price.IsPositive() {
				info.DistanceToLiquidation = liq.Sub(legs[i].price).Div(legs[i].price).Round(4)
			}
		}
		out[i] = info
	}
	return out, nil
}

// liquidationPrice solves factor × (otherColl + c·p) = threshold × (otherDebt + d·p) for p
// Formula: p = (threshold × otherDebt - factor × otherColl) / (factor × c - threshold × d)
func liquidationPrice(c, d, otherColl, otherDebt, factor, threshold decimal.Decimal) decimal.Decimal {
	den := factor.Mul(c).Sub(threshold.Mul(d))
	if den.IsZero() {
		return decimal.Zero
	}
	num := threshold.Mul(otherDebt).Sub(factor.Mul(otherColl))
	p := num.Div(den)
	if !p.IsPositive() {
		return decimal.Zero
	}
	return p.Round(8)
}

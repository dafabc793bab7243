package margin

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/uhyunpark/hyperlend/pkg/fixed"
	"github.com/uhyunpark/hyperlend/pkg/storage"
)

const riskConfigName = "risk"

// RiskConfig holds the engine-wide liquidation parameters
type RiskConfig struct {
	// Minimum health factor (ray) every exposure-increasing operation must keep
	HealthFactorLiquidationThreshold *uint256.Int `json:"healthFactorLiquidationThreshold"`
	// Share of collateral value (ray) that counts toward the health factor
	LiquidationThresholdFactor *uint256.Int `json:"liquidationThresholdFactor"`
	// Share of the remaining USD collateral paid to a liquidator
	LiquidationFeeBps uint64 `json:"liquidationFeeBps"`
}

// DefaultRiskConfig returns a 110% threshold, full collateral weight and a 5% liquidation fee
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		HealthFactorLiquidationThreshold: fixed.FromBps(11000),
		LiquidationThresholdFactor:       fixed.FromBps(10000),
		LiquidationFeeBps:                500,
	}
}

// Validate checks the threshold sits above 100% and the factors at or below 100%
func (r RiskConfig) Validate() error {
	if r.HealthFactorLiquidationThreshold == nil || r.LiquidationThresholdFactor == nil {
		return fmt.Errorf("risk config is incomplete")
	}
	if !r.HealthFactorLiquidationThreshold.Gt(fixed.Ray()) {
		return fmt.Errorf("health factor threshold %s must exceed 1 ray", r.HealthFactorLiquidationThreshold.Dec())
	}
	if r.LiquidationThresholdFactor.IsZero() || r.LiquidationThresholdFactor.Gt(fixed.Ray()) {
		return fmt.Errorf("liquidation threshold factor %s must be in (0, 1] ray", r.LiquidationThresholdFactor.Dec())
	}
	if r.LiquidationFeeBps > 10000 {
		return fmt.Errorf("liquidation fee %d bps exceeds 100%%", r.LiquidationFeeBps)
	}
	return nil
}

// loadRisk returns the stored override, or fallback when none was written
func loadRisk(kv storage.KeyedStore, fallback RiskConfig) (RiskConfig, error) {
	stored, err := storage.Load[RiskConfig](kv, storage.ConfigKey(riskConfigName))
	if err != nil {
		return RiskConfig{}, fmt.Errorf("failed to load risk config: %w", err)
	}
	if stored == nil {
		return fallback, nil
	}
	return *stored, nil
}

func saveRisk(kv storage.KeyedStore, r RiskConfig) error {
	return storage.Save(kv, storage.ConfigKey(riskConfigName), &r)
}

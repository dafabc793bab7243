package params

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Risk holds the engine-wide liquidation parameters in basis points
type Risk struct {
	HealthFactorLiquidationThresholdBps uint64 // minimum health factor, must exceed 100%
	LiquidationThresholdFactorBps       uint64 // collateral weight in the health factor
	LiquidationFeeBps                   uint64 // liquidator's share of the remaining USD collateral
}

type Node struct {
	DataDir           string
	APIAddr           string
	LogFile           string // empty = stdout only
	LogLevel          string // debug, info, warn, error
	InMemory          bool   // btree store instead of pebble, state lost on exit
	RequireSignatures bool   // reject unsigned batches on the API
	FaucetEnabled     bool
	ChainID           int64
	AllowedOrigins    []string
}

type Dex struct {
	FeeBps uint64 // default pair fee
}

// GenesisPool is a pool created at first start along with its oracle price
type GenesisPool struct {
	Asset    string `json:"asset"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
	IsUsd    bool   `json:"isUsd"`
	Price    uint64 `json:"price"` // USD, 8 decimals
}

// Genesis describes the devnet pools and their shared rate strategy
type Genesis struct {
	Pools           []GenesisPool `json:"pools"`
	BaseRateBps     uint64        `json:"baseRateBps"`
	Slope1Bps       uint64        `json:"slope1Bps"`
	Slope2Bps       uint64        `json:"slope2Bps"`
	OptimalUsageBps uint64        `json:"optimalUsageBps"`
	FeeFactorBps    uint64        `json:"feeFactorBps"`
}

type Config struct {
	Risk    Risk
	Node    Node
	Dex     Dex
	Genesis Genesis
}

func Default() Config {
	return Config{
		Risk: Risk{
			HealthFactorLiquidationThresholdBps: 11000,
			LiquidationThresholdFactorBps:       10000,
			LiquidationFeeBps:                   500,
		},
		Node: Node{
			DataDir:           "data",
			APIAddr:           ":8080",
			RequireSignatures: true,
			FaucetEnabled:     true,
			ChainID:           1337,
			AllowedOrigins:    []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Dex: Dex{
			FeeBps: 30,
		},
		Genesis: Genesis{
			Pools: []GenesisPool{
				{Asset: "0x0000000000000000000000000000000000001001", Symbol: "USDT", Decimals: 6, IsUsd: true, Price: 1_00000000},
				{Asset: "0x0000000000000000000000000000000000001002", Symbol: "UNI", Decimals: 18, Price: 10_00000000},
				{Asset: "0x0000000000000000000000000000000000001003", Symbol: "WETH", Decimals: 18, Price: 2000_00000000},
			},
			BaseRateBps:     0,
			Slope1Bps:       400,
			Slope2Bps:       7500,
			OptimalUsageBps: 8000,
			FeeFactorBps:    1000,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	var err error
	set := func(target *uint64, key string) {
		if err != nil {
			return
		}
		*target, err = getUint(key, *target)
	}
	set(&cfg.Risk.HealthFactorLiquidationThresholdBps, "HEALTH_FACTOR_LIQUIDATION_THRESHOLD_BPS")
	set(&cfg.Risk.LiquidationThresholdFactorBps, "LIQUIDATION_THRESHOLD_FACTOR_BPS")
	set(&cfg.Risk.LiquidationFeeBps, "LIQUIDATION_FEE_BPS")
	set(&cfg.Dex.FeeBps, "DEX_FEE_BPS")
	if err != nil {
		return Config{}, err
	}

	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)
	cfg.Node.InMemory = getBool("IN_MEMORY", cfg.Node.InMemory)
	cfg.Node.RequireSignatures = getBool("REQUIRE_SIGNATURES", cfg.Node.RequireSignatures)
	cfg.Node.FaucetEnabled = getBool("FAUCET_ENABLED", cfg.Node.FaucetEnabled)

	if chainID := os.Getenv("CHAIN_ID"); chainID != "" {
		id, err := strconv.ParseInt(chainID, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CHAIN_ID %q: %w", chainID, err)
		}
		cfg.Node.ChainID = id
	}

	// Origins from comma-separated list
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Node.AllowedOrigins = strings.Split(origins, ",")
	}

	if path := os.Getenv("GENESIS_FILE"); path != "" {
		genesis, err := loadGenesis(path)
		if err != nil {
			return Config{}, err
		}
		cfg.Genesis = genesis
	}

	return cfg, cfg.Validate()
}

// Validate rejects risk parameters the engine cannot run with and malformed genesis pools
func (c Config) Validate() error {
	if c.Risk.HealthFactorLiquidationThresholdBps <= 10000 {
		return fmt.Errorf("health factor threshold %d bps must exceed 10000", c.Risk.HealthFactorLiquidationThresholdBps)
	}
	if c.Risk.LiquidationThresholdFactorBps == 0 || c.Risk.LiquidationThresholdFactorBps > 10000 {
		return fmt.Errorf("liquidation threshold factor %d bps must be in (0, 10000]", c.Risk.LiquidationThresholdFactorBps)
	}
	if c.Risk.LiquidationFeeBps > 10000 {
		return fmt.Errorf("liquidation fee %d bps exceeds 10000", c.Risk.LiquidationFeeBps)
	}
	if c.Dex.FeeBps >= 10000 {
		return fmt.Errorf("dex fee %d bps must be below 10000", c.Dex.FeeBps)
	}
	if c.Genesis.OptimalUsageBps == 0 || c.Genesis.OptimalUsageBps >= 10000 {
		return fmt.Errorf("optimal usage %d bps must be in (0, 10000)", c.Genesis.OptimalUsageBps)
	}
	if c.Genesis.FeeFactorBps > 10000 {
		return fmt.Errorf("fee factor %d bps exceeds 10000", c.Genesis.FeeFactorBps)
	}

	seen := make(map[common.Address]bool)
	usd := 0
	for _, p := range c.Genesis.Pools {
		if !common.IsHexAddress(p.Asset) {
			return fmt.Errorf("genesis pool %s: invalid asset address %q", p.Symbol, p.Asset)
		}
		addr := common.HexToAddress(p.Asset)
		if seen[addr] {
			return fmt.Errorf("genesis pool %s: duplicate asset %s", p.Symbol, p.Asset)
		}
		seen[addr] = true
		if p.Symbol == "" {
			return fmt.Errorf("genesis pool %s: missing symbol", p.Asset)
		}
		if p.Decimals > 36 {
			return fmt.Errorf("genesis pool %s: %d decimals", p.Symbol, p.Decimals)
		}
		if p.IsUsd {
			usd++
		}
	}
	if len(c.Genesis.Pools) > 0 && usd != 1 {
		return fmt.Errorf("genesis needs exactly one USD pool, got %d", usd)
	}
	return nil
}

func loadGenesis(path string) (Genesis, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Genesis{}, fmt.Errorf("failed to read genesis file: %w", err)
	}
	genesis := Default().Genesis
	genesis.Pools = nil
	if err := json.Unmarshal(raw, &genesis); err != nil {
		return Genesis{}, fmt.Errorf("failed to parse genesis file: %w", err)
	}
	return genesis, nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getUint(key string, defaultValue uint64) (uint64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}

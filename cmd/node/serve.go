package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/hyperlend/params"
	"github.com/uhyunpark/hyperlend/pkg/api"
	"github.com/uhyunpark/hyperlend/pkg/app/core/errs"
	"github.com/uhyunpark/hyperlend/pkg/app/core/margin"
	"github.com/uhyunpark/hyperlend/pkg/app/core/pool"
	"github.com/uhyunpark/hyperlend/pkg/app/core/reader"
	"github.com/uhyunpark/hyperlend/pkg/dex"
	"github.com/uhyunpark/hyperlend/pkg/fixed"
	"github.com/uhyunpark/hyperlend/pkg/metrics"
	"github.com/uhyunpark/hyperlend/pkg/oracle"
	"github.com/uhyunpark/hyperlend/pkg/storage"
	"github.com/uhyunpark/hyperlend/pkg/util"
)

const (
	envFileKey      = "env-file"
	gaugeRefreshKey = "gauge-refresh"
)

func serveCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Runs the engine and its REST/WebSocket API",
		RunE:  serveFunc,
	}
	flags := c.Flags()
	flags.String(envFileKey, "", "Path to a .env file (defaults to ./.env when present)")
	flags.Duration(gaugeRefreshKey, 15*time.Second, "Interval at which pool gauges are refreshed between batches")
	return c
}

func serveFunc(c *cobra.Command, _ []string) error {
	flags := c.Flags()
	envFile, err := flags.GetString(envFileKey)
	if err != nil {
		return err
	}
	refresh, err := flags.GetDuration(gaugeRefreshKey)
	if err != nil {
		return err
	}

	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv(envFile)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := newLogger(cfg.Node)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	store, err := openStore(cfg.Node)
	if err != nil {
		return err
	}
	defer store.Close()

	journal, err := openJournal(cfg.Node)
	if err != nil {
		return err
	}
	defer journal.Close()

	o := oracle.NewStaticOracle()
	for _, gp := range cfg.Genesis.Pools {
		o.SetPrice(common.HexToAddress(gp.Asset), uint256.NewInt(gp.Price))
	}
	m := metrics.New()

	engine, err := margin.NewEngine(margin.Options{
		Store:   store,
		Oracle:  o,
		DEX:     dex.NewOracleDEX(o, cfg.Dex.FeeBps),
		Clock:   util.RealClock{},
		Risk:    riskConfig(cfg.Risk),
		ChainID: cfg.Node.ChainID,
		Logger:  sugar.Named("engine"),
		Metrics: m,
		Journal: journal,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bootstrapPools(ctx, engine, cfg.Genesis, sugar); err != nil {
		return err
	}

	srv := api.NewServer(engine, m, api.Config{
		RequireSignatures: cfg.Node.RequireSignatures,
		FaucetEnabled:     cfg.Node.FaucetEnabled,
		AllowedOrigins:    cfg.Node.AllowedOrigins,
	}, sugar.Named("api"))

	sugar.Infow("node_starting",
		"api", cfg.Node.APIAddr,
		"in_memory", cfg.Node.InMemory,
		"data_dir", cfg.Node.DataDir,
		"chain_id", cfg.Node.ChainID,
		"require_signatures", cfg.Node.RequireSignatures,
		"pools", len(cfg.Genesis.Pools),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx, cfg.Node.APIAddr)
	})
	g.Go(func() error {
		refreshGauges(ctx, reader.New(engine), m, refresh, sugar)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	sugar.Infow("node_stopped")
	return nil
}

func newLogger(cfg params.Node) (*zap.Logger, error) {
	if cfg.LogFile == "" {
		return util.NewLogger(cfg.LogLevel)
	}
	return util.NewLoggerWithFile(cfg.LogFile, cfg.LogLevel)
}

func openStore(cfg params.Node) (storage.Backend, error) {
	if cfg.InMemory {
		return storage.NewMemStore(), nil
	}
	store, err := storage.NewPebbleStore(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return store, nil
}

type batchJournal interface {
	storage.Journal
	io.Closer
}

func openJournal(cfg params.Node) (batchJournal, error) {
	if cfg.InMemory {
		return storage.NewNopJournal(), nil
	}
	j, err := storage.NewFileJournal(filepath.Join(cfg.DataDir, "batches.log"))
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	return j, nil
}

func riskConfig(r params.Risk) margin.RiskConfig {
	return margin.RiskConfig{
		HealthFactorLiquidationThreshold: fixed.FromBps(r.HealthFactorLiquidationThresholdBps),
		LiquidationThresholdFactor:       fixed.FromBps(r.LiquidationThresholdFactorBps),
		LiquidationFeeBps:                r.LiquidationFeeBps,
	}
}

// bootstrapPools creates the genesis pools missing from the store; existing pools keep their state
func bootstrapPools(ctx context.Context, engine *margin.Engine, genesis params.Genesis, logger *zap.SugaredLogger) error {
	strategy := pool.RateStrategy{
		BaseRate:          fixed.FromBps(genesis.BaseRateBps),
		Slope1:            fixed.FromBps(genesis.Slope1Bps),
		Slope2:            fixed.FromBps(genesis.Slope2Bps),
		OptimalUsageRatio: fixed.FromBps(genesis.OptimalUsageBps),
	}
	for _, gp := range genesis.Pools {
		s := strategy
		_, err := engine.Admin().CreatePool(ctx, margin.PoolParams{
			Asset:     common.HexToAddress(gp.Asset),
			Symbol:    gp.Symbol,
			Decimals:  gp.Decimals,
			IsUsd:     gp.IsUsd,
			Strategy:  &s,
			FeeFactor: fixed.FromBps(genesis.FeeFactorBps),
		})
		if errors.Is(err, errs.ErrPoolAlreadyExists) {
			logger.Debugw("genesis_pool_exists", "symbol", gp.Symbol, "asset", gp.Asset)
			continue
		}
		if err != nil {
			return fmt.Errorf("genesis pool %s: %w", gp.Symbol, err)
		}
	}
	return nil
}

// refreshGauges republishes pool gauges so they track accrued interest between batches
func refreshGauges(ctx context.Context, r *reader.Reader, m *metrics.Metrics, every time.Duration, logger *zap.SugaredLogger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pools, err := r.Pools(ctx)
		if err != nil {
			logger.Warnw("gauge_refresh_failed", "error", err)
			continue
		}
		for _, p := range pools {
			m.ObservePool(p.Symbol,
				decimal.NewFromBigInt(p.TotalSupply.ToBig(), -int32(p.Decimals)).InexactFloat64(),
				decimal.NewFromBigInt(p.TotalDebt.ToBig(), -int32(p.Decimals)).InexactFloat64(),
				p.Utilization.InexactFloat64(),
			)
		}
	}
}

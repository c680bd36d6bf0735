package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hollowforge/tradepost/params"
	"github.com/hollowforge/tradepost/pkg/api"
	"github.com/hollowforge/tradepost/pkg/exchange"
	"github.com/hollowforge/tradepost/pkg/exchange/memledger"
	"github.com/hollowforge/tradepost/pkg/exchange/sim"
	"github.com/hollowforge/tradepost/pkg/exchange/store"
	"github.com/hollowforge/tradepost/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logFile := cfg.Node.LogFile
	if logFile == "" {
		logFile = filepath.Join(cfg.Node.DataDir, "exchange.log")
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile)

	// ---- Persistence ----
	st, err := store.Open(filepath.Join(cfg.Node.DataDir, "exchange"), sugar)
	if err != nil {
		sugar.Fatalw("store_open_failed", "err", err)
	}
	defer st.Close()

	// ---- Exchange ----
	// A standalone node runs against in-memory wallets and inventories. A
	// game deployment passes its own implementations here instead.
	wallet := memledger.NewWallet()
	inventory := memledger.NewInventory()

	ex := exchange.New(cfg, wallet, inventory, st, util.RealClock{}, sugar)
	if err := ex.Load(); err != nil {
		sugar.Fatalw("state_load_failed", "err", err)
	}
	if err := ex.Ledger().Reconcile(ex.Repository()); err != nil {
		sugar.Fatalw("escrow_reconcile_failed", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- API server ----
	apiServer := api.NewServer(ex)
	go func() {
		sugar.Infow("api_server_starting", "addr", cfg.Node.ListenAddr)
		if err := apiServer.Start(cfg.Node.ListenAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	// ---- Simulated load (optional) ----
	// Enable with: ENABLE_SIM=true
	if os.Getenv("ENABLE_SIM") == "true" {
		feeder := sim.NewFeeder(ex, wallet, inventory, sim.DefaultFeederConfig())
		cancelFeeder := feeder.Start(ctx)
		defer cancelFeeder()
	}

	// ---- Expiry sweep and retention loop ----
	// Stands in for the world tick of a game deployment.
	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()
	prune := time.NewTicker(time.Hour)
	defer prune.Stop()

	sugar.Infow("exchange_started",
		"sell_slots", cfg.Exchange.SellSlots,
		"buy_slots", cfg.Exchange.BuySlots,
		"tax_bps", cfg.Exchange.TaxBps)

	for {
		select {
		case <-ctx.Done():
			sugar.Info("shutting down")
			return
		case <-sweep.C:
			ex.SweepExpired()
		case <-prune.C:
			ex.PruneTerminal()
		}
	}
}

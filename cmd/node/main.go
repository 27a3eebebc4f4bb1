package main

import (
	"context"
	"errors"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/dexview/params"
	"github.com/uhyunpark/dexview/pkg/api"
	"github.com/uhyunpark/dexview/pkg/app/exchange"
	"github.com/uhyunpark/dexview/pkg/crypto"
	"github.com/uhyunpark/dexview/pkg/ledger"
	"github.com/uhyunpark/dexview/pkg/ledger/devledger"
	"github.com/uhyunpark/dexview/pkg/ledger/ethledger"
	"github.com/uhyunpark/dexview/pkg/util"
)

func main() {
	// Load config from .env file, CONFIG_FILE and environment variables
	cfg, err := params.LoadFromEnv(".env")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLoggerWithFile(util.LogOptions{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Level:      cfg.Log.Level,
	})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "level", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Ledger ----
	var (
		l   ledger.Ledger
		dev *devledger.Ledger
	)
	switch cfg.Ledger.Mode {
	case params.ModeEth:
		var signer *crypto.Signer
		if cfg.Eth.PrivateKey != "" {
			signer, err = crypto.FromPrivateKeyHex(cfg.Eth.PrivateKey)
			if err != nil {
				sugar.Fatalw("signer_invalid", "err", err)
			}
		}
		ethCfg := ethledger.Config{
			RPCURL:    cfg.Eth.RPCURL,
			Exchange:  cfg.ExchangeAddress(),
			Reference: cfg.ReferenceAsset(),
			Signer:    signer,
			Logger:    sugar.Named("eth"),
		}
		if cfg.Eth.ChainID != 0 {
			ethCfg.ChainID = big.NewInt(cfg.Eth.ChainID)
		}
		eth, err := ethledger.Dial(ctx, ethCfg)
		if err != nil {
			sugar.Fatalw("ledger_dial_failed", "rpc", cfg.Eth.RPCURL, "err", err)
		}
		defer eth.Close()
		l = eth
		sugar.Infow("ledger_ready", "mode", "eth", "exchange", cfg.ExchangeAddress().Hex(), "read_only", signer == nil)

	default:
		dev, err = devledger.Open(devledger.Options{
			DataDir:    cfg.Dev.DataDir,
			BlockTime:  cfg.BlockTime(),
			FeePercent: cfg.Dev.FeePercent,
			FeeAccount: cfg.FeeAccount(),
			Clock:      util.RealClock{},
			Logger:     sugar.Named("dev"),
		})
		if err != nil {
			sugar.Fatalw("ledger_open_failed", "data_dir", cfg.Dev.DataDir, "err", err)
		}
		defer dev.Close()
		l = dev
		sugar.Infow("ledger_ready", "mode", "dev", "block_time_ms", cfg.BlockTime().Milliseconds(), "fee_percent", cfg.Dev.FeePercent)

		go func() {
			if err := dev.Run(ctx); err != nil && ctx.Err() == nil {
				sugar.Errorw("block_producer_stopped", "err", err)
			}
		}()
	}

	// ---- Read model ----
	app := exchange.New(l, exchange.Config{
		Reference: cfg.ReferenceAsset(),
		Ingest: exchange.IngestConfig{
			FromBlock: cfg.Ledger.FromBlock,
			Assets:    cfg.TrackedAssets(),
			InboxSize: cfg.Ingest.InboxSize,
		},
	}, util.RealClock{}, sugar.Named("exchange"))

	// A failed bootstrap halts the app; the API still serves status and health.
	if err := app.Bootstrap(ctx); err != nil {
		sugar.Errorw("bootstrap_failed", "err", err)
	} else {
		go func() {
			if err := app.Run(ctx); err != nil && ctx.Err() == nil {
				sugar.Errorw("ingest_stopped", "err", err)
			}
		}()
	}

	// ---- Transaction Feeder (optional) ----
	// Enable with: ENABLE_TXGEN=true TXGEN_MODE=default|high
	if cfg.TxGen.Enabled {
		startFeeder(ctx, sugar, dev, cfg)
	} else {
		sugar.Info("txgen_disabled")
	}

	// ---- API Server ----
	apiServer := api.NewServer(app, api.Options{
		AllowedOrigins: cfg.API.AllowedOrigins,
		Logger:         sugar.Named("api"),
	})
	go apiServer.Run(ctx)

	go logProgress(ctx, sugar, app)

	if err := apiServer.ListenAndServe(ctx, cfg.API.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		sugar.Fatalw("api_server_failed", "err", err)
	}
	app.Stop()
	sugar.Info("node_stopped")
}

func startFeeder(ctx context.Context, sugar *zap.SugaredLogger, dev *devledger.Ledger, cfg params.Config) {
	if dev == nil {
		sugar.Warn("txgen_ignored - only available with the dev ledger")
		return
	}
	var txCfg devledger.FeederConfig
	switch cfg.TxGen.Mode {
	case "high":
		txCfg = devledger.HighLoadFeederConfig(cfg.ReferenceAsset(), cfg.DevToken())
	default:
		txCfg = devledger.DefaultFeederConfig(cfg.ReferenceAsset(), cfg.DevToken())
	}
	sugar.Infow("txgen_enabled", "mode", cfg.TxGen.Mode, "traders", txCfg.NumAccounts, "batch", txCfg.BatchSize, "interval", txCfg.Interval)

	if _, err := devledger.StartFeeder(ctx, dev, txCfg); err != nil {
		sugar.Errorw("txgen_failed", "err", err)
	}
}

// logProgress reports the read model every few seconds while it changes.
func logProgress(ctx context.Context, sugar *zap.SugaredLogger, app *exchange.App) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var lastVersion uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := app.Status()
			if st.Version == lastVersion && !st.Halted {
				continue
			}
			lastVersion = st.Version
			sugar.Infow("read_model_progress",
				"version", st.Version,
				"checkpoint_block", st.Checkpoint.Block,
				"orders", st.Orders,
				"backlog", st.Backlog,
				"halted", st.Halted)
		}
	}
}

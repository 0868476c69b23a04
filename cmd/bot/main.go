package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"solana-position-engine/internal/blockchain"
	"solana-position-engine/internal/config"
	"solana-position-engine/internal/engine"
	"solana-position-engine/internal/health"
	"solana-position-engine/internal/jupiter"
	"solana-position-engine/internal/monitor"
	"solana-position-engine/internal/pricefeed"
	"solana-position-engine/internal/server"
	"solana-position-engine/internal/storage"
	"solana-position-engine/internal/verifier"
)

func main() {
	setupLogger()
	log.Info().Msg("position engine starting...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.NewManager(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("config load failed")
	}

	// Wallet: env key for real trading, cached dev key otherwise
	wallet := loadWallet(cfg)

	rpc := blockchain.NewRPCClient(cfg.GetPrimaryRPCURL(), cfg.GetFallbackRPCURL(), cfg.GetPrimaryAPIKey())

	blockhashTTL := time.Duration(cfg.Get().Blockchain.BlockhashTTLSeconds) * time.Second
	blockhashCache := blockchain.NewBlockhashCache(rpc, cfg.GetBlockhashRefresh(), blockhashTTL)
	if err := blockhashCache.Start(); err != nil {
		log.Warn().Err(err).Msg("blockhash cache priming failed, will retry in background")
	}

	feesCfg := cfg.Get().Fees
	txBuilder := blockchain.NewTransactionBuilder(wallet, blockhashCache, uint64(feesCfg.StaticPriorityFeeSol*1e9))

	balanceTracker := blockchain.NewBalanceTracker(wallet, rpc)
	if err := balanceTracker.Refresh(context.Background()); err != nil {
		log.Warn().Err(err).Msg("initial balance refresh failed")
	}

	jupCfg := cfg.Get().Jupiter
	jupTimeout := time.Duration(jupCfg.TimeoutSeconds) * time.Second
	jup := jupiter.NewClient(jupCfg.QuoteAPIURL, jupCfg.SlippageBps, jupTimeout)
	if len(jupCfg.APIKeys) > 0 {
		jup = jupiter.NewClientWithKeys(jupCfg.QuoteAPIURL, jupCfg.SlippageBps, jupTimeout, jupCfg.APIKeys)
	}

	db, err := storage.NewDB(cfg.Get().Storage.SQLitePath)
	if err != nil {
		log.Error().Err(err).Msg("database unavailable, running memory-only")
		db = nil
	}

	store := engine.NewPositionStore(db)
	if err := store.LoadFromDB(); err != nil {
		log.Error().Err(err).Msg("position recovery failed")
	}

	engCfg := cfg.GetEngine()
	locks := engine.NewLockArena()
	cooldowns := engine.NewCooldownRegistry(
		time.Duration(engCfg.OpenCooldownSeconds)*time.Second,
		time.Duration(engCfg.ReentrySeconds)*time.Second,
		time.Duration(engCfg.DedupWindowSeconds)*time.Second,
	)
	metrics := engine.NewMetrics()

	swapExec := engine.NewSwapExecutor(jup, txBuilder, rpc, wallet.Address(), engCfg.SlippageLadderBps, cfg.GetSwapTimeout())

	monCfg := cfg.GetMonitor()
	mon := monitor.New(rpc, monCfg.SnapshotPath,
		time.Duration(monCfg.PollSeconds)*time.Second,
		time.Duration(monCfg.StuckSeconds)*time.Second,
		time.Duration(monCfg.RetentionSeconds)*time.Second,
	)
	if err := mon.Load(); err != nil {
		log.Error().Err(err).Msg("monitor snapshot load failed")
	}

	recCfg := cfg.GetReconcile()
	baseMint := cfg.Get().Wallet.BaseMint
	params := engine.Params{
		WalletAddress:        wallet.Address(),
		BaseMint:             baseMint,
		MaxOpenPositions:     engCfg.MaxOpenPositions,
		TrackMinDeltaPercent: engCfg.TrackMinDeltaPercent,
		TrackMinInterval:     time.Duration(engCfg.TrackMinSeconds) * time.Second,
		RetryDelay:           time.Duration(recCfg.RetryDelaySeconds) * time.Second,
	}

	tracker := &pushTracker{mon: mon}
	controller := engine.NewController(locks, cooldowns, store, swapExec, tracker, rpc, db, metrics, params)

	v := verifier.New()
	reconciler := engine.NewReconciler(store, controller, v, rpc, mon, rpc, db, metrics, wallet.Address(), baseMint, engine.ReconcileParams{
		VerifySweep:   time.Duration(recCfg.VerifySweepSeconds) * time.Second,
		VerifyBatch:   recCfg.VerifyBatchSize,
		PhantomSweep:  time.Duration(recCfg.PhantomSweepSeconds) * time.Second,
		PhantomMinAge: time.Duration(recCfg.PhantomMinAgeSec) * time.Second,
		PhantomGrace:  time.Duration(recCfg.PhantomGraceSec) * time.Second,
		PhantomProbes: 3,
		RetrySweep:    time.Duration(recCfg.RetrySweepSeconds) * time.Second,
		RetryDelay:    time.Duration(recCfg.RetryDelaySeconds) * time.Second,
		RetryMaxTries: recCfg.RetryMaxAttempts,
	})

	// A failed sell means the position is still ours; roll it back for retry
	mon.SetOnFailed(func(tx monitor.PendingTransaction) {
		if tx.Direction == "sell" {
			controller.ReopenAfterFailedExit(tx.Mint, tx.Signature)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Confirmation fast path: verify as soon as the chain confirms instead
	// of waiting for the next verify sweep
	mon.SetOnConfirmed(func(tx monitor.PendingTransaction) {
		go reconciler.VerifySignature(ctx, tx.Signature)
	})

	// Websocket side channel: live prices + push confirmations. Polling
	// covers everything if this fails.
	if wsURL := cfg.GetWSURL(); wsURL != "" {
		wsClient := pricefeed.NewClient(wsURL)
		if err := wsClient.Connect(ctx); err != nil {
			log.Warn().Err(err).Msg("websocket unavailable, polling only")
		} else {
			defer wsClient.Close()
			feed := pricefeed.NewFeed(wsClient)
			feed.OnPriceUpdate(func(u pricefeed.PriceUpdate) {
				if u.PriceSOL > 0 {
					controller.UpdateTracking(u.Mint, u.PriceSOL)
				}
			})
			tracker.watcher = pricefeed.NewConfirmWatcher(wsClient)
			defer tracker.watcher.Stop()
		}
	}

	go mon.Start(ctx)
	reconciler.Start(ctx)

	srvCfg := cfg.Get().Server
	snapshots := blockchain.NewSnapshotService(wallet, rpc)
	srv := server.New(srvCfg.ListenHost, srvCfg.ListenPort, controller, mon, v, rpc, db, snapshots, wallet.Address(), baseMint)
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("control server failed")
		}
	}()

	checker := health.NewChecker(cfg.GetPrimaryRPCURL(), fmt.Sprintf("http://%s:%d", srvCfg.ListenHost, srvCfg.ListenPort))
	checker.Start(ctx)

	// Balance refresh loop
	go func() {
		ticker := time.NewTicker(cfg.GetBalanceRefresh())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				balanceTracker.Refresh(ctx)
			}
		}
	}()

	log.Info().
		Str("wallet", wallet.Address()).
		Int("openPositions", store.OpenCount()).
		Str("host", srvCfg.ListenHost).
		Int("port", srvCfg.ListenPort).
		Msg("engine running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down...")
	cancel()
	srv.Shutdown()
	blockhashCache.Stop()
	if db != nil {
		db.Close()
	}
	log.Info().Msg("goodbye")
}

// pushTracker registers signatures with the monitor and, when a websocket
// is up, also subscribes for push confirmation
type pushTracker struct {
	mon     *monitor.Monitor
	watcher *pricefeed.ConfirmWatcher
}

func (t *pushTracker) Track(signature, mint, direction string) {
	t.mon.Track(signature, mint, direction)
	if t.watcher == nil {
		return
	}
	err := t.watcher.Watch(signature, func(c pricefeed.TxConfirmation) {
		if c.Confirmed {
			t.mon.MarkConfirmed(c.Signature)
		} else {
			t.mon.MarkFailed(c.Signature, c.Error)
		}
	})
	if err != nil {
		log.Debug().Err(err).Str("sig", signature).Msg("push watch failed, polling will cover")
	}
}

func loadWallet(cfg *config.Manager) *blockchain.Wallet {
	if key := cfg.GetPrivateKey(); key != "" {
		w, err := blockchain.NewWallet(key)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid wallet key")
		}
		return w
	}

	log.Warn().Msg("no private key configured, using cached dev key")
	km := blockchain.NewCachedKeyManager(cfg.Get().Wallet.KeyCacheDir, 24*time.Hour)
	w, err := km.GetOrGenerate()
	if err != nil {
		log.Fatal().Err(err).Msg("dev key generation failed")
	}
	return w
}

func setupLogger() {
	log.Logger = zerolog.New(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"},
	).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

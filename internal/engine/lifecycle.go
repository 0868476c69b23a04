package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"

	"solana-position-engine/internal/blockchain"
	"solana-position-engine/internal/storage"
)

// BalanceReader is the on-chain balance surface the controller needs
type BalanceReader interface {
	GetTokenBalance(ctx context.Context, owner, mint string) (uint64, error)
}

// TxTracker registers submitted signatures for monitoring
type TxTracker interface {
	Track(signature, mint, direction string)
}

// Params carries the controller's tunables
type Params struct {
	WalletAddress        string
	BaseMint             string // SOL
	MaxOpenPositions     int
	TrackMinDeltaPercent float64
	TrackMinInterval     time.Duration
	RetryDelay           time.Duration
}

// Controller drives the position lifecycle: open, close, live tracking.
// Every mutation for an asset runs under that asset's lock; checks execute
// in a fixed order so rejections are deterministic.
type Controller struct {
	locks     *LockArena
	cooldowns *CooldownRegistry
	store     *PositionStore
	executor  *SwapExecutor
	tracker   TxTracker
	balances  BalanceReader
	db        *storage.DB
	metrics   *Metrics
	params    Params

	trackMu   sync.Mutex
	lastTrack map[string]trackStamp
}

type trackStamp struct {
	price float64
	at    time.Time
}

func NewController(locks *LockArena, cooldowns *CooldownRegistry, store *PositionStore, executor *SwapExecutor, tracker TxTracker, balances BalanceReader, db *storage.DB, metrics *Metrics, params Params) *Controller {
	return &Controller{
		locks:     locks,
		cooldowns: cooldowns,
		store:     store,
		executor:  executor,
		tracker:   tracker,
		balances:  balances,
		db:        db,
		metrics:   metrics,
		params:    params,
		lastTrack: make(map[string]trackStamp),
	}
}

// validPrice rejects zero, negative, NaN and infinite prices
func validPrice(p float64) bool {
	return p > 0 && !math.IsNaN(p) && !math.IsInf(p, 0)
}

// validSignature requires a well-formed base58 string decoding to the
// 64 bytes of an ed25519 signature
func validSignature(sig string) bool {
	if len(sig) < 64 || len(sig) > 96 {
		return false
	}
	raw, err := base58.Decode(sig)
	return err == nil && len(raw) == 64
}

// Open submits a buy and optimistically records the position. Returns the
// transaction signature; chain verification happens asynchronously.
func (c *Controller) Open(ctx context.Context, mint string, entryPrice, sizeSOL float64) (string, error) {
	if !validPrice(entryPrice) || sizeSOL <= 0 {
		c.metrics.OpenRejected()
		return "", ErrInvalidPrice
	}

	lock := c.locks.Get(mint)
	lock.Lock()
	defer lock.Unlock()

	if err := c.cooldowns.CheckOpenCooldowns(mint); err != nil {
		c.metrics.OpenRejected()
		return "", err
	}
	if c.store.HasOpen(mint) {
		c.metrics.OpenRejected()
		return "", ErrAlreadyOpen
	}
	if c.store.OpenCount() >= c.params.MaxOpenPositions {
		c.metrics.OpenRejected()
		return "", ErrCapacityExceeded
	}
	c.cooldowns.StampOpen()

	if err := c.cooldowns.CheckDuplicate(Fingerprint(mint, sizeSOL, "buy")); err != nil {
		c.metrics.OpenRejected()
		return "", err
	}

	lamports := uint64(sizeSOL * 1e9)
	res, err := c.executor.Execute(ctx, c.params.BaseMint, mint, lamports)
	if err != nil {
		c.metrics.OpenRejected()
		log.Error().Err(err).Str("mint", mint).Msg("open swap failed")
		return "", fmt.Errorf("open %s: %w", mint, err)
	}
	c.metrics.RecordSwapLatency(res.Elapsed.Milliseconds())

	// A position keyed to a garbage signature could never be verified or
	// cleaned up, so a malformed signature kills the attempt here
	if !validSignature(res.TxSig) {
		c.metrics.OpenRejected()
		log.Error().Str("mint", mint).Str("sig", res.TxSig).Msg("unusable signature from send")
		return "", ErrInvalidSignature
	}

	now := time.Now()
	pos := &Position{
		Mint:       mint,
		Size:       sizeSOL,
		EntryPrice: entryPrice,
		EntryTxSig: res.TxSig,
		Status:     StatusOpen,
		FirstSeen:  now,
		OpenedAt:   now,
	}
	pos.MarkPrice(entryPrice)
	c.store.Put(pos)
	c.tracker.Track(res.TxSig, mint, "buy")
	c.store.AddPendingVerification(res.TxSig)
	c.metrics.OpenOK()

	log.Info().
		Str("mint", mint).
		Float64("entryPrice", entryPrice).
		Float64("size", sizeSOL).
		Int("slippageBps", res.SlippageBps).
		Str("sig", res.TxSig).
		Msg("position opened")
	return res.TxSig, nil
}

// Close sells the full on-chain balance for the mint and stamps the
// position's exit fields. The executor's slippage ladder handles moving
// markets; a total failure lands the mint on the retry queue.
func (c *Controller) Close(ctx context.Context, mint string, exitPrice float64, reason string) (string, error) {
	if !validPrice(exitPrice) {
		return "", ErrInvalidPrice
	}

	lock := c.locks.Get(mint)
	lock.Lock()
	defer lock.Unlock()

	pos := c.store.Get(mint)
	if pos == nil || pos.Status != StatusOpen {
		return "", ErrNotFound
	}
	if !c.cooldowns.BeginSell(mint) {
		return "", ErrAlreadyClosing
	}
	defer c.cooldowns.EndSell(mint)

	if err := c.cooldowns.CheckDuplicate(Fingerprint(mint, pos.Size, "sell")); err != nil {
		return "", err
	}

	tokenAmount, err := c.balances.GetTokenBalance(ctx, c.params.WalletAddress, mint)
	if err != nil {
		c.metrics.CloseFailed()
		return "", fmt.Errorf("token balance %s: %w", mint, err)
	}
	if tokenAmount == 0 {
		return "", ErrNothingToSell
	}

	res, err := c.executor.Execute(ctx, mint, c.params.BaseMint, tokenAmount)
	if err != nil {
		c.metrics.CloseFailed()
		if blockchain.IsNoRoute(err) {
			// No pool will ever fill this; retrying only burns quota
			log.Error().Str("mint", mint).Msg("close abandoned, no route")
			return "", fmt.Errorf("close %s: %w", mint, err)
		}
		c.store.ScheduleRetry(mint, "sell", exitPrice, c.params.RetryDelay, err.Error())
		log.Warn().Err(err).Str("mint", mint).Msg("close failed, queued for retry")
		return "", fmt.Errorf("close %s: %w", mint, err)
	}
	c.metrics.RecordSwapLatency(res.Elapsed.Milliseconds())

	if !validSignature(res.TxSig) {
		c.metrics.CloseFailed()
		return "", ErrInvalidSignature
	}

	now := time.Now()
	err = c.store.Update(mint, func(p *Position) {
		p.ExitPrice = exitPrice
		p.ExitTxSig = res.TxSig
		p.CloseReason = reason
		p.Status = StatusClosed
		p.ClosedAt = now
	})
	if err != nil {
		return "", err
	}

	c.cooldowns.MarkClosed(mint)
	c.store.DropRetry(mint)
	c.tracker.Track(res.TxSig, mint, "sell")
	c.store.AddPendingVerification(res.TxSig)
	c.metrics.CloseOK()

	log.Info().
		Str("mint", mint).
		Float64("exitPrice", exitPrice).
		Str("reason", reason).
		Str("sig", res.TxSig).
		Msg("position closed")
	return res.TxSig, nil
}

// UpdateTracking folds a fresh mark price into the position's high/low and
// live P&L. Writes are throttled: only a minimum price move or a minimum
// elapsed interval persists, the rest is dropped on the floor.
func (c *Controller) UpdateTracking(mint string, currentPrice float64) error {
	if !validPrice(currentPrice) {
		return ErrInvalidPrice
	}

	lock := c.locks.Get(mint)
	lock.Lock()
	defer lock.Unlock()

	pos := c.store.Get(mint)
	if pos == nil || pos.Status != StatusOpen {
		return ErrNotFound
	}

	c.trackMu.Lock()
	stamp, seen := c.lastTrack[mint]
	now := time.Now()
	deltaPct := 100.0
	if seen && stamp.price > 0 {
		deltaPct = math.Abs(currentPrice-stamp.price) / stamp.price * 100
	}
	throttled := seen && deltaPct < c.params.TrackMinDeltaPercent && now.Sub(stamp.at) < c.params.TrackMinInterval
	if !throttled {
		c.lastTrack[mint] = trackStamp{price: currentPrice, at: now}
	}
	c.trackMu.Unlock()

	if throttled {
		return nil
	}

	var pnl, pnlPct float64
	err := c.store.Update(mint, func(p *Position) {
		p.MarkPrice(currentPrice)
		pnl = p.GrossPnL(currentPrice) - (p.EntryFee + p.ExitFee)
		if p.Size > 0 {
			pnlPct = pnl / p.Size * 100
		}
	})
	if err != nil {
		return err
	}

	log.Debug().
		Str("mint", mint).
		Float64("price", currentPrice).
		Float64("pnl", pnl).
		Float64("pnlPct", pnlPct).
		Msg("tracking update")
	return nil
}

// ReopenAfterFailedExit rolls a position whose sell never landed back to
// open so the retry loop can sell again. The stale exit fields are cleared;
// the failed signature stops being the position's exit.
func (c *Controller) ReopenAfterFailedExit(mint, failedSig string) {
	lock := c.locks.Get(mint)
	lock.Lock()
	defer lock.Unlock()

	exitPrice := 0.0
	err := c.store.Update(mint, func(p *Position) {
		if p.ExitTxSig != failedSig || p.ExitVerified {
			return
		}
		exitPrice = p.ExitPrice
		p.ExitTxSig = ""
		p.ExitPrice = 0
		p.ClosedAt = time.Time{}
		p.Status = StatusOpen
	})
	if err != nil {
		return
	}
	c.store.RemovePendingVerification(failedSig)
	c.store.ScheduleRetry(mint, "sell", exitPrice, c.params.RetryDelay, "exit transaction failed on chain")
	log.Warn().Str("mint", mint).Str("sig", failedSig).Msg("exit failed on chain, position reopened for retry")
}

// Positions returns copies of every tracked position
func (c *Controller) Positions() []*Position {
	return c.store.Snapshot()
}

// Metrics exposes the lifecycle counters
func (c *Controller) Metrics() *Metrics {
	return c.metrics
}

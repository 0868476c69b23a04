package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"solana-position-engine/internal/blockchain"
	"solana-position-engine/internal/storage"
	"solana-position-engine/internal/verifier"
)

// TxReader fetches confirmed transactions with their full metadata
type TxReader interface {
	GetTransaction(ctx context.Context, signature string) (*blockchain.TransactionDetail, error)
}

// TxResolver lets the reconciler settle monitored signatures
type TxResolver interface {
	MarkVerified(signature string)
	MarkFailed(signature, reason string)
}

// ReconcileParams carries the sweep intervals and bounds
type ReconcileParams struct {
	VerifySweep   time.Duration
	VerifyBatch   int
	PhantomSweep  time.Duration
	PhantomMinAge time.Duration
	PhantomGrace  time.Duration
	PhantomProbes int
	RetrySweep    time.Duration
	RetryDelay    time.Duration
	RetryMaxTries int
}

// Reconciler converges local position state to ledger truth with three
// independent loops: verifying pending signatures, hunting phantom
// positions, and re-attempting failed closes.
type Reconciler struct {
	store      *PositionStore
	controller *Controller
	verify     *verifier.Verifier
	txs        TxReader
	resolver   TxResolver
	balances   BalanceReader
	db         *storage.DB
	metrics    *Metrics
	params     ReconcileParams

	wallet   string
	baseMint string

	probeMu sync.Mutex
	probes  map[string]int // Mint -> phantom probe count
}

func NewReconciler(store *PositionStore, controller *Controller, v *verifier.Verifier, txs TxReader, resolver TxResolver, balances BalanceReader, db *storage.DB, metrics *Metrics, wallet, baseMint string, params ReconcileParams) *Reconciler {
	return &Reconciler{
		store:      store,
		controller: controller,
		verify:     v,
		txs:        txs,
		resolver:   resolver,
		balances:   balances,
		db:         db,
		metrics:    metrics,
		params:     params,
		wallet:     wallet,
		baseMint:   baseMint,
		probes:     make(map[string]int),
	}
}

// Start launches the three loops; they run until ctx is cancelled
func (r *Reconciler) Start(ctx context.Context) {
	go r.loop(ctx, "verify-sweep", r.params.VerifySweep, r.verifySweep)
	go r.loop(ctx, "phantom-cleanup", r.params.PhantomSweep, r.phantomSweep)
	go r.loop(ctx, "close-retry", r.params.RetrySweep, r.retrySweep)
}

func (r *Reconciler) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Str("task", name).Dur("interval", interval).Msg("reconcile task started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("task", name).Msg("reconcile task stopped")
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// verifySweep batches outstanding signatures and verifies them in parallel
func (r *Reconciler) verifySweep(ctx context.Context) {
	sigs := r.store.PendingVerifications(r.params.VerifyBatch)
	if len(sigs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, sig := range sigs {
		wg.Add(1)
		go func(sig string) {
			defer wg.Done()
			r.verifyOne(ctx, sig)
		}(sig)
	}
	wg.Wait()
}

// VerifySignature verifies one signature immediately instead of waiting for
// the next sweep tick. The confirmation fast path calls this.
func (r *Reconciler) VerifySignature(ctx context.Context, sig string) {
	r.verifyOne(ctx, sig)
}

// verifyOne reconciles one signature against the chain
func (r *Reconciler) verifyOne(ctx context.Context, sig string) {
	pos, isExit, found := r.store.FindBySignature(sig)
	if !found {
		// Position is gone (phantom cleanup won the race); nothing to apply
		r.store.RemovePendingVerification(sig)
		return
	}

	detail, err := r.txs.GetTransaction(ctx, sig)
	if blockchain.IsNotFound(err) {
		// Still propagating, or dropped; the monitor decides when it is stuck
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("sig", sig).Msg("transaction fetch failed")
		return
	}

	if !detail.Succeeded() {
		r.resolver.MarkFailed(sig, "on-chain execution error")
		r.store.RemovePendingVerification(sig)
		if isExit {
			r.controller.ReopenAfterFailedExit(pos.Mint, sig)
		} else {
			// The entry never happened; the optimistic position is fiction
			log.Warn().Str("mint", pos.Mint).Str("sig", sig).Msg("entry failed on chain, discarding position")
			r.store.Discard(pos.Mint)
			r.metrics.PhantomWiped()
		}
		return
	}

	intent := verifier.SwapIntent{
		WalletAddress: r.wallet,
	}
	if isExit {
		intent.Direction = verifier.DirectionSell
		intent.InputMint = pos.Mint
		intent.OutputMint = r.baseMint
		intent.ExpectedPrice = pos.ExitPrice
	} else {
		intent.Direction = verifier.DirectionBuy
		intent.InputMint = r.baseMint
		intent.OutputMint = pos.Mint
		intent.ExpectedPrice = pos.EntryPrice
	}

	res := r.verify.Verify(detail, intent)
	if !res.Success {
		// Consensus is deterministic over a fixed payload; retrying the
		// same bytes cannot change the answer
		r.metrics.NoConsensus()
		r.store.RemovePendingVerification(sig)
		log.Warn().Str("sig", sig).Str("err", res.Error).Msg("verification found no consensus")
		return
	}

	r.applyVerification(pos.Mint, sig, isExit, res)
}

// applyVerification writes chain truth into the position and finalizes
// fully-verified closes
func (r *Reconciler) applyVerification(mint, sig string, isExit bool, res *verifier.Result) {
	var finalized *Position
	err := r.store.Update(mint, func(p *Position) {
		p.ConfirmationCount++
		if isExit {
			p.EffectiveExit = res.EffectivePrice
			p.ExitFee = res.FeeSOL
			p.ExitVerified = true
		} else {
			p.EffectiveEntry = res.EffectivePrice
			p.EntryFee = res.FeeSOL
			p.EntryVerified = true
		}
		if p.ExitVerified {
			finalized = p.Clone()
		}
	})
	if err != nil {
		r.store.RemovePendingVerification(sig)
		return
	}

	r.store.RemovePendingVerification(sig)
	r.resolver.MarkVerified(sig)
	r.metrics.Verified()

	log.Info().
		Str("mint", mint).
		Str("sig", sig).
		Bool("exit", isExit).
		Str("method", res.Method).
		Float64("confidence", res.Confidence).
		Float64("effectivePrice", res.EffectivePrice).
		Float64("priceDiffPct", res.PriceDiffPercent).
		Bool("rent", res.RentDetected).
		Msg("swap verified")

	if finalized != nil {
		r.finalizeTrade(finalized)
	}
}

// finalizeTrade books the round trip and retires the position from the
// active set. The storage row keeps the full history.
func (r *Reconciler) finalizeTrade(p *Position) {
	if r.db != nil {
		trade := &storage.TradeRecord{
			Mint:       p.Mint,
			TokenName:  p.TokenName,
			Size:       p.Size,
			EntryPrice: p.entryBasis(),
			ExitPrice:  p.exitBasis(),
			GrossPnL:   p.GrossPnL(p.exitBasis()),
			NetPnL:     p.NetPnL(),
			PnLPercent: p.PnLPercent(),
			Fees:       p.EntryFee + p.ExitFee,
			Duration:   int64(p.ClosedAt.Sub(p.OpenedAt).Seconds()),
			EntryTxSig: p.EntryTxSig,
			ExitTxSig:  p.ExitTxSig,
			Reason:     p.CloseReason,
			Timestamp:  storage.Now(),
		}
		if err := r.db.InsertTrade(trade); err != nil {
			log.Error().Err(err).Str("mint", p.Mint).Msg("trade insert failed")
		}
	}
	r.store.Remove(p.Mint)

	log.Info().
		Str("mint", p.Mint).
		Float64("netPnl", p.NetPnL()).
		Float64("pnlPct", p.PnLPercent()).
		Str("reason", p.CloseReason).
		Msg("trade finalized")
}

// phantomSweep hunts open positions whose tokens never arrived. A zero
// balance alone is only suspicion; removal requires the entry transaction
// observed failed, or missing after the grace period across several probes.
func (r *Reconciler) phantomSweep(ctx context.Context) {
	minAge := r.params.PhantomMinAge
	for _, pos := range r.store.Snapshot() {
		if pos.Status != StatusOpen || time.Since(pos.OpenedAt) < minAge {
			continue
		}

		balance, err := r.balances.GetTokenBalance(ctx, r.wallet, pos.Mint)
		if err != nil {
			continue
		}
		if balance > 0 {
			r.clearProbes(pos.Mint)
			continue
		}

		detail, err := r.txs.GetTransaction(ctx, pos.EntryTxSig)
		switch {
		case blockchain.IsNotFound(err):
			probes := r.bumpProbes(pos.Mint)
			if time.Since(pos.OpenedAt) >= minAge+r.params.PhantomGrace && probes >= r.params.PhantomProbes {
				r.removePhantom(pos, "entry transaction never found")
			}
		case err != nil:
			// RPC trouble is not evidence
		case !detail.Succeeded():
			r.removePhantom(pos, "entry transaction failed")
		default:
			// Entry landed but the tokens are gone; something outside this
			// engine moved them. Not ours to delete.
			log.Warn().Str("mint", pos.Mint).Msg("zero balance but entry succeeded, leaving position")
			r.clearProbes(pos.Mint)
		}
	}
}

func (r *Reconciler) bumpProbes(mint string) int {
	r.probeMu.Lock()
	defer r.probeMu.Unlock()
	r.probes[mint]++
	return r.probes[mint]
}

func (r *Reconciler) clearProbes(mint string) {
	r.probeMu.Lock()
	delete(r.probes, mint)
	r.probeMu.Unlock()
}

// removePhantom synthetically closes and discards a phantom position
func (r *Reconciler) removePhantom(pos *Position, reason string) {
	r.store.Update(pos.Mint, func(p *Position) {
		p.Status = StatusClosed
		p.SyntheticExit = true
		p.SyntheticReason = reason
		p.CloseReason = "phantom"
		p.ClosedAt = time.Now()
	})
	r.store.Remove(pos.Mint)
	r.store.RemovePendingVerification(pos.EntryTxSig)
	r.clearProbes(pos.Mint)
	r.metrics.PhantomWiped()

	log.Warn().Str("mint", pos.Mint).Str("reason", reason).Msg("phantom position removed")
}

// retrySweep re-attempts due closes up to the attempt cap
func (r *Reconciler) retrySweep(ctx context.Context) {
	for _, e := range r.store.DueRetries() {
		if e.Attempts > r.params.RetryMaxTries {
			r.store.DropRetry(e.Mint)
			r.metrics.RetrySpent()
			log.Error().
				Str("mint", e.Mint).
				Int("attempts", e.Attempts).
				Str("lastError", e.LastError).
				Msg("close retries exhausted, abandoning")
			continue
		}

		price := e.Price
		if price <= 0 {
			if pos := r.store.Get(e.Mint); pos != nil {
				price = pos.LastPrice
				if price <= 0 {
					price = pos.EntryPrice
				}
			}
		}

		_, err := r.controller.Close(ctx, e.Mint, price, "retry")
		switch {
		case err == nil:
			// Close dropped the queue entry itself
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrNothingToSell):
			// Nothing left to close; the phantom sweep owns zero-balance positions
			r.store.DropRetry(e.Mint)
		case blockchain.IsNoRoute(err):
			r.store.DropRetry(e.Mint)
			r.metrics.RetrySpent()
			log.Error().Str("mint", e.Mint).Msg("close retry abandoned, no route")
		default:
			// Close reschedules executor failures itself. Everything else
			// (balance fetch, concurrent sell, bad signature) must be
			// re-queued here or the attempt count never moves.
			if r.store.RetryAttempts(e.Mint) <= e.Attempts {
				r.store.ScheduleRetry(e.Mint, "sell", price, r.params.RetryDelay, err.Error())
			}
			log.Warn().Err(err).Str("mint", e.Mint).Int("attempt", e.Attempts).Msg("close retry failed")
		}
	}
}

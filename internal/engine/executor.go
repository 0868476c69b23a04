package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"solana-position-engine/internal/blockchain"
	"solana-position-engine/internal/jupiter"
)

// SwapService is the quote/build surface of the Jupiter client
type SwapService interface {
	GetQuoteWithSlippage(ctx context.Context, inputMint, outputMint string, amountLamports uint64, slippageBps int) (*jupiter.QuoteResponse, error)
	BuildSwapTransaction(ctx context.Context, quote *jupiter.QuoteResponse, userPubkey string) (string, error)
}

// TxSigner signs a base64 serialized transaction
type TxSigner interface {
	SignSerializedTransaction(swapTxBase64 string) (string, error)
}

// TxSender submits a signed transaction to the chain
type TxSender interface {
	SendTransaction(ctx context.Context, signedTxBase64 string, skipPreflight bool) (string, error)
}

// SwapResult reports one completed swap submission
type SwapResult struct {
	TxSig       string
	SlippageBps int     // Rung that succeeded
	InAmount    uint64  // Lamports or raw token units
	OutAmount   uint64  // From the winning quote
	QuotePrice  float64 // out/in, raw units
	Elapsed     time.Duration
}

// SwapExecutor runs the quote -> build -> sign -> send pipeline, walking a
// slippage ladder from tight to wide. Each attempt re-quotes at the wider
// tolerance; only slippage-class failures escalate the rung.
type SwapExecutor struct {
	swaps   SwapService
	signer  TxSigner
	sender  TxSender
	address string // Wallet pubkey

	ladder  []int // Basis points, ascending
	timeout time.Duration
}

func NewSwapExecutor(swaps SwapService, signer TxSigner, sender TxSender, address string, ladder []int, timeout time.Duration) *SwapExecutor {
	if len(ladder) == 0 {
		ladder = []int{100, 300, 500, 1000}
	}
	return &SwapExecutor{
		swaps:   swaps,
		signer:  signer,
		sender:  sender,
		address: address,
		ladder:  ladder,
		timeout: timeout,
	}
}

// Execute performs one swap under the executor's deadline. The error from
// the widest rung wins when every rung fails.
func (x *SwapExecutor) Execute(ctx context.Context, inputMint, outputMint string, amount uint64) (*SwapResult, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	var lastErr error
	for _, bps := range x.ladder {
		res, err := x.attempt(ctx, inputMint, outputMint, amount, bps)
		if err == nil {
			res.Elapsed = time.Since(start)
			return res, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("swap deadline: %w", lastErr)
		}
		if blockchain.IsNoRoute(err) {
			// Wider slippage never creates a route
			return nil, err
		}
		if !blockchain.IsSlippage(err) {
			return nil, err
		}
		log.Warn().
			Int("slippageBps", bps).
			Err(err).
			Msg("slippage rung failed, widening")
	}
	return nil, fmt.Errorf("all slippage rungs exhausted: %w", lastErr)
}

func (x *SwapExecutor) attempt(ctx context.Context, inputMint, outputMint string, amount uint64, bps int) (*SwapResult, error) {
	quote, err := x.swaps.GetQuoteWithSlippage(ctx, inputMint, outputMint, amount, bps)
	if err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}

	swapTx, err := x.swaps.BuildSwapTransaction(ctx, quote, x.address)
	if err != nil {
		return nil, fmt.Errorf("build swap: %w", err)
	}

	signedTx, err := x.signer.SignSerializedTransaction(swapTx)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	// skipPreflight: speed over an extra simulation round trip
	txSig, err := x.sender.SendTransaction(ctx, signedTx, true)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}

	inAmt, _ := strconv.ParseUint(quote.InAmount, 10, 64)
	outAmt, _ := strconv.ParseUint(quote.OutAmount, 10, 64)
	res := &SwapResult{
		TxSig:       txSig,
		SlippageBps: bps,
		InAmount:    inAmt,
		OutAmount:   outAmt,
	}
	if inAmt > 0 {
		res.QuotePrice = float64(outAmt) / float64(inAmt)
	}
	return res, nil
}

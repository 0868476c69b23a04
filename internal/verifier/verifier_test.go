package verifier

import (
	"testing"

	"solana-position-engine/internal/blockchain"
)

const (
	wallet    = "WaLLet11111111111111111111111111111111111111"
	pool      = "Poo111111111111111111111111111111111111111111"
	tokenMint = "TokenMint11111111111111111111111111111111111"

	walletWsolAcct  = "WalletWsolAcct111111111111111111111111111111"
	walletTokenAcct = "WalletTokenAcct11111111111111111111111111111"
	poolWsolAcct    = "PoolWsolAcct11111111111111111111111111111111"
	poolTokenAcct   = "PoolTokenAcct1111111111111111111111111111111"
)

func buyIntent() SwapIntent {
	return SwapIntent{
		InputMint:     NativeMint,
		OutputMint:    tokenMint,
		WalletAddress: wallet,
		Direction:     DirectionBuy,
	}
}

func tokenBalance(index int, mint, owner, amount string, decimals uint8) blockchain.TokenBalanceEntry {
	return blockchain.TokenBalanceEntry{
		AccountIndex: index,
		Mint:         mint,
		Owner:        owner,
		UITokenAmount: blockchain.UITokenAmount{
			Amount:   amount,
			Decimals: decimals,
		},
	}
}

func transferIns(source, destination, authority, amount string) blockchain.ParsedInstruction {
	return blockchain.ParsedInstruction{
		Program: "spl-token",
		Parsed: &blockchain.ParsedInnerData{
			Type: "transfer",
			Info: blockchain.InstructionInfo{
				Source:      source,
				Destination: destination,
				Authority:   authority,
				Amount:      amount,
			},
		},
	}
}

// buyDetail is a wallet spending 0.5 wSOL for 1.0 of a 6-decimal token
func buyDetail() *blockchain.TransactionDetail {
	d := &blockchain.TransactionDetail{
		Slot: 250_000_000,
		Meta: &blockchain.TransactionMeta{
			Fee:          5_000,
			PreBalances:  []uint64{1_000_000_000, 0, 0, 0, 0},
			PostBalances: []uint64{999_995_000, 0, 0, 0, 0},
			PreTokenBalances: []blockchain.TokenBalanceEntry{
				tokenBalance(1, NativeMint, wallet, "500000000", 9),
				tokenBalance(2, tokenMint, wallet, "0", 6),
				tokenBalance(3, NativeMint, pool, "90000000000", 9),
				tokenBalance(4, tokenMint, pool, "500000000", 6),
			},
			PostTokenBalances: []blockchain.TokenBalanceEntry{
				tokenBalance(1, NativeMint, wallet, "0", 9),
				tokenBalance(2, tokenMint, wallet, "1000000", 6),
				tokenBalance(3, NativeMint, pool, "90500000000", 9),
				tokenBalance(4, tokenMint, pool, "499000000", 6),
			},
			InnerInstructions: []blockchain.InnerInstructionSet{{
				Index: 2,
				Instructions: []blockchain.ParsedInstruction{
					transferIns(walletWsolAcct, poolWsolAcct, wallet, "500000000"),
					transferIns(poolTokenAcct, walletTokenAcct, pool, "1000000"),
				},
			}},
		},
	}
	d.Transaction.Message.AccountKeys = []blockchain.AccountKey{
		{Pubkey: wallet, Signer: true, Writable: true},
		{Pubkey: walletWsolAcct, Writable: true},
		{Pubkey: walletTokenAcct, Writable: true},
		{Pubkey: poolWsolAcct, Writable: true},
		{Pubkey: poolTokenAcct, Writable: true},
	}
	return d
}

func TestVerifyBuyTransferTrace(t *testing.T) {
	res := New().Verify(buyDetail(), buyIntent())

	if !res.Success {
		t.Fatalf("verify failed: %s", res.Error)
	}
	if res.Method != "transfer_trace" {
		t.Errorf("method = %q, want transfer_trace", res.Method)
	}
	if res.Confidence != 0.95 {
		t.Errorf("confidence = %v, want 0.95", res.Confidence)
	}
	if res.InputAmountRaw != 500_000_000 {
		t.Errorf("input raw = %d, want 500000000", res.InputAmountRaw)
	}
	if res.OutputAmountRaw != 1_000_000 {
		t.Errorf("output raw = %d, want 1000000", res.OutputAmountRaw)
	}
	// 0.5 SOL for 1.0 token
	if res.EffectivePrice != 0.5 {
		t.Errorf("effective price = %v, want 0.5", res.EffectivePrice)
	}
	if res.FeeLamports != 5_000 {
		t.Errorf("fee = %d, want 5000", res.FeeLamports)
	}
}

func TestDuplicateTransfersCountedOnce(t *testing.T) {
	d := buyDetail()
	// Some routes echo the same inner instruction under two outer indexes
	dup := d.Meta.InnerInstructions[0]
	dup.Index = 4
	d.Meta.InnerInstructions = append(d.Meta.InnerInstructions, dup)

	res := New().Verify(d, buyIntent())
	if !res.Success {
		t.Fatalf("verify failed: %s", res.Error)
	}
	if res.InputAmountRaw != 500_000_000 || res.OutputAmountRaw != 1_000_000 {
		t.Errorf("amounts doubled: in=%d out=%d", res.InputAmountRaw, res.OutputAmountRaw)
	}
}

func TestBalanceDeltaFallback(t *testing.T) {
	d := buyDetail()
	d.Meta.InnerInstructions = nil

	res := New().Verify(d, buyIntent())
	if !res.Success {
		t.Fatalf("verify failed: %s", res.Error)
	}
	if res.Method != "balance_delta" {
		t.Errorf("method = %q, want balance_delta", res.Method)
	}
	if res.Confidence != 0.90 {
		t.Errorf("confidence = %v, want 0.90", res.Confidence)
	}
	if res.InputAmountRaw != 500_000_000 || res.OutputAmountRaw != 1_000_000 {
		t.Errorf("amounts: in=%d out=%d", res.InputAmountRaw, res.OutputAmountRaw)
	}
}

func TestSellLamportFallback(t *testing.T) {
	// A sell where the wSOL account was closed: SOL arrives as raw lamports,
	// so the native leg must come from the wallet's lamport delta.
	d := &blockchain.TransactionDetail{
		Meta: &blockchain.TransactionMeta{
			Fee:          5_000_000,
			PreBalances:  []uint64{1_000_000_000, 0},
			PostBalances: []uint64{1_495_000_000, 0},
			PreTokenBalances: []blockchain.TokenBalanceEntry{
				tokenBalance(1, tokenMint, wallet, "1000000", 6),
			},
			PostTokenBalances: []blockchain.TokenBalanceEntry{
				tokenBalance(1, tokenMint, wallet, "0", 6),
			},
		},
	}
	d.Transaction.Message.AccountKeys = []blockchain.AccountKey{
		{Pubkey: wallet, Signer: true, Writable: true},
		{Pubkey: walletTokenAcct, Writable: true},
	}

	res := New().Verify(d, SwapIntent{
		InputMint:     tokenMint,
		OutputMint:    NativeMint,
		WalletAddress: wallet,
		Direction:     DirectionSell,
	})
	if !res.Success {
		t.Fatalf("verify failed: %s", res.Error)
	}
	if res.Method != "balance_delta" {
		t.Errorf("method = %q, want balance_delta", res.Method)
	}
	// +495M lamports plus the 5M fee the wallet paid = 500M received
	if res.OutputAmountRaw != 500_000_000 {
		t.Errorf("output raw = %d, want 500000000", res.OutputAmountRaw)
	}
	if res.InputAmountRaw != 1_000_000 {
		t.Errorf("input raw = %d, want 1000000", res.InputAmountRaw)
	}
	// Sold 1.0 token for 0.5 SOL
	if res.EffectivePrice != 0.5 {
		t.Errorf("effective price = %v, want 0.5", res.EffectivePrice)
	}
}

func TestLogScanLastResort(t *testing.T) {
	d := buyDetail()
	d.Meta.InnerInstructions = nil
	// Hide the wallet's balance rows; only pool-side rows remain for the
	// decimals lookup
	d.Meta.PreTokenBalances = []blockchain.TokenBalanceEntry{
		tokenBalance(3, NativeMint, pool, "90000000000", 9),
		tokenBalance(4, tokenMint, pool, "500000000", 6),
	}
	d.Meta.PostTokenBalances = []blockchain.TokenBalanceEntry{
		tokenBalance(3, NativeMint, pool, "90500000000", 9),
		tokenBalance(4, tokenMint, pool, "499000000", 6),
	}
	d.Meta.LogMessages = []string{
		"Program JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4 invoke [1]",
		"Program log: SwapEvent { dex: Raydium, amount_in: 500000000, amount_out: 1000000 }",
		"Program JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4 success",
	}

	res := New().Verify(d, buyIntent())
	if !res.Success {
		t.Fatalf("verify failed: %s", res.Error)
	}
	if res.Method != "log_scan" {
		t.Errorf("method = %q, want log_scan", res.Method)
	}
	if res.Confidence != 0.85 {
		t.Errorf("confidence = %v, want 0.85", res.Confidence)
	}
	if res.InputAmountRaw != 500_000_000 || res.OutputAmountRaw != 1_000_000 {
		t.Errorf("amounts: in=%d out=%d", res.InputAmountRaw, res.OutputAmountRaw)
	}
}

func TestLabeledLogFormat(t *testing.T) {
	d := buyDetail()
	d.Meta.InnerInstructions = nil
	d.Meta.PreTokenBalances = d.Meta.PreTokenBalances[2:]
	d.Meta.PostTokenBalances = d.Meta.PostTokenBalances[2:]
	d.Meta.LogMessages = []string{
		"Program log: swap in_amount: 500000000 out_amount: 1000000",
	}

	res := New().Verify(d, buyIntent())
	if !res.Success {
		t.Fatalf("verify failed: %s", res.Error)
	}
	if res.Method != "log_scan" || res.Confidence != 0.80 {
		t.Errorf("method=%q confidence=%v, want log_scan 0.80", res.Method, res.Confidence)
	}
}

func TestVerifyIsDeterministic(t *testing.T) {
	v := New()
	first := v.Verify(buyDetail(), buyIntent())
	for i := 0; i < 5; i++ {
		again := v.Verify(buyDetail(), buyIntent())
		if again.Method != first.Method || again.InputAmountRaw != first.InputAmountRaw ||
			again.OutputAmountRaw != first.OutputAmountRaw || again.Confidence != first.Confidence {
			t.Fatalf("run %d diverged: %+v vs %+v", i, again, first)
		}
	}
}

func TestVerifyFailedOnChain(t *testing.T) {
	d := buyDetail()
	d.Meta.Err = map[string]interface{}{"InstructionError": []interface{}{2, "Custom"}}

	res := New().Verify(d, buyIntent())
	if res.Success {
		t.Fatal("failed transaction verified as success")
	}
	if res.Error == "" {
		t.Error("missing error text")
	}
	// Fee is still burned on failure
	if res.FeeLamports != 5_000 {
		t.Errorf("fee = %d, want 5000", res.FeeLamports)
	}
}

func TestVerifyNilMeta(t *testing.T) {
	res := New().Verify(&blockchain.TransactionDetail{}, buyIntent())
	if res.Success {
		t.Fatal("success without metadata")
	}
	res = New().Verify(nil, buyIntent())
	if res.Success {
		t.Fatal("success on nil detail")
	}
}

func TestVerifyNoStrategyResult(t *testing.T) {
	d := &blockchain.TransactionDetail{Meta: &blockchain.TransactionMeta{Fee: 5000}}
	res := New().Verify(d, buyIntent())
	if res.Success {
		t.Fatal("success with nothing to extract")
	}
	if res.Error == "" {
		t.Error("missing error text")
	}
}

func TestPriceDiffPercent(t *testing.T) {
	intent := buyIntent()
	intent.ExpectedPrice = 0.4

	res := New().Verify(buyDetail(), intent)
	if !res.Success {
		t.Fatalf("verify failed: %s", res.Error)
	}
	// Effective 0.5 vs expected 0.4 = paid 25% more
	if diff := res.PriceDiffPercent - 25.0; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("price diff = %v, want 25", res.PriceDiffPercent)
	}
}

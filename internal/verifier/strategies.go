package verifier

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"solana-position-engine/internal/blockchain"
)

var (
	errNoTransfers = errors.New("no matching transfers")
	errNoDeltas    = errors.New("no balance deltas for wallet")
	errNoLogMatch  = errors.New("no recognized log pattern")
)

// tokenAccount resolves a token-account pubkey to its mint and owner
type tokenAccount struct {
	mint     string
	owner    string
	decimals uint8
}

// indexTokenAccounts maps token-account pubkeys to (mint, owner) using the
// pre/post balance snapshots and the account key list. Both snapshots are
// folded in: an account created mid-transaction only appears post.
func indexTokenAccounts(detail *blockchain.TransactionDetail) map[string]tokenAccount {
	keys := detail.Transaction.Message.AccountKeys
	idx := make(map[string]tokenAccount)
	add := func(entries []blockchain.TokenBalanceEntry) {
		for _, e := range entries {
			if e.AccountIndex < 0 || e.AccountIndex >= len(keys) {
				continue
			}
			idx[keys[e.AccountIndex].Pubkey] = tokenAccount{
				mint:     e.Mint,
				owner:    e.Owner,
				decimals: e.UITokenAmount.Decimals,
			}
		}
	}
	add(detail.Meta.PreTokenBalances)
	add(detail.Meta.PostTokenBalances)
	return idx
}

// mintDecimals finds a mint's decimals from either balance snapshot
func mintDecimals(detail *blockchain.TransactionDetail, mint string) (uint8, bool) {
	if mint == NativeMint {
		return nativeDecimals, true
	}
	for _, e := range detail.Meta.PreTokenBalances {
		if e.Mint == mint {
			return e.UITokenAmount.Decimals, true
		}
	}
	for _, e := range detail.Meta.PostTokenBalances {
		if e.Mint == mint {
			return e.UITokenAmount.Decimals, true
		}
	}
	return 0, false
}

// transferTraceStrategy reads the inner instruction log: token transfers
// leaving the wallet in the input mint and arriving in the output mint.
// Highest confidence, this is the authoritative record of what moved.
type transferTraceStrategy struct{}

func (s *transferTraceStrategy) Name() string { return "transfer_trace" }

func (s *transferTraceStrategy) Extract(detail *blockchain.TransactionDetail, intent SwapIntent) (*extraction, error) {
	accounts := indexTokenAccounts(detail)

	var inputRaw, outputRaw uint64
	seen := make(map[string]struct{})

	for _, set := range detail.Meta.InnerInstructions {
		for _, ins := range set.Instructions {
			if ins.Parsed == nil {
				continue
			}
			typ := ins.Parsed.Type
			if typ != "transfer" && typ != "transferChecked" {
				continue
			}
			info := ins.Parsed.Info

			amount, ok := transferAmount(info)
			if !ok {
				continue
			}

			// Duplicate instruction records appear under multiple outer
			// indexes on some routes
			key := fmt.Sprintf("%s|%s|%d", info.Source, info.Destination, amount)
			if _, dup := seen[key]; dup {
				continue
			}

			mint := info.Mint
			src, srcOK := accounts[info.Source]
			dst, dstOK := accounts[info.Destination]
			if mint == "" {
				if srcOK {
					mint = src.mint
				} else if dstOK {
					mint = dst.mint
				}
			}

			outgoing := info.Authority == intent.WalletAddress || (srcOK && src.owner == intent.WalletAddress)
			incoming := dstOK && dst.owner == intent.WalletAddress

			switch {
			case outgoing && mint == intent.InputMint:
				inputRaw += amount
				seen[key] = struct{}{}
			case incoming && mint == intent.OutputMint:
				outputRaw += amount
				seen[key] = struct{}{}
			}
		}
	}

	if inputRaw == 0 || outputRaw == 0 {
		return nil, errNoTransfers
	}

	inDec, _ := mintDecimals(detail, intent.InputMint)
	outDec, _ := mintDecimals(detail, intent.OutputMint)
	return &extraction{
		inputRaw:       inputRaw,
		outputRaw:      outputRaw,
		inputDecimals:  inDec,
		outputDecimals: outDec,
		confidence:     0.95,
	}, nil
}

// transferAmount pulls the raw amount from either transfer shape
func transferAmount(info blockchain.InstructionInfo) (uint64, bool) {
	if info.TokenAmount != nil {
		v, err := strconv.ParseUint(info.TokenAmount.Amount, 10, 64)
		return v, err == nil
	}
	if info.Amount != "" {
		v, err := strconv.ParseUint(info.Amount, 10, 64)
		return v, err == nil
	}
	if info.Lamports > 0 {
		return info.Lamports, true
	}
	return 0, false
}

// balanceDeltaStrategy diffs the wallet's owner-level token balances between
// the pre and post snapshots. Robust, but blind when input and output are
// the same mint.
type balanceDeltaStrategy struct{}

func (s *balanceDeltaStrategy) Name() string { return "balance_delta" }

func (s *balanceDeltaStrategy) Extract(detail *blockchain.TransactionDetail, intent SwapIntent) (*extraction, error) {
	if intent.InputMint == intent.OutputMint {
		return nil, errors.New("same-mint round trip is invisible to balance deltas")
	}

	inDelta, inOK := s.ownerDelta(detail, intent.WalletAddress, intent.InputMint)
	outDelta, outOK := s.ownerDelta(detail, intent.WalletAddress, intent.OutputMint)
	if !inOK || !outOK {
		return nil, errNoDeltas
	}
	if inDelta >= 0 || outDelta <= 0 {
		return nil, fmt.Errorf("deltas have wrong sign: in %d out %d", inDelta, outDelta)
	}

	inDec, _ := mintDecimals(detail, intent.InputMint)
	outDec, _ := mintDecimals(detail, intent.OutputMint)
	return &extraction{
		inputRaw:       uint64(-inDelta),
		outputRaw:      uint64(outDelta),
		inputDecimals:  inDec,
		outputDecimals: outDec,
		confidence:     0.90,
	}, nil
}

// ownerDelta sums the mint's raw balance change across all of the owner's
// token accounts. The native mint falls back to the wallet's lamport delta
// adjusted for the network fee when no wSOL account row exists.
func (s *balanceDeltaStrategy) ownerDelta(detail *blockchain.TransactionDetail, owner, mint string) (int64, bool) {
	sum := func(entries []blockchain.TokenBalanceEntry) (int64, bool) {
		var total int64
		found := false
		for _, e := range entries {
			if e.Mint != mint || e.Owner != owner {
				continue
			}
			v, err := strconv.ParseInt(e.UITokenAmount.Amount, 10, 64)
			if err != nil {
				continue
			}
			total += v
			found = true
		}
		return total, found
	}

	pre, preOK := sum(detail.Meta.PreTokenBalances)
	post, postOK := sum(detail.Meta.PostTokenBalances)
	if preOK || postOK {
		return post - pre, true
	}

	if mint == NativeMint {
		return s.lamportDelta(detail, owner)
	}
	return 0, false
}

func (s *balanceDeltaStrategy) lamportDelta(detail *blockchain.TransactionDetail, owner string) (int64, bool) {
	for i, key := range detail.Transaction.Message.AccountKeys {
		if key.Pubkey != owner {
			continue
		}
		if i >= len(detail.Meta.PreBalances) || i >= len(detail.Meta.PostBalances) {
			return 0, false
		}
		delta := int64(detail.Meta.PostBalances[i]) - int64(detail.Meta.PreBalances[i])
		// Fee always comes out of the fee payer; keep the swap leg only
		if i == 0 {
			delta += int64(detail.Meta.Fee)
		}
		return delta, true
	}
	return 0, false
}

// Log-line shapes seen across routed DEX programs
var (
	labeledAmountsRe = regexp.MustCompile(`(?i)(?:in_amount|amount_in|amountIn)[:=\s]+(\d+).*?(?:out_amount|amount_out|amountOut)[:=\s]+(\d+)`)
	swapEventRe      = regexp.MustCompile(`SwapEvent\s*\{[^}]*amount_in:\s*(\d+)[^}]*amount_out:\s*(\d+)`)
	numericPairRe    = regexp.MustCompile(`(?i)swap(?:ped)?\s+(\d+)\s+(?:\S+\s+)?(?:for|to|->)\s+(\d+)`)
)

// logScanStrategy parses human-readable program logs. Last resort: the
// formats drift with DEX releases, so confidence stays below the metadata
// strategies and the patterns live here only.
type logScanStrategy struct{}

func (s *logScanStrategy) Name() string { return "log_scan" }

func (s *logScanStrategy) Extract(detail *blockchain.TransactionDetail, intent SwapIntent) (*extraction, error) {
	type match struct {
		in, out    uint64
		confidence float64
	}
	var best *match

	consider := func(inStr, outStr string, conf float64) {
		in, err1 := strconv.ParseUint(inStr, 10, 64)
		out, err2 := strconv.ParseUint(outStr, 10, 64)
		if err1 != nil || err2 != nil || in == 0 || out == 0 {
			return
		}
		if best == nil || conf > best.confidence {
			best = &match{in: in, out: out, confidence: conf}
		}
	}

	for _, line := range detail.Meta.LogMessages {
		if !strings.Contains(strings.ToLower(line), "swap") && !strings.Contains(line, "amount") {
			continue
		}
		if m := swapEventRe.FindStringSubmatch(line); m != nil {
			consider(m[1], m[2], 0.85)
		} else if m := labeledAmountsRe.FindStringSubmatch(line); m != nil {
			consider(m[1], m[2], 0.80)
		} else if m := numericPairRe.FindStringSubmatch(line); m != nil {
			consider(m[1], m[2], 0.60)
		}
	}

	if best == nil {
		return nil, errNoLogMatch
	}

	inDec, inOK := mintDecimals(detail, intent.InputMint)
	outDec, outOK := mintDecimals(detail, intent.OutputMint)
	if !inOK || !outOK {
		return nil, errors.New("log match without decimals context")
	}
	return &extraction{
		inputRaw:       best.in,
		outputRaw:      best.out,
		inputDecimals:  inDec,
		outputDecimals: outDec,
		confidence:     best.confidence,
	}, nil
}

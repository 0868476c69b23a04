package verifier

import (
	"strings"

	"solana-position-engine/internal/blockchain"
)

// Rent-exempt minimum for a token account (165 bytes)
const rentExemptLamports = 2_039_280

const rentDetectThreshold = 0.5

// detectRent combines three independent signals into an additive confidence:
// log-text create/close markers, parsed create/close instructions, and a
// wallet lamport delta matching the fixed rent amount. Tx fees make the
// delta fuzzy, so it carries the smallest weight.
func detectRent(detail *blockchain.TransactionDetail, wallet string) (bool, float64, int64) {
	var confidence float64
	var direction int64 // +1 reclaim (close), -1 paid (create)

	// Signal 1: log markers
	created, closed := false, false
	for _, line := range detail.Meta.LogMessages {
		switch {
		case strings.Contains(line, "InitializeAccount"), strings.Contains(line, "Instruction: Create"):
			created = true
		case strings.Contains(line, "CloseAccount"):
			closed = true
		}
	}
	if created || closed {
		confidence += 0.4
	}

	// Signal 2: parsed instructions
	insCreate, insClose := false, false
	for _, set := range detail.Meta.InnerInstructions {
		for _, ins := range set.Instructions {
			if ins.Parsed == nil {
				continue
			}
			switch ins.Parsed.Type {
			case "createAccount", "create", "createIdempotent", "initializeAccount", "initializeAccount3":
				insCreate = true
			case "closeAccount":
				insClose = true
			}
		}
	}
	if insCreate || insClose {
		confidence += 0.4
	}

	// Signal 3: wallet lamport delta near the exact rent amount
	if delta, ok := walletLamportDelta(detail, wallet); ok {
		adjusted := delta + int64(detail.Meta.Fee)
		if near(adjusted, -rentExemptLamports) {
			confidence += 0.3
			direction = -1
		} else if near(adjusted, rentExemptLamports) {
			confidence += 0.3
			direction = 1
		}
	}

	if direction == 0 {
		if closed || insClose {
			direction = 1
		} else if created || insCreate {
			direction = -1
		}
	}

	detected := confidence >= rentDetectThreshold && direction != 0
	if !detected {
		return false, confidence, 0
	}
	return true, confidence, direction * rentExemptLamports
}

func walletLamportDelta(detail *blockchain.TransactionDetail, wallet string) (int64, bool) {
	for i, key := range detail.Transaction.Message.AccountKeys {
		if key.Pubkey != wallet {
			continue
		}
		if i >= len(detail.Meta.PreBalances) || i >= len(detail.Meta.PostBalances) {
			return 0, false
		}
		return int64(detail.Meta.PostBalances[i]) - int64(detail.Meta.PreBalances[i]), true
	}
	return 0, false
}

// near tolerates swap-leg noise around the fixed rent amount
func near(v, target int64) bool {
	diff := v - target
	if diff < 0 {
		diff = -diff
	}
	return diff < 100_000 // 0.0001 SOL
}

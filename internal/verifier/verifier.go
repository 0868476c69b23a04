// Package verifier re-derives what a submitted swap actually did on chain.
// Three independent extraction strategies read the transaction metadata;
// the highest-confidence result wins. Amounts always come from the ledger,
// never from what was requested.
package verifier

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"solana-position-engine/internal/blockchain"
)

// NativeMint is wrapped SOL, the native leg of every swap this engine makes
const NativeMint = "So11111111111111111111111111111111111111112"

const nativeDecimals = 9

// Swap directions
const (
	DirectionBuy  = "buy"  // SOL in, token out
	DirectionSell = "sell" // Token in, SOL out
)

// SwapIntent describes what the engine meant to do, so the verifier knows
// which mints and direction to look for
type SwapIntent struct {
	InputMint     string
	OutputMint    string
	WalletAddress string
	Direction     string
	ExpectedPrice float64 // Optional; 0 disables slippage computation
}

// Result is the reconciled truth for one swap transaction
type Result struct {
	Success bool `json:"success"`

	InputAmountRaw  uint64  `json:"inputAmountRaw"`
	OutputAmountRaw uint64  `json:"outputAmountRaw"`
	InputDecimals   uint8   `json:"inputDecimals"`
	OutputDecimals  uint8   `json:"outputDecimals"`
	InputAmountUI   float64 `json:"inputAmountUi"`
	OutputAmountUI  float64 `json:"outputAmountUi"`

	EffectivePrice   float64 `json:"effectivePrice"`   // SOL per token
	PriceDiffPercent float64 `json:"priceDiffPercent"` // vs ExpectedPrice, 0 if none supplied
	FeeLamports      uint64  `json:"feeLamports"`
	FeeSOL           float64 `json:"feeSol"`

	RentDetected   bool    `json:"rentDetected"`
	RentConfidence float64 `json:"rentConfidence"`
	RentLamports   int64   `json:"rentLamports"` // Negative = paid, positive = reclaimed

	Method     string        `json:"method"`
	Confidence float64       `json:"confidence"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// extraction is what one strategy produces before consensus selection
type extraction struct {
	inputRaw       uint64
	outputRaw      uint64
	inputDecimals  uint8
	outputDecimals uint8
	confidence     float64
}

// strategy is one independent way of reading amounts out of tx metadata.
// Strategies are interchangeable; the log-text one can be dropped without
// touching consensus.
type strategy interface {
	Name() string
	Extract(detail *blockchain.TransactionDetail, intent SwapIntent) (*extraction, error)
}

// Verifier runs the strategy set in fixed priority order
type Verifier struct {
	strategies []strategy
}

// New builds a verifier with the full strategy set. Slice order is the
// tie-break order on equal confidence.
func New() *Verifier {
	return &Verifier{
		strategies: []strategy{
			&transferTraceStrategy{},
			&balanceDeltaStrategy{},
			&logScanStrategy{},
		},
	}
}

// Verify reconciles the transaction against the intent. A failed on-chain
// execution or no strategy succeeding both yield Success=false.
func (v *Verifier) Verify(detail *blockchain.TransactionDetail, intent SwapIntent) *Result {
	start := time.Now()
	res := &Result{}

	if detail == nil || detail.Meta == nil {
		res.Error = "no transaction metadata"
		res.Duration = time.Since(start)
		return res
	}
	if !detail.Succeeded() {
		res.Error = "transaction failed on chain"
		res.FeeLamports = detail.Meta.Fee
		res.FeeSOL = float64(detail.Meta.Fee) / 1e9
		res.Duration = time.Since(start)
		return res
	}

	var best *extraction
	var bestName string
	for _, s := range v.strategies {
		ext, err := s.Extract(detail, intent)
		if err != nil {
			log.Debug().Str("strategy", s.Name()).Err(err).Msg("strategy failed")
			continue
		}
		// Strict > keeps the first (highest priority) winner on ties
		if best == nil || ext.confidence > best.confidence {
			best = ext
			bestName = s.Name()
		}
	}

	if best == nil {
		res.Error = "no strategy produced a result"
		res.Duration = time.Since(start)
		return res
	}

	res.Success = true
	res.Method = bestName
	res.Confidence = best.confidence
	res.InputAmountRaw = best.inputRaw
	res.OutputAmountRaw = best.outputRaw
	res.InputDecimals = best.inputDecimals
	res.OutputDecimals = best.outputDecimals
	res.InputAmountUI = uiAmount(best.inputRaw, best.inputDecimals)
	res.OutputAmountUI = uiAmount(best.outputRaw, best.outputDecimals)

	res.FeeLamports = detail.Meta.Fee
	res.FeeSOL = float64(detail.Meta.Fee) / 1e9

	res.EffectivePrice = effectivePrice(res, intent.Direction)
	if intent.ExpectedPrice > 0 && res.EffectivePrice > 0 {
		res.PriceDiffPercent = (res.EffectivePrice - intent.ExpectedPrice) / intent.ExpectedPrice * 100
	}

	res.RentDetected, res.RentConfidence, res.RentLamports = detectRent(detail, intent.WalletAddress)

	res.Duration = time.Since(start)
	return res
}

// effectivePrice orients SOL-per-token by swap direction
func effectivePrice(r *Result, direction string) float64 {
	switch direction {
	case DirectionBuy:
		if r.OutputAmountUI > 0 {
			return r.InputAmountUI / r.OutputAmountUI
		}
	case DirectionSell:
		if r.InputAmountUI > 0 {
			return r.OutputAmountUI / r.InputAmountUI
		}
	}
	return 0
}

func uiAmount(raw uint64, decimals uint8) float64 {
	return float64(raw) / math.Pow10(int(decimals))
}

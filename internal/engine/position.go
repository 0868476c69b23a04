package engine

import (
	"time"

	"solana-position-engine/internal/storage"
)

// Position status values
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Position is the in-memory lifecycle record for one asset. The engine
// owns a single Position per mint at a time; storage mirrors it.
type Position struct {
	Mint      string  `json:"mint"`
	TokenName string  `json:"tokenName,omitempty"`
	Size      float64 `json:"size"` // Allocation in SOL

	EntryPrice     float64 `json:"entryPrice"`               // Signal price at open
	EffectiveEntry float64 `json:"effectiveEntry,omitempty"` // Chain-verified execution price
	ExitPrice      float64 `json:"exitPrice,omitempty"`
	EffectiveExit  float64 `json:"effectiveExit,omitempty"`

	HighPrice float64 `json:"highPrice"`
	LowPrice  float64 `json:"lowPrice"`
	LastPrice float64 `json:"lastPrice"`

	EntryTxSig string  `json:"entryTxSig"`
	ExitTxSig  string  `json:"exitTxSig,omitempty"`
	EntryFee   float64 `json:"entryFee,omitempty"` // SOL
	ExitFee    float64 `json:"exitFee,omitempty"`

	EntryVerified     bool `json:"entryVerified"`
	ExitVerified      bool `json:"exitVerified"`
	ConfirmationCount int  `json:"confirmationCount"`

	Status          string `json:"status"`
	CloseReason     string `json:"closeReason,omitempty"`
	SyntheticExit   bool   `json:"syntheticExit,omitempty"`
	SyntheticReason string `json:"syntheticReason,omitempty"`

	FirstSeen time.Time `json:"firstSeen"`
	OpenedAt  time.Time `json:"openedAt"`
	ClosedAt  time.Time `json:"closedAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// entryBasis prefers the chain-verified execution price over the signal price
func (p *Position) entryBasis() float64 {
	if p.EffectiveEntry > 0 {
		return p.EffectiveEntry
	}
	return p.EntryPrice
}

// exitBasis prefers the chain-verified exit price over the last marked price
func (p *Position) exitBasis() float64 {
	if p.EffectiveExit > 0 {
		return p.EffectiveExit
	}
	return p.ExitPrice
}

// GrossPnL computes unrealized SOL P&L against a mark price
func (p *Position) GrossPnL(mark float64) float64 {
	entry := p.entryBasis()
	if entry <= 0 || mark <= 0 || p.Size <= 0 {
		return 0
	}
	return p.Size * (mark/entry - 1)
}

// NetPnL subtracts both leg fees from realized gross P&L
func (p *Position) NetPnL() float64 {
	return p.GrossPnL(p.exitBasis()) - (p.EntryFee + p.ExitFee)
}

// PnLPercent is realized net P&L as a percentage of position size
func (p *Position) PnLPercent() float64 {
	if p.Size <= 0 {
		return 0
	}
	return p.NetPnL() / p.Size * 100
}

// MarkPrice folds a new price into the running high/low/last trio
func (p *Position) MarkPrice(price float64) {
	if price <= 0 {
		return
	}
	if p.HighPrice == 0 || price > p.HighPrice {
		p.HighPrice = price
	}
	if p.LowPrice == 0 || price < p.LowPrice {
		p.LowPrice = price
	}
	p.LastPrice = price
}

// Clone returns a copy safe to hand outside the store's lock
func (p *Position) Clone() *Position {
	cp := *p
	return &cp
}

// toRecord maps a Position to its storage row
func (p *Position) toRecord() *storage.PositionRecord {
	rec := &storage.PositionRecord{
		Mint:              p.Mint,
		TokenName:         p.TokenName,
		Size:              p.Size,
		EntryPrice:        p.EntryPrice,
		EffectiveEntry:    p.EffectiveEntry,
		ExitPrice:         p.ExitPrice,
		EffectiveExit:     p.EffectiveExit,
		HighPrice:         p.HighPrice,
		LowPrice:          p.LowPrice,
		EntryTxSig:        p.EntryTxSig,
		ExitTxSig:         p.ExitTxSig,
		EntryFee:          p.EntryFee,
		ExitFee:           p.ExitFee,
		EntryVerified:     p.EntryVerified,
		ExitVerified:      p.ExitVerified,
		ConfirmationCount: p.ConfirmationCount,
		Status:            p.Status,
		CloseReason:       p.CloseReason,
		SyntheticExit:     p.SyntheticExit,
		SyntheticReason:   p.SyntheticReason,
		FirstSeen:         p.FirstSeen.Unix(),
		OpenedAt:          p.OpenedAt.Unix(),
		UpdatedAt:         p.UpdatedAt.Unix(),
	}
	if !p.ClosedAt.IsZero() {
		rec.ClosedAt = p.ClosedAt.Unix()
	}
	return rec
}

// fromRecord maps a storage row back to a Position
func fromRecord(r *storage.PositionRecord) *Position {
	p := &Position{
		Mint:              r.Mint,
		TokenName:         r.TokenName,
		Size:              r.Size,
		EntryPrice:        r.EntryPrice,
		EffectiveEntry:    r.EffectiveEntry,
		ExitPrice:         r.ExitPrice,
		EffectiveExit:     r.EffectiveExit,
		HighPrice:         r.HighPrice,
		LowPrice:          r.LowPrice,
		EntryTxSig:        r.EntryTxSig,
		ExitTxSig:         r.ExitTxSig,
		EntryFee:          r.EntryFee,
		ExitFee:           r.ExitFee,
		EntryVerified:     r.EntryVerified,
		ExitVerified:      r.ExitVerified,
		ConfirmationCount: r.ConfirmationCount,
		Status:            r.Status,
		CloseReason:       r.CloseReason,
		SyntheticExit:     r.SyntheticExit,
		SyntheticReason:   r.SyntheticReason,
		FirstSeen:         time.Unix(r.FirstSeen, 0),
		OpenedAt:          time.Unix(r.OpenedAt, 0),
		UpdatedAt:         time.Unix(r.UpdatedAt, 0),
	}
	if r.ClosedAt > 0 {
		p.ClosedAt = time.Unix(r.ClosedAt, 0)
	}
	return p
}

package pricefeed

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrPriceUnavailable means no fresh quote exists for the mint
var ErrPriceUnavailable = errors.New("price unavailable")

// How long a cached price counts as fresh
const priceStaleAfter = 2 * time.Minute

// PriceUpdate represents a real-time price change
type PriceUpdate struct {
	Mint         string
	PriceSOL     float64 // Price in SOL per token
	TokenBalance uint64
	Slot         uint64
}

// PoolReserves holds AMM pool state
type PoolReserves struct {
	BaseReserve   uint64 // Token amount
	QuoteReserve  uint64 // SOL amount (in lamports)
	BaseDecimals  int
	QuoteDecimals int
}

// PriceHandler is called when price updates are received
type PriceHandler func(update PriceUpdate)

type pricePoint struct {
	price float64
	at    time.Time
}

// Feed manages real-time price subscriptions and acts as the mark-price
// oracle for open-position tracking
type Feed struct {
	client *Client

	// Tracked tokens: mint -> pool subscription ID
	poolSubs map[string]uint64
	// Token account subs: mint -> token account subscription ID
	tokenSubs map[string]uint64
	subsMu    sync.RWMutex

	handlers   []PriceHandler
	handlersMu sync.RWMutex

	prices   map[string]pricePoint
	pricesMu sync.RWMutex
}

// NewFeed creates a price feed over a connected websocket client
func NewFeed(client *Client) *Feed {
	return &Feed{
		client:    client,
		poolSubs:  make(map[string]uint64),
		tokenSubs: make(map[string]uint64),
		prices:    make(map[string]pricePoint),
	}
}

// OnPriceUpdate registers a price update handler
func (f *Feed) OnPriceUpdate(handler PriceHandler) {
	f.handlersMu.Lock()
	f.handlers = append(f.handlers, handler)
	f.handlersMu.Unlock()
}

// Track starts following a token via its AMM pool account
func (f *Feed) Track(mint, poolAddr string) error {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()

	if _, exists := f.poolSubs[mint]; exists {
		return nil
	}

	subID, err := f.client.AccountSubscribe(poolAddr, func(data json.RawMessage) {
		f.handlePoolUpdate(mint, data)
	})
	if err != nil {
		return fmt.Errorf("subscribe to pool: %w", err)
	}
	f.poolSubs[mint] = subID

	log.Info().
		Str("mint", truncateStr(mint, 8)).
		Str("pool", truncateStr(poolAddr, 8)).
		Uint64("subID", subID).
		Msg("tracking token via AMM pool")
	return nil
}

// TrackTokenAccount follows the wallet's token account for balance changes
func (f *Feed) TrackTokenAccount(mint, tokenAccountAddr string) error {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()

	if _, exists := f.tokenSubs[mint]; exists {
		return nil
	}

	subID, err := f.client.AccountSubscribe(tokenAccountAddr, func(data json.RawMessage) {
		f.handleTokenAccountUpdate(mint, data)
	})
	if err != nil {
		return fmt.Errorf("subscribe to token account: %w", err)
	}
	f.tokenSubs[mint] = subID
	return nil
}

// Untrack stops following a token
func (f *Feed) Untrack(mint string) {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()

	if subID, exists := f.poolSubs[mint]; exists {
		delete(f.poolSubs, mint)
		f.client.Unsubscribe("accountUnsubscribe", subID)
	}
	if subID, exists := f.tokenSubs[mint]; exists {
		delete(f.tokenSubs, mint)
		f.client.Unsubscribe("accountUnsubscribe", subID)
	}
}

func (f *Feed) handlePoolUpdate(mint string, data json.RawMessage) {
	var update struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
	}
	if err := json.Unmarshal(data, &update); err != nil {
		log.Warn().Err(err).Msg("failed to parse pool update")
		return
	}

	// Pool account data is program-specific binary; the fresh slot plus the
	// cached quote price is what the tracker consumes
	priceUpdate := PriceUpdate{Mint: mint, Slot: update.Context.Slot}
	if price, err := f.CurrentPrice(mint); err == nil {
		priceUpdate.PriceSOL = price
	}
	f.notifyHandlers(priceUpdate)
}

func (f *Feed) handleTokenAccountUpdate(mint string, data json.RawMessage) {
	var update struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value struct {
			Data struct {
				Parsed struct {
					Info struct {
						TokenAmount struct {
							Amount string `json:"amount"`
						} `json:"tokenAmount"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"value"`
	}
	if err := json.Unmarshal(data, &update); err != nil {
		log.Warn().Err(err).Msg("failed to parse token account update")
		return
	}

	balance, _ := strconv.ParseUint(update.Value.Data.Parsed.Info.TokenAmount.Amount, 10, 64)
	priceUpdate := PriceUpdate{Mint: mint, TokenBalance: balance, Slot: update.Context.Slot}
	if price, err := f.CurrentPrice(mint); err == nil {
		priceUpdate.PriceSOL = price
	}
	f.notifyHandlers(priceUpdate)
}

func (f *Feed) notifyHandlers(update PriceUpdate) {
	f.handlersMu.RLock()
	handlers := make([]PriceHandler, len(f.handlers))
	copy(handlers, f.handlers)
	f.handlersMu.RUnlock()

	for _, h := range handlers {
		h(update)
	}
}

// SetPrice updates the cached price (called after each quote)
func (f *Feed) SetPrice(mint string, priceSOL float64) {
	if priceSOL <= 0 {
		return
	}
	f.pricesMu.Lock()
	f.prices[mint] = pricePoint{price: priceSOL, at: time.Now()}
	f.pricesMu.Unlock()
}

// CurrentPrice returns the cached price if still fresh
func (f *Feed) CurrentPrice(mint string) (float64, error) {
	f.pricesMu.RLock()
	pt, ok := f.prices[mint]
	f.pricesMu.RUnlock()
	if !ok || time.Since(pt.at) > priceStaleAfter {
		return 0, ErrPriceUnavailable
	}
	return pt.price, nil
}

// PriceFromReserves calculates token price from AMM reserves
func PriceFromReserves(reserves PoolReserves) float64 {
	if reserves.BaseReserve == 0 {
		return 0
	}
	baseAmt := float64(reserves.BaseReserve) / math.Pow10(reserves.BaseDecimals)
	quoteAmt := float64(reserves.QuoteReserve) / math.Pow10(reserves.QuoteDecimals)
	if baseAmt == 0 {
		return 0
	}
	return quoteAmt / baseAmt
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

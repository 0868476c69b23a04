package engine

import (
	"fmt"
	"sync"
	"time"
)

// CooldownRegistry enforces the pacing rules between trades: a global
// cooldown after any open, a per-mint reentry cooldown after a close, a
// short-window dedup of identical signals, and an active-sell set that
// stops concurrent closes of the same position.
type CooldownRegistry struct {
	mu sync.Mutex

	openCooldown time.Duration // Global, after any successful open
	reentry      time.Duration // Per-mint, after close
	dedupWindow  time.Duration

	lastOpen    time.Time
	lastClosed  map[string]time.Time
	seenSignals map[string]time.Time // fingerprint -> first seen
	activeSells map[string]struct{}

	now func() time.Time
}

func NewCooldownRegistry(openCooldown, reentry, dedupWindow time.Duration) *CooldownRegistry {
	return &CooldownRegistry{
		openCooldown: openCooldown,
		reentry:      reentry,
		dedupWindow:  dedupWindow,
		lastClosed:   make(map[string]time.Time),
		seenSignals:  make(map[string]time.Time),
		activeSells:  make(map[string]struct{}),
		now:          time.Now,
	}
}

// Fingerprint builds the dedup key for a signal. Size is rounded to 4
// decimals so float jitter from upstream does not defeat dedup.
func Fingerprint(mint string, size float64, direction string) string {
	return fmt.Sprintf("%s|%.4f|%s", mint, size, direction)
}

// CheckOpenCooldowns rejects an open while the mint's reentry cooldown or
// the global open cooldown is still running
func (r *CooldownRegistry) CheckOpenCooldowns(mint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	if closed, ok := r.lastClosed[mint]; ok && now.Sub(closed) < r.reentry {
		return ErrCooldownActive
	}
	if !r.lastOpen.IsZero() && now.Sub(r.lastOpen) < r.openCooldown {
		return ErrCooldownActive
	}
	return nil
}

// StampOpen arms the global open cooldown. Called once the pre-flight
// checks pass, before the swap itself, so rapid-fire attempts pace each
// other even when the swap later fails.
func (r *CooldownRegistry) StampOpen() {
	r.mu.Lock()
	r.lastOpen = r.now()
	r.mu.Unlock()
}

// CheckDuplicate suppresses a fingerprint seen within the dedup window and
// records it otherwise
func (r *CooldownRegistry) CheckDuplicate(fp string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkDupLocked(fp, r.now())
}

func (r *CooldownRegistry) checkDupLocked(fp string, now time.Time) error {
	if seen, ok := r.seenSignals[fp]; ok && now.Sub(seen) < r.dedupWindow {
		return ErrDuplicateSuppressed
	}
	r.seenSignals[fp] = now

	// Opportunistic purge keeps the map bounded
	for k, t := range r.seenSignals {
		if now.Sub(t) >= r.dedupWindow {
			delete(r.seenSignals, k)
		}
	}
	return nil
}

// MarkClosed starts the mint's reentry cooldown
func (r *CooldownRegistry) MarkClosed(mint string) {
	r.mu.Lock()
	r.lastClosed[mint] = r.now()
	r.mu.Unlock()
}

// BeginSell claims the mint for a close. Returns false if a close is
// already in flight.
func (r *CooldownRegistry) BeginSell(mint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.activeSells[mint]; busy {
		return false
	}
	r.activeSells[mint] = struct{}{}
	return true
}

// EndSell releases the mint's sell claim
func (r *CooldownRegistry) EndSell(mint string) {
	r.mu.Lock()
	delete(r.activeSells, mint)
	r.mu.Unlock()
}

// SellActive reports whether a close is currently in flight for the mint
func (r *CooldownRegistry) SellActive(mint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, busy := r.activeSells[mint]
	return busy
}

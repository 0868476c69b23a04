package engine

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"solana-position-engine/internal/storage"
)

// RetryEntry tracks a failed close awaiting bounded retry
type RetryEntry struct {
	Mint      string
	Direction string  // Always "sell" today
	Price     float64 // Exit price signal to re-use
	Attempts  int
	NextRetry time.Time
	LastError string
}

// PositionStore is the authoritative in-memory state: open positions,
// signatures awaiting chain verification, and the retry queue. Every
// mutation is mirrored to SQLite; a persistence failure is logged and the
// in-memory copy stays authoritative.
type PositionStore struct {
	mu sync.RWMutex

	positions     map[string]*Position   // Open positions by mint
	pendingVerify map[string]time.Time   // Tx signature -> submitted at
	retryQueue    map[string]*RetryEntry

	db *storage.DB // Optional; nil runs memory-only
}

func NewPositionStore(db *storage.DB) *PositionStore {
	return &PositionStore{
		positions:     make(map[string]*Position),
		pendingVerify: make(map[string]time.Time),
		retryQueue:    make(map[string]*RetryEntry),
		db:            db,
	}
}

// LoadFromDB restores open positions after a restart. Unverified entry
// signatures go back on the verification queue.
func (s *PositionStore) LoadFromDB() error {
	if s.db == nil {
		return nil
	}
	records, err := s.db.GetOpenPositions()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		p := fromRecord(r)
		s.positions[p.Mint] = p
		if !p.EntryVerified && p.EntryTxSig != "" {
			s.pendingVerify[p.EntryTxSig] = p.OpenedAt
		}
	}
	log.Info().Int("positions", len(records)).Msg("positions restored from db")
	return nil
}

func (s *PositionStore) persist(p *Position) {
	if s.db == nil {
		return
	}
	if err := s.db.SavePosition(p.toRecord()); err != nil {
		log.Error().Err(err).Str("mint", p.Mint).Msg("position persist failed, memory copy kept")
	}
}

// Put stores or replaces a position and mirrors it to disk
func (s *PositionStore) Put(p *Position) {
	s.mu.Lock()
	p.UpdatedAt = time.Now()
	s.positions[p.Mint] = p
	s.mu.Unlock()
	s.persist(p)
}

// Get returns a copy of the position for a mint, nil if absent
func (s *PositionStore) Get(mint string) *Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[mint]
	if !ok {
		return nil
	}
	return p.Clone()
}

// HasOpen reports whether a still-open position exists for the mint.
// Positions linger in the store with closed status until their exit is
// verified, so presence alone is not openness.
func (s *PositionStore) HasOpen(mint string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[mint]
	return ok && p.Status == StatusOpen
}

// OpenCount returns the number of open positions (capacity accounting)
func (s *PositionStore) OpenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.positions {
		if p.Status == StatusOpen {
			n++
		}
	}
	return n
}

// Snapshot returns copies of every open position
func (s *PositionStore) Snapshot() []*Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p.Clone())
	}
	return out
}

// FindBySignature locates the position owning a signature. The second
// return reports whether the signature is the exit leg.
func (s *PositionStore) FindBySignature(sig string) (pos *Position, isExit bool, found bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.positions {
		if p.EntryTxSig == sig {
			return p.Clone(), false, true
		}
		if p.ExitTxSig == sig {
			return p.Clone(), true, true
		}
	}
	return nil, false, false
}

// Update applies fn to the live position under the write lock, then
// persists. Returns ErrNotFound if the mint is not open.
func (s *PositionStore) Update(mint string, fn func(*Position)) error {
	s.mu.Lock()
	p, ok := s.positions[mint]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	fn(p)
	p.UpdatedAt = time.Now()
	cp := p.Clone()
	s.mu.Unlock()
	s.persist(cp)
	return nil
}

// Remove drops a closed position from the open set. The storage row stays
// (status already flipped to closed by the caller via Update).
func (s *PositionStore) Remove(mint string) {
	s.mu.Lock()
	delete(s.positions, mint)
	s.mu.Unlock()
}

// Discard deletes a position entirely, memory and disk. Used by phantom
// cleanup when the entry never landed on chain.
func (s *PositionStore) Discard(mint string) {
	s.mu.Lock()
	delete(s.positions, mint)
	s.mu.Unlock()
	if s.db != nil {
		if err := s.db.DeletePosition(mint); err != nil {
			log.Error().Err(err).Str("mint", mint).Msg("position delete failed")
		}
	}
}

// AddPendingVerification queues a signature for the verify sweep
func (s *PositionStore) AddPendingVerification(sig string) {
	s.mu.Lock()
	s.pendingVerify[sig] = time.Now()
	s.mu.Unlock()
}

// RemovePendingVerification drops a signature from the verify queue
func (s *PositionStore) RemovePendingVerification(sig string) {
	s.mu.Lock()
	delete(s.pendingVerify, sig)
	s.mu.Unlock()
}

// PendingVerifications returns queued signatures oldest-first up to limit
func (s *PositionStore) PendingVerifications(limit int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type entry struct {
		sig string
		at  time.Time
	}
	all := make([]entry, 0, len(s.pendingVerify))
	for sig, at := range s.pendingVerify {
		all = append(all, entry{sig, at})
	}
	// Insertion sort; the queue is small
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].at.Before(all[j-1].at); j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]string, len(all))
	for i, e := range all {
		out[i] = e.sig
	}
	return out
}

// ScheduleRetry queues or re-queues a failed swap. One retry slot per mint;
// a newer failure replaces the older one but keeps the attempt count.
func (s *PositionStore) ScheduleRetry(mint, direction string, price float64, delay time.Duration, lastErr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.retryQueue[mint]
	if !ok {
		e = &RetryEntry{Mint: mint, Direction: direction, Price: price}
		s.retryQueue[mint] = e
	}
	e.Direction = direction
	if price > 0 {
		e.Price = price
	}
	e.Attempts++
	e.NextRetry = time.Now().Add(delay)
	e.LastError = lastErr
}

// DueRetries returns copies of retry entries whose time has come
func (s *PositionStore) DueRetries() []RetryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var due []RetryEntry
	for _, e := range s.retryQueue {
		if !e.NextRetry.After(now) {
			due = append(due, *e)
		}
	}
	return due
}

// DropRetry removes a mint from the retry queue
func (s *PositionStore) DropRetry(mint string) {
	s.mu.Lock()
	delete(s.retryQueue, mint)
	s.mu.Unlock()
}

// RetryAttempts reports attempts so far for a mint, 0 if not queued
func (s *PositionStore) RetryAttempts(mint string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.retryQueue[mint]; ok {
		return e.Attempts
	}
	return 0
}

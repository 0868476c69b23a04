// Package monitor tracks submitted transaction signatures through a durable
// state machine until the chain confirms, fails, or loses them. State is
// snapshotted to disk after every transition so a restart resumes mid-flight
// transactions instead of forgetting them.
package monitor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"solana-position-engine/internal/blockchain"
)

// Transaction states. Transitions only move forward:
// Submitted -> Confirmed -> Verified, or Submitted/Confirmed -> Failed,
// or Submitted/Confirmed -> Stuck when nothing more is heard for too long.
type TxState string

const (
	StateSubmitted TxState = "submitted"
	StateConfirmed TxState = "confirmed"
	StateVerified  TxState = "verified"
	StateFailed    TxState = "failed"
	StateStuck     TxState = "stuck"
)

// terminal states never transition again (Stuck can still resolve)
func (s TxState) terminal() bool {
	return s == StateVerified || s == StateFailed
}

// PendingTransaction is one tracked signature
type PendingTransaction struct {
	Signature   string    `json:"signature"`
	Mint        string    `json:"mint"`
	Direction   string    `json:"direction"` // "buy" or "sell"
	State       TxState   `json:"state"`
	SubmittedAt time.Time `json:"submittedAt"`
	ConfirmedAt time.Time `json:"confirmedAt,omitempty"`
	LastChecked time.Time `json:"lastChecked,omitempty"`
	Probes      int       `json:"probes"` // Status checks that found nothing
	Error       string    `json:"error,omitempty"`
}

// StatusReader is the RPC surface the monitor polls
type StatusReader interface {
	GetSignatureStatuses(ctx context.Context, signatures []string) ([]*blockchain.SignatureStatus, error)
}

// Monitor owns the signature table and the polling sweep
type Monitor struct {
	mu      sync.RWMutex
	pending map[string]*PendingTransaction

	rpc          StatusReader
	snapshotPath string
	pollInterval time.Duration
	stuckAfter   time.Duration
	retention    time.Duration

	onConfirmed func(tx PendingTransaction)
	onFailed    func(tx PendingTransaction)
}

func New(rpc StatusReader, snapshotPath string, pollInterval, stuckAfter, retention time.Duration) *Monitor {
	return &Monitor{
		pending:      make(map[string]*PendingTransaction),
		rpc:          rpc,
		snapshotPath: snapshotPath,
		pollInterval: pollInterval,
		stuckAfter:   stuckAfter,
		retention:    retention,
	}
}

// SetOnConfirmed registers the confirmation callback (called outside the lock)
func (m *Monitor) SetOnConfirmed(fn func(tx PendingTransaction)) { m.onConfirmed = fn }

// SetOnFailed registers the failure callback
func (m *Monitor) SetOnFailed(fn func(tx PendingTransaction)) { m.onFailed = fn }

// Track registers a freshly submitted signature
func (m *Monitor) Track(signature, mint, direction string) {
	m.mu.Lock()
	m.pending[signature] = &PendingTransaction{
		Signature:   signature,
		Mint:        mint,
		Direction:   direction,
		State:       StateSubmitted,
		SubmittedAt: time.Now(),
	}
	m.mu.Unlock()
	m.snapshot()

	log.Info().Str("sig", signature).Str("mint", mint).Str("dir", direction).Msg("tracking transaction")
}

// Get returns a copy of the tracked transaction, nil if unknown
func (m *Monitor) Get(signature string) *PendingTransaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.pending[signature]
	if !ok {
		return nil
	}
	cp := *tx
	return &cp
}

// Snapshot returns copies of every tracked transaction
func (m *Monitor) Snapshot() []PendingTransaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PendingTransaction, 0, len(m.pending))
	for _, tx := range m.pending {
		out = append(out, *tx)
	}
	return out
}

// MarkConfirmed records a push-delivered confirmation (websocket fast path)
func (m *Monitor) MarkConfirmed(signature string) {
	m.transition(signature, StateConfirmed, "")
}

// MarkVerified records that the verifier reconciled this signature
func (m *Monitor) MarkVerified(signature string) {
	m.transition(signature, StateVerified, "")
}

// MarkFailed records a terminal failure for this signature
func (m *Monitor) MarkFailed(signature, reason string) {
	m.transition(signature, StateFailed, reason)
}

func (m *Monitor) transition(signature string, to TxState, errMsg string) {
	m.mu.Lock()
	tx, ok := m.pending[signature]
	if !ok || tx.State.terminal() {
		m.mu.Unlock()
		return
	}
	from := tx.State
	tx.State = to
	if errMsg != "" {
		tx.Error = errMsg
	}
	if to == StateConfirmed {
		tx.ConfirmedAt = time.Now()
	}
	cp := *tx
	m.mu.Unlock()
	m.snapshot()

	log.Info().
		Str("sig", signature).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("transaction state change")

	switch to {
	case StateConfirmed:
		if m.onConfirmed != nil {
			m.onConfirmed(cp)
		}
	case StateFailed:
		if m.onFailed != nil {
			m.onFailed(cp)
		}
	}
}

// Start runs the polling sweep until ctx is cancelled
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	log.Info().Dur("interval", m.pollInterval).Msg("transaction monitor started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("transaction monitor stopped")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep polls the chain for every non-terminal signature, then prunes
// terminal entries past retention
func (m *Monitor) sweep(ctx context.Context) {
	m.mu.RLock()
	var sigs []string
	for sig, tx := range m.pending {
		if !tx.State.terminal() {
			sigs = append(sigs, sig)
		}
	}
	m.mu.RUnlock()

	if len(sigs) > 0 {
		statuses, err := m.rpc.GetSignatureStatuses(ctx, sigs)
		if err != nil {
			log.Warn().Err(err).Msg("signature status poll failed")
		} else {
			for i, sig := range sigs {
				var st *blockchain.SignatureStatus
				if i < len(statuses) {
					st = statuses[i]
				}
				m.applyStatus(sig, st)
			}
		}
	}

	m.prune()
}

func (m *Monitor) applyStatus(signature string, st *blockchain.SignatureStatus) {
	m.mu.Lock()
	tx, ok := m.pending[signature]
	if !ok || tx.State.terminal() {
		m.mu.Unlock()
		return
	}
	tx.LastChecked = time.Now()
	state := tx.State
	confirmedAt := tx.ConfirmedAt
	// A submitted tx counts idle time from submission; a confirmed one
	// from confirmation, waiting on the verifier
	idleSince := tx.SubmittedAt
	if state == StateConfirmed {
		idleSince = confirmedAt
	}
	if st == nil {
		tx.Probes++
	}
	m.mu.Unlock()

	if st != nil && st.Err != nil {
		m.transition(signature, StateFailed, "on-chain execution error")
		return
	}

	// Stuck covers both legs: a submitted tx the chain never heard of
	// (blockhash expired, will never land), and a confirmed tx whose
	// verification never settles
	idleTooLong := state != StateStuck && time.Since(idleSince) >= m.stuckAfter
	if idleTooLong && (st == nil || state == StateConfirmed) {
		m.transition(signature, StateStuck, "")
		log.Warn().Str("sig", signature).Str("was", string(state)).Msg("transaction stuck")
		return
	}

	if st == nil || state == StateConfirmed {
		return
	}
	if st.ConfirmationStatus == "confirmed" || st.ConfirmationStatus == "finalized" {
		// A stuck entry that was already confirmed once stays stuck; the
		// status reporting "confirmed" again is old news
		if state == StateStuck && !confirmedAt.IsZero() {
			return
		}
		m.transition(signature, StateConfirmed, "")
	}
}

// prune drops terminal and stuck entries older than retention
func (m *Monitor) prune() {
	m.mu.Lock()
	changed := false
	cutoff := time.Now().Add(-m.retention)
	for sig, tx := range m.pending {
		if (tx.State.terminal() || tx.State == StateStuck) && tx.SubmittedAt.Before(cutoff) {
			delete(m.pending, sig)
			changed = true
		}
	}
	m.mu.Unlock()
	if changed {
		m.snapshot()
	}
}

// WaitForCompletion blocks until the signature reaches Confirmed or beyond,
// fails, sticks, or the timeout lapses. The signature keeps being monitored
// after a timeout; the chain does not care that the caller stopped waiting.
func (m *Monitor) WaitForCompletion(ctx context.Context, signature string, timeout time.Duration) (TxState, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			tx := m.Get(signature)
			if tx == nil {
				return "", context.DeadlineExceeded
			}
			return tx.State, context.DeadlineExceeded
		case <-tick.C:
			tx := m.Get(signature)
			if tx == nil {
				continue
			}
			switch tx.State {
			case StateConfirmed, StateVerified, StateFailed, StateStuck:
				return tx.State, nil
			}
		}
	}
}

// snapshotFile is the on-disk shape
type snapshotFile struct {
	SavedAt time.Time             `json:"savedAt"`
	Pending []*PendingTransaction `json:"pending"`
}

// snapshot writes the table atomically: temp file in the same directory,
// then rename
func (m *Monitor) snapshot() {
	if m.snapshotPath == "" {
		return
	}

	m.mu.RLock()
	file := snapshotFile{SavedAt: time.Now(), Pending: make([]*PendingTransaction, 0, len(m.pending))}
	for _, tx := range m.pending {
		cp := *tx
		file.Pending = append(file.Pending, &cp)
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("snapshot marshal failed")
		return
	}

	dir := filepath.Dir(m.snapshotPath)
	tmp, err := os.CreateTemp(dir, ".txmonitor-*.tmp")
	if err != nil {
		log.Error().Err(err).Msg("snapshot temp file failed")
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		log.Error().Err(err).Msg("snapshot write failed")
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		log.Error().Err(err).Msg("snapshot close failed")
		return
	}
	if err := os.Rename(tmpName, m.snapshotPath); err != nil {
		os.Remove(tmpName)
		log.Error().Err(err).Msg("snapshot rename failed")
	}
}

// Load restores the table from disk. A missing file is a clean start; a
// corrupt file is logged and ignored rather than blocking startup.
func (m *Monitor) Load() error {
	data, err := os.ReadFile(m.snapshotPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("corrupt monitor snapshot, starting fresh")
		return nil
	}

	m.mu.Lock()
	restored := 0
	for _, tx := range file.Pending {
		if tx.Signature == "" {
			continue
		}
		m.pending[tx.Signature] = tx
		restored++
	}
	m.mu.Unlock()

	log.Info().Int("restored", restored).Msg("monitor snapshot loaded")
	return nil
}

package monitor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"solana-position-engine/internal/blockchain"
)

type fakeStatuses struct {
	mu       sync.Mutex
	statuses map[string]*blockchain.SignatureStatus
	err      error
}

func (f *fakeStatuses) GetSignatureStatuses(_ context.Context, sigs []string) ([]*blockchain.SignatureStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]*blockchain.SignatureStatus, len(sigs))
	for i, sig := range sigs {
		out[i] = f.statuses[sig]
	}
	return out, nil
}

func (f *fakeStatuses) set(sig string, st *blockchain.SignatureStatus) {
	f.mu.Lock()
	f.statuses[sig] = st
	f.mu.Unlock()
}

func newTestMonitor(t *testing.T) (*Monitor, *fakeStatuses) {
	t.Helper()
	rpc := &fakeStatuses{statuses: map[string]*blockchain.SignatureStatus{}}
	path := filepath.Join(t.TempDir(), "pending.json")
	return New(rpc, path, 50*time.Millisecond, 90*time.Second, time.Hour), rpc
}

func TestTrackAndProgress(t *testing.T) {
	m, rpc := newTestMonitor(t)
	m.Track("sig1", "MintA", "buy")

	tx := m.Get("sig1")
	if tx == nil || tx.State != StateSubmitted {
		t.Fatalf("tracked tx = %+v", tx)
	}

	rpc.set("sig1", &blockchain.SignatureStatus{ConfirmationStatus: "confirmed"})
	m.sweep(context.Background())

	if got := m.Get("sig1").State; got != StateConfirmed {
		t.Errorf("state = %q, want confirmed", got)
	}

	m.MarkVerified("sig1")
	if got := m.Get("sig1").State; got != StateVerified {
		t.Errorf("state = %q, want verified", got)
	}
}

func TestTerminalStatesAreSticky(t *testing.T) {
	m, _ := newTestMonitor(t)
	m.Track("sig1", "MintA", "buy")
	m.MarkFailed("sig1", "blockhash expired")

	m.MarkConfirmed("sig1")
	m.MarkVerified("sig1")

	tx := m.Get("sig1")
	if tx.State != StateFailed {
		t.Errorf("state = %q, terminal failure was overwritten", tx.State)
	}
	if tx.Error != "blockhash expired" {
		t.Errorf("error = %q", tx.Error)
	}
}

func TestFailedStatusFromChain(t *testing.T) {
	m, rpc := newTestMonitor(t)

	var failed []string
	m.SetOnFailed(func(tx PendingTransaction) { failed = append(failed, tx.Signature) })

	m.Track("sig1", "MintA", "sell")
	rpc.set("sig1", &blockchain.SignatureStatus{
		ConfirmationStatus: "confirmed",
		Err:                map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}},
	})
	m.sweep(context.Background())

	if got := m.Get("sig1").State; got != StateFailed {
		t.Errorf("state = %q, want failed", got)
	}
	if len(failed) != 1 || failed[0] != "sig1" {
		t.Errorf("failure callback got %v", failed)
	}
}

func TestConfirmCallbackFires(t *testing.T) {
	m, rpc := newTestMonitor(t)

	var confirmed []PendingTransaction
	m.SetOnConfirmed(func(tx PendingTransaction) { confirmed = append(confirmed, tx) })

	m.Track("sig1", "MintA", "buy")
	rpc.set("sig1", &blockchain.SignatureStatus{ConfirmationStatus: "finalized"})
	m.sweep(context.Background())

	if len(confirmed) != 1 {
		t.Fatalf("callback fired %d times, want 1", len(confirmed))
	}
	if confirmed[0].Mint != "MintA" || confirmed[0].Direction != "buy" {
		t.Errorf("callback payload = %+v", confirmed[0])
	}
	if confirmed[0].ConfirmedAt.IsZero() {
		t.Error("ConfirmedAt not stamped")
	}
}

func TestUnknownSignatureProbesThenStuck(t *testing.T) {
	rpc := &fakeStatuses{statuses: map[string]*blockchain.SignatureStatus{}}
	path := filepath.Join(t.TempDir(), "pending.json")
	// stuckAfter of zero: the first empty probe marks it stuck
	m := New(rpc, path, 50*time.Millisecond, 0, time.Hour)

	m.Track("sig1", "MintA", "buy")
	m.sweep(context.Background())

	tx := m.Get("sig1")
	if tx.State != StateStuck {
		t.Errorf("state = %q, want stuck", tx.State)
	}
	if tx.Probes != 1 {
		t.Errorf("probes = %d, want 1", tx.Probes)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	rpc := &fakeStatuses{statuses: map[string]*blockchain.SignatureStatus{}}
	path := filepath.Join(t.TempDir(), "pending.json")

	m := New(rpc, path, 50*time.Millisecond, 90*time.Second, time.Hour)
	m.Track("sig1", "MintA", "buy")
	m.Track("sig2", "MintB", "sell")
	m.MarkConfirmed("sig2")

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}

	restored := New(rpc, path, 50*time.Millisecond, 90*time.Second, time.Hour)
	if err := restored.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	if tx := restored.Get("sig1"); tx == nil || tx.State != StateSubmitted {
		t.Errorf("sig1 = %+v", tx)
	}
	if tx := restored.Get("sig2"); tx == nil || tx.State != StateConfirmed {
		t.Errorf("sig2 = %+v", tx)
	}
}

func TestLoadMissingFileIsClean(t *testing.T) {
	m, _ := newTestMonitor(t)
	if err := m.Load(); err != nil {
		t.Errorf("missing snapshot should not error: %v", err)
	}
}

func TestLoadCorruptFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := New(nil, path, 50*time.Millisecond, 90*time.Second, time.Hour)
	if err := m.Load(); err != nil {
		t.Errorf("corrupt snapshot should not error: %v", err)
	}
	if got := len(m.Snapshot()); got != 0 {
		t.Errorf("restored %d entries from garbage", got)
	}
}

func TestPruneDropsOldTerminal(t *testing.T) {
	rpc := &fakeStatuses{statuses: map[string]*blockchain.SignatureStatus{}}
	path := filepath.Join(t.TempDir(), "pending.json")
	m := New(rpc, path, 50*time.Millisecond, 90*time.Second, 0) // Zero retention

	m.Track("sigDone", "MintA", "buy")
	m.MarkFailed("sigDone", "x")
	m.Track("sigLive", "MintB", "buy")

	m.prune()

	if m.Get("sigDone") != nil {
		t.Error("terminal entry survived pruning")
	}
	if m.Get("sigLive") == nil {
		t.Error("live entry pruned")
	}
}

func TestWaitForCompletion(t *testing.T) {
	m, _ := newTestMonitor(t)
	m.Track("sig1", "MintA", "buy")

	go func() {
		time.Sleep(700 * time.Millisecond)
		m.MarkConfirmed("sig1")
	}()

	state, err := m.WaitForCompletion(context.Background(), "sig1", 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if state != StateConfirmed {
		t.Errorf("state = %q, want confirmed", state)
	}
}

func TestWaitForCompletionTimeout(t *testing.T) {
	m, _ := newTestMonitor(t)
	m.Track("sig1", "MintA", "buy")

	state, err := m.WaitForCompletion(context.Background(), "sig1", 100*time.Millisecond)
	if err != context.DeadlineExceeded {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if state != StateSubmitted {
		t.Errorf("state = %q, want submitted", state)
	}
}

func TestConfirmedNeverVerifiedGoesStuck(t *testing.T) {
	rpc := &fakeStatuses{statuses: map[string]*blockchain.SignatureStatus{}}
	m := New(rpc, "", 50*time.Millisecond, 0, time.Hour)

	var confirms int
	m.SetOnConfirmed(func(PendingTransaction) { confirms++ })

	m.Track("sig1", "MintA", "buy")
	rpc.set("sig1", &blockchain.SignatureStatus{ConfirmationStatus: "confirmed"})
	m.sweep(context.Background())

	tx := m.Get("sig1")
	if tx.State != StateConfirmed {
		t.Fatalf("state = %q, want confirmed", tx.State)
	}
	confirmedAt := tx.ConfirmedAt

	// The verifier never settles this one; further sweeps must not replay
	// the confirmation, and past the stuck window the entry goes stuck
	m.sweep(context.Background())
	m.sweep(context.Background())

	if confirms != 1 {
		t.Errorf("onConfirmed fired %d times, want 1", confirms)
	}
	tx = m.Get("sig1")
	if tx.State != StateStuck {
		t.Errorf("state = %q, want stuck", tx.State)
	}
	if !tx.ConfirmedAt.Equal(confirmedAt) {
		t.Error("confirmation timestamp was re-stamped")
	}
}

func TestStuckConfirmedGetsPruned(t *testing.T) {
	rpc := &fakeStatuses{statuses: map[string]*blockchain.SignatureStatus{}}
	m := New(rpc, "", 50*time.Millisecond, 0, 0)

	m.Track("sig1", "MintA", "buy")
	rpc.set("sig1", &blockchain.SignatureStatus{ConfirmationStatus: "confirmed"})

	m.sweep(context.Background()) // confirms
	m.sweep(context.Background()) // sticks, then prunes

	if m.Get("sig1") != nil {
		t.Error("stuck confirmed entry survived pruning")
	}
}

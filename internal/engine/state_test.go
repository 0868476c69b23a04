package engine

import (
	"errors"
	"testing"
	"time"
)

func TestStoreGetReturnsCopy(t *testing.T) {
	s := NewPositionStore(nil)
	s.Put(&Position{Mint: "MintA", Status: StatusOpen, EntryPrice: 1.0})

	got := s.Get("MintA")
	got.EntryPrice = 99

	if s.Get("MintA").EntryPrice != 1.0 {
		t.Error("Get leaked internal state")
	}
}

func TestOpenCountIgnoresClosed(t *testing.T) {
	s := NewPositionStore(nil)
	s.Put(&Position{Mint: "MintA", Status: StatusOpen})
	s.Put(&Position{Mint: "MintB", Status: StatusClosed})

	if s.OpenCount() != 1 {
		t.Errorf("open count = %d, want 1", s.OpenCount())
	}
	if !s.HasOpen("MintA") {
		t.Error("MintA should count as open")
	}
	if s.HasOpen("MintB") {
		t.Error("closed MintB should not count as open")
	}
}

func TestFindBySignature(t *testing.T) {
	s := NewPositionStore(nil)
	s.Put(&Position{Mint: "MintA", Status: StatusClosed, EntryTxSig: "sigIn", ExitTxSig: "sigOut"})

	pos, isExit, found := s.FindBySignature("sigIn")
	if !found || isExit || pos.Mint != "MintA" {
		t.Errorf("entry lookup: pos=%v isExit=%v found=%v", pos, isExit, found)
	}
	pos, isExit, found = s.FindBySignature("sigOut")
	if !found || !isExit {
		t.Errorf("exit lookup: isExit=%v found=%v", isExit, found)
	}
	if _, _, found = s.FindBySignature("unknown"); found {
		t.Error("unknown signature reported found")
	}
}

func TestPendingVerificationOrder(t *testing.T) {
	s := NewPositionStore(nil)

	base := time.Now()
	s.pendingVerify["sigC"] = base.Add(2 * time.Second)
	s.pendingVerify["sigA"] = base
	s.pendingVerify["sigB"] = base.Add(time.Second)

	got := s.PendingVerifications(0)
	want := []string{"sigA", "sigB", "sigC"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}

	if got := s.PendingVerifications(2); len(got) != 2 || got[1] != "sigB" {
		t.Errorf("limited batch = %v, want [sigA sigB]", got)
	}
}

func TestRetryScheduling(t *testing.T) {
	s := NewPositionStore(nil)

	s.ScheduleRetry("MintA", "sell", 0.002, time.Minute, "rpc timeout")
	s.ScheduleRetry("MintA", "sell", 0.0021, time.Minute, "rpc timeout again")

	if got := s.RetryAttempts("MintA"); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}

	// Nothing due yet
	if due := s.DueRetries(); len(due) != 0 {
		t.Errorf("premature due list: %v", due)
	}

	// Re-queue with no delay and a zero price; price must survive
	s.ScheduleRetry("MintA", "sell", 0, 0, "still failing")
	due := s.DueRetries()
	if len(due) != 1 {
		t.Fatalf("due = %v, want one entry", due)
	}
	if due[0].Price != 0.0021 {
		t.Errorf("price = %v, want last non-zero 0.0021", due[0].Price)
	}
	if due[0].Attempts != 3 {
		t.Errorf("attempts = %d, want 3", due[0].Attempts)
	}

	s.DropRetry("MintA")
	if s.RetryAttempts("MintA") != 0 {
		t.Error("retry not dropped")
	}
}

func TestUpdateMissing(t *testing.T) {
	s := NewPositionStore(nil)
	err := s.Update("NoSuch", func(p *Position) {})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestDiscardRemovesFromMemory(t *testing.T) {
	s := NewPositionStore(nil)
	s.Put(&Position{Mint: "MintA", Status: StatusOpen})
	s.Discard("MintA")
	if s.Get("MintA") != nil {
		t.Error("position survived discard")
	}
}

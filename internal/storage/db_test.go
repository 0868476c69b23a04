package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func samplePosition(mint string) *PositionRecord {
	now := time.Now().Unix()
	return &PositionRecord{
		Mint:       mint,
		TokenName:  "TEST",
		Size:       0.5,
		EntryPrice: 0.001,
		EntryTxSig: "entrySig-" + mint,
		Status:     "open",
		FirstSeen:  now,
		OpenedAt:   now,
		UpdatedAt:  now,
	}
}

func TestSaveAndGetPosition(t *testing.T) {
	db := newTestDB(t)

	if err := db.SavePosition(samplePosition("MintA")); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := db.GetPosition("MintA")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("position not found")
	}
	if got.Size != 0.5 || got.EntryPrice != 0.001 || got.Status != "open" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestGetPositionMissing(t *testing.T) {
	db := newTestDB(t)
	got, err := db.GetPosition("NoSuch")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing mint, got %+v", got)
	}
}

func TestSaveReplacesExisting(t *testing.T) {
	db := newTestDB(t)

	p := samplePosition("MintA")
	if err := db.SavePosition(p); err != nil {
		t.Fatal(err)
	}

	p.Status = "closed"
	p.ExitPrice = 0.002
	p.ExitTxSig = "exitSig"
	p.CloseReason = "take-profit"
	if err := db.SavePosition(p); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetPosition("MintA")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "closed" || got.ExitPrice != 0.002 || got.CloseReason != "take-profit" {
		t.Errorf("update lost: %+v", got)
	}

	open, err := db.GetOpenPositions()
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Errorf("closed position still listed as open: %v", open)
	}
}

func TestDeletePosition(t *testing.T) {
	db := newTestDB(t)
	if err := db.SavePosition(samplePosition("MintA")); err != nil {
		t.Fatal(err)
	}
	if err := db.DeletePosition("MintA"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := db.GetPosition("MintA")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("position survived delete")
	}
}

func TestLoadAllPositions(t *testing.T) {
	db := newTestDB(t)
	for _, mint := range []string{"MintA", "MintB", "MintC"} {
		if err := db.SavePosition(samplePosition(mint)); err != nil {
			t.Fatal(err)
		}
	}
	all, err := db.LoadAllPositions()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("loaded %d positions, want 3", len(all))
	}
}

func TestTradesAndStats(t *testing.T) {
	db := newTestDB(t)

	trades := []*TradeRecord{
		{Mint: "MintA", Size: 0.5, EntryPrice: 0.001, ExitPrice: 0.002, GrossPnL: 0.5, NetPnL: 0.48, PnLPercent: 96, Fees: 0.02, Duration: 300, EntryTxSig: "e1", ExitTxSig: "x1", Reason: "take-profit", Timestamp: time.Now().Unix()},
		{Mint: "MintB", Size: 0.5, EntryPrice: 0.001, ExitPrice: 0.0008, GrossPnL: -0.1, NetPnL: -0.12, PnLPercent: -24, Fees: 0.02, Duration: 120, EntryTxSig: "e2", ExitTxSig: "x2", Reason: "stop-loss", Timestamp: time.Now().Unix()},
	}
	for _, tr := range trades {
		if err := db.InsertTrade(tr); err != nil {
			t.Fatalf("insert trade: %v", err)
		}
	}

	recent, err := db.GetRecentTrades(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d trades, want 2", len(recent))
	}

	total, winRate, totalPnL, err := db.GetTradingStats()
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
	if winRate != 50 {
		t.Errorf("win rate = %v, want 50", winRate)
	}
	if diff := totalPnL - 0.36; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("total pnl = %v, want 0.36", totalPnL)
	}
}

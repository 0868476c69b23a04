package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsFillGaps(t *testing.T) {
	path := writeConfig(t, `
rpc:
  primary_url: "https://rpc.example.com"
`)
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	cfg := m.Get()
	if cfg.Engine.MaxOpenPositions != 5 {
		t.Errorf("max open = %d, want default 5", cfg.Engine.MaxOpenPositions)
	}
	if cfg.Engine.OpenCooldownSeconds != 5 {
		t.Errorf("open cooldown = %d, want default 5", cfg.Engine.OpenCooldownSeconds)
	}
	if cfg.Engine.ReentrySeconds != 60 {
		t.Errorf("reentry = %d, want default 60", cfg.Engine.ReentrySeconds)
	}
	if cfg.Wallet.BaseMint != "So11111111111111111111111111111111111111112" {
		t.Errorf("base mint = %q", cfg.Wallet.BaseMint)
	}
	want := []int{100, 300, 500, 1000}
	if len(cfg.Engine.SlippageLadderBps) != len(want) {
		t.Fatalf("ladder = %v, want %v", cfg.Engine.SlippageLadderBps, want)
	}
	for i := range want {
		if cfg.Engine.SlippageLadderBps[i] != want[i] {
			t.Errorf("ladder[%d] = %d, want %d", i, cfg.Engine.SlippageLadderBps[i], want[i])
		}
	}
	if cfg.Storage.SQLitePath == "" {
		t.Error("sqlite path empty")
	}
}

func TestExplicitValuesWin(t *testing.T) {
	path := writeConfig(t, `
engine:
  max_open_positions: 2
  open_cooldown_seconds: 10
  slippage_ladder_bps: [50, 150]
monitor:
  snapshot_path: "/tmp/pending.json"
`)
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	cfg := m.Get()
	if cfg.Engine.MaxOpenPositions != 2 {
		t.Errorf("max open = %d, want 2", cfg.Engine.MaxOpenPositions)
	}
	if cfg.Engine.OpenCooldownSeconds != 10 {
		t.Errorf("open cooldown = %d, want 10", cfg.Engine.OpenCooldownSeconds)
	}
	if len(cfg.Engine.SlippageLadderBps) != 2 || cfg.Engine.SlippageLadderBps[0] != 50 {
		t.Errorf("ladder = %v, want [50 150]", cfg.Engine.SlippageLadderBps)
	}
	if cfg.Monitor.SnapshotPath != "/tmp/pending.json" {
		t.Errorf("snapshot path = %q", cfg.Monitor.SnapshotPath)
	}
}

func TestMissingFileFails(t *testing.T) {
	if _, err := NewManager(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestPrivateKeyFromEnv(t *testing.T) {
	path := writeConfig(t, `
wallet:
  private_key_env: "TEST_ENGINE_PK"
`)
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	t.Setenv("TEST_ENGINE_PK", "secret-key-material")
	if got := m.GetPrivateKey(); got != "secret-key-material" {
		t.Errorf("private key = %q", got)
	}
}

func TestRPCURLKeyInjection(t *testing.T) {
	path := writeConfig(t, `
rpc:
  primary_url: "https://rpc.example.com"
  primary_api_key_env: "TEST_RPC_KEY"
  fallback_url: "https://mainnet.helius-rpc.com"
  fallback_api_key_env: "TEST_HELIUS_KEY"
`)
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// No keys in env: bare URLs
	if got := m.GetPrimaryRPCURL(); got != "https://rpc.example.com" {
		t.Errorf("primary = %q", got)
	}

	t.Setenv("TEST_RPC_KEY", "k1")
	t.Setenv("TEST_HELIUS_KEY", "k2")
	if got := m.GetPrimaryRPCURL(); got != "https://rpc.example.com?api_key=k1" {
		t.Errorf("primary with key = %q", got)
	}
	// Helius uses a dashed param name
	if got := m.GetFallbackRPCURL(); got != "https://mainnet.helius-rpc.com?api-key=k2" {
		t.Errorf("fallback with key = %q", got)
	}
}

package config

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all engine configuration
type Config struct {
	Wallet     WalletConfig     `mapstructure:"wallet"`
	RPC        RPCConfig        `mapstructure:"rpc"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Fees       FeesConfig       `mapstructure:"fees"`
	Jupiter    JupiterConfig    `mapstructure:"jupiter"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Server     ServerConfig     `mapstructure:"server"`
	Blockchain BlockchainConfig `mapstructure:"blockchain"`
	Storage    StorageConfig    `mapstructure:"storage"`
	WebSocket  WebSocketConfig  `mapstructure:"websocket"`
}

type WalletConfig struct {
	PrivateKeyEnv string `mapstructure:"private_key_env"`
	BaseMint      string `mapstructure:"base_mint"`
	KeyCacheDir   string `mapstructure:"key_cache_dir"`
}

type RPCConfig struct {
	PrimaryURL        string `mapstructure:"primary_url"`
	PrimaryAPIKeyEnv  string `mapstructure:"primary_api_key_env"`
	FallbackURL       string `mapstructure:"fallback_url"`
	FallbackAPIKeyEnv string `mapstructure:"fallback_api_key_env"`
}

// EngineConfig governs the position lifecycle controller.
type EngineConfig struct {
	MaxOpenPositions     int     `mapstructure:"max_open_positions"`
	MaxAllocPercent      float64 `mapstructure:"max_alloc_percent"`
	OpenCooldownSeconds  int     `mapstructure:"open_cooldown_seconds"`
	ReentrySeconds       int     `mapstructure:"reentry_cooldown_seconds"`
	DedupWindowSeconds   int     `mapstructure:"dedup_window_seconds"`
	SwapTimeoutSeconds   int     `mapstructure:"swap_timeout_seconds"`
	SlippageLadderBps    []int   `mapstructure:"slippage_ladder_bps"`
	TrackMinDeltaPercent float64 `mapstructure:"track_min_delta_percent"`
	TrackMinSeconds      int     `mapstructure:"track_min_seconds"`
}

type FeesConfig struct {
	StaticPriorityFeeSol float64 `mapstructure:"static_priority_fee_sol"`
	StaticGasFeeSol      float64 `mapstructure:"static_gas_fee_sol"`
}

type JupiterConfig struct {
	QuoteAPIURL    string   `mapstructure:"quote_api_url"`
	SlippageBps    int      `mapstructure:"slippage_bps"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	APIKeys        []string `mapstructure:"api_keys"`
}

// MonitorConfig governs the durable signature state machine.
type MonitorConfig struct {
	PollSeconds      int    `mapstructure:"poll_seconds"`
	StuckSeconds     int    `mapstructure:"stuck_seconds"`
	RetentionSeconds int    `mapstructure:"retention_seconds"`
	SnapshotPath     string `mapstructure:"snapshot_path"`
}

// ReconcileConfig governs the three background reconciliation loops.
type ReconcileConfig struct {
	VerifySweepSeconds  int `mapstructure:"verify_sweep_seconds"`
	VerifyBatchSize     int `mapstructure:"verify_batch_size"`
	PhantomSweepSeconds int `mapstructure:"phantom_sweep_seconds"`
	PhantomMinAgeSec    int `mapstructure:"phantom_min_age_seconds"`
	PhantomGraceSec     int `mapstructure:"phantom_grace_seconds"`
	RetrySweepSeconds   int `mapstructure:"retry_sweep_seconds"`
	RetryDelaySeconds   int `mapstructure:"retry_delay_seconds"`
	RetryMaxAttempts    int `mapstructure:"retry_max_attempts"`
}

type ServerConfig struct {
	ListenHost string `mapstructure:"listen_host"`
	ListenPort int    `mapstructure:"listen_port"`
}

type BlockchainConfig struct {
	BlockhashRefreshMs    int `mapstructure:"blockhash_refresh_ms"`
	BlockhashTTLSeconds   int `mapstructure:"blockhash_ttl_seconds"`
	BalanceRefreshSeconds int `mapstructure:"balance_refresh_seconds"`
}

type StorageConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

type WebSocketConfig struct {
	URL              string `mapstructure:"url"`
	ReconnectDelayMs int    `mapstructure:"reconnect_delay_ms"`
	PingIntervalMs   int    `mapstructure:"ping_interval_ms"`
}

// Manager handles config loading and hot-reload
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	viper    *viper.Viper
	onChange func(*Config)
}

// NewManager creates a new config manager
func NewManager(configPath string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Set Defaults (Hardening)
	v.SetDefault("wallet.private_key_env", "WALLET_PRIVATE_KEY")
	v.SetDefault("wallet.base_mint", "So11111111111111111111111111111111111111112")
	v.SetDefault("wallet.key_cache_dir", "./data")
	v.SetDefault("rpc.primary_api_key_env", "RPC_API_KEY")
	v.SetDefault("rpc.fallback_api_key_env", "HELIUS_API_KEY")
	v.SetDefault("rpc.fallback_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("engine.max_open_positions", 5)
	v.SetDefault("engine.max_alloc_percent", 10.0)
	v.SetDefault("engine.open_cooldown_seconds", 5)
	v.SetDefault("engine.reentry_cooldown_seconds", 60)
	v.SetDefault("engine.dedup_window_seconds", 30)
	v.SetDefault("engine.swap_timeout_seconds", 20)
	v.SetDefault("engine.slippage_ladder_bps", []int{100, 300, 500, 1000})
	v.SetDefault("engine.track_min_delta_percent", 1.0)
	v.SetDefault("engine.track_min_seconds", 30)
	v.SetDefault("jupiter.quote_api_url", "https://quote-api.jup.ag/v6/quote")
	v.SetDefault("jupiter.slippage_bps", 500) // 5%
	v.SetDefault("jupiter.timeout_seconds", 10)
	v.SetDefault("monitor.poll_seconds", 10)
	v.SetDefault("monitor.stuck_seconds", 180)
	v.SetDefault("monitor.retention_seconds", 3600)
	v.SetDefault("monitor.snapshot_path", "./data/pending_tx.json")
	v.SetDefault("reconcile.verify_sweep_seconds", 30)
	v.SetDefault("reconcile.verify_batch_size", 20)
	v.SetDefault("reconcile.phantom_sweep_seconds", 60)
	v.SetDefault("reconcile.phantom_min_age_seconds", 120)
	v.SetDefault("reconcile.phantom_grace_seconds", 90)
	v.SetDefault("reconcile.retry_sweep_seconds", 120)
	v.SetDefault("reconcile.retry_delay_seconds", 120)
	v.SetDefault("reconcile.retry_max_attempts", 5)
	v.SetDefault("server.listen_host", "127.0.0.1")
	v.SetDefault("server.listen_port", 8080)
	v.SetDefault("blockchain.blockhash_refresh_ms", 100)
	v.SetDefault("blockchain.blockhash_ttl_seconds", 60)
	v.SetDefault("blockchain.balance_refresh_seconds", 5)
	v.SetDefault("storage.sqlite_path", "./data/engine.db")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Manual fallback if unmarshal leaves zero values (double check)
	if cfg.Jupiter.QuoteAPIURL == "" {
		cfg.Jupiter.QuoteAPIURL = "https://quote-api.jup.ag/v6/quote"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "./data/engine.db"
	}
	if len(cfg.Engine.SlippageLadderBps) == 0 {
		cfg.Engine.SlippageLadderBps = []int{100, 300, 500, 1000}
	}

	m := &Manager{
		config: &cfg,
		viper:  v,
	}

	// Watch for config changes
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("config file changed, reloading")
		m.reload()
	})

	return m, nil
}

// Get returns the current config (thread-safe)
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetEngine returns engine config (most frequently accessed)
func (m *Manager) GetEngine() EngineConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Engine
}

// GetReconcile returns reconciliation loop config
func (m *Manager) GetReconcile() ReconcileConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Reconcile
}

// GetMonitor returns transaction monitor config
func (m *Manager) GetMonitor() MonitorConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Monitor
}

// SetOnChange registers a callback for config changes
func (m *Manager) SetOnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Update modifies config values and saves to file
func (m *Manager) Update(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Apply changes
	fn(m.config)

	// Update viper values
	m.viper.Set("engine.max_open_positions", m.config.Engine.MaxOpenPositions)
	m.viper.Set("engine.max_alloc_percent", m.config.Engine.MaxAllocPercent)
	m.viper.Set("engine.open_cooldown_seconds", m.config.Engine.OpenCooldownSeconds)
	m.viper.Set("engine.reentry_cooldown_seconds", m.config.Engine.ReentrySeconds)
	m.viper.Set("fees.static_priority_fee_sol", m.config.Fees.StaticPriorityFeeSol)

	// Write to file
	if err := m.viper.WriteConfig(); err != nil {
		return err
	}

	if m.onChange != nil {
		m.onChange(m.config)
	}

	return nil
}

func (m *Manager) reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal config on reload")
		return
	}

	m.config = &cfg
	if m.onChange != nil {
		m.onChange(&cfg)
	}
}

// GetPrivateKey loads private key from environment
func (m *Manager) GetPrivateKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.Wallet.PrivateKeyEnv)
}

// GetPrimaryAPIKey loads the primary RPC API key from environment
func (m *Manager) GetPrimaryAPIKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.RPC.PrimaryAPIKeyEnv)
}

// GetPrimaryRPCURL returns the full primary RPC URL with API key injected
func (m *Manager) GetPrimaryRPCURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	url := m.config.RPC.PrimaryURL
	key := os.Getenv(m.config.RPC.PrimaryAPIKeyEnv)
	if key == "" {
		return url
	}

	if strings.Contains(url, "?") {
		return url + "&api_key=" + key
	}
	return url + "?api_key=" + key
}

// GetFallbackRPCURL returns the full fallback RPC URL with API key injected
func (m *Manager) GetFallbackRPCURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	url := m.config.RPC.FallbackURL
	key := os.Getenv(m.config.RPC.FallbackAPIKeyEnv)
	if key == "" {
		return url
	}

	// Detect provider param style
	param := "api_key"
	if strings.Contains(url, "helius") {
		param = "api-key"
	}

	if strings.Contains(url, "?") {
		return url + "&" + param + "=" + key
	}
	return url + "?" + param + "=" + key
}

// GetWSURL returns the full WebSocket URL with API key injected
func (m *Manager) GetWSURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	url := m.config.WebSocket.URL
	key := os.Getenv(m.config.RPC.PrimaryAPIKeyEnv)
	if url == "" || key == "" {
		return url
	}

	if strings.Contains(url, "?") {
		return url + "&api_key=" + key
	}
	return url + "?api_key=" + key
}

// GetBlockhashRefresh returns blockhash refresh interval as duration
func (m *Manager) GetBlockhashRefresh() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Blockchain.BlockhashRefreshMs) * time.Millisecond
}

// GetBalanceRefresh returns balance refresh interval as duration
func (m *Manager) GetBalanceRefresh() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Blockchain.BalanceRefreshSeconds) * time.Second
}

// GetSwapTimeout returns the bounded quote/execute timeout
func (m *Manager) GetSwapTimeout() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Engine.SwapTimeoutSeconds) * time.Second
}

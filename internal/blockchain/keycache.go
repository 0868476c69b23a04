package blockchain

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
)

// CachedKeyManager generates and caches throwaway dev wallets. Used only
// when no real key is supplied via the environment, so the engine can run
// against devnet or in dry runs without touching funded keys.
type CachedKeyManager struct {
	keyPath      string
	refreshEvery time.Duration

	mu          sync.RWMutex
	privateKey  []byte
	publicKey   ed25519.PublicKey
	address     string
	lastRefresh time.Time
}

type cachedKeyFile struct {
	PrivateKey  string    `json:"private_key"`
	Address     string    `json:"address"`
	GeneratedAt time.Time `json:"generated_at"`
}

func NewCachedKeyManager(cacheDir string, refreshEvery time.Duration) *CachedKeyManager {
	return &CachedKeyManager{
		keyPath:      filepath.Join(cacheDir, "wallet_cache.json"),
		refreshEvery: refreshEvery,
	}
}

// GetOrGenerate returns the cached wallet, generating and caching a fresh
// keypair if none exists or the cached one has aged out
func (m *CachedKeyManager) GetOrGenerate() (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loadFromCache() {
		log.Info().
			Str("address", m.address).
			Time("generatedAt", m.lastRefresh).
			Msg("dev wallet loaded from cache")
		return m.createWallet()
	}

	if err := m.generateNewKey(); err != nil {
		return nil, err
	}
	if err := m.saveToCache(); err != nil {
		log.Warn().Err(err).Msg("dev wallet cache write failed")
	}

	log.Info().Str("address", m.address).Msg("dev wallet generated")
	return m.createWallet()
}

func (m *CachedKeyManager) GetAddress() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.address
}

// ShouldRefresh reports whether the cached key has outlived its window
func (m *CachedKeyManager) ShouldRefresh() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.lastRefresh) > m.refreshEvery
}

// Refresh rotates to a fresh keypair
func (m *CachedKeyManager) Refresh() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.generateNewKey(); err != nil {
		return err
	}
	if err := m.saveToCache(); err != nil {
		return err
	}

	log.Info().Str("address", m.address).Msg("dev wallet rotated")
	return nil
}

func (m *CachedKeyManager) loadFromCache() bool {
	data, err := os.ReadFile(m.keyPath)
	if err != nil {
		return false
	}

	var cached cachedKeyFile
	if err := json.Unmarshal(data, &cached); err != nil {
		return false
	}
	if time.Since(cached.GeneratedAt) > m.refreshEvery {
		return false
	}

	priv, err := base58.Decode(cached.PrivateKey)
	if err != nil || len(priv) < ed25519.PrivateKeySize {
		return false
	}

	m.privateKey = priv
	m.publicKey = ed25519.PublicKey(priv[32:ed25519.PrivateKeySize])
	m.address = cached.Address
	m.lastRefresh = cached.GeneratedAt
	return true
}

func (m *CachedKeyManager) saveToCache() error {
	if err := os.MkdirAll(filepath.Dir(m.keyPath), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cachedKeyFile{
		PrivateKey:  base58.Encode(m.privateKey),
		Address:     m.address,
		GeneratedAt: m.lastRefresh,
	}, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(m.keyPath, data, 0600)
}

func (m *CachedKeyManager) generateNewKey() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}

	m.publicKey = pub
	m.privateKey = priv
	m.address = base58.Encode(pub)
	m.lastRefresh = time.Now()
	return nil
}

func (m *CachedKeyManager) createWallet() (*Wallet, error) {
	return &Wallet{
		privateKey: m.privateKey,
		publicKey:  m.publicKey,
		address:    m.address,
	}, nil
}

package blockchain

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// blockhashEntry is one fetched blockhash with its expiry anchor
type blockhashEntry struct {
	hash            string
	lastValidHeight uint64
	fetchedAt       time.Time
}

// BlockhashCache keeps a fresh recent blockhash available so transaction
// signing never waits on an RPC round trip. Two buffers rotate: the active
// one serves reads while the refresher fills the standby.
type BlockhashCache struct {
	active  atomic.Pointer[blockhashEntry]
	standby atomic.Pointer[blockhashEntry]

	rpc      *RPCClient
	ttl      time.Duration
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup

	hits   atomic.Int64
	misses atomic.Int64
}

func NewBlockhashCache(rpc *RPCClient, refreshInterval, ttl time.Duration) *BlockhashCache {
	return &BlockhashCache{
		rpc:      rpc,
		interval: refreshInterval,
		ttl:      ttl,
		stopCh:   make(chan struct{}),
	}
}

// Start does one blocking fetch so the cache is never empty, then keeps
// refreshing in the background
func (c *BlockhashCache) Start() error {
	if err := c.refresh(); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.refreshLoop()

	log.Info().
		Dur("interval", c.interval).
		Dur("ttl", c.ttl).
		Msg("blockhash cache started")
	return nil
}

func (c *BlockhashCache) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Get returns a usable blockhash. Only falls back to a synchronous fetch
// when both buffers have aged out, which means the refresher is failing.
func (c *BlockhashCache) Get() (string, error) {
	hash, _, err := c.GetWithHeight()
	return hash, err
}

// GetWithHeight returns the blockhash and its last valid block height
func (c *BlockhashCache) GetWithHeight() (string, uint64, error) {
	if e := c.fresh(c.active.Load()); e != nil {
		c.hits.Add(1)
		return e.hash, e.lastValidHeight, nil
	}
	if e := c.fresh(c.standby.Load()); e != nil {
		c.hits.Add(1)
		return e.hash, e.lastValidHeight, nil
	}

	c.misses.Add(1)
	log.Warn().Msg("blockhash cache stale, fetching inline")
	if err := c.refresh(); err != nil {
		return "", 0, err
	}
	e := c.active.Load()
	return e.hash, e.lastValidHeight, nil
}

func (c *BlockhashCache) fresh(e *blockhashEntry) *blockhashEntry {
	if e == nil || time.Since(e.fetchedAt) >= c.ttl {
		return nil
	}
	return e
}

// Age reports how old the active entry is
func (c *BlockhashCache) Age() time.Duration {
	e := c.active.Load()
	if e == nil {
		return 0
	}
	return time.Since(e.fetchedAt)
}

// HitRate is the percentage of reads served without an inline fetch
func (c *BlockhashCache) HitRate() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 100.0
	}
	return float64(hits) / float64(total) * 100
}

func (c *BlockhashCache) refreshLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.refresh(); err != nil {
				log.Warn().Err(err).Msg("blockhash refresh failed")
			}
		}
	}
}

func (c *BlockhashCache) refresh() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	result, err := c.rpc.GetLatestBlockhash(ctx)
	if err != nil {
		return err
	}

	entry := &blockhashEntry{
		hash:            result.Value.Blockhash,
		lastValidHeight: result.Value.LastValidBlockHeight,
		fetchedAt:       time.Now(),
	}

	// Promote standby, park the new entry there. On first fill both
	// buffers get the new entry.
	if prev := c.standby.Swap(entry); prev != nil {
		c.active.Store(prev)
	}
	if c.active.Load() == nil {
		c.active.Store(entry)
	}

	log.Debug().
		Uint64("height", entry.lastValidHeight).
		Msg("blockhash refreshed")
	return nil
}

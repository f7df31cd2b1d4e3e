package chainstate

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Fetcher is the upstream the cache reads through. *Client implements it.
type Fetcher interface {
	FetchTreasuryConfig(ctx context.Context, contractID string) (*TreasuryConfig, error)
	FetchTip(ctx context.Context) (uint64, error)
}

// Reader is what reducers see: cached reads that always return a usable
// value, falling back to defaults when the upstream is unreachable.
type Reader interface {
	TreasuryConfig(ctx context.Context, contractID string) TreasuryConfig
	BlockHeight(ctx context.Context) uint64
	ObserveHeight(height uint64)
	Invalidate(contractID string)
}

// CacheConfig holds cache TTL and fallback values.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
	// FallbackThreshold is used when the read API is unreachable and no
	// cached value exists. Defaults to 3.
	FallbackThreshold int `yaml:"fallback_threshold"`
	// Deployer is the fallback sole admin.
	Deployer string `yaml:"deployer"`
}

type cachedConfig struct {
	cfg       TreasuryConfig
	fetchedAt time.Time
}

// Cache is a read-through TTL cache over the read-only API. Concurrent
// misses for the same contract are collapsed via singleflight; entries are
// bounded by an LRU since each treasury deployment has its own contract id.
type Cache struct {
	fetcher Fetcher
	cfg     CacheConfig

	entries *lru.Cache[string, cachedConfig]
	group   singleflight.Group

	tipMu        sync.Mutex
	tip          uint64
	tipFetchedAt time.Time

	// observed is the highest block height seen in any delivery: the
	// fallback chain tip when the read API is down.
	observed atomic.Uint64
}

// NewCache creates a read-through cache over fetcher.
func NewCache(fetcher Fetcher, cfg CacheConfig) (*Cache, error) {
	if cfg.TTL == 0 {
		cfg.TTL = 60 * time.Second
	}
	if cfg.FallbackThreshold == 0 {
		cfg.FallbackThreshold = 3
	}
	entries, err := lru.New[string, cachedConfig](64)
	if err != nil {
		return nil, err
	}
	return &Cache{fetcher: fetcher, cfg: cfg, entries: entries}, nil
}

// TreasuryConfig returns the cached treasury configuration, fetching on
// miss or expiry. On upstream failure it serves the stale entry if one
// exists, else the documented fallback (threshold 3, deployer as sole
// admin).
func (c *Cache) TreasuryConfig(ctx context.Context, contractID string) TreasuryConfig {
	if entry, ok := c.entries.Get(contractID); ok && time.Since(entry.fetchedAt) < c.cfg.TTL {
		return entry.cfg
	}

	v, err, _ := c.group.Do(contractID, func() (any, error) {
		cfg, err := c.fetcher.FetchTreasuryConfig(ctx, contractID)
		if err != nil {
			return nil, err
		}
		c.entries.Add(contractID, cachedConfig{cfg: *cfg, fetchedAt: time.Now()})
		return *cfg, nil
	})
	if err == nil {
		return v.(TreasuryConfig)
	}

	slog.Warn("treasury config fetch failed, using fallback",
		"contract", contractID, "error", err)
	if entry, ok := c.entries.Get(contractID); ok {
		return entry.cfg
	}
	return c.fallback()
}

func (c *Cache) fallback() TreasuryConfig {
	cfg := TreasuryConfig{Threshold: c.cfg.FallbackThreshold, Deployer: c.cfg.Deployer}
	if c.cfg.Deployer != "" {
		cfg.Admins = []string{c.cfg.Deployer}
	}
	return cfg
}

// BlockHeight returns the chain tip, cached for the TTL. When the read API
// is unreachable it returns the highest block height observed in any
// delivery, which only ever lags the true tip.
func (c *Cache) BlockHeight(ctx context.Context) uint64 {
	c.tipMu.Lock()
	fresh := time.Since(c.tipFetchedAt) < c.cfg.TTL
	cached := c.tip
	c.tipMu.Unlock()
	if fresh {
		if o := c.observed.Load(); o > cached {
			return o
		}
		return cached
	}

	v, err, _ := c.group.Do("chain-tip", func() (any, error) {
		tip, err := c.fetcher.FetchTip(ctx)
		if err != nil {
			return nil, err
		}
		c.tipMu.Lock()
		c.tip = tip
		c.tipFetchedAt = time.Now()
		c.tipMu.Unlock()
		return tip, nil
	})
	if err != nil {
		slog.Warn("chain tip fetch failed, using observed height", "error", err)
		return c.observed.Load()
	}
	tip := v.(uint64)
	if o := c.observed.Load(); o > tip {
		return o
	}
	return tip
}

// ObserveHeight records a block height seen during ingestion.
func (c *Cache) ObserveHeight(height uint64) {
	for {
		cur := c.observed.Load()
		if height <= cur || c.observed.CompareAndSwap(cur, height) {
			return
		}
	}
}

// Invalidate drops the cached config for a contract, forcing a refetch on
// next read. Called when access-control events change the admin set or
// threshold.
func (c *Cache) Invalidate(contractID string) {
	c.entries.Remove(contractID)
}

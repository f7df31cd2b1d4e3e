package chainstate

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeFetcher struct {
	cfg      *TreasuryConfig
	cfgErr   error
	tip      uint64
	tipErr   error
	cfgCalls int
}

func (f *fakeFetcher) FetchTreasuryConfig(ctx context.Context, contractID string) (*TreasuryConfig, error) {
	f.cfgCalls++
	if f.cfgErr != nil {
		return nil, f.cfgErr
	}
	return f.cfg, nil
}

func (f *fakeFetcher) FetchTip(ctx context.Context) (uint64, error) {
	if f.tipErr != nil {
		return 0, f.tipErr
	}
	return f.tip, nil
}

func TestTreasuryConfigCachedWithinTTL(t *testing.T) {
	fetcher := &fakeFetcher{cfg: &TreasuryConfig{Admins: []string{"alice", "bob"}, Threshold: 2}}
	cache, err := NewCache(fetcher, CacheConfig{TTL: time.Minute})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	first := cache.TreasuryConfig(ctx, "SP1.t")
	second := cache.TreasuryConfig(ctx, "SP1.t")
	if first.Threshold != 2 || second.Threshold != 2 {
		t.Fatalf("unexpected config: %+v / %+v", first, second)
	}
	if fetcher.cfgCalls != 1 {
		t.Fatalf("expected a single upstream fetch, got %d", fetcher.cfgCalls)
	}
}

func TestTreasuryConfigFallbackWhenUnreachable(t *testing.T) {
	fetcher := &fakeFetcher{cfgErr: errors.New("connection refused")}
	cache, err := NewCache(fetcher, CacheConfig{Deployer: "SP1.deployer"})
	if err != nil {
		t.Fatal(err)
	}

	cfg := cache.TreasuryConfig(context.Background(), "SP1.t")
	if cfg.Threshold != 3 {
		t.Fatalf("expected fallback threshold 3, got %d", cfg.Threshold)
	}
	if len(cfg.Admins) != 1 || cfg.Admins[0] != "SP1.deployer" {
		t.Fatalf("expected deployer as sole admin, got %v", cfg.Admins)
	}
}

func TestTreasuryConfigServesStaleOnFailure(t *testing.T) {
	fetcher := &fakeFetcher{cfg: &TreasuryConfig{Admins: []string{"alice"}, Threshold: 1}}
	cache, err := NewCache(fetcher, CacheConfig{TTL: time.Nanosecond})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	cache.TreasuryConfig(ctx, "SP1.t")
	time.Sleep(time.Millisecond)
	fetcher.cfgErr = errors.New("upstream down")

	cfg := cache.TreasuryConfig(ctx, "SP1.t")
	if cfg.Threshold != 1 {
		t.Fatalf("expected stale entry served, got %+v", cfg)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	fetcher := &fakeFetcher{cfg: &TreasuryConfig{Threshold: 2}}
	cache, err := NewCache(fetcher, CacheConfig{TTL: time.Minute})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	cache.TreasuryConfig(ctx, "SP1.t")
	cache.Invalidate("SP1.t")
	fetcher.cfg = &TreasuryConfig{Threshold: 4}

	cfg := cache.TreasuryConfig(ctx, "SP1.t")
	if cfg.Threshold != 4 || fetcher.cfgCalls != 2 {
		t.Fatalf("expected refetch after invalidation, got %+v calls=%d", cfg, fetcher.cfgCalls)
	}
}

func TestBlockHeightFallsBackToObserved(t *testing.T) {
	fetcher := &fakeFetcher{tipErr: errors.New("upstream down")}
	cache, err := NewCache(fetcher, CacheConfig{TTL: time.Minute})
	if err != nil {
		t.Fatal(err)
	}

	cache.ObserveHeight(120)
	cache.ObserveHeight(110) // stale deliveries never lower the watermark

	if got := cache.BlockHeight(context.Background()); got != 120 {
		t.Fatalf("expected observed high-water mark 120, got %d", got)
	}
}

func TestBlockHeightPrefersNewerObservation(t *testing.T) {
	fetcher := &fakeFetcher{tip: 100}
	cache, err := NewCache(fetcher, CacheConfig{TTL: time.Minute})
	if err != nil {
		t.Fatal(err)
	}

	// A delivery can be ahead of the read API's cached tip.
	cache.ObserveHeight(105)
	if got := cache.BlockHeight(context.Background()); got != 105 {
		t.Fatalf("expected observed 105 over tip 100, got %d", got)
	}
}

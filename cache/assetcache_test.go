package cache

import (
	"testing"
	"time"

	"github.com/livepeer/listing-pipeline/domain"
	"github.com/stretchr/testify/require"
)

func TestCacheKeyStableAcrossFieldOrder(t *testing.T) {
	k1 := CacheKey(KeyFields{Type: domain.AssetRunway, InputFiles: []string{"b.jpg", "a.jpg"}})
	k2 := CacheKey(KeyFields{Type: domain.AssetRunway, InputFiles: []string{"a.jpg", "b.jpg"}})
	require.Equal(t, k1, k2)
}

func TestCacheKeyRoundsMapCoordinates(t *testing.T) {
	c1 := [2]float64{37.4219999, -122.0840001}
	c2 := [2]float64{37.4220004, -122.0839999}
	k1 := CacheKey(KeyFields{Type: domain.AssetMap, Coordinates: &c1})
	k2 := CacheKey(KeyFields{Type: domain.AssetMap, Coordinates: &c2})
	require.Equal(t, k1, k2, "keys within 1e-6 of each other after rounding must collide")
}

func TestCacheKeyDiffersByType(t *testing.T) {
	k1 := CacheKey(KeyFields{Type: domain.AssetRunway, InputFiles: []string{"a.jpg"}})
	k2 := CacheKey(KeyFields{Type: domain.AssetMap, InputFiles: []string{"a.jpg"}})
	require.NotEqual(t, k1, k2)
}

func TestAssetCacheMissReturnsFalse(t *testing.T) {
	c := NewAssetCache()
	_, ok := c.Get(domain.AssetRunway, "missing")
	require.False(t, ok)
}

func TestAssetCachePutThenGet(t *testing.T) {
	c := NewAssetCache()
	c.Put(domain.AssetRunway, "key1", "s3://bucket/clip.mp4", "abc123")

	asset, ok := c.Get(domain.AssetRunway, "key1")
	require.True(t, ok)
	require.Equal(t, "s3://bucket/clip.mp4", asset.Path)
	require.Equal(t, 1, asset.AccessCount)
	require.Equal(t, domain.TierNormal, asset.Tier)
}

func TestAssetCachePromotesToFrequentAfterThreshold(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewAssetCacheWithClock(func() time.Time { return now })
	c.Put(domain.AssetMap, "key1", "s3://bucket/map.mp4", "hash")

	for i := 0; i < domain.FrequentThreshold; i++ {
		asset, ok := c.Get(domain.AssetMap, "key1")
		require.True(t, ok)
		if i < domain.FrequentThreshold-1 {
			require.Equal(t, domain.TierNormal, asset.Tier)
		} else {
			require.Equal(t, domain.TierFrequent, asset.Tier)
		}
	}
}

func TestAssetCacheExpiresNormalTierAfter24Hours(t *testing.T) {
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewAssetCacheWithClock(func() time.Time { return current })
	c.Put(domain.AssetRunway, "key1", "s3://bucket/clip.mp4", "hash")

	current = current.Add(25 * time.Hour)
	_, ok := c.Get(domain.AssetRunway, "key1")
	require.False(t, ok, "entry should have expired after the 24h normal TTL")
}

func TestAssetCacheEvict(t *testing.T) {
	c := NewAssetCache()
	c.Put(domain.AssetRunway, "key1", "path", "hash")
	c.Evict(domain.AssetRunway, "key1")
	_, ok := c.Get(domain.AssetRunway, "key1")
	require.False(t, ok)
}

func TestAssetCacheSweepRemovesExpiredOnly(t *testing.T) {
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewAssetCacheWithClock(func() time.Time { return current })
	c.Put(domain.AssetRunway, "stale", "path1", "hash1")

	current = current.Add(25 * time.Hour)
	c.Put(domain.AssetRunway, "fresh", "path2", "hash2")

	removed := c.Sweep()
	require.Equal(t, 1, removed)

	_, ok := c.Get(domain.AssetRunway, "fresh")
	require.True(t, ok)
}

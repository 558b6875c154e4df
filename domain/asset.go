package domain

import "time"

// AssetType discriminates the kind of cached blob a ProcessedAsset refers to.
type AssetType string

const (
	AssetRunway   AssetType = "runway"
	AssetMap      AssetType = "map"
	AssetWebp     AssetType = "webp"
	AssetTemplate AssetType = "template"
)

// CacheTier determines the TTL and promotion behavior applied to a cache
// entry; see AssetCache.
type CacheTier string

const (
	TierNormal   CacheTier = "normal"
	TierFrequent CacheTier = "frequent"
)

// ProcessedAsset is one entry in the content-addressed asset cache.
type ProcessedAsset struct {
	Type          AssetType
	CacheKey      string
	Path          string
	Hash          string
	SizeBytes     int64
	Timestamp     time.Time
	LastAccessed  time.Time
	AccessCount   int
	Tier          CacheTier
}

// FrequentThreshold is the access-count floor (within the lookback window)
// at which an entry is promoted from TierNormal to TierFrequent.
const FrequentThreshold = 5

// ExpiresAt returns the instant at which this asset's current tier expires.
func (a ProcessedAsset) ExpiresAt(normalTTL, frequentTTL time.Duration) time.Time {
	if a.Tier == TierFrequent {
		return a.Timestamp.Add(frequentTTL)
	}
	return a.Timestamp.Add(normalTTL)
}

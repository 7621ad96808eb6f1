package config

import "time"

// Cache manager config keys.
const (
	KeyCacheSizeBytes          = "cache.size-bytes"
	KeyCacheEvictionFloorBytes = "cache.eviction.floor-bytes"
	KeyCacheEvictionDecayRate  = "cache.eviction.decay-per-second"
	KeyCacheEvictionGrace      = "cache.eviction.grace-period"
	KeyCachePromoteThreshold   = "cache.promote.threshold"
	KeyCachePromoteLookback    = "cache.promote.lookback"
	KeyCacheClaimWaitTimeout   = "cache.claim-wait-timeout"
)

// CacheManagerConfig is the resolved set of cache manager tunables.
type CacheManagerConfig struct {
	// CacheSizeBytes bounds the total size of ready cache-status objects
	// plus collapsed-snapshot entries.
	CacheSizeBytes int64

	// EvictionFloorBytes is the minimum size used in the eviction score,
	// so small objects aren't scored as free to evict just because
	// they're small.
	EvictionFloorBytes int64

	// EvictionDecayRate is the exponential decay constant applied to an
	// object's time since last use when scoring it for eviction.
	EvictionDecayRate float64

	// EvictionGracePeriod bounds how long a ready=false cache-status row
	// can sit before it's treated as a crash orphan eligible for sweep.
	EvictionGracePeriod time.Duration

	// PromoteThreshold is the number of recent misses against the same
	// delta-chain head required to trigger collapsed-snapshot promotion.
	PromoteThreshold int

	// PromoteLookback bounds how far back miss-log rows count toward
	// PromoteThreshold.
	PromoteLookback time.Duration

	// ClaimWaitTimeout bounds how long a losing claimant waits for the
	// winning claimant to mark an object ready before giving up.
	ClaimWaitTimeout time.Duration
}

// RegisterCacheManagerDefaults seeds the cache manager's defaults.
func RegisterCacheManagerDefaults() {
	if v == nil {
		return
	}
	v.SetDefault(KeyCacheSizeBytes, int64(10<<30)) // 10 GiB
	v.SetDefault(KeyCacheEvictionFloorBytes, int64(64<<10))
	v.SetDefault(KeyCacheEvictionDecayRate, 1.0/3600.0)
	v.SetDefault(KeyCacheEvictionGrace, "10m")
	v.SetDefault(KeyCachePromoteThreshold, 5)
	v.SetDefault(KeyCachePromoteLookback, "1h")
	v.SetDefault(KeyCacheClaimWaitTimeout, "30s")
}

// GetCacheManagerConfig returns the current cache manager configuration.
func GetCacheManagerConfig() CacheManagerConfig {
	return CacheManagerConfig{
		CacheSizeBytes:      GetInt64(KeyCacheSizeBytes),
		EvictionFloorBytes:  GetInt64(KeyCacheEvictionFloorBytes),
		EvictionDecayRate:   GetFloat64(KeyCacheEvictionDecayRate),
		EvictionGracePeriod: GetDuration(KeyCacheEvictionGrace),
		PromoteThreshold:    GetInt(KeyCachePromoteThreshold),
		PromoteLookback:     GetDuration(KeyCachePromoteLookback),
		ClaimWaitTimeout:    GetDuration(KeyCacheClaimWaitTimeout),
	}
}

package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strconv"
	"time"

	"github.com/data-steve/rowcol-sync/config"
)

func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN_SECONDS"))
	if err != nil {
		lifespan = 60
	}
	return time.Duration(lifespan) * time.Second
}

/* Redis */

// CacheKey builds a stable key for an API response cached within a sync cycle.
func CacheKey(tenantId string, rail string, endpoint string, query string) string {
	sum := sha256.Sum256([]byte(endpoint + "?" + query))
	return "ApiCache:" + tenantId + ":" + rail + ":" + hex.EncodeToString(sum[:16])
}

// RetrieveCached fetches a cached API response, nil if absent.
func RetrieveCached[T any](key string) (*T, error) {
	var obj T
	exists, err := config.GetRedisObject(key, &obj)
	if err != nil || !exists {
		return nil, err
	}
	return &obj, nil
}

// StoreCached stores an API response for the short cache lifespan.
func StoreCached[T any](key string, obj *T, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = GetCacheLifespan()
	}
	return config.SetRedisObject(key, obj, ttl)
}

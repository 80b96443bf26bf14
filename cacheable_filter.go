package filterindex

import (
	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/filterindex/filterdb"
)

// FilterCacheKey is the key used to index retrieved filters in the filter
// cache.
type FilterCacheKey struct {
	BlockHash  chainhash.Hash
	FilterType filterdb.FilterType
}

// CacheableFilter is a wrapper around the gcs.Filter type which provides a
// Size method used by the cache to target certain memory usage.
type CacheableFilter struct {
	Filter *gcs.Filter
}

// Size returns the size of the filter in bytes.
func (c *CacheableFilter) Size() (uint64, error) {
	f, err := c.Filter.NBytes()
	if err != nil {
		return 0, err
	}
	return uint64(len(f)), nil
}

package filterindex

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/btcutil/gcs/builder"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/filterindex/filterdb"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
)

const (
	// DefaultFilterCacheSize is the size in bytes of the filter cache
	// that's used if the config doesn't specify one.
	DefaultFilterCacheSize uint64 = 4096 * 1000
)

var (
	// ErrInvalidRange is returned when a range lookup is requested with a
	// negative start height or a start height above the stop node.
	ErrInvalidRange = errors.New("invalid filter range")

	// ErrIncompleteRange is returned when a range lookup couldn't produce
	// a filter record for every height in the requested window. No
	// partial result is ever returned alongside it.
	ErrIncompleteRange = errors.New("incomplete filter range")
)

// Config houses the configuration options of a filter index.
type Config struct {
	// FilterType is the filter type descriptor the index maintains
	// filters for.
	FilterType filterdb.FilterType

	// DataDir is the directory the index database lives in. Ignored if
	// MemOnly is set.
	DataDir string

	// CacheSize is a hint for the size of the database page cache, in
	// bytes.
	CacheSize int

	// FilterCacheSize is the capacity of the in-memory filter cache, in
	// bytes. DefaultFilterCacheSize is used if left at zero.
	FilterCacheSize uint64

	// MemOnly indicates the index should be kept entirely in memory.
	MemOnly bool

	// Wipe indicates any previously indexed filters of this filter type
	// should be deleted before first use, forcing a re-index.
	Wipe bool
}

// FilterIndex maintains the filters of a single filter type for every block
// that is or ever was part of the best chain. Filters of best-chain blocks
// are indexed by height; filters of blocks that a reorg displaced from the
// best chain remain retrievable by block hash. Lookups are keyed by chain
// nodes supplied by the caller, so they resolve correctly against any branch
// the caller can name, not just the branch the index currently considers
// active.
//
// All writes accumulate in a standing database session. The caller owns the
// commit cadence via Commit.
type FilterIndex struct {
	filterType filterdb.FilterType

	store filterdb.FilterDatabase

	filterCache *lru.Cache[FilterCacheKey, *CacheableFilter]
}

// New creates a filter index for the filter type given in the config. The
// underlying filter table is created if needed, and wiped before use if the
// config requests it.
func New(cfg Config) (*FilterIndex, error) {
	store, err := filterdb.New(filterdb.Config{
		FilterType: cfg.FilterType,
		DBPath:     cfg.DataDir,
		CacheSize:  cfg.CacheSize,
		MemOnly:    cfg.MemOnly,
		Wipe:       cfg.Wipe,
	})
	if err != nil {
		return nil, err
	}

	filterCacheSize := cfg.FilterCacheSize
	if filterCacheSize == 0 {
		filterCacheSize = DefaultFilterCacheSize
	}

	return &FilterIndex{
		filterType: cfg.FilterType,
		store:      store,
		filterCache: lru.NewCache[FilterCacheKey, *CacheableFilter](
			filterCacheSize,
		),
	}, nil
}

// FilterType returns the filter type descriptor the index maintains filters
// for.
func (f *FilterIndex) FilterType() filterdb.FilterType {
	return f.filterType
}

// PutFilter indexes the given filter as the active filter of the given chain
// node. Re-indexing a block that already has a record, active or displaced,
// is a no-op.
func (f *FilterIndex) PutFilter(node ChainNode, filter *gcs.Filter) error {
	filterBytes, err := filter.NBytes()
	if err != nil {
		return err
	}
	filterHash, err := builder.GetFilterHash(filter)
	if err != nil {
		return err
	}

	record := &filterdb.FilterRecord{
		BlockHash:  node.Hash(),
		FilterHash: filterHash,
		Filter:     filterBytes,
		Active:     true,
		Height:     node.Height(),
	}
	if err := f.store.PutFilter(record); err != nil {
		return err
	}

	log.Tracef("Indexed %v filter for block %v at height=%d",
		f.filterType.Name(), record.BlockHash, record.Height)

	// Prime the read cache. The filter of a block never changes, so the
	// cached entry stays valid even if the record is displaced later. A
	// cache failure only costs a future database read.
	cacheKey := FilterCacheKey{
		BlockHash:  record.BlockHash,
		FilterType: f.filterType,
	}
	_, err = f.filterCache.Put(cacheKey, &CacheableFilter{Filter: filter})
	if err != nil {
		log.Debugf("Unable to cache filter for block %v: %v",
			record.BlockHash, err)
	}

	return nil
}

// Rewind displaces every record with a height in the half-open interval
// (newTip.Height, currentTip.Height], to be called when the best chain is
// reorganized back to newTip. The displaced records remain retrievable by
// block hash.
//
// The records of the replacement branch must be inserted after the rewind,
// otherwise they'd be displaced along with the abandoned ones.
func (f *FilterIndex) Rewind(currentTip, newTip ChainNode) error {
	if newTip.Height() > currentTip.Height() {
		return fmt.Errorf("%w: new tip height %d is above current "+
			"tip height %d", ErrInvalidRange, newTip.Height(),
			currentTip.Height())
	}
	if newTip.Height() == currentTip.Height() {
		return nil
	}

	numDisplaced, err := f.store.MarkDisplaced(
		newTip.Height()+1, currentTip.Height(),
	)
	if err != nil {
		return err
	}

	log.Infof("Reorg displaced %d %v filter(s), heights %d-%d",
		numDisplaced, f.filterType.Name(), newTip.Height()+1,
		currentTip.Height())

	return nil
}

// LookupFilter returns the filter record of the given chain node, whether or
// not its block is still part of the best chain. ErrFilterNotFound is
// returned if no record exists for the block.
func (f *FilterIndex) LookupFilter(node ChainNode) (*filterdb.FilterRecord,
	error) {

	records, err := f.LookupFilterRange(node.Height(), node)
	switch {
	case errors.Is(err, ErrIncompleteRange):
		return nil, filterdb.ErrFilterNotFound
	case err != nil:
		return nil, err
	}

	return &records[0], nil
}

// LookupFilterHeader returns the filter content hash of the given chain
// node, whether or not its block is still part of the best chain.
// ErrFilterNotFound is returned if no record exists for the block.
func (f *FilterIndex) LookupFilterHeader(node ChainNode) (*chainhash.Hash,
	error) {

	hashes, err := f.LookupFilterHashRange(node.Height(), node)
	switch {
	case errors.Is(err, ErrIncompleteRange):
		return nil, filterdb.ErrFilterNotFound
	case err != nil:
		return nil, err
	}

	return &hashes[0], nil
}

// LookupFilterRange returns one filter record per height in
// [startHeight, stopNode.Height], each belonging to the ancestor of stopNode
// at that height, in ascending height order. The result is complete or the
// call fails: a single unresolvable height yields ErrIncompleteRange and no
// records.
func (f *FilterIndex) LookupFilterRange(startHeight int32,
	stopNode ChainNode) ([]filterdb.FilterRecord, error) {

	if err := checkRange(startHeight, stopNode); err != nil {
		return nil, err
	}

	// One bulk query captures every record the index still considers part
	// of the best chain within the window. On a quiet chain this resolves
	// the entire range without further queries.
	byHeight, err := f.store.FetchHeightRange(
		startHeight, stopNode.Height(),
	)
	if err != nil {
		return nil, err
	}
	active := make(map[int32]*filterdb.FilterRecord, len(byHeight))
	for i := range byHeight {
		active[byHeight[i].Height] = &byHeight[i]
	}

	// Walk the chain backward from the stop node. The walk, not the
	// height column, decides which block occupies each height: whenever
	// the active record at a height doesn't belong to the ancestor we're
	// at, the ancestor's filter was displaced by a reorg and is fetched
	// by block hash instead.
	records := make(
		[]filterdb.FilterRecord, stopNode.Height()-startHeight+1,
	)
	node := stopNode
	for height := stopNode.Height(); height >= startHeight; height-- {
		if node == nil {
			return nil, fmt.Errorf("%w: chain root reached "+
				"above height %d", ErrIncompleteRange, height)
		}
		blockHash := node.Hash()

		record, ok := active[height]
		if ok && record.BlockHash == blockHash {
			records[height-startHeight] = *record
		} else {
			displaced, err := f.store.FetchDisplaced(&blockHash)
			switch {
			case errors.Is(err, filterdb.ErrFilterNotFound):
				return nil, fmt.Errorf("%w: no filter for "+
					"block %v at height %d",
					ErrIncompleteRange, blockHash, height)

			case err != nil:
				return nil, err
			}

			records[height-startHeight] = *displaced
		}

		node = node.Parent()
	}

	return records, nil
}

// LookupFilterHashRange is identical to LookupFilterRange, but resolves only
// the filter content hashes, in ascending height order.
func (f *FilterIndex) LookupFilterHashRange(startHeight int32,
	stopNode ChainNode) ([]chainhash.Hash, error) {

	if err := checkRange(startHeight, stopNode); err != nil {
		return nil, err
	}

	byHeight, err := f.store.FetchHashRange(startHeight, stopNode.Height())
	if err != nil {
		return nil, err
	}
	active := make(map[int32]*filterdb.FilterRecord, len(byHeight))
	for i := range byHeight {
		active[byHeight[i].Height] = &byHeight[i]
	}

	hashes := make([]chainhash.Hash, stopNode.Height()-startHeight+1)
	node := stopNode
	for height := stopNode.Height(); height >= startHeight; height-- {
		if node == nil {
			return nil, fmt.Errorf("%w: chain root reached "+
				"above height %d", ErrIncompleteRange, height)
		}
		blockHash := node.Hash()

		record, ok := active[height]
		if ok && record.BlockHash == blockHash {
			hashes[height-startHeight] = record.FilterHash
		} else {
			displacedHash, err := f.store.FetchDisplacedHash(
				&blockHash,
			)
			switch {
			case errors.Is(err, filterdb.ErrFilterNotFound):
				return nil, fmt.Errorf("%w: no filter hash "+
					"for block %v at height %d",
					ErrIncompleteRange, blockHash, height)

			case err != nil:
				return nil, err
			}

			hashes[height-startHeight] = *displacedHash
		}

		node = node.Parent()
	}

	return hashes, nil
}

// FetchFilter returns the parsed filter of the given chain node, preferring
// the in-memory filter cache over the database.
func (f *FilterIndex) FetchFilter(node ChainNode) (*gcs.Filter, error) {
	cacheKey := FilterCacheKey{
		BlockHash:  node.Hash(),
		FilterType: f.filterType,
	}

	cached, err := f.filterCache.Get(cacheKey)
	if err == nil {
		return cached.Filter, nil
	}
	if !errors.Is(err, cache.ErrElementNotFound) {
		return nil, err
	}

	record, err := f.LookupFilter(node)
	if err != nil {
		return nil, err
	}

	filter, err := gcs.FromNBytes(
		builder.DefaultP, builder.DefaultM, record.Filter,
	)
	if err != nil {
		return nil, err
	}

	_, err = f.filterCache.Put(cacheKey, &CacheableFilter{Filter: filter})
	if err != nil {
		log.Debugf("Unable to cache filter for block %v: %v",
			record.BlockHash, err)
	}

	return filter, nil
}

// Commit commits all writes issued since the last commit as one atomic unit.
// The commit cadence is owned by the indexing driver, the index itself never
// commits on its own.
func (f *FilterIndex) Commit() error {
	return f.store.Commit()
}

// Close releases the index's database resources. Writes since the last
// commit are discarded.
func (f *FilterIndex) Close() error {
	return f.store.Close()
}

// checkRange validates the window of a range lookup before any query is
// issued.
func checkRange(startHeight int32, stopNode ChainNode) error {
	if startHeight < 0 {
		return fmt.Errorf("%w: start height %d is negative",
			ErrInvalidRange, startHeight)
	}
	if startHeight > stopNode.Height() {
		return fmt.Errorf("%w: start height %d is greater than stop "+
			"height %d", ErrInvalidRange, startHeight,
			stopNode.Height())
	}

	return nil
}

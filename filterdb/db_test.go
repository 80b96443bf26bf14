package filterdb

import (
	"math/rand"
	"testing"

	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/btcutil/gcs/builder"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *FilterStore {
	store, err := New(Config{
		FilterType: RegularFilter,
		CacheSize:  100 * 1024,
		MemOnly:    true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

func genRandFilter(t *testing.T, numElements uint32) *gcs.Filter {
	elements := make([][]byte, numElements)
	for i := uint32(0); i < numElements; i++ {
		var elem [20]byte
		_, err := rand.Read(elem[:])
		require.NoError(t, err)

		elements[i] = elem[:]
	}

	var key [16]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)

	filter, err := gcs.BuildGCSFilter(
		builder.DefaultP, builder.DefaultM, key, elements,
	)
	require.NoError(t, err)

	return filter
}

// genRandRecord generates an active filter record at the given height, with
// a random block hash and a random filter.
func genRandRecord(t *testing.T, height int32) *FilterRecord {
	var blockHash chainhash.Hash
	_, err := rand.Read(blockHash[:])
	require.NoError(t, err)

	filter := genRandFilter(t, 50)
	filterBytes, err := filter.NBytes()
	require.NoError(t, err)
	filterHash, err := builder.GetFilterHash(filter)
	require.NoError(t, err)

	return &FilterRecord{
		BlockHash:  blockHash,
		FilterHash: filterHash,
		Filter:     filterBytes,
		Active:     true,
		Height:     height,
	}
}

// TestNewInvalidFilterType tests that creating a store for an unknown filter
// type descriptor fails.
func TestNewInvalidFilterType(t *testing.T) {
	t.Parallel()

	_, err := New(Config{
		FilterType: FilterType(255),
		MemOnly:    true,
	})
	require.ErrorIs(t, err, ErrInvalidFilterType)
}

// TestFilterStorage tests writing to and reading from the filter store, and
// that the stored filter hash is reproducible from the stored filter bytes.
func TestFilterStorage(t *testing.T) {
	t.Parallel()

	store := createTestStore(t)

	record := genRandRecord(t, 7)
	require.NoError(t, store.PutFilter(record))

	fetched, err := store.FetchHeightRange(7, 7)
	require.NoError(t, err)
	require.Len(t, fetched, 1)
	require.Equal(t, *record, fetched[0])

	// The stored filter hash must be recomputable from the stored filter
	// bytes alone.
	filter, err := gcs.FromNBytes(
		builder.DefaultP, builder.DefaultM, fetched[0].Filter,
	)
	require.NoError(t, err)
	filterHash, err := builder.GetFilterHash(filter)
	require.NoError(t, err)
	require.Equal(t, fetched[0].FilterHash, filterHash)
}

// TestFetchHeightRangeOrder tests that bulk fetches cover exactly the
// requested window, in descending height order.
func TestFetchHeightRangeOrder(t *testing.T) {
	t.Parallel()

	store := createTestStore(t)

	for height := int32(0); height <= 9; height++ {
		require.NoError(t, store.PutFilter(genRandRecord(t, height)))
	}

	fetched, err := store.FetchHeightRange(3, 7)
	require.NoError(t, err)
	require.Len(t, fetched, 5)
	for i, record := range fetched {
		require.True(t, record.Active)
		require.Equal(t, int32(7-i), record.Height)
	}

	// The hash-only variant covers the same window but omits the filter
	// bytes.
	hashes, err := store.FetchHashRange(3, 7)
	require.NoError(t, err)
	require.Len(t, hashes, 5)
	for i, record := range hashes {
		require.Equal(t, fetched[i].BlockHash, record.BlockHash)
		require.Equal(t, fetched[i].FilterHash, record.FilterHash)
		require.Nil(t, record.Filter)
	}
}

// TestPutFilterIdempotent tests that re-inserting a record for a block hash
// that's already present doesn't create a second row or alter the first.
func TestPutFilterIdempotent(t *testing.T) {
	t.Parallel()

	store := createTestStore(t)

	record := genRandRecord(t, 3)
	require.NoError(t, store.PutFilter(record))

	// Re-insert the same block at a different height. The original row
	// must win.
	dupe := *record
	dupe.Height = 9
	require.NoError(t, store.PutFilter(&dupe))

	fetched, err := store.FetchHeightRange(0, 10)
	require.NoError(t, err)
	require.Len(t, fetched, 1)
	require.Equal(t, int32(3), fetched[0].Height)
}

// TestMarkDisplaced tests the height to hash index migration of records
// during a reorg.
func TestMarkDisplaced(t *testing.T) {
	t.Parallel()

	store := createTestStore(t)

	records := make([]*FilterRecord, 6)
	for height := int32(0); height <= 5; height++ {
		records[height] = genRandRecord(t, height)
		require.NoError(t, store.PutFilter(records[height]))
	}

	// Displace the two records at the chain tip.
	numDisplaced, err := store.MarkDisplaced(4, 5)
	require.NoError(t, err)
	require.EqualValues(t, 2, numDisplaced)

	// Only heights 0-3 remain reachable by height.
	fetched, err := store.FetchHeightRange(0, 5)
	require.NoError(t, err)
	require.Len(t, fetched, 4)

	// The displaced records remain reachable by block hash, with their
	// contents untouched.
	displaced, err := store.FetchDisplaced(&records[4].BlockHash)
	require.NoError(t, err)
	require.False(t, displaced.Active)
	require.Equal(t, records[4].FilterHash, displaced.FilterHash)
	require.Equal(t, records[4].Filter, displaced.Filter)

	displacedHash, err := store.FetchDisplacedHash(&records[5].BlockHash)
	require.NoError(t, err)
	require.Equal(t, records[5].FilterHash, *displacedHash)

	// An active record has no displaced row.
	_, err = store.FetchDisplaced(&records[3].BlockHash)
	require.ErrorIs(t, err, ErrFilterNotFound)

	// A displaced record can't be flipped back to active by re-inserting
	// it.
	require.NoError(t, store.PutFilter(records[4]))
	_, err = store.FetchDisplaced(&records[4].BlockHash)
	require.NoError(t, err)

	// The displaced records' height slots can be taken over by new
	// blocks.
	require.NoError(t, store.PutFilter(genRandRecord(t, 4)))
	require.NoError(t, store.PutFilter(genRandRecord(t, 5)))
	fetched, err = store.FetchHeightRange(0, 5)
	require.NoError(t, err)
	require.Len(t, fetched, 6)
}

// TestWipe tests that opening a store with the wipe flag deletes all
// previously committed records.
func TestWipe(t *testing.T) {
	t.Parallel()

	dbPath := t.TempDir()

	store, err := New(Config{
		FilterType: RegularFilter,
		DBPath:     dbPath,
	})
	require.NoError(t, err)

	require.NoError(t, store.PutFilter(genRandRecord(t, 0)))
	require.NoError(t, store.Commit())
	require.NoError(t, store.Close())

	store, err = New(Config{
		FilterType: RegularFilter,
		DBPath:     dbPath,
		Wipe:       true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	fetched, err := store.FetchHeightRange(0, 10)
	require.NoError(t, err)
	require.Empty(t, fetched)
}

// TestCommitDurability tests that committed writes survive a store reopen
// while uncommitted writes are discarded.
func TestCommitDurability(t *testing.T) {
	t.Parallel()

	dbPath := t.TempDir()
	cfg := Config{
		FilterType: RegularFilter,
		DBPath:     dbPath,
	}

	store, err := New(cfg)
	require.NoError(t, err)

	committed := genRandRecord(t, 0)
	require.NoError(t, store.PutFilter(committed))
	require.NoError(t, store.Commit())

	// This record is still pending in the write session when the store is
	// closed below, so it must not survive the reopen.
	require.NoError(t, store.PutFilter(genRandRecord(t, 1)))
	require.NoError(t, store.Close())

	store, err = New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	fetched, err := store.FetchHeightRange(0, 10)
	require.NoError(t, err)
	require.Len(t, fetched, 1)
	require.Equal(t, *committed, fetched[0])
}

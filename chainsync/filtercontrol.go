package chainsync

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/filterindex/filterdb"
)

// ErrCheckpointMismatch is returned if a given filter hash doesn't pass our
// control check.
var ErrCheckpointMismatch = fmt.Errorf("checkpoint doesn't match")

// filterHashCheckpoints holds a mapping from heights to filter hashes for
// various heights. We use them to check whether a re-indexed chain produced
// the filters we expect.
var filterHashCheckpoints = map[wire.BitcoinNet]map[int32]*chainhash.Hash{
	// Mainnet filter hash checkpoints.
	chaincfg.MainNetParams.Net: {},

	// Testnet filter hash checkpoints.
	chaincfg.TestNet3Params.Net: {},
}

// ControlFilterHash controls the given filter hash against our list of
// checkpoints. It returns ErrCheckpointMismatch if we have a checkpoint at
// the given height, and it doesn't match.
func ControlFilterHash(params chaincfg.Params, fType filterdb.FilterType,
	height int32, filterHash *chainhash.Hash) error {

	if fType != filterdb.RegularFilter {
		return fmt.Errorf("unsupported filter type %v", fType)
	}

	control, ok := filterHashCheckpoints[params.Net]
	if !ok {
		return nil
	}

	hash, ok := control[height]
	if !ok {
		return nil
	}

	if *filterHash != *hash {
		return ErrCheckpointMismatch
	}

	return nil
}

func hashFromStr(hexStr string) *chainhash.Hash {
	hash, _ := chainhash.NewHashFromStr(hexStr)
	return hash
}

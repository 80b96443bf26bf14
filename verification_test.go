package filterindex

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/btcutil/gcs/builder"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// testBlock assembles a block with one non-coinbase transaction paying to
// the given output scripts.
func testBlock(outputScripts ...[]byte) *wire.MsgBlock {
	tx := &wire.MsgTx{
		Version: 2,
	}
	for _, pkScript := range outputScripts {
		tx.TxOut = append(tx.TxOut, &wire.TxOut{
			Value:    999,
			PkScript: pkScript,
		})
	}

	return &wire.MsgBlock{
		Header: wire.BlockHeader{
			PrevBlock:  [32]byte{1, 2, 3},
			MerkleRoot: [32]byte{3, 2, 1},
		},
		Transactions: []*wire.MsgTx{
			{}, // Fake coinbase TX.
			tx,
		},
	}
}

// TestVerifyBasicBlockFilter tests that a filter is correctly inspected for
// validity against a block.
func TestVerifyBasicBlockFilter(t *testing.T) {
	t.Parallel()

	scriptA := []byte{
		txscript.OP_0, txscript.OP_DATA_20,
		1, 2, 3, 4, 5, 6, 7, 8, 9, 10,
		11, 12, 13, 14, 15, 16, 17, 18, 19, 20,
	}
	scriptB := []byte{
		txscript.OP_0, txscript.OP_DATA_20,
		20, 19, 18, 17, 16, 15, 14, 13, 12, 11,
		10, 9, 8, 7, 6, 5, 4, 3, 2, 1,
	}
	opReturn := []byte{txscript.OP_RETURN, txscript.OP_DATA_2, 42, 42}

	// A correctly built filter for the block passes verification. The
	// OP_RETURN output must not be required to match.
	msgBlock := testBlock(scriptA, scriptB, opReturn)
	block := btcutil.NewBlock(msgBlock)

	validFilter, err := builder.BuildBasicFilter(msgBlock, nil)
	require.NoError(t, err)
	require.NoError(t, VerifyBasicBlockFilter(validFilter, block))

	// A filter committing only to one of the two output scripts must be
	// rejected.
	key := builder.DeriveKey(block.Hash())
	partialFilter, err := gcs.BuildGCSFilter(
		builder.DefaultP, builder.DefaultM, key, [][]byte{scriptA},
	)
	require.NoError(t, err)
	require.Error(t, VerifyBasicBlockFilter(partialFilter, block))
}

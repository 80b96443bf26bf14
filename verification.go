package filterindex

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/btcutil/gcs/builder"
	"github.com/btcsuite/btcd/txscript"
)

// VerifyBasicBlockFilter asserts that a given basic filter was constructed
// according to the rules of BIP-0158 for the given block, meaning it matches
// both the block's output scripts and the scripts its witness inputs spend.
// Drivers can run this check before handing a filter to PutFilter.
func VerifyBasicBlockFilter(filter *gcs.Filter, block *btcutil.Block) error {
	key := builder.DeriveKey(block.Hash())

	for idx, tx := range block.Transactions() {
		// Skip coinbase transaction.
		if idx == 0 {
			continue
		}

		// Every regular output script must be matched by the filter.
		// Empty scripts and OP_RETURN outputs aren't indexed, so no
		// conclusion can be drawn from them.
		for outIdx, txOut := range tx.MsgTx().TxOut {
			if len(txOut.PkScript) == 0 ||
				txOut.PkScript[0] == txscript.OP_RETURN {

				continue
			}

			match, err := filter.Match(key, txOut.PkScript)
			if err != nil {
				return fmt.Errorf("error matching block %v "+
					"outpoint %v:%d script %x against "+
					"filter: %w", block.Hash(), tx.Hash(),
					outIdx, txOut.PkScript, err)
			}
			if !match {
				return fmt.Errorf("filter for block %v is "+
					"invalid, outpoint %v:%d script %x "+
					"wasn't matched by filter",
					block.Hash(), tx.Hash(), outIdx,
					txOut.PkScript)
			}
		}

		// The filter must also commit to the scripts the inputs are
		// spending. The full script can only be recovered reliably
		// from witness spends, so non-witness inputs are skipped.
		for inIdx, in := range tx.MsgTx().TxIn {
			if len(in.Witness) == 0 {
				continue
			}

			script, err := txscript.ComputePkScript(
				in.SignatureScript, in.Witness,
			)
			if err != nil {
				// If the spent script can't be derived, the
				// filter can't be called faulty for it.
				log.Tracef("Skipping filter validation for "+
					"input %d of tx %v in block %v: %v",
					inIdx, tx.Hash(), block.Hash(), err)

				continue
			}

			match, err := filter.Match(key, script.Script())
			if err != nil {
				return fmt.Errorf("error matching block %v "+
					"input %d of tx %v script %x against "+
					"filter: %w", block.Hash(), inIdx,
					tx.Hash(), script.Script(), err)
			}
			if !match {
				// Taproot spends reveal no pk script in the
				// witness, so a mismatch here is only logged.
				log.Errorf("filter for block %v might be "+
					"invalid, input %d of tx %v spends "+
					"pk script %x which wasn't matched "+
					"by filter", block.Hash(), inIdx,
					tx.Hash(), script.Script())
			}
		}
	}

	return nil
}

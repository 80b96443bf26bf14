package filterindex

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// ChainNode describes one block's position within some chain of blocks. The
// chain a node belongs to doesn't have to be the best chain: after a reorg,
// lookups are regularly served for nodes of an abandoned branch.
//
// Chain nodes are read-only to this package and are assumed to be
// internally consistent, meaning parent links terminate at a node of height
// zero and each parent's height is one below its child's.
type ChainNode interface {
	// Height returns the height of the node's block within its chain.
	Height() int32

	// Hash returns the hash of the node's block.
	Hash() chainhash.Hash

	// Parent returns the previous node on the node's chain, or nil if the
	// node is the chain's root.
	Parent() ChainNode
}

// BlockNode is a minimal ChainNode backed by plain values. It's the node
// type drivers without their own chain representation, and this package's
// tests, link chains together with.
type BlockNode struct {
	blockHash chainhash.Hash
	height    int32
	parent    *BlockNode
}

// NewBlockNode creates a chain node for the given block hash and height,
// extending the chain ending in parent. A nil parent starts a new chain.
func NewBlockNode(blockHash chainhash.Hash, height int32,
	parent *BlockNode) *BlockNode {

	return &BlockNode{
		blockHash: blockHash,
		height:    height,
		parent:    parent,
	}
}

// Height returns the height of the node's block within its chain.
//
// This is part of the ChainNode interface.
func (b *BlockNode) Height() int32 {
	return b.height
}

// Hash returns the hash of the node's block.
//
// This is part of the ChainNode interface.
func (b *BlockNode) Hash() chainhash.Hash {
	return b.blockHash
}

// Parent returns the previous node on the node's chain.
//
// This is part of the ChainNode interface.
func (b *BlockNode) Parent() ChainNode {
	if b.parent == nil {
		return nil
	}

	return b.parent
}

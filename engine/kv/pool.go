// Package kv implements the block-level KV cache bookkeeping: a fixed
// arena of token blocks with owner counting (BlockPool) and a
// content-addressed index over full-block prefixes (PrefixIndex).
//
// Blocks hold token ids only; tensor memory layout is the execution
// engine's concern. A full block is immutable; appends happen only on the
// last, non-full block of a sequence's chain, and only while that block
// has a single owner.
package kv

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrPoolExhausted signals that no free block is available. It is a
// scheduling signal, not a failure: the scheduler reacts by throttling
// admission or preempting a running sequence.
var ErrPoolExhausted = errors.New("kv: block pool exhausted")

// ErrReleaseUnowned is returned when releasing a block whose owner count
// is already zero. This is an accounting bug in the caller, never a no-op.
var ErrReleaseUnowned = errors.New("kv: release of unowned block")

// Block is a fixed-capacity unit of cache storage.
// Each block stores up to BlockSize tokens and carries a chained prefix
// hash once full. A block with OwnerCount == 0 is free (or parked while
// pinned) and must not be referenced by any sequence.
type Block struct {
	ID         int64  // stable arena index
	OwnerCount int    // number of sequences referencing this block
	Pinned     bool   // referenced by the in-flight batch; exempt from reuse
	Hash       string // chained prefix hash (set when full and registered)
	Tokens     []int  // token ids held; full when len(Tokens) == BlockSize
	PrevFree   *Block // LRU doubly linked free list
	NextFree   *Block
}

// IsFull reports whether the block has reached capacity.
func (b *Block) IsFull(blockSize int64) bool {
	return int64(len(b.Tokens)) == blockSize
}

// BlockPool owns a fixed number of fixed-capacity blocks. Allocation is
// O(1) off an LRU free list; owner counts track sharing. The mutex makes
// owner-count mutation safe against release calls arriving from the
// batch-completion path while the scheduling loop allocates.
type BlockPool struct {
	mu sync.Mutex

	totalBlocks int64
	blockSize   int64
	blocks      []*Block
	freeHead    *Block
	freeTail    *Block
	usedCnt     int64

	// onEvict is called (with the mutex held) when a recycled free block
	// still carried a prefix hash, so the PrefixIndex can drop the stale
	// entry. May be nil.
	onEvict func(hash string, id int64)
}

// NewBlockPool initializes the pool and places all blocks in the free
// list in arena order. Panics on non-positive sizes: pool geometry is
// startup configuration, not runtime input.
func NewBlockPool(totalBlocks, blockSize int64) *BlockPool {
	if totalBlocks <= 0 {
		panic(fmt.Sprintf("NewBlockPool: totalBlocks must be > 0, got %d", totalBlocks))
	}
	if blockSize <= 0 {
		panic(fmt.Sprintf("NewBlockPool: blockSize must be > 0, got %d", blockSize))
	}
	p := &BlockPool{
		totalBlocks: totalBlocks,
		blockSize:   blockSize,
		blocks:      make([]*Block, totalBlocks),
	}
	for i := int64(0); i < totalBlocks; i++ {
		blk := &Block{ID: i}
		p.blocks[i] = blk
		p.appendToFreeList(blk)
	}
	return p
}

// SetEvictHook registers the callback invoked when reuse of a free block
// destroys its prefix hash.
func (p *BlockPool) SetEvictHook(fn func(hash string, id int64)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEvict = fn
}

// appendToFreeList inserts a block at the tail of the free list.
func (p *BlockPool) appendToFreeList(block *Block) {
	block.NextFree = nil
	// either both head and tail are nil, or neither is
	if p.freeTail != nil {
		p.freeTail.NextFree = block
		block.PrevFree = p.freeTail
		p.freeTail = block
	} else {
		p.freeHead = block
		p.freeTail = block
		block.PrevFree = nil
	}
}

// removeFromFreeList detaches a block from the LRU free list.
func (p *BlockPool) removeFromFreeList(block *Block) {
	if block.PrevFree != nil {
		block.PrevFree.NextFree = block.NextFree
	} else {
		p.freeHead = block.NextFree
	}
	if block.NextFree != nil {
		block.NextFree.PrevFree = block.PrevFree
	} else {
		p.freeTail = block.PrevFree
	}
	block.NextFree = nil
	block.PrevFree = nil
}

// Allocate pops the least-recently-freed block, clears it, and hands it
// to the caller with OwnerCount 1. Returns ErrPoolExhausted when the free
// list is empty; the caller decides whether to throttle or preempt.
func (p *BlockPool) Allocate() (*Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	head := p.freeHead
	if head == nil {
		return nil, ErrPoolExhausted
	}
	p.removeFromFreeList(head)
	if head.Hash != "" {
		// reusing this block invalidates its cached prefix
		if p.onEvict != nil {
			p.onEvict(head.Hash, head.ID)
		}
		head.Hash = ""
	}
	head.Tokens = nil
	head.OwnerCount = 1
	p.usedCnt++
	logrus.Debugf("kv: allocated block %d (%d/%d used)", head.ID, p.usedCnt, p.totalBlocks)
	return head, nil
}

// Retain adds an owner to an existing block (prefix sharing). If the
// block was sitting in the free list with a surviving hash, it is revived.
func (p *BlockPool) Retain(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	blk := p.blocks[id]
	blk.OwnerCount++
	if blk.OwnerCount == 1 && !blk.Pinned {
		p.removeFromFreeList(blk)
		p.usedCnt++
	}
}

// Release drops one owner from a block. When the count reaches zero the
// block returns to the free list tail (unless pinned by the in-flight
// batch, in which case it is parked until Unpin). Releasing a block that
// has no owners is an invariant violation.
func (p *BlockPool) Release(id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	blk := p.blocks[id]
	if blk.OwnerCount <= 0 {
		return fmt.Errorf("block %d: %w", id, ErrReleaseUnowned)
	}
	blk.OwnerCount--
	if blk.OwnerCount == 0 && !blk.Pinned {
		p.usedCnt--
		p.appendToFreeList(blk)
	}
	return nil
}

// Pin marks a block as referenced by the in-flight batch. A pinned block
// whose owner count drops to zero stays out of the free list until Unpin.
func (p *BlockPool) Pin(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocks[id].Pinned = true
}

// Unpin clears the in-flight mark, returning the block to the free list
// if all owners released it while pinned.
func (p *BlockPool) Unpin(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	blk := p.blocks[id]
	if !blk.Pinned {
		return
	}
	blk.Pinned = false
	if blk.OwnerCount == 0 {
		p.usedCnt--
		p.appendToFreeList(blk)
	}
}

// Get returns the block with the given arena index.
func (p *BlockPool) Get(id int64) *Block { return p.blocks[id] }

// BlockSize returns the number of tokens per block.
func (p *BlockPool) BlockSize() int64 { return p.blockSize }

// TotalBlocks returns the total number of blocks in the arena.
func (p *BlockPool) TotalBlocks() int64 { return p.totalBlocks }

// FreeBlocks returns the number of blocks available for allocation.
func (p *BlockPool) FreeBlocks() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalBlocks - p.usedCnt
}

// UsedBlocks returns the number of blocks currently held or parked.
func (p *BlockPool) UsedBlocks() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usedCnt
}

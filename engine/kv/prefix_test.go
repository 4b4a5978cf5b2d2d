package kv

import (
	"errors"
	"testing"

	"github.com/ersintarhan/vllm-mlx/engine/internal/hash"
)

// fillBlock allocates a block, writes one full block worth of tokens from
// prefix, and indexes it under its chained hash. Returns the block id.
func fillBlock(t *testing.T, p *BlockPool, idx *PrefixIndex, prefix []int, blockIdx int) int64 {
	t.Helper()
	bs := int(p.BlockSize())
	blk, err := p.Allocate()
	if err != nil {
		t.Fatalf("allocate block %d: %v", blockIdx, err)
	}
	blk.Tokens = append([]int{}, prefix[blockIdx*bs:(blockIdx+1)*bs]...)
	hashes := hash.ComputeBlockHashes(bs, prefix[:(blockIdx+1)*bs])
	idx.Insert(hashes[blockIdx], blk.ID)
	return blk.ID
}

func TestLookup_BlockAlignedLongestMatch(t *testing.T) {
	// GIVEN two indexed full blocks for the prefix [1 2 3 4]
	p := NewBlockPool(8, 2)
	idx := NewPrefixIndex(p, 16)
	prefix := []int{1, 2, 3, 4}
	id0 := fillBlock(t, p, idx, prefix, 0)
	id1 := fillBlock(t, p, idx, prefix, 1)

	// WHEN looking up a sequence extending that prefix
	ids, matched, err := idx.Lookup([]int{1, 2, 3, 4, 5, 6, 7})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	// THEN both full blocks match; the partial tail does not
	if matched != 4 {
		t.Errorf("matched %d tokens, want 4", matched)
	}
	if len(ids) != 2 || ids[0] != id0 || ids[1] != id1 {
		t.Errorf("matched blocks %v, want [%d %d]", ids, id0, id1)
	}
}

func TestLookup_PartialBlockNeverMatches(t *testing.T) {
	p := NewBlockPool(4, 4)
	idx := NewPrefixIndex(p, 16)

	// A 3-token query cannot match anything in a 4-token-block index.
	ids, matched, err := idx.Lookup([]int{1, 2, 3})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(ids) != 0 || matched != 0 {
		t.Errorf("sub-block lookup matched %v (%d tokens), want nothing", ids, matched)
	}
}

func TestLookup_CollisionIsVerifiedNotTrusted(t *testing.T) {
	// GIVEN an index entry whose hash was forged onto different content
	p := NewBlockPool(4, 2)
	idx := NewPrefixIndex(p, 16)
	blk, _ := p.Allocate()
	blk.Tokens = []int{99, 98} // content that does NOT hash to h
	h := hash.ComputeBlockHashes(2, []int{1, 2})[0]
	idx.entries[h] = &prefixEntry{blockID: blk.ID}

	// WHEN a sequence looks up the colliding prefix
	ids, matched, err := idx.Lookup([]int{1, 2})

	// THEN the collision is caught, nothing is shared
	if !errors.Is(err, ErrPrefixCollision) {
		t.Fatalf("expected ErrPrefixCollision, got %v", err)
	}
	if len(ids) != 0 || matched != 0 {
		t.Errorf("collision leaked a match: ids=%v matched=%d", ids, matched)
	}
	if idx.Collisions() != 1 {
		t.Errorf("collision count = %d, want 1", idx.Collisions())
	}
}

func TestInsert_RejectsPartialBlock(t *testing.T) {
	p := NewBlockPool(4, 4)
	idx := NewPrefixIndex(p, 16)
	blk, _ := p.Allocate()
	blk.Tokens = []int{1, 2} // 2 of 4

	idx.Insert("whatever", blk.ID)
	if idx.Len() != 0 {
		t.Error("partial block must not be indexed")
	}
}

func TestInsert_LRUEvictionAtCapacity(t *testing.T) {
	// GIVEN an index bounded to 2 entries holding blocks A and B
	p := NewBlockPool(8, 2)
	idx := NewPrefixIndex(p, 2)
	prefixA := []int{1, 2}
	prefixB := []int{3, 4}
	prefixC := []int{5, 6}
	idA := fillBlock(t, p, idx, prefixA, 0)
	fillBlock(t, p, idx, prefixB, 0)

	// AND A was matched more recently than B
	if _, _, err := idx.Lookup(prefixA); err != nil {
		t.Fatalf("lookup: %v", err)
	}

	// WHEN a third entry is inserted
	fillBlock(t, p, idx, prefixC, 0)

	// THEN B (least recently matched) was evicted, A survives
	if idx.Len() != 2 {
		t.Fatalf("index len = %d, want 2", idx.Len())
	}
	ids, _, err := idx.Lookup(prefixA)
	if err != nil || len(ids) != 1 || ids[0] != idA {
		t.Errorf("A evicted instead of B: ids=%v err=%v", ids, err)
	}
	if ids, _, _ := idx.Lookup(prefixB); len(ids) != 0 {
		t.Error("B should have been evicted")
	}
}

func TestEviction_NeverFreesOwnedBlocks(t *testing.T) {
	// GIVEN an indexed block still owned by a sequence
	p := NewBlockPool(8, 2)
	idx := NewPrefixIndex(p, 1)
	idA := fillBlock(t, p, idx, []int{1, 2}, 0)
	usedBefore := p.UsedBlocks()

	// WHEN capacity pressure evicts its index entry
	fillBlock(t, p, idx, []int{3, 4}, 0)

	// THEN only the lookup key is gone; the block's memory is untouched
	if p.UsedBlocks() != usedBefore+1 {
		t.Errorf("eviction changed block ownership: used=%d", p.UsedBlocks())
	}
	blkA := p.Get(idA)
	if blkA.OwnerCount != 1 || len(blkA.Tokens) != 2 {
		t.Errorf("evicted entry's block mutated: owners=%d tokens=%v", blkA.OwnerCount, blkA.Tokens)
	}
}

func TestPoolReuse_DropsStaleIndexEntry(t *testing.T) {
	// GIVEN an indexed block whose owners all released it
	p := NewBlockPool(1, 2)
	idx := NewPrefixIndex(p, 16)
	id := fillBlock(t, p, idx, []int{1, 2}, 0)
	if err := p.Release(id); err != nil {
		t.Fatalf("release: %v", err)
	}

	// WHEN the pool recycles the block for new content
	if _, err := p.Allocate(); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	// THEN the index no longer claims the old prefix
	if idx.Len() != 0 {
		t.Errorf("stale entry survived block reuse: len=%d", idx.Len())
	}
	if ids, _, _ := idx.Lookup([]int{1, 2}); len(ids) != 0 {
		t.Error("lookup matched a recycled block")
	}
}

func TestHitRate(t *testing.T) {
	p := NewBlockPool(8, 2)
	idx := NewPrefixIndex(p, 16)
	if idx.HitRate() != 0 {
		t.Error("hit rate with no lookups must be 0")
	}
	fillBlock(t, p, idx, []int{1, 2}, 0)
	idx.Lookup([]int{1, 2}) // hit
	idx.Lookup([]int{9, 9}) // miss
	if got := idx.HitRate(); got != 0.5 {
		t.Errorf("hit rate = %v, want 0.5", got)
	}
}

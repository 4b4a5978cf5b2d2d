package kv

import (
	"errors"
	"testing"
)

// assertConservation verifies that used + free always equals the arena size.
func assertConservation(t *testing.T, p *BlockPool) {
	t.Helper()
	used := p.UsedBlocks()
	free := p.FreeBlocks()
	if used+free != p.TotalBlocks() {
		t.Errorf("block conservation violated: used=%d + free=%d != total=%d", used, free, p.TotalBlocks())
	}
	if used < 0 || free < 0 {
		t.Errorf("negative block count: used=%d free=%d", used, free)
	}
}

func TestNewBlockPool_AllBlocksFree(t *testing.T) {
	p := NewBlockPool(8, 4)
	if p.FreeBlocks() != 8 {
		t.Errorf("expected 8 free blocks, got %d", p.FreeBlocks())
	}
	assertConservation(t, p)
}

func TestNewBlockPool_InvalidGeometryPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for zero-block pool")
		}
	}()
	NewBlockPool(0, 4)
}

func TestAllocate_DrainsPoolThenExhausts(t *testing.T) {
	// GIVEN a pool of 3 blocks
	p := NewBlockPool(3, 2)

	// WHEN all blocks are allocated
	for i := 0; i < 3; i++ {
		blk, err := p.Allocate()
		if err != nil {
			t.Fatalf("allocation %d failed: %v", i, err)
		}
		if blk.OwnerCount != 1 {
			t.Errorf("fresh block owner count = %d, want 1", blk.OwnerCount)
		}
	}

	// THEN the next allocation reports exhaustion, not a generic error
	_, err := p.Allocate()
	if !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("expected ErrPoolExhausted, got %v", err)
	}
	assertConservation(t, p)
}

func TestRelease_ReturnsBlockAtZeroOwners(t *testing.T) {
	p := NewBlockPool(2, 2)
	blk, _ := p.Allocate()
	p.Retain(blk.ID) // second owner

	if err := p.Release(blk.ID); err != nil {
		t.Fatalf("first release: %v", err)
	}
	// still owned by one sequence, must not be free
	if p.FreeBlocks() != 1 {
		t.Errorf("block freed while still owned: free=%d", p.FreeBlocks())
	}

	if err := p.Release(blk.ID); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if p.FreeBlocks() != 2 {
		t.Errorf("block not returned to free list: free=%d", p.FreeBlocks())
	}
	assertConservation(t, p)
}

func TestRelease_UnownedBlockIsInvariantViolation(t *testing.T) {
	// GIVEN a block already back at zero owners
	p := NewBlockPool(2, 2)
	blk, _ := p.Allocate()
	if err := p.Release(blk.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	// WHEN it is released again
	err := p.Release(blk.ID)

	// THEN the double-free is reported, never swallowed
	if !errors.Is(err, ErrReleaseUnowned) {
		t.Errorf("expected ErrReleaseUnowned, got %v", err)
	}
	if blk.OwnerCount < 0 {
		t.Errorf("owner count went negative: %d", blk.OwnerCount)
	}
	assertConservation(t, p)
}

func TestPin_DefersFreeUntilUnpin(t *testing.T) {
	// GIVEN a pinned block whose last owner releases it mid-batch
	p := NewBlockPool(2, 2)
	blk, _ := p.Allocate()
	p.Pin(blk.ID)
	if err := p.Release(blk.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	// THEN the block is parked, not reusable
	if p.FreeBlocks() != 1 {
		t.Errorf("pinned block leaked into the free list: free=%d", p.FreeBlocks())
	}

	// WHEN the batch completes
	p.Unpin(blk.ID)

	// THEN the block becomes free
	if p.FreeBlocks() != 2 {
		t.Errorf("unpinned block not freed: free=%d", p.FreeBlocks())
	}
	assertConservation(t, p)
}

func TestAllocate_RecycledBlockTriggersEvictHook(t *testing.T) {
	// GIVEN a freed block that still carries a prefix hash
	p := NewBlockPool(1, 2)
	blk, _ := p.Allocate()
	blk.Tokens = []int{1, 2}
	blk.Hash = "stale"
	if err := p.Release(blk.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	var evicted string
	p.SetEvictHook(func(h string, id int64) { evicted = h })

	// WHEN the block is recycled
	got, err := p.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	// THEN the stale hash is reported and cleared
	if evicted != "stale" {
		t.Errorf("evict hook saw %q, want %q", evicted, "stale")
	}
	if got.Hash != "" || got.Tokens != nil {
		t.Errorf("recycled block not reset: hash=%q tokens=%v", got.Hash, got.Tokens)
	}
}

func TestRetain_RevivesFreeBlock(t *testing.T) {
	// A block in the free list with intact content can be re-owned by a
	// prefix hit without reallocation.
	p := NewBlockPool(2, 2)
	blk, _ := p.Allocate()
	blk.Tokens = []int{7, 8}
	if err := p.Release(blk.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	p.Retain(blk.ID)
	if blk.OwnerCount != 1 {
		t.Errorf("owner count = %d, want 1", blk.OwnerCount)
	}
	if p.FreeBlocks() != 1 {
		t.Errorf("revived block still counted free: free=%d", p.FreeBlocks())
	}
	if len(blk.Tokens) != 2 {
		t.Error("revival must not clear block content")
	}
	assertConservation(t, p)
}

package kv

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/ersintarhan/vllm-mlx/engine/internal/hash"
)

// ErrPrefixCollision is returned when a hash lookup matched an entry whose
// stored tokens differ from the queried prefix. Verification caught the
// collision before any state was shared, so correctness is preserved, but
// the condition is surfaced loudly: silently proceeding on a bare hash
// match would hand one sequence another sequence's cache.
var ErrPrefixCollision = errors.New("kv: prefix hash collision detected")

// PrefixIndex is a content-addressed lookup from chained block hashes to
// the blocks already holding that prefix's KV state. Matches are
// block-aligned only: a partial-block match is not reusable because
// blocks are immutable units.
//
// The index holds no ownership. Evicting an entry removes the lookup key;
// the block's own owner count governs memory reclamation.
type PrefixIndex struct {
	pool       *BlockPool
	maxEntries int
	entries    map[string]*prefixEntry
	clock      int64 // monotonic counter for LRU ordering

	hits       int64
	misses     int64
	collisions int64
}

// prefixEntry maps one full-block hash to its block, stamped with the
// last time a lookup matched it.
type prefixEntry struct {
	blockID   int64
	lastMatch int64
}

// NewPrefixIndex creates an index bounded to maxEntries tracked prefixes,
// evicted least-recently-matched first.
func NewPrefixIndex(pool *BlockPool, maxEntries int) *PrefixIndex {
	if maxEntries <= 0 {
		panic(fmt.Sprintf("NewPrefixIndex: maxEntries must be > 0, got %d", maxEntries))
	}
	idx := &PrefixIndex{
		pool:       pool,
		maxEntries: maxEntries,
		entries:    make(map[string]*prefixEntry),
	}
	pool.SetEvictHook(idx.dropByHash)
	return idx
}

// Lookup returns the block ids of the longest block-aligned prefix of
// tokens already cached, and the number of tokens they cover. Every hash
// hit is verified against the block's stored token span before it is
// trusted; a mismatch stops the walk and returns ErrPrefixCollision
// alongside the blocks matched so far.
func (idx *PrefixIndex) Lookup(tokens []int) (blockIDs []int64, matchedTokens int64, err error) {
	blockSize := idx.pool.BlockSize()
	hashes := hash.ComputeBlockHashes(int(blockSize), tokens)
	for i, h := range hashes {
		entry, ok := idx.entries[h]
		if !ok {
			idx.misses++
			break
		}
		blk := idx.pool.Get(entry.blockID)
		start := int64(i) * blockSize
		if !tokensEqual(blk.Tokens, tokens[start:start+blockSize]) {
			idx.collisions++
			logrus.Errorf("kv: hash collision on block %d: stored tokens differ from queried prefix (hash %s)", blk.ID, h)
			return blockIDs, matchedTokens, ErrPrefixCollision
		}
		idx.clock++
		entry.lastMatch = idx.clock
		idx.hits++
		blockIDs = append(blockIDs, entry.blockID)
		matchedTokens += blockSize
	}
	return blockIDs, matchedTokens, nil
}

// Insert registers a newly computed full block under its chained hash.
// Partial blocks are rejected. At capacity the least-recently-matched
// entry is evicted first.
func (idx *PrefixIndex) Insert(h string, blockID int64) {
	blk := idx.pool.Get(blockID)
	if !blk.IsFull(idx.pool.BlockSize()) {
		logrus.Errorf("kv: refusing to index partial block %d (%d/%d tokens)", blockID, len(blk.Tokens), idx.pool.BlockSize())
		return
	}
	if existing, ok := idx.entries[h]; ok {
		// already indexed (e.g., two sequences computed the same prefix);
		// keep the existing block as the canonical copy
		idx.clock++
		existing.lastMatch = idx.clock
		return
	}
	if len(idx.entries) >= idx.maxEntries {
		idx.evictOldest()
	}
	blk.Hash = h
	idx.clock++
	idx.entries[h] = &prefixEntry{blockID: blockID, lastMatch: idx.clock}
}

// evictOldest removes the least-recently-matched entry. Monotonic stamps
// guarantee a unique minimum. Only the index entry goes away: a block
// still owned by sequences keeps its memory until its owner count hits
// zero.
func (idx *PrefixIndex) evictOldest() {
	var oldestHash string
	oldestTime := int64(math.MaxInt64)
	for h, e := range idx.entries {
		if e.lastMatch < oldestTime {
			oldestTime = e.lastMatch
			oldestHash = h
		}
	}
	if oldestHash == "" {
		return
	}
	e := idx.entries[oldestHash]
	delete(idx.entries, oldestHash)
	idx.pool.Get(e.blockID).Hash = ""
	logrus.Debugf("kv: evicted prefix entry for block %d", e.blockID)
}

// dropByHash removes the entry for a block whose hash was destroyed by
// free-list reuse. Invoked by the pool's evict hook.
func (idx *PrefixIndex) dropByHash(h string, _ int64) {
	delete(idx.entries, h)
}

// Len returns the number of tracked prefix entries.
func (idx *PrefixIndex) Len() int { return len(idx.entries) }

// Hits returns the number of verified prefix matches.
func (idx *PrefixIndex) Hits() int64 { return idx.hits }

// Misses returns the number of failed lookups.
func (idx *PrefixIndex) Misses() int64 { return idx.misses }

// Collisions returns the number of hash collisions caught by verification.
func (idx *PrefixIndex) Collisions() int64 { return idx.collisions }

// HitRate returns the cumulative lookup hit rate, 0 if no lookups yet.
func (idx *PrefixIndex) HitRate() float64 {
	total := idx.hits + idx.misses
	if total == 0 {
		return 0
	}
	return float64(idx.hits) / float64(total)
}

func tokensEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

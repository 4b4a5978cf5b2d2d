// Package hash provides chained per-block hashing for KV cache prefix
// matching. Block hashes are hierarchical: each block's hash incorporates
// the previous block's hash, so two token sequences sharing their first K
// blocks produce identical hashes for those K blocks.
//
// Hashes are lookup keys only. Callers must verify every hash match by
// comparing the actual token spans: a colliding hash must never attach a
// sequence to someone else's cached state.
package hash

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// HashBlock computes the hash of a token block chained with the previous
// block's hash. Format: prevHash bytes, then "tokenN|" for each token.
func HashBlock(prevHash string, tokens []int) string {
	d := xxhash.New()
	_, _ = d.WriteString(prevHash)
	for _, t := range tokens {
		_, _ = d.WriteString(strconv.Itoa(t))
		_, _ = d.WriteString("|")
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

// ComputeBlockHashes returns hierarchical block hashes for a token sequence.
// Tokens that do not fill a complete block are ignored; partial blocks are
// mutable and therefore never cacheable.
func ComputeBlockHashes(blockSize int, tokens []int) []string {
	if blockSize <= 0 {
		return nil
	}
	numBlocks := len(tokens) / blockSize
	if numBlocks == 0 {
		return nil
	}
	hashes := make([]string, numBlocks)
	prevHash := ""
	for i := 0; i < numBlocks; i++ {
		start := i * blockSize
		end := start + blockSize
		hashes[i] = HashBlock(prevHash, tokens[start:end])
		prevHash = hashes[i]
	}
	return hashes
}

package engine

import (
	"fmt"

	"github.com/ersintarhan/vllm-mlx/engine/internal/util"
)

// Config holds the cache and scheduling knobs exposed to operators.
// Block size times max blocks caps total cache memory; the remaining
// fields bound concurrency and batching.
type Config struct {
	BlockSizeTokens        int64 // cache granularity / internal fragmentation trade-off
	MaxBlocks              int64 // total cache memory bound, in blocks
	PrefixCacheEnabled     bool  // toggle cross-request prefix reuse
	PrefixCacheMaxEntries  int   // tracked-prefix bound, LRU evicted
	MaxConcurrentSequences int   // max sequences in Prefill+Decoding at once
	PrefillBatchSize       int   // max admissions per scheduling step
	CompletionBatchSize    int   // max decoding sequences per step
	StreamInterval         int   // decoded tokens per stream flush group
	MaxPreemptionRetries   int   // preemptions tolerated before a sequence fails
}

// DefaultConfig returns a Config with conservative defaults suitable for
// tests and small deployments.
func DefaultConfig() Config {
	return Config{
		BlockSizeTokens:        16,
		MaxBlocks:              1024,
		PrefixCacheEnabled:     true,
		PrefixCacheMaxEntries:  4096,
		MaxConcurrentSequences: 64,
		PrefillBatchSize:       8,
		CompletionBatchSize:    64,
		StreamInterval:         4,
		MaxPreemptionRetries:   3,
	}
}

// Validate checks the configuration for feasibility. A pool that cannot
// hold one minimal sequence (one prompt token plus one generated token)
// is a fatal configuration error, not a runtime-retryable condition.
func (c Config) Validate() error {
	if c.BlockSizeTokens <= 0 {
		return fmt.Errorf("%w: block-size-tokens must be > 0, got %d", ErrConfigurationInfeasible, c.BlockSizeTokens)
	}
	if minBlocks := util.CeilDiv(2, c.BlockSizeTokens); c.MaxBlocks < minBlocks {
		return fmt.Errorf("%w: max-blocks=%d cannot hold a minimal sequence (needs %d blocks of %d tokens)",
			ErrConfigurationInfeasible, c.MaxBlocks, minBlocks, c.BlockSizeTokens)
	}
	if c.MaxConcurrentSequences <= 0 {
		return fmt.Errorf("%w: max-concurrent-sequences must be > 0, got %d", ErrConfigurationInfeasible, c.MaxConcurrentSequences)
	}
	if c.PrefillBatchSize <= 0 {
		return fmt.Errorf("%w: prefill-batch-size must be > 0, got %d", ErrConfigurationInfeasible, c.PrefillBatchSize)
	}
	if c.CompletionBatchSize <= 0 {
		return fmt.Errorf("%w: completion-batch-size must be > 0, got %d", ErrConfigurationInfeasible, c.CompletionBatchSize)
	}
	if c.StreamInterval <= 0 {
		return fmt.Errorf("%w: stream-interval must be > 0, got %d", ErrConfigurationInfeasible, c.StreamInterval)
	}
	if c.PrefixCacheEnabled && c.PrefixCacheMaxEntries <= 0 {
		return fmt.Errorf("%w: prefix-cache-max-entries must be > 0 when the prefix cache is enabled", ErrConfigurationInfeasible)
	}
	if c.MaxPreemptionRetries < 0 {
		return fmt.Errorf("%w: max-preemption-retries must be >= 0, got %d", ErrConfigurationInfeasible, c.MaxPreemptionRetries)
	}
	return nil
}
